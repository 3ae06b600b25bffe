// cmd/filingagent/cmd_ingest.go
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/happyahluwalia/filingagent/internal/types"
)

var ingestFilingType string

func init() {
	ingestCmd.Flags().StringVar(&ingestFilingType, "filing-type", "10-K", "filing type to ingest (10-K or 10-Q)")
	rootCmd.AddCommand(ingestCmd)
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <ticker>...",
	Short: "Fetch and index filings ahead of time",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	ctx := context.Background()
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	for _, arg := range args {
		ticker := types.EntityID(strings.ToUpper(arg))
		if err := a.preparer.Prepare(ctx, ticker, ingestFilingType); err != nil {
			return fmt.Errorf("ingest %s: %w", ticker, err)
		}
		info, err := a.preparer.FilingInfo(ctx, ticker)
		if err != nil || info == nil {
			fmt.Fprintf(os.Stdout, "%s: ingested\n", ticker)
			continue
		}
		fmt.Fprintf(os.Stdout, "%s: %s (%d chunks)\n", ticker, info.DisplayName, info.ChunkCount)
	}
	return nil
}
