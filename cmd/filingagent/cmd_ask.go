// cmd/filingagent/cmd_ask.go
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/happyahluwalia/filingagent/internal/agent"
	"github.com/happyahluwalia/filingagent/internal/types"
)

var askSessionID string

func init() {
	askCmd.Flags().StringVar(&askSessionID, "session", "", "continue an existing session")
	rootCmd.AddCommand(askCmd)
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question from the command line",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	ctx := context.Background()
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	result, err := a.supervisor.Handle(ctx, agent.Request{
		Query:    strings.Join(args, " "),
		ThreadID: types.ThreadID(askSessionID),
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stdout, result.Answer.Text())
	if len(result.Sources) > 0 {
		fmt.Fprintln(os.Stdout, "\nSources:")
		for _, src := range result.Sources {
			fmt.Fprintf(os.Stdout, "  [%d] %s %s, %s\n", src.Index, src.Entity, src.FilingType, src.Section)
		}
	}
	fmt.Fprintf(os.Stdout, "\nSession: %s\n", result.ThreadID)
	return nil
}
