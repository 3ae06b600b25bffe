// cmd/filingagent/cmd_session.go
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/happyahluwalia/filingagent/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionMessagesCmd, sessionHistoryCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect stored sessions",
}

var sessionMessagesCmd = &cobra.Command{
	Use:   "messages <session-id>",
	Short: "Print a session's conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		ctx := context.Background()
		a, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()

		messages, err := a.supervisor.Messages(ctx, types.ThreadID(args[0]))
		if err != nil {
			return err
		}
		for _, m := range messages {
			fmt.Fprintf(os.Stdout, "[%s] %s: %s\n", m.CreatedAt.Format("2006-01-02 15:04:05"), m.Role, m.Content)
		}
		return nil
	},
}

var sessionHistoryCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Print a session's checkpoint chain, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		ctx := context.Background()
		a, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()

		checkpoints, err := a.supervisor.History(ctx, types.ThreadID(args[0]))
		if err != nil {
			return err
		}
		for _, cp := range checkpoints {
			fmt.Fprintf(os.Stdout, "%s  %s  parent=%s  messages=%d\n",
				cp.CreatedAt.Format("2006-01-02 15:04:05"), cp.ID, cp.ParentID, len(cp.Session.Messages))
		}
		return nil
	},
}
