// cmd/filingagent/cmd_serve.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/happyahluwalia/filingagent/internal/httpapi"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	checks := map[string]httpapi.HealthChecker{
		"vector_store": httpapi.CheckFunc(a.qdrant.Healthy),
	}
	if a.pg != nil {
		checks["checkpoint_store"] = httpapi.CheckFunc(a.pg.Ping)
	}

	api := httpapi.NewServer(a.supervisor, a.registry, checks)
	// no WriteTimeout: SSE responses stay open for the whole turn
	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     api,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("filingagent started",
			"listen_addr", cfg.ListenAddr,
			"data_dir", cfg.DataDir,
			"llm_model", cfg.LLM.Model,
			"qdrant_url", cfg.Qdrant.URL,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigChan:
		slog.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
