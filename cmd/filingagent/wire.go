// cmd/filingagent/wire.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/happyahluwalia/filingagent/internal/agent"
	"github.com/happyahluwalia/filingagent/internal/checkpoint"
	"github.com/happyahluwalia/filingagent/internal/config"
	"github.com/happyahluwalia/filingagent/internal/entity"
	"github.com/happyahluwalia/filingagent/internal/history"
	"github.com/happyahluwalia/filingagent/internal/ingest"
	"github.com/happyahluwalia/filingagent/internal/retrieval"
	"github.com/happyahluwalia/filingagent/internal/types"
	"github.com/happyahluwalia/filingagent/pkg/llm"
	"github.com/happyahluwalia/filingagent/pkg/llm/openai"
)

// app holds the wired components shared by the CLI commands.
type app struct {
	cfg        *config.Config
	store      types.CheckpointStore
	registry   *entity.Registry
	qdrant     *retrieval.QdrantStore
	preparer   *ingest.Preparer
	supervisor *agent.Supervisor

	pg *checkpoint.PostgresStore
}

// buildApp wires the full component graph from config. Postgres backs the
// checkpoint store when a DSN is configured; a file store under the data
// dir otherwise.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	a := &app{cfg: cfg}

	if cfg.Postgres.DSN != "" {
		pg := checkpoint.NewPostgresStore(cfg.Postgres.DSN)
		a.store = pg
		a.pg = pg
	} else {
		a.store = checkpoint.NewFileStore(cfg.DataDir)
	}
	if err := a.store.Open(ctx); err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})

	embedder := retrieval.NewOpenAIEmbedder(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.EmbeddingModel)
	a.qdrant = retrieval.NewQdrantStore(cfg.Qdrant.URL, cfg.Qdrant.Collection, cfg.Qdrant.VectorSize, embedder)
	if err := a.qdrant.EnsureCollection(ctx); err != nil {
		// retrieval is degraded until qdrant comes back; not fatal at startup
		slog.Warn("vector store unavailable", "url", cfg.Qdrant.URL, "error", err)
	}

	a.registry = entity.NewRegistry(entity.DefaultCompanies())
	source := ingest.NewEDGARSource(cfg.EDGAR.UserAgent)
	a.preparer = ingest.NewPreparer(a.registry, source, ingest.NewChunker(0, 0), embedder, a.qdrant, cfg.DataDir)

	trimmer, err := history.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		a.store.Close()
		return nil, fmt.Errorf("create history trimmer: %w", err)
	}

	retry := agent.DefaultRetryPolicy()
	planner := agent.NewPlanner(provider, a.registry)
	executor := agent.NewExecutor(a.qdrant, a.preparer, retry, cfg.Retrieval.TopK, cfg.Retrieval.ScoreThreshold)
	synthesizer := agent.NewSynthesizer(provider)
	a.supervisor = agent.NewSupervisor(a.store, planner, executor, synthesizer, provider, trimmer, a.preparer, a.registry, retry, cfg.MaxConcurrentTurns)

	return a, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		slog.Error("close checkpoint store", "error", err)
	}
}
