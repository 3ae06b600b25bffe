// internal/ingest/preparer.go
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/google/uuid"

	"github.com/happyahluwalia/filingagent/internal/entity"
	"github.com/happyahluwalia/filingagent/internal/retrieval"
	"github.com/happyahluwalia/filingagent/internal/types"
)

// point ids are derived from this namespace so re-ingesting a filing
// overwrites its own points instead of duplicating them
var pointNamespace = uuid.MustParse("5ba41be0-6c11-4e2e-9d5e-1d1d2f6a8c4b")

const embedBatchSize = 32

// Preparer makes an entity's filing corpus searchable. It tracks what has
// been ingested in a manifest file, so Prepare on an already-prepared
// corpus is a metadata check rather than a refetch.
type Preparer struct {
	registry *entity.Registry
	source   FilingSource
	chunker  *Chunker
	embedder retrieval.Embedder
	store    *retrieval.QdrantStore

	manifestPath string
	mu           sync.Mutex
}

// NewPreparer wires a preparer. manifestDir holds the ingest manifest.
func NewPreparer(registry *entity.Registry, source FilingSource, chunker *Chunker, embedder retrieval.Embedder, store *retrieval.QdrantStore, manifestDir string) *Preparer {
	return &Preparer{
		registry:     registry,
		source:       source,
		chunker:      chunker,
		embedder:     embedder,
		store:        store,
		manifestPath: filepath.Join(manifestDir, "ingest-manifest.json"),
	}
}

func (p *Preparer) loadManifest() (map[string]types.FilingInfo, error) {
	data, err := os.ReadFile(p.manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]types.FilingInfo), nil
		}
		return nil, fmt.Errorf("read ingest manifest: %w", err)
	}
	var m map[string]types.FilingInfo
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal ingest manifest: %w", err)
	}
	return m, nil
}

// saveManifest writes atomically: temp file then rename.
func (p *Preparer) saveManifest(m map[string]types.FilingInfo) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ingest manifest: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.manifestPath), 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	tmp := p.manifestPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp manifest: %w", err)
	}
	if err := os.Rename(tmp, p.manifestPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp manifest: %w", err)
	}
	return nil
}

func manifestKey(e types.EntityID, filingType string) string {
	return string(e) + "|" + filingType
}

// Prepare ingests the latest filing of filingType for the entity if it is
// not already searchable. Idempotent and safe to call concurrently.
func (p *Preparer) Prepare(ctx context.Context, e types.EntityID, filingType string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	company, ok := p.registry.Company(e)
	if !ok {
		return &types.UnsupportedEntityError{Names: []string{string(e)}}
	}

	manifest, err := p.loadManifest()
	if err != nil {
		return err
	}
	key := manifestKey(company.Ticker, filingType)
	if info, ok := manifest[key]; ok {
		count, err := p.store.Count(ctx, company.Ticker, filingType)
		if err == nil && count >= info.ChunkCount && info.ChunkCount > 0 {
			return nil
		}
		// manifest says prepared but the store disagrees; re-ingest
		slog.Warn("manifest out of sync with vector store, re-ingesting",
			"ticker", company.Ticker, "filing_type", filingType, "count", count)
	}

	slog.Info("ingesting filing", "ticker", company.Ticker, "filing_type", filingType)
	doc, err := p.source.Fetch(ctx, company.CIK, filingType)
	if err != nil {
		return fmt.Errorf("fetch filing: %w", err)
	}

	markdown, err := htmltomarkdown.ConvertString(doc.HTML)
	if err != nil {
		return fmt.Errorf("convert filing to markdown: %w", err)
	}

	chunks := p.chunker.Split(markdown)
	if len(chunks) == 0 {
		return fmt.Errorf("filing produced no chunks: %s %s", company.Ticker, filingType)
	}

	for start := 0; start < len(chunks); start += embedBatchSize {
		end := min(start+embedBatchSize, len(chunks))
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vectors, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed chunks: %w", err)
		}

		points := make([]retrieval.Point, len(batch))
		for i, c := range batch {
			idx := start + i
			points[i] = retrieval.Point{
				ID:     uuid.NewSHA1(pointNamespace, []byte(fmt.Sprintf("%s|%s|%d", company.Ticker, filingType, idx))).String(),
				Vector: vectors[i],
				Chunk: types.EvidenceChunk{
					Text: c.Text,
					Source: types.SourceMeta{
						Entity:      company.Ticker,
						FilingType:  filingType,
						Section:     c.Section,
						ReportDate:  doc.ReportDate,
						DocumentURL: doc.DocumentURL,
					},
				},
			}
		}
		if err := p.store.Upsert(ctx, points); err != nil {
			return fmt.Errorf("upsert chunks: %w", err)
		}
	}

	manifest[key] = types.FilingInfo{
		Entity:      company.Ticker,
		FilingType:  filingType,
		ReportDate:  doc.ReportDate,
		DocumentURL: doc.DocumentURL,
		DisplayName: fmt.Sprintf("%s %s (%s)", company.Name, filingType, doc.ReportDate),
		ChunkCount:  len(chunks),
	}
	if err := p.saveManifest(manifest); err != nil {
		return err
	}
	slog.Info("filing ingested", "ticker", company.Ticker, "filing_type", filingType, "chunks", len(chunks))
	return nil
}

// FilingInfo returns display metadata for the entity's latest prepared
// filing, or (nil, nil) when nothing has been ingested for it.
func (p *Preparer) FilingInfo(_ context.Context, e types.EntityID) (*types.FilingInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	manifest, err := p.loadManifest()
	if err != nil {
		return nil, err
	}
	var latest *types.FilingInfo
	for _, info := range manifest {
		if info.Entity != e {
			continue
		}
		if latest == nil || info.ReportDate > latest.ReportDate {
			cp := info
			latest = &cp
		}
	}
	return latest, nil
}

var _ types.CorpusPreparer = (*Preparer)(nil)
