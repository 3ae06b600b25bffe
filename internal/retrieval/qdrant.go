// internal/retrieval/qdrant.go
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/happyahluwalia/filingagent/internal/types"
)

// QdrantStore talks to a Qdrant instance over its REST API. Every search
// is scoped to exactly one entity via a payload filter, so a result set
// can never mix entities regardless of lexical overlap in the query.
type QdrantStore struct {
	baseURL    string
	collection string
	vectorSize int
	embedder   Embedder
	httpClient *http.Client
}

// NewQdrantStore creates a store for the given endpoint and collection.
func NewQdrantStore(baseURL, collection string, vectorSize int, embedder Embedder) *QdrantStore {
	return &QdrantStore{
		baseURL:    baseURL,
		collection: collection,
		vectorSize: vectorSize,
		embedder:   embedder,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (q *QdrantStore) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant error (status %d): %s", resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

// EnsureCollection creates the collection if it doesn't exist.
func (q *QdrantStore) EnsureCollection(ctx context.Context) error {
	err := q.do(ctx, http.MethodGet, "/collections/"+q.collection, nil, nil)
	if err == nil {
		return nil
	}
	body := map[string]any{
		"vectors": map[string]any{"size": q.vectorSize, "distance": "Cosine"},
	}
	if err := q.do(ctx, http.MethodPut, "/collections/"+q.collection, body, nil); err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	return nil
}

// Healthy reports whether the Qdrant endpoint responds.
func (q *QdrantStore) Healthy(ctx context.Context) error {
	return q.do(ctx, http.MethodGet, "/collections", nil, nil)
}

// chunkPayload is the per-point payload stored alongside each vector.
type chunkPayload struct {
	Ticker      string `json:"ticker"`
	FilingType  string `json:"filing_type"`
	Section     string `json:"section"`
	ReportDate  string `json:"report_date,omitempty"`
	DocumentURL string `json:"document_url,omitempty"`
	Text        string `json:"text"`
}

// Point is one chunk ready for upsert.
type Point struct {
	ID     string
	Vector []float32
	Chunk  types.EvidenceChunk
}

// Upsert writes points into the collection. Re-upserting the same ids is
// idempotent, which is what makes corpus preparation safe to repeat.
func (q *QdrantStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	reqPoints := make([]map[string]any, len(points))
	for i, p := range points {
		reqPoints[i] = map[string]any{
			"id":     p.ID,
			"vector": p.Vector,
			"payload": chunkPayload{
				Ticker:      string(p.Chunk.Source.Entity),
				FilingType:  p.Chunk.Source.FilingType,
				Section:     p.Chunk.Source.Section,
				ReportDate:  p.Chunk.Source.ReportDate,
				DocumentURL: p.Chunk.Source.DocumentURL,
				Text:        p.Chunk.Text,
			},
		}
	}
	body := map[string]any{"points": reqPoints}
	if err := q.do(ctx, http.MethodPut, "/collections/"+q.collection+"/points?wait=true", body, nil); err != nil {
		return fmt.Errorf("upsert points: %w", err)
	}
	return nil
}

// Count returns the number of stored points for an entity/filing pair.
func (q *QdrantStore) Count(ctx context.Context, entity types.EntityID, filingType string) (int, error) {
	body := map[string]any{
		"filter": entityFilter(entity, filingType),
		"exact":  true,
	}
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodPost, "/collections/"+q.collection+"/points/count", body, &resp); err != nil {
		return 0, fmt.Errorf("count points: %w", err)
	}
	return resp.Result.Count, nil
}

func entityFilter(entity types.EntityID, filingType string) map[string]any {
	must := []map[string]any{
		{"key": "ticker", "match": map[string]any{"value": string(entity)}},
	}
	if filingType != "" {
		must = append(must, map[string]any{"key": "filing_type", "match": map[string]any{"value": filingType}})
	}
	return map[string]any{"must": must}
}

// searchResponse is Qdrant's scored-point result envelope.
type searchResponse struct {
	Result []struct {
		ID      any          `json:"id"`
		Score   float64      `json:"score"`
		Payload chunkPayload `json:"payload"`
	} `json:"result"`
}

// Search embeds the request query and runs a filtered similarity search.
// Results below req.MinScore are dropped before returning.
func (q *QdrantStore) Search(ctx context.Context, req types.SearchRequest) ([]types.EvidenceChunk, error) {
	vectors, err := q.embedder.Embed(ctx, []string{req.Query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	body := map[string]any{
		"vector":       vectors[0],
		"limit":        req.Limit,
		"with_payload": true,
		"filter":       entityFilter(req.Entity, req.FilingType),
	}
	if req.MinScore > 0 {
		body["score_threshold"] = req.MinScore
	}

	var resp searchResponse
	if err := q.do(ctx, http.MethodPost, "/collections/"+q.collection+"/points/search", body, &resp); err != nil {
		return nil, fmt.Errorf("search points: %w", err)
	}

	chunks := make([]types.EvidenceChunk, 0, len(resp.Result))
	for _, r := range resp.Result {
		if r.Score < req.MinScore {
			continue
		}
		chunks = append(chunks, types.EvidenceChunk{
			ID:    fmt.Sprintf("%v", r.ID),
			Text:  r.Payload.Text,
			Score: r.Score,
			Source: types.SourceMeta{
				Entity:      types.EntityID(r.Payload.Ticker),
				FilingType:  r.Payload.FilingType,
				Section:     r.Payload.Section,
				ReportDate:  r.Payload.ReportDate,
				DocumentURL: r.Payload.DocumentURL,
			},
		})
	}
	return chunks, nil
}

var _ types.Retriever = (*QdrantStore)(nil)
