// internal/types/models.go
package types

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single conversation turn entry. Immutable once appended.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is the full conversation state for one thread. It is created on
// the first turn and mutated only by appending messages; deletion and
// expiry are external policy.
type Session struct {
	ThreadID  ThreadID  `json:"thread_id"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages"`
}

// NewSession creates an empty session for the given thread.
func NewSession(threadID ThreadID, userID string) *Session {
	now := time.Now().UTC()
	return &Session{
		ThreadID:  threadID,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Append adds a message to the session and bumps UpdatedAt.
func (s *Session) Append(role Role, content string) {
	now := time.Now().UTC()
	s.Messages = append(s.Messages, Message{Role: role, Content: content, CreatedAt: now})
	s.UpdatedAt = now
}

// Clone returns a deep copy. Checkpoints snapshot sessions by value so a
// later turn cannot mutate an already-persisted snapshot.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Messages = make([]Message, len(s.Messages))
	copy(cp.Messages, s.Messages)
	return &cp
}

// Checkpoint is an immutable, addressable snapshot of a session after a
// turn. Parent links form an append-only chain that supports replay.
type Checkpoint struct {
	ThreadID  ThreadID          `json:"thread_id"`
	ID        CheckpointID      `json:"checkpoint_id"`
	ParentID  CheckpointID      `json:"parent_checkpoint_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Session   *Session          `json:"session"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// PlanStep is one retrieval task for a single entity.
type PlanStep struct {
	Entity     EntityID `json:"ticker"`
	Query      string   `json:"search_query"`
	FilingType string   `json:"filing_type"`
	Timeframe  string   `json:"timeframe"`
}

// Plan is the structured, per-entity breakdown of a query. At most one
// step per distinct entity; an entity not in the plan gets no retrieval
// budget.
type Plan struct {
	Intent string     `json:"intent"`
	Steps  []PlanStep `json:"tasks"`
}

// Entities returns the distinct entity ids in step order.
func (p *Plan) Entities() []EntityID {
	seen := make(map[EntityID]bool, len(p.Steps))
	var out []EntityID
	for _, st := range p.Steps {
		if !seen[st.Entity] {
			seen[st.Entity] = true
			out = append(out, st.Entity)
		}
	}
	return out
}

// SourceMeta identifies where an evidence chunk came from.
type SourceMeta struct {
	Entity      EntityID `json:"ticker"`
	FilingType  string   `json:"filing_type"`
	Section     string   `json:"section"`
	ReportDate  string   `json:"report_date,omitempty"`
	DocumentURL string   `json:"document_url,omitempty"`
}

// EvidenceChunk is a retrieved passage with its relevance score.
type EvidenceChunk struct {
	ID     string     `json:"id"`
	Text   string     `json:"text"`
	Score  float64    `json:"score"`
	Source SourceMeta `json:"source"`
}

// RetrievalResult holds evidence partitioned by entity. Chunks for one
// entity never appear under another entity's key; this partitioning is
// what guarantees equal representation across entities.
type RetrievalResult struct {
	order  []EntityID
	chunks map[EntityID][]EvidenceChunk
	empty  map[EntityID]string
}

// NewRetrievalResult returns an empty result.
func NewRetrievalResult() *RetrievalResult {
	return &RetrievalResult{
		chunks: make(map[EntityID][]EvidenceChunk),
		empty:  make(map[EntityID]string),
	}
}

// Put stores the chunks for entity, replacing any prior value for that key
// (last write wins within a key). Key order is first-put order.
func (r *RetrievalResult) Put(entity EntityID, chunks []EvidenceChunk) {
	if _, ok := r.chunks[entity]; !ok {
		if _, failed := r.empty[entity]; !failed {
			r.order = append(r.order, entity)
		}
	}
	r.chunks[entity] = chunks
	delete(r.empty, entity)
}

// MarkEmpty records a per-entity retrieval failure. The pipeline continues
// for the other entities; the final answer notes the gap.
func (r *RetrievalResult) MarkEmpty(entity EntityID, reason string) {
	if _, ok := r.chunks[entity]; ok {
		return
	}
	if _, ok := r.empty[entity]; !ok {
		r.order = append(r.order, entity)
	}
	r.empty[entity] = reason
}

// Entities returns the requested entities in insertion order.
func (r *RetrievalResult) Entities() []EntityID {
	out := make([]EntityID, len(r.order))
	copy(out, r.order)
	return out
}

// Chunks returns the evidence stored for entity.
func (r *RetrievalResult) Chunks(entity EntityID) []EvidenceChunk {
	return r.chunks[entity]
}

// EmptyReason returns the recorded failure reason for entity, if any.
func (r *RetrievalResult) EmptyReason(entity EntityID) (string, bool) {
	reason, ok := r.empty[entity]
	return reason, ok
}

// Len returns the total chunk count across all entities.
func (r *RetrievalResult) Len() int {
	n := 0
	for _, cs := range r.chunks {
		n += len(cs)
	}
	return n
}

// Merge folds other into r: union of per-entity keys, last write wins
// within a key. Explicit replacement for reducer-style state merging.
func (r *RetrievalResult) Merge(other *RetrievalResult) {
	if other == nil {
		return
	}
	for _, e := range other.order {
		if cs, ok := other.chunks[e]; ok {
			r.Put(e, cs)
		} else if reason, ok := other.empty[e]; ok {
			r.MarkEmpty(e, reason)
		}
	}
}

// Flatten returns all chunks as one indexable list, grouped by entity in
// key order. Citation indices in structured answers point into this list.
func (r *RetrievalResult) Flatten() []EvidenceChunk {
	var out []EvidenceChunk
	for _, e := range r.order {
		out = append(out, r.chunks[e]...)
	}
	return out
}

// SectionType enumerates the renderable answer section kinds.
type SectionType string

const (
	SectionParagraph         SectionType = "paragraph"
	SectionTable             SectionType = "table"
	SectionKeyFindings       SectionType = "key_findings"
	SectionComparisonSummary SectionType = "comparison_summary"
)

// TableData carries tabular section content.
type TableData struct {
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

// Section is one block of a structured answer. Citations are 0-based
// indices into the flattened evidence list.
type Section struct {
	Type      SectionType `json:"type"`
	Content   string      `json:"content"`
	Data      *TableData  `json:"data,omitempty"`
	Citations []int       `json:"citations"`
}

// CompanyFindings summarizes what the answer established for one company.
type CompanyFindings struct {
	KeyFindings []string          `json:"key_findings,omitempty"`
	Metrics     map[string]string `json:"metrics,omitempty"`
	Citations   []int             `json:"citations,omitempty"`
}

// Comparison holds cross-company conclusions for multi-entity queries.
type Comparison struct {
	Summary string   `json:"summary,omitempty"`
	Winner  EntityID `json:"winner,omitempty"`
	Metric  string   `json:"metric,omitempty"`
}

// Confidence grades how well the evidence supports the answer.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// StructuredAnswer is the synthesizer's schema-constrained output.
type StructuredAnswer struct {
	Sections    []Section                    `json:"sections"`
	Companies   map[EntityID]CompanyFindings `json:"companies,omitempty"`
	Comparison  *Comparison                  `json:"comparison,omitempty"`
	Confidence  Confidence                   `json:"confidence"`
	MissingData []string                     `json:"missing_data,omitempty"`

	// Degraded marks answers produced through a fallback path (plain text
	// after failed structured generation, or partial pipeline results).
	// Degraded answers are always labeled, never passed off as complete.
	Degraded bool   `json:"degraded,omitempty"`
	Note     string `json:"note,omitempty"`
}

// Text renders the answer as plain text for non-streaming clients and for
// the assistant message appended to the session.
func (a *StructuredAnswer) Text() string {
	var b strings.Builder
	for i, sec := range a.Sections {
		if i > 0 {
			b.WriteString("\n\n")
		}
		switch sec.Type {
		case SectionTable:
			if sec.Content != "" {
				b.WriteString(sec.Content)
				b.WriteString("\n")
			}
			if sec.Data != nil {
				b.WriteString(strings.Join(sec.Data.Headers, " | "))
				for _, row := range sec.Data.Rows {
					b.WriteString("\n")
					b.WriteString(strings.Join(row, " | "))
				}
			}
		case SectionKeyFindings:
			b.WriteString(sec.Content)
		default:
			b.WriteString(sec.Content)
		}
	}
	if a.Note != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(a.Note)
	}
	return b.String()
}

// FilterCompanies drops companies the retrieval never produced evidence
// for (models sometimes invent tickers). A single remaining company also
// clears the comparison block.
func (a *StructuredAnswer) FilterCompanies(valid []EntityID) {
	if len(a.Companies) == 0 {
		if len(valid) <= 1 {
			a.Comparison = nil
		}
		return
	}
	ok := make(map[EntityID]bool, len(valid))
	for _, e := range valid {
		ok[e] = true
	}
	for e := range a.Companies {
		if !ok[e] {
			delete(a.Companies, e)
		}
	}
	if len(a.Companies) <= 1 {
		a.Comparison = nil
	}
}

// SourceRef is the client-facing projection of one evidence chunk; its
// Index is the value answer citations refer to.
type SourceRef struct {
	Index       int      `json:"id"`
	Entity      EntityID `json:"ticker"`
	FilingType  string   `json:"filing_type"`
	Section     string   `json:"section"`
	ReportDate  string   `json:"report_date,omitempty"`
	DocumentURL string   `json:"document_url,omitempty"`
	Text        string   `json:"text"`
	Score       float64  `json:"score"`
}

// SourcesFrom builds the indexed source list from a retrieval result.
func SourcesFrom(r *RetrievalResult) []SourceRef {
	if r == nil {
		return nil
	}
	chunks := r.Flatten()
	out := make([]SourceRef, len(chunks))
	for i, c := range chunks {
		out[i] = SourceRef{
			Index:       i,
			Entity:      c.Source.Entity,
			FilingType:  c.Source.FilingType,
			Section:     c.Source.Section,
			ReportDate:  c.Source.ReportDate,
			DocumentURL: c.Source.DocumentURL,
			Text:        c.Text,
			Score:       c.Score,
		}
	}
	return out
}

// FilingInfo is display metadata for an ingested filing.
type FilingInfo struct {
	Entity      EntityID `json:"ticker"`
	FilingType  string   `json:"filing_type"`
	ReportDate  string   `json:"report_date,omitempty"`
	DocumentURL string   `json:"document_url,omitempty"`
	DisplayName string   `json:"display_name,omitempty"`
	ChunkCount  int      `json:"chunk_count,omitempty"`
}

// AnswerResult is what one completed turn returns to the caller.
type AnswerResult struct {
	Query    string                  `json:"query"`
	ThreadID ThreadID                `json:"session_id"`
	Answer   StructuredAnswer        `json:"answer"`
	Sources  []SourceRef             `json:"sources"`
	Filings  map[EntityID]FilingInfo `json:"filing_urls,omitempty"`
}

// String implements fmt.Stringer for log fields.
func (s PlanStep) String() string {
	return fmt.Sprintf("%s %s %q", s.Entity, s.FilingType, s.Query)
}
