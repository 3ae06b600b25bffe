package types

import (
	"strings"
	"testing"
)

func sample(entity EntityID, texts ...string) []EvidenceChunk {
	out := make([]EvidenceChunk, len(texts))
	for i, text := range texts {
		out[i] = EvidenceChunk{ID: string(entity) + text, Text: text, Score: 0.9, Source: SourceMeta{Entity: entity}}
	}
	return out
}

func TestRetrievalResultKeepsInsertionOrder(t *testing.T) {
	r := NewRetrievalResult()
	r.Put("MSFT", sample("MSFT", "a"))
	r.Put("AAPL", sample("AAPL", "b"))

	entities := r.Entities()
	if len(entities) != 2 || entities[0] != "MSFT" || entities[1] != "AAPL" {
		t.Errorf("expected [MSFT AAPL], got %v", entities)
	}
}

func TestRetrievalResultLastWriteWins(t *testing.T) {
	r := NewRetrievalResult()
	r.Put("AAPL", sample("AAPL", "old"))
	r.Put("AAPL", sample("AAPL", "new"))

	chunks := r.Chunks("AAPL")
	if len(chunks) != 1 || chunks[0].Text != "new" {
		t.Errorf("expected replacement, got %+v", chunks)
	}
	if len(r.Entities()) != 1 {
		t.Errorf("re-put must not duplicate the key: %v", r.Entities())
	}
}

func TestRetrievalResultPutClearsEmptyMark(t *testing.T) {
	r := NewRetrievalResult()
	r.MarkEmpty("AAPL", "nothing indexed")
	r.Put("AAPL", sample("AAPL", "found"))

	if _, empty := r.EmptyReason("AAPL"); empty {
		t.Error("successful put must clear the empty mark")
	}
	if len(r.Entities()) != 1 {
		t.Errorf("expected a single key, got %v", r.Entities())
	}
}

func TestRetrievalResultMarkEmptyDoesNotOverwriteChunks(t *testing.T) {
	r := NewRetrievalResult()
	r.Put("AAPL", sample("AAPL", "evidence"))
	r.MarkEmpty("AAPL", "late failure")

	if _, empty := r.EmptyReason("AAPL"); empty {
		t.Error("an entity with evidence cannot be empty")
	}
	if len(r.Chunks("AAPL")) != 1 {
		t.Error("chunks lost after MarkEmpty")
	}
}

func TestRetrievalResultMerge(t *testing.T) {
	a := NewRetrievalResult()
	a.Put("AAPL", sample("AAPL", "a-old"))
	a.MarkEmpty("TSLA", "no filings")

	b := NewRetrievalResult()
	b.Put("AAPL", sample("AAPL", "a-new"))
	b.Put("MSFT", sample("MSFT", "m"))

	a.Merge(b)

	if got := a.Chunks("AAPL"); len(got) != 1 || got[0].Text != "a-new" {
		t.Errorf("merge should be last write wins, got %+v", got)
	}
	if len(a.Chunks("MSFT")) != 1 {
		t.Error("merge should union keys")
	}
	if _, empty := a.EmptyReason("TSLA"); !empty {
		t.Error("merge must keep empty marks for untouched keys")
	}
}

func TestFlattenGroupsByEntity(t *testing.T) {
	r := NewRetrievalResult()
	r.Put("AAPL", sample("AAPL", "a1", "a2"))
	r.Put("MSFT", sample("MSFT", "m1"))

	flat := r.Flatten()
	if len(flat) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(flat))
	}
	if flat[0].Source.Entity != "AAPL" || flat[2].Source.Entity != "MSFT" {
		t.Errorf("flatten must group by entity in key order: %+v", flat)
	}
}

func TestSourcesFromIndexesSequentially(t *testing.T) {
	r := NewRetrievalResult()
	r.Put("AAPL", sample("AAPL", "a1", "a2"))
	r.Put("MSFT", sample("MSFT", "m1"))

	sources := SourcesFrom(r)
	for i, src := range sources {
		if src.Index != i {
			t.Errorf("source %d has index %d", i, src.Index)
		}
	}
}

func TestStructuredAnswerText(t *testing.T) {
	a := StructuredAnswer{
		Sections: []Section{
			{Type: SectionParagraph, Content: "Revenue grew 8%."},
			{Type: SectionTable, Content: "Segment revenue", Data: &TableData{
				Headers: []string{"Segment", "Revenue"},
				Rows:    [][]string{{"iPhone", "$200B"}},
			}},
		},
		Note: "Figures from the latest 10-K.",
	}

	text := a.Text()
	for _, want := range []string{"Revenue grew 8%.", "Segment | Revenue", "iPhone | $200B", "Figures from the latest 10-K."} {
		if !strings.Contains(text, want) {
			t.Errorf("rendered text missing %q:\n%s", want, text)
		}
	}
}

func TestFilterCompaniesClearsComparisonWhenOneRemains(t *testing.T) {
	a := StructuredAnswer{
		Companies: map[EntityID]CompanyFindings{
			"AAPL": {KeyFindings: []string{"up"}},
			"ZZZZ": {KeyFindings: []string{"invented"}},
		},
		Comparison: &Comparison{Summary: "AAPL vs ZZZZ"},
	}

	a.FilterCompanies([]EntityID{"AAPL"})
	if _, ok := a.Companies["ZZZZ"]; ok {
		t.Error("unknown company must be removed")
	}
	if a.Comparison != nil {
		t.Error("comparison must be cleared with a single company left")
	}
}

func TestSessionCloneIsDeep(t *testing.T) {
	s := NewSession(NewThreadID(), "u1")
	s.Append(RoleUser, "first")

	clone := s.Clone()
	clone.Append(RoleUser, "second")
	if len(s.Messages) != 1 {
		t.Errorf("clone mutation leaked into the original: %d messages", len(s.Messages))
	}
}
