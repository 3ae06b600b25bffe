// Package ingest prepares a company's filing corpus for retrieval:
// fetch the filing document, convert it to markdown, chunk it by section,
// embed the chunks and upsert them into the vector store. Preparation is
// idempotent per (ticker, filing type).
package ingest

import (
	"regexp"
	"strings"
)

// Chunk is one section-scoped slice of a filing ready for embedding.
type Chunk struct {
	Section string
	Text    string
}

// Chunker splits filing markdown into bounded, section-tagged chunks.
type Chunker struct {
	maxChars int
	overlap  int
}

// NewChunker creates a chunker. maxChars bounds each chunk; overlap is
// carried between adjacent chunks of the same section so sentences cut at
// a boundary stay findable.
func NewChunker(maxChars, overlap int) *Chunker {
	if maxChars <= 0 {
		maxChars = 2000
	}
	if overlap < 0 || overlap >= maxChars {
		overlap = maxChars / 10
	}
	return &Chunker{maxChars: maxChars, overlap: overlap}
}

// itemPattern matches 10-K/10-Q section headings like "Item 7." or
// "ITEM 1A. Risk Factors", with or without markdown heading markers.
var itemPattern = regexp.MustCompile(`(?mi)^#{0,6}\s*(item\s+\d+[A-Za-z]?)[\.\:\s]`)

// Split breaks markdown into section-tagged chunks. Text before the first
// recognizable section heading is tagged "Preamble".
func (c *Chunker) Split(markdown string) []Chunk {
	markdown = strings.TrimSpace(markdown)
	if markdown == "" {
		return nil
	}

	locs := itemPattern.FindAllStringSubmatchIndex(markdown, -1)
	type section struct {
		name string
		text string
	}
	var sections []section
	if len(locs) == 0 {
		sections = append(sections, section{name: "Document", text: markdown})
	} else {
		if locs[0][0] > 0 {
			sections = append(sections, section{name: "Preamble", text: markdown[:locs[0][0]]})
		}
		for i, loc := range locs {
			end := len(markdown)
			if i+1 < len(locs) {
				end = locs[i+1][0]
			}
			name := normalizeItem(markdown[loc[2]:loc[3]])
			sections = append(sections, section{name: name, text: markdown[loc[0]:end]})
		}
	}

	var out []Chunk
	for _, sec := range sections {
		for _, text := range c.window(strings.TrimSpace(sec.text)) {
			out = append(out, Chunk{Section: sec.name, Text: text})
		}
	}
	return out
}

// window slices text into maxChars pieces, preferring paragraph breaks
// and carrying overlap chars into the next piece.
func (c *Chunker) window(text string) []string {
	if text == "" {
		return nil
	}
	if len(text) <= c.maxChars {
		return []string{text}
	}

	var out []string
	start := 0
	for start < len(text) {
		end := start + c.maxChars
		if end >= len(text) {
			out = append(out, strings.TrimSpace(text[start:]))
			break
		}
		// back up to the nearest paragraph or sentence boundary
		cut := strings.LastIndex(text[start:end], "\n\n")
		if cut < c.maxChars/2 {
			if s := strings.LastIndex(text[start:end], ". "); s > c.maxChars/2 {
				cut = s + 1
			} else {
				cut = c.maxChars
			}
		}
		piece := strings.TrimSpace(text[start : start+cut])
		if piece != "" {
			out = append(out, piece)
		}
		next := start + cut - c.overlap
		if next <= start {
			next = start + cut
		}
		start = next
	}
	return out
}

func normalizeItem(raw string) string {
	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return "Item"
	}
	return "Item " + strings.ToUpper(fields[1])
}
