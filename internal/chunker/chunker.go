// Package chunker splits extracted document text into overlapping
// token-window passages, the unit of indexing and retrieval.
package chunker

import (
	"fmt"
	"strings"

	"github.com/docsage/docsage/internal/extract"
)

// Chunk is one passage of a document with its page attribution.
type Chunk struct {
	ID        string // "<docID>-<index>", unique within a collection
	DocID     string
	Index     int
	Text      string
	PageStart int
	PageEnd   int
}

// Chunker produces overlapping token windows. Tokens are whitespace-split
// words; a window advances by targetTokens minus overlapTokens.
type Chunker struct {
	targetTokens  int
	overlapTokens int
}

// New creates a Chunker. Non-positive targetTokens defaults to 400 and
// negative overlapTokens to 80 (a fifth of the default window).
func New(targetTokens, overlapTokens int) *Chunker {
	if targetTokens <= 0 {
		targetTokens = 400
	}
	if overlapTokens < 0 {
		overlapTokens = 80
	}
	if overlapTokens >= targetTokens {
		overlapTokens = targetTokens / 5
	}
	return &Chunker{targetTokens: targetTokens, overlapTokens: overlapTokens}
}

// Split chunks each span in order, assigning document-scoped ordinal ids.
// Empty input yields no chunks and no error. A span shorter than the
// window yields exactly one chunk covering its full page range.
func (c *Chunker) Split(docID string, spans []extract.Span) []Chunk {
	var chunks []Chunk
	idx := 0
	for _, span := range spans {
		for _, text := range c.windows(span.Text) {
			chunks = append(chunks, Chunk{
				ID:        fmt.Sprintf("%s-%d", docID, idx),
				DocID:     docID,
				Index:     idx,
				Text:      text,
				PageStart: span.PageStart,
				PageEnd:   span.PageEnd,
			})
			idx++
		}
	}
	return chunks
}

func (c *Chunker) windows(text string) []string {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil
	}

	step := c.targetTokens - c.overlapTokens
	if step < 1 {
		step = 1
	}

	var out []string
	for start := 0; start < len(tokens); start += step {
		end := start + c.targetTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		out = append(out, strings.Join(tokens[start:end], " "))
		if end == len(tokens) {
			break
		}
	}
	return out
}
