package chunker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/docsage/docsage/internal/extract"
)

func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(parts, " ")
}

func TestSplit_Empty(t *testing.T) {
	c := New(400, 80)
	if got := c.Split("d1", nil); len(got) != 0 {
		t.Fatalf("got %d chunks for nil spans, want 0", len(got))
	}
	spans := []extract.Span{{PageStart: 1, PageEnd: 1, Text: ""}}
	if got := c.Split("d1", spans); len(got) != 0 {
		t.Fatalf("got %d chunks for empty text, want 0", len(got))
	}
}

func TestSplit_ShortDocumentSingleChunk(t *testing.T) {
	c := New(400, 80)
	spans := []extract.Span{{PageStart: 1, PageEnd: 3, Text: words(50)}}

	chunks := c.Split("d1", spans)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	ch := chunks[0]
	if ch.ID != "d1-0" || ch.Index != 0 {
		t.Errorf("chunk id/index = %s/%d, want d1-0/0", ch.ID, ch.Index)
	}
	if ch.PageStart != 1 || ch.PageEnd != 3 {
		t.Errorf("page range = %d-%d, want 1-3", ch.PageStart, ch.PageEnd)
	}
	if ch.Text != words(50) {
		t.Error("short document chunk does not cover full text")
	}
}

func TestSplit_OverlapAndCoverage(t *testing.T) {
	c := New(100, 20)
	total := 450
	spans := []extract.Span{{PageStart: 1, PageEnd: 1, Text: words(total)}}

	chunks := c.Split("d1", spans)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want several", len(chunks))
	}

	// Every source token appears in at least one chunk (full coverage).
	seen := make(map[string]bool)
	for _, ch := range chunks {
		for _, tok := range strings.Fields(ch.Text) {
			seen[tok] = true
		}
	}
	for i := 0; i < total; i++ {
		if !seen[fmt.Sprintf("w%d", i)] {
			t.Fatalf("token w%d missing from all chunks", i)
		}
	}

	// Consecutive chunks share the overlap region.
	first := strings.Fields(chunks[0].Text)
	second := strings.Fields(chunks[1].Text)
	if first[len(first)-20] != second[0] {
		t.Errorf("overlap start = %q, want %q", second[0], first[len(first)-20])
	}

	// Ordinals are sequential and ordered.
	for i, ch := range chunks {
		if ch.Index != i {
			t.Errorf("chunk %d has index %d", i, ch.Index)
		}
	}
}

func TestSplit_MultiPageOrdinals(t *testing.T) {
	c := New(400, 80)
	spans := []extract.Span{
		{PageStart: 1, PageEnd: 1, Text: words(10)},
		{PageStart: 2, PageEnd: 2, Text: words(10)},
	}

	chunks := c.Split("doc", spans)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0].PageStart != 1 || chunks[1].PageStart != 2 {
		t.Errorf("pages = %d,%d, want 1,2", chunks[0].PageStart, chunks[1].PageStart)
	}
	if chunks[1].ID != "doc-1" {
		t.Errorf("second chunk id = %q, want doc-1", chunks[1].ID)
	}
}

func TestNew_Defaults(t *testing.T) {
	c := New(0, -1)
	if c.targetTokens != 400 || c.overlapTokens != 80 {
		t.Errorf("defaults = %d/%d, want 400/80", c.targetTokens, c.overlapTokens)
	}
	// Overlap must stay smaller than the window.
	c = New(10, 50)
	if c.overlapTokens >= c.targetTokens {
		t.Errorf("overlap %d not clamped below target %d", c.overlapTokens, c.targetTokens)
	}
}
