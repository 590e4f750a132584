// Package extract turns uploaded files into page-attributed text spans.
package extract

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// Span is a contiguous stretch of extracted text covering a page range.
// Plain-text formats produce a single span on page 1; PDFs produce one
// span per page.
type Span struct {
	PageStart int
	PageEnd   int
	Text      string
}

// DocumentError marks an extraction failure attributable to one document,
// so a bad file in a batch fails alone.
type DocumentError struct {
	DocID    string
	Filename string
	Err      error
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("processing document %s (%s): %v", e.DocID, e.Filename, e.Err)
}

func (e *DocumentError) Unwrap() error { return e.Err }

// Spans extracts text spans from a file's raw bytes, dispatching on the
// filename extension. Unknown extensions are treated as plain text.
func Spans(docID, filename string, data []byte) ([]Span, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		spans, err := pdfSpans(data)
		if err != nil {
			return nil, &DocumentError{DocID: docID, Filename: filename, Err: err}
		}
		return spans, nil
	case ".html", ".htm":
		text, err := htmlText(data)
		if err != nil {
			return nil, &DocumentError{DocID: docID, Filename: filename, Err: err}
		}
		return textSpan(text), nil
	default:
		// .txt, .md, and anything else readable as text.
		return textSpan(Normalize(string(data))), nil
	}
}

func textSpan(text string) []Span {
	if text == "" {
		return nil
	}
	return []Span{{PageStart: 1, PageEnd: 1, Text: text}}
}

// pdfSpans extracts one span per page, skipping pages with no text.
func pdfSpans(data []byte) ([]Span, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("reading pdf: %w", err)
	}

	var spans []Span
	for pageNum := 1; pageNum <= r.NumPage(); pageNum++ {
		page := r.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extracting page %d: %w", pageNum, err)
		}
		text = Normalize(text)
		if text == "" {
			continue
		}
		spans = append(spans, Span{PageStart: pageNum, PageEnd: pageNum, Text: text})
	}
	return spans, nil
}

// htmlText walks the parsed tree collecting text nodes, skipping script
// and style subtrees.
func htmlText(data []byte) (string, error) {
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return Normalize(sb.String()), nil
}

// Normalize collapses all whitespace runs to single spaces and trims.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
