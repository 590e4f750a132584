// Package ingest runs the document pipeline: extract text, chunk it,
// embed the chunks, and upsert them into the vector index, tracking
// per-document status in relational storage throughout.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/docsage/docsage/internal/chunker"
	"github.com/docsage/docsage/internal/embedding"
	"github.com/docsage/docsage/internal/extract"
	"github.com/docsage/docsage/internal/storage"
	"github.com/docsage/docsage/internal/vectorindex"
)

// File is one uploaded document.
type File struct {
	Filename string
	Data     []byte
}

// Failure records why a single file could not be ingested.
type Failure struct {
	Filename string
	DocID    string
	Err      error
}

// Summary reports the outcome of one ingest batch. DocIDs covers every
// file in input order, including failed ones; their status rows tell
// them apart.
type Summary struct {
	DocIDs         []string
	ChunksIndexed  int
	FilesProcessed int
	Failures       []Failure
}

// DocumentStore is the slice of storage the pipeline needs.
type DocumentStore interface {
	CreateDocument(id, filename string, fileSize int64, fileType string, metadata map[string]string) (storage.Document, error)
	UpdateDocumentStatus(id, status string, chunkCount int) error
}

// Service wires the pipeline stages together.
type Service struct {
	store   DocumentStore
	backend embedding.Backend
	index   vectorindex.Index
	chunker *chunker.Chunker
	logger  *slog.Logger
}

// New creates an ingest service. A nil chunker gets the defaults.
func New(store DocumentStore, backend embedding.Backend, index vectorindex.Index, ch *chunker.Chunker) *Service {
	if ch == nil {
		ch = chunker.New(0, 0)
	}
	return &Service{
		store:   store,
		backend: backend,
		index:   index,
		chunker: ch,
		logger:  slog.Default(),
	}
}

// IngestFiles runs the pipeline for each file in order. A failing file
// is marked failed in storage and recorded in the summary; it never
// aborts the rest of the batch.
func (s *Service) IngestFiles(ctx context.Context, files []File) (Summary, error) {
	summary := Summary{FilesProcessed: len(files)}

	for _, f := range files {
		docID, chunks, err := s.ingestOne(ctx, f)
		if docID != "" {
			summary.DocIDs = append(summary.DocIDs, docID)
		}
		if err != nil {
			s.logger.Warn("ingest failed", "filename", f.Filename, "doc_id", docID, "error", err)
			summary.Failures = append(summary.Failures, Failure{Filename: f.Filename, DocID: docID, Err: err})
			continue
		}
		summary.ChunksIndexed += chunks
		s.logger.Info("ingested document", "filename", f.Filename, "doc_id", docID, "chunks", chunks)
	}

	return summary, nil
}

// ingestOne processes a single file through the full pipeline. The
// document row is created first so a failure at any later stage leaves
// an inspectable failed record.
func (s *Service) ingestOne(ctx context.Context, f File) (string, int, error) {
	doc, err := s.store.CreateDocument("", f.Filename, int64(len(f.Data)), fileType(f.Filename), nil)
	if err != nil {
		return "", 0, fmt.Errorf("creating document record: %w", err)
	}

	spans, err := extract.Spans(doc.ID, f.Filename, f.Data)
	if err != nil {
		s.markFailed(doc.ID)
		return doc.ID, 0, err
	}

	chunks := s.chunker.Split(doc.ID, spans)
	if len(chunks) == 0 {
		// Nothing extractable counts as a completed empty document.
		if err := s.store.UpdateDocumentStatus(doc.ID, storage.StatusCompleted, 0); err != nil {
			return doc.ID, 0, fmt.Errorf("updating document status: %w", err)
		}
		return doc.ID, 0, nil
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	vecs, err := s.backend.EmbedBatch(ctx, texts)
	if err != nil {
		s.markFailed(doc.ID)
		return doc.ID, 0, fmt.Errorf("embedding %d chunks: %w", len(chunks), err)
	}

	records := make([]vectorindex.Record, len(chunks))
	for i, ch := range chunks {
		records[i] = vectorindex.Record{
			ChunkID:   ch.ID,
			DocID:     ch.DocID,
			Filename:  f.Filename,
			Text:      ch.Text,
			PageStart: ch.PageStart,
			PageEnd:   ch.PageEnd,
			Vector:    vecs[i],
		}
	}
	if err := s.index.Upsert(ctx, records); err != nil {
		s.markFailed(doc.ID)
		return doc.ID, 0, fmt.Errorf("indexing %d chunks: %w", len(records), err)
	}

	if err := s.store.UpdateDocumentStatus(doc.ID, storage.StatusCompleted, len(chunks)); err != nil {
		return doc.ID, 0, fmt.Errorf("updating document status: %w", err)
	}
	return doc.ID, len(chunks), nil
}

func (s *Service) markFailed(docID string) {
	if err := s.store.UpdateDocumentStatus(docID, storage.StatusFailed, 0); err != nil {
		s.logger.Error("failed to mark document as failed", "doc_id", docID, "error", err)
	}
}

// fileType is the lowercased extension without the dot; "bin" when the
// filename has none.
func fileType(filename string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if ext == "" {
		return "bin"
	}
	return ext
}
