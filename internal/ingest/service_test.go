package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/docsage/docsage/internal/embedding"
	"github.com/docsage/docsage/internal/extract"
	"github.com/docsage/docsage/internal/storage"
	"github.com/docsage/docsage/internal/vectorindex"
)

func newTestService(t *testing.T) (*Service, *storage.Store, *vectorindex.SQLiteIndex) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	idx := vectorindex.NewSQLite(store.DB())
	if err := idx.EnsureCollection(context.Background(), 64); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}

	svc := New(store, embedding.NewLocal(64), idx, nil)
	return svc, store, idx
}

func TestIngestFiles_SingleTextFile(t *testing.T) {
	svc, store, idx := newTestService(t)
	ctx := context.Background()

	summary, err := svc.IngestFiles(ctx, []File{
		{Filename: "notes.txt", Data: []byte("The refund window is thirty days from purchase.")},
	})
	if err != nil {
		t.Fatalf("IngestFiles: %v", err)
	}
	if len(summary.DocIDs) != 1 || summary.FilesProcessed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.ChunksIndexed != 1 {
		t.Errorf("ChunksIndexed = %d, want 1", summary.ChunksIndexed)
	}
	if len(summary.Failures) != 0 {
		t.Errorf("Failures = %v", summary.Failures)
	}

	doc, err := store.GetDocument(summary.DocIDs[0])
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Status != storage.StatusCompleted || doc.ChunkCount != 1 {
		t.Errorf("document = %+v, want completed with 1 chunk", doc)
	}
	if doc.FileType != "txt" {
		t.Errorf("file type = %q, want txt", doc.FileType)
	}

	n, err := idx.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("index holds %d vectors, want 1", n)
	}
}

func TestIngestFiles_CorruptFileDoesNotAbortBatch(t *testing.T) {
	svc, store, idx := newTestService(t)
	ctx := context.Background()

	summary, err := svc.IngestFiles(ctx, []File{
		{Filename: "broken.pdf", Data: []byte("not a real pdf")},
		{Filename: "good.txt", Data: []byte("Healthy content survives a bad neighbor.")},
	})
	if err != nil {
		t.Fatalf("IngestFiles: %v", err)
	}

	if summary.FilesProcessed != 2 || len(summary.DocIDs) != 2 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(summary.Failures) != 1 {
		t.Fatalf("got %d failures, want 1", len(summary.Failures))
	}
	fail := summary.Failures[0]
	if fail.Filename != "broken.pdf" {
		t.Errorf("failed filename = %q", fail.Filename)
	}
	var docErr *extract.DocumentError
	if !errors.As(fail.Err, &docErr) {
		t.Errorf("failure err = %v, want *extract.DocumentError", fail.Err)
	}

	// The broken document is marked failed, the good one completed.
	broken, err := store.GetDocument(fail.DocID)
	if err != nil {
		t.Fatalf("GetDocument(broken): %v", err)
	}
	if broken.Status != storage.StatusFailed {
		t.Errorf("broken status = %q, want failed", broken.Status)
	}

	var goodID string
	for _, id := range summary.DocIDs {
		if id != fail.DocID {
			goodID = id
		}
	}
	good, err := store.GetDocument(goodID)
	if err != nil {
		t.Fatalf("GetDocument(good): %v", err)
	}
	if good.Status != storage.StatusCompleted || good.ChunkCount != 1 {
		t.Errorf("good document = %+v", good)
	}

	n, _ := idx.Count(ctx)
	if n != 1 {
		t.Errorf("index holds %d vectors, want only the good document's", n)
	}
}

func TestIngestFiles_EmptyFileCompletesWithZeroChunks(t *testing.T) {
	svc, store, _ := newTestService(t)

	summary, err := svc.IngestFiles(context.Background(), []File{
		{Filename: "empty.txt", Data: nil},
	})
	if err != nil {
		t.Fatalf("IngestFiles: %v", err)
	}
	if summary.ChunksIndexed != 0 || len(summary.Failures) != 0 {
		t.Fatalf("summary = %+v", summary)
	}

	doc, err := store.GetDocument(summary.DocIDs[0])
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Status != storage.StatusCompleted || doc.ChunkCount != 0 {
		t.Errorf("document = %+v, want completed with 0 chunks", doc)
	}
}

// downIndex refuses all writes.
type downIndex struct {
	vectorindex.Index
}

func (downIndex) Upsert(context.Context, []vectorindex.Record) error {
	return fmt.Errorf("write failed: %w", vectorindex.ErrUnavailable)
}

func TestIngestFiles_IndexDownMarksDocumentFailed(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc := New(store, embedding.NewLocal(16), downIndex{}, nil)
	summary, err := svc.IngestFiles(context.Background(), []File{
		{Filename: "doc.txt", Data: []byte("some content")},
	})
	if err != nil {
		t.Fatalf("IngestFiles: %v", err)
	}
	if len(summary.Failures) != 1 {
		t.Fatalf("got %d failures, want 1", len(summary.Failures))
	}
	if !errors.Is(summary.Failures[0].Err, vectorindex.ErrUnavailable) {
		t.Errorf("failure err = %v, want ErrUnavailable", summary.Failures[0].Err)
	}

	doc, err := store.GetDocument(summary.DocIDs[0])
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Status != storage.StatusFailed {
		t.Errorf("status = %q, want failed", doc.Status)
	}
}

func TestIngestFiles_LargeFileProducesMultipleChunks(t *testing.T) {
	svc, store, idx := newTestService(t)

	var b strings.Builder
	for i := 0; i < 900; i++ {
		fmt.Fprintf(&b, "token%d ", i)
	}
	summary, err := svc.IngestFiles(context.Background(), []File{
		{Filename: "big.txt", Data: []byte(b.String())},
	})
	if err != nil {
		t.Fatalf("IngestFiles: %v", err)
	}
	if summary.ChunksIndexed < 2 {
		t.Fatalf("ChunksIndexed = %d, want several for 900 tokens", summary.ChunksIndexed)
	}

	doc, _ := store.GetDocument(summary.DocIDs[0])
	if doc.ChunkCount != summary.ChunksIndexed {
		t.Errorf("document chunk count %d != summary %d", doc.ChunkCount, summary.ChunksIndexed)
	}
	n, _ := idx.Count(context.Background())
	if n != summary.ChunksIndexed {
		t.Errorf("index holds %d vectors, want %d", n, summary.ChunksIndexed)
	}
}

func TestFileType(t *testing.T) {
	cases := map[string]string{
		"a.PDF":    "pdf",
		"b.txt":    "txt",
		"c.tar.gz": "gz",
		"noext":    "bin",
	}
	for in, want := range cases {
		if got := fileType(in); got != want {
			t.Errorf("fileType(%q) = %q, want %q", in, got, want)
		}
	}
}
