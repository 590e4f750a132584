package vectorindex

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestIndex(t *testing.T, dim int) *SQLiteIndex {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	idx := NewSQLite(db)
	if err := idx.EnsureCollection(context.Background(), dim); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}
	return idx
}

func rec(chunkID, docID string, vec []float32) Record {
	return Record{
		ChunkID:   chunkID,
		DocID:     docID,
		Filename:  docID + ".txt",
		Text:      "text of " + chunkID,
		PageStart: 1,
		PageEnd:   1,
		Vector:    vec,
	}
}

func TestSQLite_DimensionPinned(t *testing.T) {
	idx := openTestIndex(t, 4)

	if err := idx.EnsureCollection(context.Background(), 4); err != nil {
		t.Fatalf("re-ensuring same dim: %v", err)
	}
	err := idx.EnsureCollection(context.Background(), 8)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrDimensionMismatch", err)
	}
}

func TestSQLite_UpsertRejectsWrongDim(t *testing.T) {
	idx := openTestIndex(t, 4)
	err := idx.Upsert(context.Background(), []Record{rec("c1", "d1", []float32{1, 0})})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrDimensionMismatch", err)
	}
}

func TestSQLite_SearchOrdersByCosine(t *testing.T) {
	idx := openTestIndex(t, 3)
	ctx := context.Background()

	err := idx.Upsert(ctx, []Record{
		rec("c1", "d1", []float32{1, 0, 0}),
		rec("c2", "d1", []float32{0.9, 0.1, 0}),
		rec("c3", "d2", []float32{0, 1, 0}),
		rec("c4", "d2", []float32{0, 0, 1}),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	hits, err := idx.Search(ctx, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].ChunkID != "c1" || hits[1].ChunkID != "c2" {
		t.Errorf("hits = %s,%s, want c1,c2", hits[0].ChunkID, hits[1].ChunkID)
	}
	if hits[0].Score < hits[1].Score {
		t.Errorf("scores not descending: %f < %f", hits[0].Score, hits[1].Score)
	}
	if hits[0].Filename != "d1.txt" || hits[0].Text != "text of c1" {
		t.Errorf("payload not restored: %+v", hits[0])
	}
}

func TestSQLite_SearchEmptyIndex(t *testing.T) {
	idx := openTestIndex(t, 3)
	hits, err := idx.Search(context.Background(), []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("got %d hits from empty index", len(hits))
	}
}

func TestSQLite_UpsertReplacesByChunkID(t *testing.T) {
	idx := openTestIndex(t, 2)
	ctx := context.Background()

	if err := idx.Upsert(ctx, []Record{rec("c1", "d1", []float32{1, 0})}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := idx.Upsert(ctx, []Record{rec("c1", "d1", []float32{0, 1})}); err != nil {
		t.Fatalf("re-Upsert: %v", err)
	}

	n, err := idx.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d after replace, want 1", n)
	}

	hits, err := idx.Search(ctx, []float32{0, 1}, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if hits[0].Score < 0.99 {
		t.Errorf("replaced vector not in effect, score = %f", hits[0].Score)
	}
}

func TestSQLite_DeleteByDocument(t *testing.T) {
	idx := openTestIndex(t, 2)
	ctx := context.Background()

	err := idx.Upsert(ctx, []Record{
		rec("c1", "d1", []float32{1, 0}),
		rec("c2", "d1", []float32{0, 1}),
		rec("c3", "d2", []float32{1, 1}),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := idx.DeleteByDocument(ctx, "d1"); err != nil {
		t.Fatalf("DeleteByDocument: %v", err)
	}
	n, err := idx.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d after delete, want 1", n)
	}

	// Deleting a document with no vectors is a no-op.
	if err := idx.DeleteByDocument(ctx, "unknown"); err != nil {
		t.Fatalf("DeleteByDocument(unknown): %v", err)
	}
}
