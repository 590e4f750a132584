package vectorindex

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
)

// Compile-time check that SQLiteIndex implements Index.
var _ Index = (*SQLiteIndex)(nil)

// SQLiteIndex stores vectors in a chunk_vectors table and answers queries
// with a brute-force cosine scan. It is the embedded default when no
// remote index is configured; fine up to roughly 100K vectors, after
// which a dedicated vector database is the answer.
type SQLiteIndex struct {
	db  *sql.DB
	dim int
}

// NewSQLite wraps an existing *sql.DB for vector operations. The schema
// is created lazily by EnsureCollection.
func NewSQLite(db *sql.DB) *SQLiteIndex {
	return &SQLiteIndex{db: db}
}

// EnsureCollection creates the vector tables if missing and pins the
// dimensionality. A previously pinned dimension that disagrees with dim
// is fatal: the stored vectors cannot be compared against new ones.
func (s *SQLiteIndex) EnsureCollection(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("invalid vector dimension %d", dim)
	}

	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS chunk_vectors (
			chunk_id   TEXT PRIMARY KEY,
			doc_id     TEXT NOT NULL,
			filename   TEXT NOT NULL,
			text       TEXT NOT NULL,
			page_start INTEGER NOT NULL,
			page_end   INTEGER NOT NULL,
			embedding  BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chunk_vectors_doc ON chunk_vectors(doc_id);
		CREATE TABLE IF NOT EXISTS vector_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("creating vector tables: %w", err)
	}

	var stored int
	err = s.db.QueryRowContext(ctx, `SELECT CAST(value AS INTEGER) FROM vector_meta WHERE key = 'dim'`).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.ExecContext(ctx, `INSERT INTO vector_meta (key, value) VALUES ('dim', ?)`, dim); err != nil {
			return fmt.Errorf("pinning vector dimension: %w", err)
		}
	case err != nil:
		return fmt.Errorf("reading vector dimension: %w", err)
	case stored != dim:
		return fmt.Errorf("%w: index holds %d-dim vectors, backend produces %d", ErrDimensionMismatch, stored, dim)
	}

	s.dim = dim
	return nil
}

// Upsert inserts records, replacing any existing row with the same chunk ID.
func (s *SQLiteIndex) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO chunk_vectors (chunk_id, doc_id, filename, text, page_start, page_end, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if s.dim > 0 && len(r.Vector) != s.dim {
			tx.Rollback()
			return fmt.Errorf("%w: record %s has %d dims, index holds %d",
				ErrDimensionMismatch, r.ChunkID, len(r.Vector), s.dim)
		}
		blob := encodeFloat32s(r.Vector)
		if _, err := stmt.ExecContext(ctx, r.ChunkID, r.DocID, r.Filename, r.Text, r.PageStart, r.PageEnd, blob); err != nil {
			tx.Rollback()
			return fmt.Errorf("upserting record %s: %w", r.ChunkID, err)
		}
	}

	return tx.Commit()
}

// chunkScore holds only the ID and score during the scan phase of Search.
// Full rows are fetched only for the top-K winners.
type chunkScore struct {
	ChunkID string
	Score   float32
}

// Search performs a brute-force cosine scan over all vectors, returning
// the top-K most similar records in descending score order.
func (s *SQLiteIndex) Search(ctx context.Context, vector []float32, topK int) ([]Scored, error) {
	if topK <= 0 {
		return nil, nil
	}

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan only chunk_id + embedding to find candidates.
	rows, err := s.db.QueryContext(ctx, `SELECT chunk_id, embedding FROM chunk_vectors`)
	if err != nil {
		return nil, fmt.Errorf("scanning vectors: %w", err)
	}
	defer rows.Close()

	h := &chunkScoreHeap{}
	heap.Init(h)

	// Reusable buffer to avoid a per-row allocation during the scan.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding vector for %s: %w", id, err)
		}

		score := cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, chunkScore{ChunkID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = chunkScore{ChunkID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch payloads for the winners, one by one. topK is small.
	ordered := make([]chunkScore, h.Len())
	for i := len(ordered) - 1; i >= 0; i-- {
		ordered[i] = heap.Pop(h).(chunkScore)
	}

	results := make([]Scored, 0, len(ordered))
	for _, cs := range ordered {
		var r Scored
		r.ChunkID = cs.ChunkID
		r.Score = cs.Score
		err := s.db.QueryRowContext(ctx, `
			SELECT doc_id, filename, text, page_start, page_end
			FROM chunk_vectors WHERE chunk_id = ?`, cs.ChunkID).
			Scan(&r.DocID, &r.Filename, &r.Text, &r.PageStart, &r.PageEnd)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetching record %s: %w", cs.ChunkID, err)
		}
		results = append(results, r)
	}
	return results, nil
}

// DeleteByDocument removes every vector belonging to docID. Deleting a
// document with no vectors is not an error.
func (s *SQLiteIndex) DeleteByDocument(ctx context.Context, docID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunk_vectors WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("deleting vectors for document %s: %w", docID, err)
	}
	return nil
}

// Count returns the number of indexed vectors.
func (s *SQLiteIndex) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunk_vectors`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting vectors: %w", err)
	}
	return count, nil
}

func (s *SQLiteIndex) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it when capacity allows. A length that is not a multiple of 4
// indicates corruption.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("blob length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|) with aNorm precomputed.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// chunkScoreHeap is a min-heap of chunkScore ordered by Score, used to
// track the running top-K during the scan phase.
type chunkScoreHeap []chunkScore

func (h chunkScoreHeap) Len() int           { return len(h) }
func (h chunkScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h chunkScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *chunkScoreHeap) Push(x any)        { *h = append(*h, x.(chunkScore)) }
func (h *chunkScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
