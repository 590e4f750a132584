// Package vectorindex stores chunk vectors and serves nearest-neighbor
// queries. Two implementations exist: a remote Qdrant collection reached
// over REST and an embedded SQLite table with brute-force cosine scan.
package vectorindex

import (
	"context"
	"errors"
)

// ErrUnavailable reports that the index backend could not be reached.
// Reads degrade gracefully on it; writes surface it to the caller.
var ErrUnavailable = errors.New("vector index unavailable")

// ErrDimensionMismatch reports that the index holds vectors of a different
// dimensionality than the configured embedding backend produces. The two
// cannot be reconciled at runtime; the operator must re-ingest.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Record is one indexed chunk: the vector plus the payload needed to
// build a citation without a round-trip to relational storage.
type Record struct {
	ChunkID   string
	DocID     string
	Filename  string
	Text      string
	PageStart int
	PageEnd   int
	Vector    []float32
}

// Scored is a search hit. Score is cosine similarity, higher is closer.
type Scored struct {
	Record
	Score float32
}

// Index is the vector store abstraction. All methods honor ctx
// cancellation; remote implementations map transport failures to
// ErrUnavailable.
type Index interface {
	// EnsureCollection creates the collection if missing and verifies
	// that an existing one matches dim. Returns ErrDimensionMismatch
	// when it does not.
	EnsureCollection(ctx context.Context, dim int) error

	// Upsert writes records, replacing any with the same ChunkID.
	Upsert(ctx context.Context, records []Record) error

	// Search returns up to topK records ordered by descending score.
	Search(ctx context.Context, vector []float32, topK int) ([]Scored, error)

	// DeleteByDocument removes every record belonging to docID.
	DeleteByDocument(ctx context.Context, docID string) error

	// Count returns the number of indexed records.
	Count(ctx context.Context) (int, error)

	// Ping checks reachability without mutating anything.
	Ping(ctx context.Context) error
}
