// Package retrieval turns a question into the passages most likely to
// answer it: embed the question, search the vector index, optionally
// rerank, and cut to the configured top-K.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/docsage/docsage/internal/embedding"
	"github.com/docsage/docsage/internal/reranking"
	"github.com/docsage/docsage/internal/vectorindex"
)

// overfetchFactor widens the vector search when a reranker will make the
// final cut, so the reranker sees candidates beyond the raw top-K.
const overfetchFactor = 6

// Retriever answers semantic queries over the indexed corpus.
type Retriever struct {
	backend   embedding.Backend
	index     vectorindex.Index
	reranker  reranking.Reranker
	topK      int
	overfetch bool
}

// New creates a retriever. overfetch should be true when reranker
// actually reorders (it is pointless to widen the search for a no-op).
func New(backend embedding.Backend, index vectorindex.Index, reranker reranking.Reranker, topK int, overfetch bool) *Retriever {
	if topK <= 0 {
		topK = 4
	}
	if reranker == nil {
		reranker = &reranking.NoOpReranker{}
		overfetch = false
	}
	return &Retriever{
		backend:   backend,
		index:     index,
		reranker:  reranker,
		topK:      topK,
		overfetch: overfetch,
	}
}

// TopK returns the configured result count.
func (r *Retriever) TopK() int { return r.topK }

// Retrieve returns up to topK passages for the question, best first.
// A blank question or an empty index yields an empty result, not an
// error. Backend and index failures propagate with their sentinel
// errors intact so callers can map them to the right status.
func (r *Retriever) Retrieve(ctx context.Context, question string) ([]vectorindex.Scored, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, nil
	}

	vecs, err := r.backend.EmbedBatch(ctx, []string{question})
	if err != nil {
		return nil, fmt.Errorf("embedding question: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedding question: got %d vectors, want 1", len(vecs))
	}

	fetchK := r.topK
	if r.overfetch {
		fetchK = r.topK * overfetchFactor
	}

	hits, err := r.index.Search(ctx, vecs[0], fetchK)
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ranked, err := r.reranker.Rerank(ctx, question, hits)
	if err != nil {
		// Rerank failures are never fatal to the question path.
		slog.Warn("rerank failed, using vector order", "error", err)
		ranked = hits
	}

	if len(ranked) > r.topK {
		ranked = ranked[:r.topK]
	}
	return ranked, nil
}
