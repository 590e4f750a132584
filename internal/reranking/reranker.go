// Package reranking re-scores retrieved passages against the question
// before the top-K cut. The hosted variant asks the chat model to rate
// each (question, passage) pair; when reranking is disabled or no model
// is available, passages pass through in vector-score order.
package reranking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docsage/docsage/internal/llm"
	"github.com/docsage/docsage/internal/vectorindex"
)

const (
	defaultConcurrency = 3
	defaultTimeout     = 10 * time.Second
)

// Completer is the slice of the chat client the reranker needs.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
}

// Reranker reorders candidate passages by query relevance.
type Reranker interface {
	Rerank(ctx context.Context, question string, hits []vectorindex.Scored) ([]vectorindex.Scored, error)
}

// New returns an LLMReranker when enabled and a usable client exists,
// NoOpReranker otherwise.
func New(client Completer, enabled bool, timeout time.Duration) Reranker {
	if !enabled || client == nil {
		return &NoOpReranker{}
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &LLMReranker{client: client, timeout: timeout}
}

// LLMReranker scores (question, passage) pairs with the chat model.
// Scoring runs concurrently, bounded to defaultConcurrency in-flight
// requests. Chunks whose score call fails keep their vector score.
type LLMReranker struct {
	client  Completer
	timeout time.Duration
}

// Rerank returns hits sorted by reranker score descending. Equal scores
// keep their original relative order, so reruns over the same candidate
// set are deterministic. If the timeout fires before scoring completes,
// the original order is returned unchanged.
func (r *LLMReranker) Rerank(ctx context.Context, question string, hits []vectorindex.Scored) ([]vectorindex.Scored, error) {
	if len(hits) <= 1 {
		return hits, nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	scored := make([]vectorindex.Scored, len(hits))
	copy(scored, hits)

	sem := make(chan struct{}, defaultConcurrency)
	var wg sync.WaitGroup
	for i := range scored {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-timeoutCtx.Done():
				return
			}
			defer func() { <-sem }()

			score, err := r.scorePassage(timeoutCtx, question, scored[i].Text, scored[i].Score)
			if err != nil {
				slog.Debug("reranker: score failed, retaining vector score",
					"chunk_id", scored[i].ChunkID, "error", err)
				return
			}
			scored[i].Score = score
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-timeoutCtx.Done():
		// Scoring did not finish in time: degrade to vector order.
		return hits, nil
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	return scored, nil
}

func (r *LLMReranker) scorePassage(ctx context.Context, question, text string, original float32) (float32, error) {
	prompt := "Rate the relevance of the following passage to the question on a scale of 0.0 to 1.0.\n" +
		"Question: " + question + "\n" +
		"Passage: " + text + "\n" +
		`Respond with only a JSON object: {"score": <float>}`

	resp, err := r.client.Complete(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: prompt},
	})
	if err != nil {
		return original, err
	}

	score, parseErr := parseScore(resp, original)
	if parseErr != nil {
		slog.Debug("reranker: parse failed, using vector score", "resp", resp, "error", parseErr)
		return original, nil
	}
	return score, nil
}

// parseScore extracts a relevance score from a chat response. Models
// frequently wrap the JSON in markdown code fences or prepend filler,
// so the parser strips fences, locates the outermost braces, and only
// then unmarshals. On failure the original score is preserved so the
// passage is not penalised.
func parseScore(resp string, original float32) (float32, error) {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		if strings.HasPrefix(s, "json") {
			s = s[4:]
		}
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return original, fmt.Errorf("no JSON object in response")
	}

	var obj struct {
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return original, fmt.Errorf("unmarshal score: %w", err)
	}
	return float32(obj.Score), nil
}

// NoOpReranker passes hits through unchanged.
type NoOpReranker struct{}

func (n *NoOpReranker) Rerank(_ context.Context, _ string, hits []vectorindex.Scored) ([]vectorindex.Scored, error) {
	return hits, nil
}
