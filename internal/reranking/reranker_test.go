package reranking

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/docsage/docsage/internal/llm"
	"github.com/docsage/docsage/internal/vectorindex"
)

// mockCompleter answers scoring prompts by looking up the passage text.
type mockCompleter struct {
	scores map[string]string // passage text -> raw response
	block  bool
}

func (m *mockCompleter) Complete(ctx context.Context, msgs []llm.Message) (string, error) {
	if m.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	prompt := msgs[len(msgs)-1].Content
	for text, resp := range m.scores {
		if strings.Contains(prompt, "Passage: "+text+"\n") {
			return resp, nil
		}
	}
	return "", fmt.Errorf("no canned score for prompt")
}

func makeHits(texts ...string) []vectorindex.Scored {
	hits := make([]vectorindex.Scored, len(texts))
	for i, text := range texts {
		hits[i] = vectorindex.Scored{
			Record: vectorindex.Record{ChunkID: fmt.Sprintf("d1-%d", i), Text: text},
			Score:  0.5,
		}
	}
	return hits
}

func TestRerank_ReordersByScore(t *testing.T) {
	mock := &mockCompleter{scores: map[string]string{
		"alpha": `{"score": 0.3}`,
		"beta":  `{"score": 0.9}`,
		"gamma": `{"score": 0.7}`,
	}}
	r := New(mock, true, 5*time.Second)

	got, err := r.Rerank(context.Background(), "q", makeHits("alpha", "beta", "gamma"))
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	want := []string{"beta", "gamma", "alpha"}
	for i, hit := range got {
		if hit.Text != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, hit.Text, want[i])
		}
	}
}

func TestRerank_StableOnEqualScores(t *testing.T) {
	mock := &mockCompleter{scores: map[string]string{
		"alpha": `{"score": 0.5}`,
		"beta":  `{"score": 0.5}`,
		"gamma": `{"score": 0.5}`,
	}}
	r := New(mock, true, 5*time.Second)

	got, err := r.Rerank(context.Background(), "q", makeHits("alpha", "beta", "gamma"))
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	want := []string{"alpha", "beta", "gamma"}
	for i, hit := range got {
		if hit.Text != want[i] {
			t.Errorf("got[%d] = %q, want %q (ties must keep original order)", i, hit.Text, want[i])
		}
	}
}

func TestRerank_TimeoutDegradesToOriginalOrder(t *testing.T) {
	mock := &mockCompleter{block: true}
	r := New(mock, true, 200*time.Millisecond)

	hits := makeHits("alpha", "beta")
	start := time.Now()
	got, err := r.Rerank(context.Background(), "q", hits)
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Rerank did not honor its timeout")
	}
	if len(got) != 2 || got[0].Text != "alpha" || got[1].Text != "beta" {
		t.Errorf("degraded result = %+v, want original order", got)
	}
}

func TestRerank_ScoreFailureKeepsVectorScore(t *testing.T) {
	mock := &mockCompleter{scores: map[string]string{
		"good": `{"score": 0.9}`,
		// "bad" has no canned response: Complete errors.
	}}
	r := New(mock, true, 5*time.Second)

	hits := makeHits("bad", "good")
	hits[0].Score = 0.8

	got, err := r.Rerank(context.Background(), "q", hits)
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d hits, want 2 (failures must not drop passages)", len(got))
	}
	if got[0].Text != "good" {
		t.Errorf("got[0] = %q, want good (0.9 beats retained 0.8)", got[0].Text)
	}
	if got[1].Score != 0.8 {
		t.Errorf("failed passage score = %g, want retained 0.8", got[1].Score)
	}
}

func TestRerank_EmptyAndSingle(t *testing.T) {
	r := New(&mockCompleter{}, true, time.Second)

	got, err := r.Rerank(context.Background(), "q", nil)
	if err != nil || len(got) != 0 {
		t.Fatalf("Rerank(nil) = %v, %v", got, err)
	}

	one := makeHits("only")
	got, err = r.Rerank(context.Background(), "q", one)
	if err != nil || len(got) != 1 || got[0].Text != "only" {
		t.Fatalf("Rerank(single) = %+v, %v", got, err)
	}
}

func TestParseScore_MarkdownFence(t *testing.T) {
	score, err := parseScore("```json\n{\"score\": 0.8}\n```", 0.5)
	if err != nil || score != 0.8 {
		t.Errorf("parseScore = %g, %v, want 0.8", score, err)
	}
}

func TestParseScore_ConversationalFiller(t *testing.T) {
	score, err := parseScore(`The relevance score is: {"score": 0.6}`, 0.5)
	if err != nil || score != 0.6 {
		t.Errorf("parseScore = %g, %v, want 0.6", score, err)
	}
}

func TestParseScore_Garbage(t *testing.T) {
	score, err := parseScore("completely unparseable", 0.9)
	if err == nil {
		t.Error("parseScore accepted garbage")
	}
	if score != 0.9 {
		t.Errorf("fallback score = %g, want original 0.9", score)
	}
}

func TestNew_Disabled(t *testing.T) {
	if _, ok := New(&mockCompleter{}, false, 0).(*NoOpReranker); !ok {
		t.Error("New(enabled=false) did not return NoOpReranker")
	}
	if _, ok := New(nil, true, 0).(*NoOpReranker); !ok {
		t.Error("New(nil client) did not return NoOpReranker")
	}
}

func TestNoOpReranker_PassesThrough(t *testing.T) {
	hits := makeHits("a", "b", "c")
	hits[1].Score = 0.9

	got, err := (&NoOpReranker{}).Rerank(context.Background(), "q", hits)
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	for i := range hits {
		if got[i].Text != hits[i].Text || got[i].Score != hits[i].Score {
			t.Errorf("got[%d] = %+v, want unchanged %+v", i, got[i], hits[i])
		}
	}
}
