// Package synth turns retrieved passages into a grounded answer with
// citations. With a chat model configured the answer is generated from
// the passages only; without one a deterministic template extracts the
// leading sentences of the best passage so the service stays usable
// offline.
package synth

import (
	"context"
	"fmt"
	"strings"

	"github.com/docsage/docsage/internal/llm"
	"github.com/docsage/docsage/internal/storage"
	"github.com/docsage/docsage/internal/vectorindex"
)

// noContextAnswer is returned when retrieval produced nothing. It is a
// fixed string so clients can rely on it.
const noContextAnswer = "I don't know based on the provided context."

const systemPrompt = "You are a document question-answering assistant. " +
	"Answer strictly from the provided context passages. " +
	"If the context does not contain the answer, say you don't know. " +
	"Be concise and do not invent sources."

// Generator is the slice of the chat client synthesis needs.
type Generator interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
	Stream(ctx context.Context, messages []llm.Message, onDelta func(delta string) error) error
}

// Result is a finished answer ready for persistence and delivery.
type Result struct {
	Text      string
	Citations []storage.Citation
}

// Synthesizer produces answers. A nil generator selects the template
// fallback.
type Synthesizer struct {
	generator Generator
}

// New creates a synthesizer. Pass nil to run without a chat model.
func New(generator Generator) *Synthesizer {
	return &Synthesizer{generator: generator}
}

// Answer produces a complete answer for the question from the passages.
// history is the prior conversation, oldest first, already windowed by
// the caller. Empty passages yield the fixed no-context answer with no
// citations and no model call.
func (s *Synthesizer) Answer(ctx context.Context, question string, passages []vectorindex.Scored, history []storage.Message) (Result, error) {
	if len(passages) == 0 {
		return Result{Text: noContextAnswer, Citations: []storage.Citation{}}, nil
	}

	if s.generator == nil {
		return Result{Text: templateAnswer(passages), Citations: citations(passages)}, nil
	}

	text, err := s.generator.Complete(ctx, buildMessages(question, passages, history))
	if err != nil {
		return Result{}, fmt.Errorf("generating answer: %w", err)
	}
	answer := strings.TrimSpace(text)
	return Result{Text: answer, Citations: citations(citedPassages(answer, passages))}, nil
}

// Stream produces the answer incrementally, invoking onDelta for each
// fragment in order, and returns the accumulated result for persistence.
// The fallback path emits the whole template answer as one fragment.
func (s *Synthesizer) Stream(ctx context.Context, question string, passages []vectorindex.Scored, history []storage.Message, onDelta func(delta string) error) (Result, error) {
	if len(passages) == 0 {
		if err := onDelta(noContextAnswer); err != nil {
			return Result{}, err
		}
		return Result{Text: noContextAnswer, Citations: []storage.Citation{}}, nil
	}

	if s.generator == nil {
		text := templateAnswer(passages)
		if err := onDelta(text); err != nil {
			return Result{}, err
		}
		return Result{Text: text, Citations: citations(passages)}, nil
	}

	var b strings.Builder
	err := s.generator.Stream(ctx, buildMessages(question, passages, history), func(delta string) error {
		b.WriteString(delta)
		return onDelta(delta)
	})
	if err != nil {
		return Result{}, fmt.Errorf("streaming answer: %w", err)
	}
	answer := strings.TrimSpace(b.String())
	return Result{Text: answer, Citations: citations(citedPassages(answer, passages))}, nil
}

// buildMessages assembles the chat transcript: system prompt, prior
// turns oldest first, then the context-laden question.
func buildMessages(question string, passages []vectorindex.Scored, history []storage.Message) []llm.Message {
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	for _, m := range history {
		role := llm.RoleUser
		if m.Role == storage.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: m.Content})
	}

	var ctx strings.Builder
	for i, p := range passages {
		if i > 0 {
			ctx.WriteString("\n\n")
		}
		fmt.Fprintf(&ctx, "[%s p%d-%d | %s]\n%s", p.Filename, p.PageStart, p.PageEnd, p.ChunkID, p.Text)
	}

	user := "Answer the user's question using ONLY the following context. " +
		"If the answer isn't contained, say you don't know.\n\n" +
		"Context:\n" + ctx.String() + "\n\nQuestion: " + question
	return append(messages, llm.Message{Role: llm.RoleUser, Content: user})
}

// citedPassages narrows passages to the ones the model referenced by
// chunk id. Models are not required to echo the tags, so when the answer
// names no chunk at all, every supplied passage stays cited. A chunk id
// the model mentions that is not in the supplied set is ignored by
// construction; citations never point outside the retrieved passages.
func citedPassages(answer string, passages []vectorindex.Scored) []vectorindex.Scored {
	var cited []vectorindex.Scored
	for _, p := range passages {
		if strings.Contains(answer, p.ChunkID) {
			cited = append(cited, p)
		}
	}
	if len(cited) == 0 {
		return passages
	}
	return cited
}

// citations maps the final passages to citation records, in passage
// order. Only passages actually supplied to the model are cited.
func citations(passages []vectorindex.Scored) []storage.Citation {
	out := make([]storage.Citation, len(passages))
	for i, p := range passages {
		out[i] = storage.Citation{
			Filename:  p.Filename,
			PageStart: p.PageStart,
			PageEnd:   p.PageEnd,
			ChunkID:   p.ChunkID,
		}
	}
	return out
}

// templateAnswer extracts the leading sentences of the top passage.
func templateAnswer(passages []vectorindex.Scored) string {
	text := strings.TrimSpace(passages[0].Text)

	var main string
	if len(text) > 100 {
		sentences := strings.SplitN(text, ". ", 3)
		switch {
		case len(sentences) >= 3:
			main = sentences[0] + ". " + sentences[1] + "."
		case len(sentences) == 2:
			main = sentences[0] + "."
		case len(text) > 300:
			main = text[:300] + "..."
		default:
			main = text
		}
	} else {
		main = text
	}
	return "Based on the available information: " + main
}
