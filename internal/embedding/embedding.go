// Package embedding maps text to fixed-length vectors. Two backends exist:
// a hosted OpenAI-compatible API and a deterministic in-process fallback.
// The variant is chosen once at startup and shared read-only afterwards.
package embedding

import (
	"context"
	"errors"
)

// ErrUnavailable reports that the hosted embedding service could not be
// reached. It is transient: callers may retry with backoff.
var ErrUnavailable = errors.New("embedding backend unavailable")

// Backend produces vectors of a fixed dimensionality. Every call against
// one instance returns vectors of exactly Dim() elements.
type Backend interface {
	// EmbedBatch returns one vector per input text, in input order.
	// Empty input returns nil, nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dim is the dimensionality of every produced vector.
	Dim() int

	// Name identifies the backend variant ("openai" or "local").
	Name() string
}
