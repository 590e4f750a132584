package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultBatchSize  = 64
	defaultMaxRetries = 3
	embedConcurrency  = 4
)

// OpenAIBackend embeds text via an OpenAI-compatible /embeddings endpoint.
type OpenAIBackend struct {
	baseURL    string
	apiKey     string
	model      string
	dim        int
	batchSize  int
	maxRetries int
	client     *http.Client
}

// OpenAIConfig configures the hosted backend. Model dimensionality is
// fixed per model; text-embedding-3-small produces 1536-dim vectors.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Dim     int
	Timeout time.Duration
}

// NewOpenAI creates a hosted embedding backend.
func NewOpenAI(cfg OpenAIConfig) (*OpenAIBackend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("hosted embedding backend requires an API key")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dim <= 0 {
		cfg.Dim = 1536
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &OpenAIBackend{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dim:        cfg.Dim,
		batchSize:  defaultBatchSize,
		maxRetries: defaultMaxRetries,
		client:     &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (b *OpenAIBackend) Dim() int     { return b.dim }
func (b *OpenAIBackend) Name() string { return "openai" }

// EmbedBatch splits texts into API-sized batches and embeds them
// concurrently, preserving input order.
func (b *OpenAIBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)

	for start := 0; start < len(texts); start += b.batchSize {
		start := start
		end := start + b.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		g.Go(func() error {
			vecs, err := b.embedOnce(gCtx, texts[start:end])
			if err != nil {
				return err
			}
			copy(results[start:], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// embedOnce embeds a single batch, retrying transient failures with
// exponential backoff. Client errors (4xx) are never retried.
func (b *OpenAIBackend) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Input: texts, Model: b.model})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay(attempt - 1)):
			}
		}

		vecs, retryAfter, err := b.tryEmbed(ctx, body, len(texts))
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
		if retryAfter > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryAfter):
			}
		}
	}
	return nil, lastErr
}

func (b *OpenAIBackend) tryEmbed(ctx context.Context, body []byte, want int) ([][]float32, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		var retryAfter time.Duration
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, parseErr := strconv.Atoi(ra); parseErr == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, retryAfter, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("embeddings request failed: status %d", resp.StatusCode)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, 0, fmt.Errorf("decoding embeddings response: %w", err)
	}
	if len(out.Data) != want {
		return nil, 0, fmt.Errorf("embeddings response has %d vectors, want %d", len(out.Data), want)
	}

	vecs := make([][]float32, want)
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= want {
			return nil, 0, fmt.Errorf("embeddings response index %d out of range", d.Index)
		}
		if len(d.Embedding) != b.dim {
			return nil, 0, fmt.Errorf("embedding has %d dims, want %d", len(d.Embedding), b.dim)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, 0, nil
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// retryDelay is exponential backoff starting at 200ms, capped at 5s.
func retryDelay(attempt int) time.Duration {
	d := 200 * time.Millisecond << attempt
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}
