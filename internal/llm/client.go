// Package llm talks to an OpenAI-compatible chat completions endpoint.
// It is shared by answer synthesis and passage reranking.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrUnavailable reports that the chat endpoint could not be reached or
// answered with a transient failure. Callers may retry or degrade.
var ErrUnavailable = errors.New("llm backend unavailable")

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Client sends chat completion requests to an OpenAI-compatible API.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	maxRetries int
	client     *http.Client
	// streamClient carries no timeout: a streamed completion is bounded
	// by ctx, not by a fixed deadline.
	streamClient *http.Client
}

// Config configures the chat client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// New creates a chat client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm client requires an API key")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		maxRetries:   3,
		client:       &http.Client{Timeout: cfg.Timeout},
		streamClient: &http.Client{},
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Complete sends messages and returns the assistant's full response text.
// Transient failures (429, 5xx, network) are retried with backoff.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(retryDelay(attempt - 1)):
			}
		}

		text, retryAfter, err := c.tryComplete(ctx, body)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !errors.Is(err, ErrUnavailable) {
			return "", err
		}
		if retryAfter > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(retryAfter):
			}
		}
	}
	return "", lastErr
}

func (c *Client) tryComplete(ctx context.Context, body []byte) (string, time.Duration, error) {
	resp, err := c.post(ctx, c.client, body)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if retryAfter, err := classifyStatus(resp); err != nil {
		return "", retryAfter, err
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, fmt.Errorf("decoding chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", 0, fmt.Errorf("chat response has no choices")
	}
	return out.Choices[0].Message.Content, 0, nil
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Stream sends messages with stream=true and invokes onDelta for every
// non-empty content fragment, in order. A non-nil error from onDelta
// aborts the stream and is returned. Streaming requests are not retried;
// a partial answer must not be replayed from the start.
func (c *Client) Stream(ctx context.Context, messages []Message, onDelta func(delta string) error) error {
	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages, Stream: true})
	if err != nil {
		return err
	}

	resp, err := c.post(ctx, c.streamClient, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := classifyStatus(resp); err != nil {
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return nil
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return fmt.Errorf("decoding stream chunk: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			if err := onDelta(delta); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: reading stream: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, client *http.Client, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

// classifyStatus maps 429 and 5xx to ErrUnavailable with any Retry-After
// hint, other non-200 codes to a plain error, and 200 to nil.
func classifyStatus(resp *http.Response) (time.Duration, error) {
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		var retryAfter time.Duration
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return retryAfter, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("chat request failed: status %d", resp.StatusCode)
	}
	return 0, nil
}

// retryDelay is exponential backoff starting at 200ms, capped at 5s.
func retryDelay(attempt int) time.Duration {
	d := 200 * time.Millisecond << attempt
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}
