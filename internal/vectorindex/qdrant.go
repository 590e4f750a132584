package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Compile-time check that QdrantIndex implements Index.
var _ Index = (*QdrantIndex)(nil)

// QdrantIndex is a minimal REST client to a Qdrant collection configured
// for cosine distance. Chunk IDs are mapped to deterministic UUIDs because
// Qdrant only accepts UUID or integer point IDs.
type QdrantIndex struct {
	baseURL    string
	apiKey     string
	collection string
	dim        int
	client     *http.Client
}

// QdrantConfig configures the remote index client.
type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

// NewQdrant creates a Qdrant-backed index. The collection is not touched
// until EnsureCollection runs.
func NewQdrant(cfg QdrantConfig) (*QdrantIndex, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("qdrant index requires a URL")
	}
	if cfg.Collection == "" {
		cfg.Collection = "docs"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &QdrantIndex{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		client:     &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// pointID maps a chunk ID to a stable UUID acceptable as a Qdrant point ID.
func pointID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunkID)).String()
}

func (q *QdrantIndex) collectionURL(suffix string) string {
	return fmt.Sprintf("%s/collections/%s%s", q.baseURL, q.collection, suffix)
}

func (q *QdrantIndex) EnsureCollection(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("invalid vector dimension %d", dim)
	}

	var info struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	status, err := q.do(ctx, http.MethodGet, q.collectionURL(""), nil, &info)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusOK:
		if got := info.Result.Config.Params.Vectors.Size; got != dim {
			return fmt.Errorf("%w: collection %q holds %d-dim vectors, backend produces %d",
				ErrDimensionMismatch, q.collection, got, dim)
		}
		q.dim = dim
		return nil
	case status == http.StatusNotFound:
		body := map[string]any{
			"vectors": map[string]any{"size": dim, "distance": "Cosine"},
		}
		status, err = q.do(ctx, http.MethodPut, q.collectionURL(""), body, nil)
		if err != nil {
			return err
		}
		if status >= 300 {
			return fmt.Errorf("creating collection %q: status %d", q.collection, status)
		}
		q.dim = dim
		return nil
	default:
		return fmt.Errorf("inspecting collection %q: status %d", q.collection, status)
	}
}

func (q *QdrantIndex) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]map[string]any, len(records))
	for i, r := range records {
		if q.dim > 0 && len(r.Vector) != q.dim {
			return fmt.Errorf("%w: record %s has %d dims, collection holds %d",
				ErrDimensionMismatch, r.ChunkID, len(r.Vector), q.dim)
		}
		points[i] = map[string]any{
			"id":     pointID(r.ChunkID),
			"vector": r.Vector,
			"payload": map[string]any{
				"chunk_id":   r.ChunkID,
				"doc_id":     r.DocID,
				"filename":   r.Filename,
				"text":       r.Text,
				"page_start": r.PageStart,
				"page_end":   r.PageEnd,
			},
		}
	}
	body := map[string]any{"points": points}
	status, err := q.do(ctx, http.MethodPut, q.collectionURL("/points?wait=true"), body, nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("upserting %d points: status %d", len(points), status)
	}
	return nil
}

func (q *QdrantIndex) Search(ctx context.Context, vector []float32, topK int) ([]Scored, error) {
	if topK <= 0 {
		return nil, nil
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	var resp struct {
		Result []struct {
			Score   float32        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	status, err := q.do(ctx, http.MethodPost, q.collectionURL("/points/search"), req, &resp)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("searching collection %q: status %d", q.collection, status)
	}

	results := make([]Scored, 0, len(resp.Result))
	for _, hit := range resp.Result {
		s := Scored{Score: hit.Score}
		if v, ok := hit.Payload["chunk_id"].(string); ok {
			s.ChunkID = v
		}
		if v, ok := hit.Payload["doc_id"].(string); ok {
			s.DocID = v
		}
		if v, ok := hit.Payload["filename"].(string); ok {
			s.Filename = v
		}
		if v, ok := hit.Payload["text"].(string); ok {
			s.Text = v
		}
		if v, ok := hit.Payload["page_start"].(float64); ok {
			s.PageStart = int(v)
		}
		if v, ok := hit.Payload["page_end"].(float64); ok {
			s.PageEnd = int(v)
		}
		results = append(results, s)
	}
	return results, nil
}

func (q *QdrantIndex) DeleteByDocument(ctx context.Context, docID string) error {
	body := map[string]any{
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": "doc_id", "match": map[string]any{"value": docID}},
			},
		},
	}
	status, err := q.do(ctx, http.MethodPost, q.collectionURL("/points/delete?wait=true"), body, nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("deleting points for document %s: status %d", docID, status)
	}
	return nil
}

func (q *QdrantIndex) Count(ctx context.Context) (int, error) {
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	status, err := q.do(ctx, http.MethodPost, q.collectionURL("/points/count"), map[string]any{"exact": true}, &resp)
	if err != nil {
		return 0, err
	}
	if status == http.StatusNotFound {
		return 0, nil
	}
	if status >= 300 {
		return 0, fmt.Errorf("counting points: status %d", status)
	}
	return resp.Result.Count, nil
}

func (q *QdrantIndex) Ping(ctx context.Context) error {
	status, err := q.do(ctx, http.MethodGet, q.baseURL+"/collections", nil, nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
	return nil
}

// do issues one request and decodes the body into out when provided.
// Transport failures and 5xx responses map to ErrUnavailable; other
// status codes are returned for the caller to interpret.
func (q *QdrantIndex) do(ctx context.Context, method, url string, body, out any) (int, error) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return resp.StatusCode, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response from %s: %w", url, err)
		}
	}
	return resp.StatusCode, nil
}
