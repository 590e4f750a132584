// Package api exposes the HTTP surface: health and stats, session and
// document management, document upload, and question answering in both
// buffered and streaming form.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/docsage/docsage/internal/embedding"
	"github.com/docsage/docsage/internal/ingest"
	"github.com/docsage/docsage/internal/llm"
	"github.com/docsage/docsage/internal/storage"
	"github.com/docsage/docsage/internal/synth"
	"github.com/docsage/docsage/internal/vectorindex"
)

const maxRequestBodySize = 1 << 20 // 1MB

// historyWindow is how many prior messages feed answer synthesis.
const historyWindow = 6

// Retriever answers semantic queries. Satisfied by retrieval.Retriever.
type Retriever interface {
	Retrieve(ctx context.Context, question string) ([]vectorindex.Scored, error)
}

// Ingestor runs the upload pipeline. Satisfied by ingest.Service.
type Ingestor interface {
	IngestFiles(ctx context.Context, files []ingest.File) (ingest.Summary, error)
}

// Synthesizer produces answers. Satisfied by synth.Synthesizer.
type Synthesizer interface {
	Answer(ctx context.Context, question string, passages []vectorindex.Scored, history []storage.Message) (synth.Result, error)
	Stream(ctx context.Context, question string, passages []vectorindex.Scored, history []storage.Message, onDelta func(string) error) (synth.Result, error)
}

// Deps holds the handler's collaborators.
type Deps struct {
	Store     *storage.Store
	Ingest    Ingestor
	Retriever Retriever
	Synth     Synthesizer
	Index     vectorindex.Index
	Token     string // optional bearer token; empty leaves the API open
}

// NewHandler builds the chi router with all routes registered. /health
// is always unauthenticated so probes work without credentials.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}

		r.Get("/stats", handleStats(deps))

		r.Post("/sessions", handleCreateSession(deps))
		r.Get("/sessions", handleListSessions(deps))
		r.Get("/sessions/{id}", handleGetSession(deps))
		r.Delete("/sessions/{id}", handleDeleteSession(deps))
		r.Get("/sessions/{id}/messages", handleListMessages(deps))

		r.Post("/ingest", handleIngest(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Get("/documents/{id}", handleGetDocument(deps))
		r.Delete("/documents/{id}", handleDeleteDocument(deps))

		r.Post("/ask", handleAsk(deps))
		r.Post("/ask/stream", handleAskStream(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Store.GetStats()
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"status":   "degraded",
				"database": "error",
				"error":    err.Error(),
			})
			return
		}

		indexState := "connected"
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := deps.Index.Ping(ctx); err != nil {
			indexState = "disconnected"
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":       "ok",
			"database":     "connected",
			"vector_index": indexState,
			"stats":        stats,
		})
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Store.GetStats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get stats: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	}
}

func isBackendUnavailable(err error) bool {
	return errors.Is(err, embedding.ErrUnavailable) || errors.Is(err, llm.ErrUnavailable)
}

// writeError maps component sentinel errors to the stable wire codes.
func writeError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%s: not found", action)
	case errors.Is(err, embedding.ErrUnavailable), errors.Is(err, llm.ErrUnavailable):
		httpError(w, http.StatusBadGateway, "backend_unavailable", "%s: model backend unavailable", action)
	case errors.Is(err, vectorindex.ErrUnavailable):
		httpError(w, http.StatusBadGateway, "index_unavailable", "%s: vector index unavailable", action)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", action, err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
