package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/docsage/docsage/internal/storage"
	"github.com/docsage/docsage/internal/vectorindex"
)

type askRequest struct {
	Question   string `json:"question"`
	SessionID  string `json:"session_id"`
	UseHistory *bool  `json:"use_history"`
}

type askResponse struct {
	Answer    string             `json:"answer"`
	Citations []storage.Citation `json:"citations"`
	SessionID string             `json:"session_id"`
}

func (req *askRequest) useHistory() bool {
	return req.UseHistory == nil || *req.UseHistory
}

// decodeAsk validates the shared /ask request shape.
func decodeAsk(w http.ResponseWriter, r *http.Request) (askRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "validation_error", "invalid request body: %v", err)
		return askRequest{}, false
	}
	if strings.TrimSpace(req.Question) == "" {
		httpError(w, http.StatusBadRequest, "validation_error", "question is required")
		return askRequest{}, false
	}
	return req, true
}

// resolveSession finds or creates the conversation. Unknown ids are
// created rather than rejected so clients may mint their own.
func resolveSession(store *storage.Store, id string) (storage.Session, error) {
	if id == "" {
		id = uuid.New().String()
	}
	sess, err := store.GetSession(id)
	if errors.Is(err, storage.ErrNotFound) {
		short := id
		if len(short) > 8 {
			short = short[:8]
		}
		return store.CreateSession(id, "Chat "+short)
	}
	return sess, err
}

// prepareAsk runs the shared front half of both ask variants: resolve
// the session, capture the history window, persist the user turn, and
// retrieve passages. An unreachable index degrades to zero passages.
func prepareAsk(deps Deps, w http.ResponseWriter, r *http.Request, req askRequest) (storage.Session, []storage.Message, []vectorindex.Scored, bool) {
	sess, err := resolveSession(deps.Store, req.SessionID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to resolve session: %v", err)
		return storage.Session{}, nil, nil, false
	}

	var history []storage.Message
	if req.useHistory() {
		history, err = deps.Store.RecentMessages(sess.ID, historyWindow)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load history: %v", err)
			return storage.Session{}, nil, nil, false
		}
	}

	if _, err := deps.Store.AppendMessage(sess.ID, storage.RoleUser, req.Question, nil); err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to save question: %v", err)
		return storage.Session{}, nil, nil, false
	}

	passages, err := deps.Retriever.Retrieve(r.Context(), req.Question)
	if err != nil {
		if errors.Is(err, vectorindex.ErrUnavailable) {
			// Degrade to an answer without context rather than failing
			// the whole question.
			slog.Warn("vector index unavailable, answering without context", "error", err)
			passages = nil
		} else {
			writeError(w, err, "retrieving context")
			return storage.Session{}, nil, nil, false
		}
	}

	return sess, history, passages, true
}

func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeAsk(w, r)
		if !ok {
			return
		}
		sess, history, passages, ok := prepareAsk(deps, w, r, req)
		if !ok {
			return
		}

		result, err := deps.Synth.Answer(r.Context(), req.Question, passages, history)
		if err != nil {
			writeError(w, err, "generating answer")
			return
		}

		if _, err := deps.Store.AppendMessage(sess.ID, storage.RoleAssistant, result.Text, result.Citations); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save answer: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(askResponse{
			Answer:    result.Text,
			Citations: result.Citations,
			SessionID: sess.ID,
		})
	}
}

// handleAskStream delivers the answer as server-sent events: one
// {"delta"} event per text fragment, then a final event carrying the
// full answer, citations, and session id. The assistant turn is
// persisted only after the stream completes.
func handleAskStream(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeAsk(w, r)
		if !ok {
			return
		}

		flusher, flushable := w.(http.Flusher)
		if !flushable {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		sess, history, passages, ok := prepareAsk(deps, w, r, req)
		if !ok {
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		result, err := deps.Synth.Stream(r.Context(), req.Question, passages, history, func(delta string) error {
			return writeSSE(w, flusher, map[string]string{"delta": delta})
		})
		if err != nil {
			// Headers are gone; all we can do is emit an error event.
			slog.Error("streaming answer failed", "session_id", sess.ID, "error", err)
			writeSSE(w, flusher, map[string]string{"error": "failed to generate answer"})
			return
		}

		if _, err := deps.Store.AppendMessage(sess.ID, storage.RoleAssistant, result.Text, result.Citations); err != nil {
			slog.Error("failed to save streamed answer", "session_id", sess.ID, "error", err)
		}

		writeSSE(w, flusher, askResponse{
			Answer:    result.Text,
			Citations: result.Citations,
			SessionID: sess.ID,
		})
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
