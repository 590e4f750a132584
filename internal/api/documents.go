package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/docsage/docsage/internal/ingest"
	"github.com/docsage/docsage/internal/storage"
	"github.com/docsage/docsage/internal/vectorindex"
)

const maxIngestBodySize = 50 << 20 // 50MB

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		if err := r.ParseMultipartForm(maxIngestBodySize); err != nil {
			httpError(w, http.StatusBadRequest, "validation_error", "invalid multipart body: %v", err)
			return
		}
		parts := r.MultipartForm.File["files"]
		if len(parts) == 0 {
			httpError(w, http.StatusBadRequest, "validation_error", "at least one file is required")
			return
		}

		files := make([]ingest.File, 0, len(parts))
		for _, part := range parts {
			f, err := part.Open()
			if err != nil {
				httpError(w, http.StatusBadRequest, "validation_error", "opening %s: %v", part.Filename, err)
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				httpError(w, http.StatusBadRequest, "validation_error", "reading %s: %v", part.Filename, err)
				return
			}
			files = append(files, ingest.File{Filename: part.Filename, Data: data})
		}

		summary, err := deps.Ingest.IngestFiles(r.Context(), files)
		if err != nil {
			writeError(w, err, "ingest")
			return
		}

		// A batch where every file failed on an unreachable dependency is
		// a gateway problem, not a content problem.
		if len(summary.Failures) == len(files) {
			for _, fail := range summary.Failures {
				if errors.Is(fail.Err, vectorindex.ErrUnavailable) || isBackendUnavailable(fail.Err) {
					writeError(w, fail.Err, "ingest")
					return
				}
			}
		}

		docIDs := summary.DocIDs
		if docIDs == nil {
			docIDs = []string{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"doc_ids":         docIDs,
			"chunks_indexed":  summary.ChunksIndexed,
			"files_processed": summary.FilesProcessed,
		})
	}
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")

		docs, err := deps.Store.ListDocuments(status)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}
		if docs == nil {
			docs = []storage.Document{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(docs)
	}
}

func handleGetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		doc, err := deps.Store.GetDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(doc)
	}
}

// handleDeleteDocument removes a document's vectors first, then its
// row. If the index is unreachable the row is kept so the delete can be
// retried; removing it would orphan the vectors permanently.
func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if _, err := deps.Store.GetDocument(id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "document not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}

		if err := deps.Index.DeleteByDocument(r.Context(), id); err != nil {
			writeError(w, err, "deleting document vectors")
			return
		}

		if err := deps.Store.DeleteDocument(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete document: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status": "deleted",
			"doc_id": id,
		})
	}
}
