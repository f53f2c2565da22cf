package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/tally/internal/catalog"
	"github.com/kalambet/tally/internal/ingest"
	"github.com/kalambet/tally/internal/storage"
)

const maxResolveNames = 50

type resolveRequest struct {
	Names []string `json:"names"`
}

type catalogStats struct {
	Entities int                  `json:"entities"`
	Dim      int                  `json:"dim"`
	ByType   map[catalog.Type]int `json:"by_type"`
	BuiltAt  *time.Time           `json:"built_at,omitempty"`
}

type rebuildRequest struct {
	Manifest string `json:"manifest"`
}

func handleResolve(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resolveRequest
		if !decodeBody(w, r, &req) {
			return
		}
		names := make([]string, 0, len(req.Names))
		for _, n := range req.Names {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
		if len(names) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "names is required and must not be empty")
			return
		}
		if len(names) > maxResolveNames {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at most %d names per request", maxResolveNames)
			return
		}
		writeJSON(w, http.StatusOK, deps.Searcher.Search(r.Context(), names))
	}
}

func handleCatalogStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := deps.Catalog.Catalog()
		stats := catalogStats{Entities: c.Len(), Dim: c.Dim(), ByType: c.Stats()}
		if deps.Store != nil {
			builtAt, err := deps.Store.CatalogBuiltAt(r.Context())
			switch {
			case err == nil:
				stats.BuiltAt = &builtAt
			case !errors.Is(err, storage.ErrNotFound):
				httpError(w, http.StatusInternalServerError, "api_error", "reading catalog metadata: %v", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleCatalogRebuild(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rebuildRequest
		if r.ContentLength != 0 && !decodeBody(w, r, &req) {
			return
		}
		id, err := ingest.EnqueueRebuild(r.Context(), deps.Store, req.Manifest)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": storage.JobPending})
	}
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := deps.Store.GetJob(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}
