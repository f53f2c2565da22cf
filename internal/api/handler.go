// Package api exposes the question pipeline and the entity resolver over
// HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/tally/internal/catalog"
	"github.com/kalambet/tally/internal/pipeline"
	"github.com/kalambet/tally/internal/resolver"
	"github.com/kalambet/tally/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Asker answers questions within a session. *pipeline.Pipeline implements it.
type Asker interface {
	TryAsk(ctx context.Context, s *pipeline.Session, question string) (*pipeline.Result, error)
}

// EntitySearcher runs the search_entities tool. *resolver.Tool implements it.
type EntitySearcher interface {
	Search(ctx context.Context, names []string) []resolver.ToolResult
}

// CatalogSource exposes the catalog currently used for resolution.
type CatalogSource interface {
	Catalog() *catalog.Catalog
}

type Deps struct {
	Pipeline Asker
	Sessions *Sessions
	Searcher EntitySearcher
	Catalog  CatalogSource
	Store    *storage.Store
	// Gatherer serves /metrics. Nil means prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	Token    string
}

// NewHandler returns the HTTP API. Everything under /v1 requires the bearer
// token when one is configured.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r.Get("/health", handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/sessions", handleListSessions(deps))
		r.Post("/sessions", handleCreateSession(deps))
		r.Delete("/sessions/{id}", handleCloseSession(deps))
		r.Post("/sessions/{id}/questions", handleAsk(deps))
		r.Post("/sessions/{id}/rating", handleRate(deps))
		r.Get("/sessions/{id}/history", handleHistory(deps))

		r.Post("/resolve", handleResolve(deps))
		r.Get("/catalog", handleCatalogStats(deps))
		r.Post("/catalog/rebuild", handleCatalogRebuild(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	writeJSON(w, code, map[string]any{
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
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
