package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/tally/internal/pipeline"
	"github.com/kalambet/tally/internal/telemetry"
)

// Sessions hands out pipeline sessions by ID. Every session's telemetry log
// is registered with the flusher for its lifetime.
type Sessions struct {
	flusher *telemetry.Flusher

	mu   sync.Mutex
	byID map[string]*pipeline.Session
}

// NewSessions creates an empty registry. flusher may be nil.
func NewSessions(flusher *telemetry.Flusher) *Sessions {
	return &Sessions{flusher: flusher, byID: make(map[string]*pipeline.Session)}
}

func (s *Sessions) Create(user string) *pipeline.Session {
	sess := pipeline.NewSession(user)
	s.mu.Lock()
	s.byID[sess.ID] = sess
	s.mu.Unlock()
	if s.flusher != nil {
		s.flusher.Register(sess.Log)
	}
	return sess
}

func (s *Sessions) Get(id string) (*pipeline.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	return sess, ok
}

// Close forgets the session after a final flush of its log.
func (s *Sessions) Close(ctx context.Context, id string) bool {
	s.mu.Lock()
	sess, ok := s.byID[id]
	delete(s.byID, id)
	s.mu.Unlock()
	if ok && s.flusher != nil {
		s.flusher.Unregister(ctx, sess.Log)
	}
	return ok
}

// List returns all open sessions, oldest first.
func (s *Sessions) List() []*pipeline.Session {
	s.mu.Lock()
	out := make([]*pipeline.Session, 0, len(s.byID))
	for _, sess := range s.byID {
		out = append(out, sess)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

type sessionInfo struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

func infoOf(s *pipeline.Session) sessionInfo {
	return sessionInfo{ID: s.ID, User: s.User, CreatedAt: s.CreatedAt}
}

type createSessionRequest struct {
	User string `json:"user"`
}

type questionRequest struct {
	Question string `json:"question"`
}

type ratingRequest struct {
	Rating int `json:"rating"`
}

// failureResponse is returned when the pipeline gives up on a question.
type failureResponse struct {
	Error struct {
		Message  string `json:"message"`
		Type     string `json:"type"`
		Stage    string `json:"stage"`
		Attempts int    `json:"exec_attempts"`
	} `json:"error"`
}

type historyResponse struct {
	Session sessionInfo        `json:"session"`
	Memory  []pipeline.Turn    `json:"memory"`
	Records []telemetry.Record `json:"records"`
}

func lookupSession(w http.ResponseWriter, r *http.Request, deps Deps) (*pipeline.Session, bool) {
	id := chi.URLParam(r, "id")
	sess, ok := deps.Sessions.Get(id)
	if !ok {
		httpError(w, http.StatusNotFound, "not_found", "session %q not found", id)
		return nil, false
	}
	return sess, true
}

func handleCreateSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createSessionRequest
		if r.ContentLength != 0 && !decodeBody(w, r, &req) {
			return
		}
		if req.User == "" {
			req.User = "anonymous"
		}
		sess := deps.Sessions.Create(req.User)
		writeJSON(w, http.StatusCreated, infoOf(sess))
	}
}

func handleListSessions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions := deps.Sessions.List()
		out := make([]sessionInfo, len(sessions))
		for i, sess := range sessions {
			out[i] = infoOf(sess)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleCloseSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !deps.Sessions.Close(r.Context(), id) {
			httpError(w, http.StatusNotFound, "not_found", "session %q not found", id)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
	}
}

func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := lookupSession(w, r, deps)
		if !ok {
			return
		}
		var req questionRequest
		if !decodeBody(w, r, &req) {
			return
		}

		res, err := deps.Pipeline.TryAsk(r.Context(), sess, req.Question)
		var failure *pipeline.Failure
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, res)
		case errors.Is(err, pipeline.ErrEmptyQuestion):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
		case errors.Is(err, pipeline.ErrSessionBusy):
			httpError(w, http.StatusConflict, "session_busy", "session is already answering a question")
		case errors.As(err, &failure):
			var resp failureResponse
			resp.Error.Message = failure.UserMessage()
			resp.Error.Type = "pipeline_error"
			resp.Error.Stage = string(failure.Stage)
			resp.Error.Attempts = failure.Attempts
			writeJSON(w, http.StatusUnprocessableEntity, resp)
		default:
			httpError(w, http.StatusInternalServerError, "api_error", "answering question: %v", err)
		}
	}
}

func handleRate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := lookupSession(w, r, deps)
		if !ok {
			return
		}
		var req ratingRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Rating < 1 || req.Rating > 5 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "rating must be between 1 and 5")
			return
		}

		var sink telemetry.Sink
		if deps.Store != nil {
			sink = deps.Store
		}
		err := sess.Rate(r.Context(), sink, req.Rating)
		if errors.Is(err, telemetry.ErrNoRecord) {
			httpError(w, http.StatusConflict, "no_answer", "nothing to rate yet")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "rating answer: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "rated"})
	}
}

// handleHistory returns the session's memory and its telemetry records,
// newest first: records still buffered, then rows already in the store.
func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := lookupSession(w, r, deps)
		if !ok {
			return
		}
		limit := parseIntParam(r, "limit", 50, 500)

		pending := sess.Log.Pending()
		records := make([]telemetry.Record, 0, len(pending))
		for i := len(pending) - 1; i >= 0; i-- {
			records = append(records, pending[i])
		}
		if deps.Store != nil {
			flushed, err := deps.Store.RecentRecords(r.Context(), sess.ID, limit)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "loading records: %v", err)
				return
			}
			records = append(records, flushed...)
		}
		if len(records) > limit {
			records = records[:limit]
		}

		writeJSON(w, http.StatusOK, historyResponse{
			Session: infoOf(sess),
			Memory:  sess.Memory(),
			Records: records,
		})
	}
}
