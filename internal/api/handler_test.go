package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kalambet/tally/internal/catalog"
	"github.com/kalambet/tally/internal/pipeline"
	"github.com/kalambet/tally/internal/resolver"
	"github.com/kalambet/tally/internal/storage"
	"github.com/kalambet/tally/internal/telemetry"
)

const testToken = "test-token-12345"

// --- mocks ---

type mockAsker struct {
	mu        sync.Mutex
	result    *pipeline.Result
	err       error
	questions []string
	// record is appended to the session log on success, like the real pipeline.
	record bool
}

func (m *mockAsker) TryAsk(_ context.Context, s *pipeline.Session, question string) (*pipeline.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.questions = append(m.questions, question)
	if strings.TrimSpace(question) == "" {
		return nil, pipeline.ErrEmptyQuestion
	}
	if m.err != nil {
		return nil, m.err
	}
	if m.record {
		s.Log.Append(telemetry.Record{
			ID:        "rec-" + question,
			SessionID: s.ID,
			Agent:     pipeline.AgentDecorator,
			Timestamp: time.Now().UTC(),
			Attempts:  1,
			Calls:     1,
			Question:  question,
			Answer:    telemetry.Ptr(m.result.Answer),
		})
	}
	return m.result, nil
}

type mockSearcher struct {
	names []string
}

func (m *mockSearcher) Search(_ context.Context, names []string) []resolver.ToolResult {
	m.names = append(m.names, names...)
	out := make([]resolver.ToolResult, len(names))
	for i, n := range names {
		out[i] = resolver.ToolResult{Original: n, Matches: []resolver.ToolMatch{}}
	}
	return out
}

type staticCatalog struct{ c *catalog.Catalog }

func (s staticCatalog) Catalog() *catalog.Catalog { return s.c }

// --- helpers ---

func setupHandler(t *testing.T, token string, asker *mockAsker) (http.Handler, Deps) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	c, err := catalog.New([]catalog.Entity{
		{ID: "b1", Type: catalog.Brand, Name: "Cola", Embedding: []float32{1, 0},
			Meta: catalog.Metadata{SourceTable: "sales", Column: "Brand_Name", Category: "Drinks"}},
	})
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}

	deps := Deps{
		Pipeline: asker,
		Sessions: NewSessions(telemetry.NewFlusher(store, time.Hour)),
		Searcher: &mockSearcher{},
		Catalog:  staticCatalog{c},
		Store:    store,
		Gatherer: prometheus.NewRegistry(),
		Token:    token,
	}
	return NewHandler(deps), deps
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func createSession(t *testing.T, h http.Handler) string {
	t.Helper()
	rr := serve(h, authReq(http.MethodPost, "/v1/sessions", `{"user":"dana"}`, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create session status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var info sessionInfo
	if err := json.Unmarshal(rr.Body.Bytes(), &info); err != nil {
		t.Fatalf("decoding session: %v", err)
	}
	if info.User != "dana" || info.ID == "" {
		t.Fatalf("session = %+v", info)
	}
	return info.ID
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body %q: %v", rr.Body.String(), err)
	}
	return body.Error.Type
}

// --- tests ---

func TestHealth_NoAuth(t *testing.T) {
	h, _ := setupHandler(t, testToken, &mockAsker{})
	rr := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := setupHandler(t, testToken, &mockAsker{})
	rr := serve(h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestAuth(t *testing.T) {
	h, _ := setupHandler(t, testToken, &mockAsker{})

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"valid", testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(h, authReq(http.MethodGet, "/v1/sessions", "", tt.token))
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestAuth_DisabledWithoutToken(t *testing.T) {
	h, _ := setupHandler(t, "", &mockAsker{})
	rr := serve(h, authReq(http.MethodGet, "/v1/sessions", "", ""))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestAsk_Success(t *testing.T) {
	asker := &mockAsker{result: &pipeline.Result{Answer: "Shufersal sold the most.", Code: "result = 1", ExecAttempts: 1}}
	h, _ := setupHandler(t, testToken, asker)
	id := createSession(t, h)

	rr := serve(h, authReq(http.MethodPost, "/v1/sessions/"+id+"/questions", `{"question":"Who sold the most?"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var res pipeline.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if res.Answer != "Shufersal sold the most." || res.ExecAttempts != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestAsk_Errors(t *testing.T) {
	failure := &pipeline.Failure{Stage: pipeline.Repairing, Attempts: 15, Err: errors.New("statement 1: boom")}

	tests := []struct {
		name     string
		err      error
		body     string
		wantCode int
		wantType string
	}{
		{"empty question", nil, `{"question":"  "}`, http.StatusBadRequest, "invalid_request_error"},
		{"bad json", nil, `{`, http.StatusBadRequest, "invalid_request_error"},
		{"busy", pipeline.ErrSessionBusy, `{"question":"q"}`, http.StatusConflict, "session_busy"},
		{"pipeline failure", failure, `{"question":"q"}`, http.StatusUnprocessableEntity, "pipeline_error"},
		{"other", errors.New("disk on fire"), `{"question":"q"}`, http.StatusInternalServerError, "api_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := setupHandler(t, testToken, &mockAsker{err: tt.err})
			id := createSession(t, h)

			rr := serve(h, authReq(http.MethodPost, "/v1/sessions/"+id+"/questions", tt.body, testToken))
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d; body = %s", rr.Code, tt.wantCode, rr.Body.String())
			}
			if got := errorType(t, rr); got != tt.wantType {
				t.Errorf("error type = %q, want %q", got, tt.wantType)
			}
		})
	}
}

func TestAsk_FailureHidesTrace(t *testing.T) {
	failure := &pipeline.Failure{Stage: pipeline.Repairing, Attempts: 15, Err: errors.New("statement 1 (line 1): secret trace")}
	h, _ := setupHandler(t, testToken, &mockAsker{err: failure})
	id := createSession(t, h)

	rr := serve(h, authReq(http.MethodPost, "/v1/sessions/"+id+"/questions", `{"question":"q"}`, testToken))
	if strings.Contains(rr.Body.String(), "secret trace") {
		t.Errorf("response leaks the execution trace: %s", rr.Body.String())
	}
	var resp failureResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error.Attempts != 15 || resp.Error.Stage != string(pipeline.Repairing) {
		t.Errorf("failure = %+v", resp.Error)
	}
}

func TestAsk_UnknownSession(t *testing.T) {
	h, _ := setupHandler(t, testToken, &mockAsker{})
	rr := serve(h, authReq(http.MethodPost, "/v1/sessions/nope/questions", `{"question":"q"}`, testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestRate(t *testing.T) {
	asker := &mockAsker{result: &pipeline.Result{Answer: "42"}, record: true}
	h, deps := setupHandler(t, testToken, asker)
	id := createSession(t, h)

	rr := serve(h, authReq(http.MethodPost, "/v1/sessions/"+id+"/rating", `{"rating":4}`, testToken))
	if rr.Code != http.StatusConflict {
		t.Fatalf("rating before any answer: status = %d, want 409", rr.Code)
	}

	serve(h, authReq(http.MethodPost, "/v1/sessions/"+id+"/questions", `{"question":"q1"}`, testToken))

	rr = serve(h, authReq(http.MethodPost, "/v1/sessions/"+id+"/rating", `{"rating":9}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("out of range rating: status = %d, want 400", rr.Code)
	}

	rr = serve(h, authReq(http.MethodPost, "/v1/sessions/"+id+"/rating", `{"rating":4}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	sess, _ := deps.Sessions.Get(id)
	pending := sess.Log.Pending()
	if len(pending) != 1 || pending[0].Rating == nil || *pending[0].Rating != 4 {
		t.Errorf("pending = %+v", pending)
	}
}

func TestRate_AfterFlushUpdatesStore(t *testing.T) {
	asker := &mockAsker{result: &pipeline.Result{Answer: "42"}, record: true}
	h, deps := setupHandler(t, testToken, asker)
	id := createSession(t, h)
	serve(h, authReq(http.MethodPost, "/v1/sessions/"+id+"/questions", `{"question":"q1"}`, testToken))

	sess, _ := deps.Sessions.Get(id)
	if err := sess.Log.Flush(context.Background(), deps.Store); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	rr := serve(h, authReq(http.MethodPost, "/v1/sessions/"+id+"/rating", `{"rating":2}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	recs, err := deps.Store.RecentRecords(context.Background(), id, 10)
	if err != nil {
		t.Fatalf("RecentRecords: %v", err)
	}
	if len(recs) != 1 || recs[0].Rating == nil || *recs[0].Rating != 2 {
		t.Errorf("records = %+v", recs)
	}
}

func TestHistory(t *testing.T) {
	asker := &mockAsker{result: &pipeline.Result{Answer: "42"}, record: true}
	h, deps := setupHandler(t, testToken, asker)
	id := createSession(t, h)

	serve(h, authReq(http.MethodPost, "/v1/sessions/"+id+"/questions", `{"question":"q1"}`, testToken))
	sess, _ := deps.Sessions.Get(id)
	if err := sess.Log.Flush(context.Background(), deps.Store); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	serve(h, authReq(http.MethodPost, "/v1/sessions/"+id+"/questions", `{"question":"q2"}`, testToken))

	rr := serve(h, authReq(http.MethodGet, "/v1/sessions/"+id+"/history", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var hist historyResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &hist); err != nil {
		t.Fatal(err)
	}
	if hist.Session.ID != id {
		t.Errorf("session = %+v", hist.Session)
	}
	if len(hist.Records) != 2 || hist.Records[0].Question != "q2" || hist.Records[1].Question != "q1" {
		t.Errorf("records = %+v", hist.Records)
	}
}

func TestSessions_ListAndClose(t *testing.T) {
	h, _ := setupHandler(t, testToken, &mockAsker{})
	first := createSession(t, h)
	createSession(t, h)

	rr := serve(h, authReq(http.MethodGet, "/v1/sessions", "", testToken))
	var list []sessionInfo
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("sessions = %d, want 2", len(list))
	}

	rr = serve(h, authReq(http.MethodDelete, "/v1/sessions/"+first, "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("close status = %d", rr.Code)
	}
	rr = serve(h, authReq(http.MethodDelete, "/v1/sessions/"+first, "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("second close status = %d, want 404", rr.Code)
	}
}

func TestSessions_CreateDefaultsUser(t *testing.T) {
	h, _ := setupHandler(t, testToken, &mockAsker{})
	rr := serve(h, authReq(http.MethodPost, "/v1/sessions", "", testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var info sessionInfo
	json.Unmarshal(rr.Body.Bytes(), &info)
	if info.User != "anonymous" {
		t.Errorf("user = %q, want anonymous", info.User)
	}
}

func TestResolve(t *testing.T) {
	h, deps := setupHandler(t, testToken, &mockAsker{})

	rr := serve(h, authReq(http.MethodPost, "/v1/resolve", `{"names":["Cola"," ","Shufersal"]}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var results []resolver.ToolResult
	if err := json.Unmarshal(rr.Body.Bytes(), &results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].Original != "Cola" || results[1].Original != "Shufersal" {
		t.Errorf("results = %+v", results)
	}
	if got := deps.Searcher.(*mockSearcher).names; len(got) != 2 {
		t.Errorf("searched names = %v", got)
	}

	rr = serve(h, authReq(http.MethodPost, "/v1/resolve", `{"names":[]}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("empty names: status = %d, want 400", rr.Code)
	}
}

func TestCatalogStats(t *testing.T) {
	h, _ := setupHandler(t, testToken, &mockAsker{})
	rr := serve(h, authReq(http.MethodGet, "/v1/catalog", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var stats catalogStats
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Entities != 1 || stats.Dim != 2 || stats.ByType[catalog.Brand] != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.BuiltAt != nil {
		t.Errorf("built_at = %v, want nil before any build", stats.BuiltAt)
	}
}

func TestCatalogRebuild_EnqueuesJob(t *testing.T) {
	h, deps := setupHandler(t, testToken, &mockAsker{})

	rr := serve(h, authReq(http.MethodPost, "/v1/catalog/rebuild", `{"manifest":"/data/manifest.yaml"}`, testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	job, err := deps.Store.GetJob(context.Background(), resp["job_id"])
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Type != storage.JobCatalogRebuild || !strings.Contains(job.PayloadJSON, "/data/manifest.yaml") {
		t.Errorf("job = %+v", job)
	}

	rr = serve(h, authReq(http.MethodGet, "/v1/jobs/"+job.ID, "", testToken))
	if rr.Code != http.StatusOK {
		t.Errorf("get job status = %d", rr.Code)
	}
	rr = serve(h, authReq(http.MethodGet, "/v1/jobs/missing", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d, want 404", rr.Code)
	}
}
