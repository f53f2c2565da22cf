package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/tally/internal/pipeline"
	"github.com/kalambet/tally/internal/resolver"
	"github.com/kalambet/tally/internal/telemetry"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

type scriptedAsker struct {
	answers   map[string]*pipeline.Result
	errs      map[string]error
	questions []string
}

func (s *scriptedAsker) Ask(_ context.Context, sess *pipeline.Session, question string) (*pipeline.Result, error) {
	s.questions = append(s.questions, question)
	if err := s.errs[question]; err != nil {
		return nil, err
	}
	sess.Log.Append(telemetry.Record{ID: "rec-" + question, SessionID: sess.ID, Question: question, Timestamp: time.Now()})
	return s.answers[question], nil
}

type mockSink struct {
	ratings map[string]int
}

func (m *mockSink) Write(context.Context, []telemetry.Record) error { return nil }

func (m *mockSink) UpdateRating(_ context.Context, id string, rating int) error {
	m.ratings[id] = rating
	return nil
}

func TestCatalogRebuild_PostsToServer(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/catalog/rebuild": `{"job_id":"job-123","status":"pending"}`,
	})

	resp, err := ts.client().post(ctx, "/v1/catalog/rebuild", map[string]string{"manifest": "/data/m.yaml"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["job_id"] != "job-123" {
		t.Errorf("job_id = %q, want job-123", result["job_id"])
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["manifest"] != "/data/m.yaml" {
		t.Errorf("body.manifest = %q", body["manifest"])
	}
}

func TestClient_NoTokenNoHeader(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /health": `{"status":"ok"}`})
	c := ts.client()
	c.token = ""

	resp, err := c.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if ts.requests[0].Auth != "" {
		t.Errorf("auth = %q, want empty", ts.requests[0].Auth)
	}
}

func TestDecodeJSON_ServerError(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, err := ts.client().get(ctx, "/v1/missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var v any
	err = decodeJSON(resp, &v)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %q, want it to mention 404", err.Error())
	}
}

func TestClient_ServerNotRunning(t *testing.T) {
	c := &apiClient{baseURL: "http://127.0.0.1:1", httpClient: &http.Client{Timeout: time.Second}}
	_, err := c.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestShowStatus(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health":      `{"status":"ok"}`,
		"GET /v1/catalog":  `{"entities":3,"dim":2,"by_type":{"Brand_Name":1,"Item_Name":2},"built_at":"2026-01-02T03:04:05Z"}`,
		"GET /v1/sessions": `[{"id":"s1"},{"id":"s2"}]`,
	})

	if err := showStatus(ctx, ts.client()); err != nil {
		t.Fatalf("showStatus: %v", err)
	}
	if len(ts.requests) != 3 {
		t.Errorf("requests = %d, want 3", len(ts.requests))
	}
}

func TestShowStatus_ServerStopped(t *testing.T) {
	c := &apiClient{baseURL: "http://127.0.0.1:1", httpClient: &http.Client{Timeout: time.Second}}
	if err := showStatus(ctx, c); err != nil {
		t.Errorf("showStatus on a stopped server should report, not fail: %v", err)
	}
}

func TestAskOnce(t *testing.T) {
	asker := &scriptedAsker{answers: map[string]*pipeline.Result{
		"top chain?": {Answer: "Shufersal", Code: "result = 1", ExecAttempts: 1},
	}}
	var out bytes.Buffer
	if err := askOnce(ctx, asker, pipeline.NewSession("dana"), "top chain?", true, &out); err != nil {
		t.Fatalf("askOnce: %v", err)
	}
	if !strings.Contains(out.String(), "Shufersal") || !strings.Contains(out.String(), "result = 1") {
		t.Errorf("output = %q", out.String())
	}
}

func TestAskOnce_FailureIsReportedNotReturned(t *testing.T) {
	asker := &scriptedAsker{errs: map[string]error{
		"q": &pipeline.Failure{Stage: pipeline.Repairing, Attempts: 15, Err: errors.New("boom")},
	}}
	var out bytes.Buffer
	if err := askOnce(ctx, asker, pipeline.NewSession("dana"), "q", false, &out); err != nil {
		t.Errorf("askOnce returned %v, want nil for a pipeline failure", err)
	}
	if out.Len() != 0 {
		t.Errorf("stdout = %q, want empty", out.String())
	}

	asker.errs["q"] = errors.New("disk on fire")
	if err := askOnce(ctx, asker, pipeline.NewSession("dana"), "q", false, &out); err == nil {
		t.Error("expected other errors to be returned")
	}
}

func TestAskLoop(t *testing.T) {
	asker := &scriptedAsker{answers: map[string]*pipeline.Result{
		"first":  {Answer: "one"},
		"second": {Answer: "two"},
	}}
	sess := pipeline.NewSession("dana")
	sink := &mockSink{ratings: map[string]int{}}
	in := strings.NewReader("first\n\n/rate 4\nsecond\n/rate nope\nexit\nnever\n")
	var out bytes.Buffer

	if err := askLoop(ctx, asker, sess, sink, false, in, &out); err != nil {
		t.Fatalf("askLoop: %v", err)
	}
	if got := strings.Join(asker.questions, ","); got != "first,second" {
		t.Errorf("questions = %q, want first,second", got)
	}
	pending := sess.Log.Pending()
	if len(pending) != 2 || pending[0].Rating == nil || *pending[0].Rating != 4 || pending[1].Rating != nil {
		t.Errorf("pending = %+v", pending)
	}
	if !strings.Contains(out.String(), "one") || !strings.Contains(out.String(), "two") {
		t.Errorf("output = %q", out.String())
	}
}

func TestWriteResolutions(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	var out bytes.Buffer
	writeResolutions(&out, []resolver.ToolResult{
		{Original: "cola", Matches: []resolver.ToolMatch{{MatchedName: "Cola", Type: "Brand_Name", Score: 0.9312}}},
		{Original: "bolt", Matches: []resolver.ToolMatch{}, TypeHint: &resolver.TypeHint{Type: "Item_Name", Name: "Bolt"}},
	})
	got := out.String()
	for _, want := range []string{"cola", "0.9312", "Brand_Name", "Cola", "no matches (looks like Item_Name)"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestWriteRecords(t *testing.T) {
	var out bytes.Buffer
	writeRecords(&out, []telemetry.Record{
		{SessionID: "0123456789abcdef", Agent: "generator", Timestamp: time.Now(), Attempts: 2, Calls: 2,
			ExecAttempt: telemetry.Ptr(3), WasRetry: true, Error: telemetry.Ptr("x"), Question: "why?"},
		{SessionID: "s2", Agent: "decorator", Timestamp: time.Now(), Attempts: 1, Calls: 1, Rating: telemetry.Ptr(5), Question: "ok"},
	})
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3:\n%s", len(lines), out.String())
	}
	if !strings.Contains(lines[1], "01234567 ") || !strings.Contains(lines[1], "3!") || !strings.Contains(lines[1], "error") {
		t.Errorf("line 1 = %q", lines[1])
	}
	if !strings.Contains(lines[2], "5") || !strings.Contains(lines[2], "ok") {
		t.Errorf("line 2 = %q", lines[2])
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"two\nlines", 20, "two lines"},
		{"שלום עולם", 4, "שלום..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestResolveCommand_RequiresNames(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"resolve"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for missing names")
	}
}

func TestRootCommands(t *testing.T) {
	want := []string{"serve", "status", "ask", "resolve", "catalog", "logs", "config"}
	have := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("missing command %q", name)
		}
	}
}

func TestSetupLogging(t *testing.T) {
	setupLogging("debug")
	if !slog.Default().Enabled(ctx, slog.LevelDebug) {
		t.Error("debug level not enabled")
	}
	setupLogging("info")
	if slog.Default().Enabled(ctx, slog.LevelDebug) {
		t.Error("debug level should be disabled at info")
	}
}
