package storage

import (
	"context"
	"testing"
	"time"

	"github.com/kalambet/tally/internal/telemetry"
)

func TestAgentLogWriteAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	batch := []telemetry.Record{
		{
			ID: "r1", SessionID: "s1", Agent: "generator", User: "ana", Timestamp: base,
			Attempts: 1, Calls: 1, ExecAttempt: telemetry.Ptr(1), ExecError: telemetry.Ptr("KeyError: Brand"),
			WasRetry: true, DurationSeconds: telemetry.Ptr(0.5), Question: "sales of Acme?",
		},
		{
			ID: "r2", SessionID: "s1", Agent: "generator", User: "ana", Timestamp: base.Add(time.Second),
			Attempts: 2, Calls: 2, ExecAttempt: telemetry.Ptr(2), DurationSeconds: telemetry.Ptr(1.25),
			Question: "sales of Acme?", Answer: telemetry.Ptr("result = 1"),
		},
		{
			ID: "r3", SessionID: "s2", Agent: "planner", Timestamp: base.Add(2 * time.Second),
			Attempts: 5, Calls: 5, Error: telemetry.Ptr("rate limited"), Question: "q",
		},
	}
	if err := s.Write(ctx, batch); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// Retried flush of the same batch must not fail or duplicate.
	if err := s.Write(ctx, batch[:1]); err != nil {
		t.Fatalf("Write retry: %v", err)
	}

	all, err := s.RecentRecords(ctx, "", 10)
	if err != nil {
		t.Fatalf("RecentRecords: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d records, want 3", len(all))
	}
	if all[0].ID != "r3" {
		t.Errorf("newest record = %s, want r3", all[0].ID)
	}
	if all[0].Error == nil || *all[0].Error != "rate limited" {
		t.Errorf("r3 error = %v", all[0].Error)
	}

	s1, err := s.RecentRecords(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("RecentRecords(s1): %v", err)
	}
	if len(s1) != 2 {
		t.Fatalf("session s1 has %d records, want 2", len(s1))
	}
	r1 := s1[1]
	if !r1.WasRetry || r1.ExecError == nil || *r1.ExecError != "KeyError: Brand" {
		t.Errorf("r1 = %+v", r1)
	}
	if r1.ExecAttempt == nil || *r1.ExecAttempt != 1 {
		t.Errorf("r1 exec attempt = %v", r1.ExecAttempt)
	}
	if !r1.Timestamp.Equal(base) {
		t.Errorf("r1 timestamp = %v, want %v", r1.Timestamp, base)
	}
	if s1[0].WasRetry || s1[0].Answer == nil {
		t.Errorf("r2 = %+v", s1[0])
	}
}

func TestAgentLogUpdateRating(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Write(ctx, []telemetry.Record{{ID: "r1", Agent: "decorator", Timestamp: time.Now(), Attempts: 1, Calls: 1}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.UpdateRating(ctx, "r1", 5); err != nil {
		t.Fatalf("UpdateRating: %v", err)
	}
	got, _ := s.RecentRecords(ctx, "", 1)
	if got[0].Rating == nil || *got[0].Rating != 5 {
		t.Errorf("rating = %v, want 5", got[0].Rating)
	}
	if err := s.UpdateRating(ctx, "missing", 1); err != ErrNotFound {
		t.Errorf("UpdateRating(missing) = %v, want ErrNotFound", err)
	}
}

func TestLogFlushIntoStore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	l := telemetry.NewLog()
	l.Append(telemetry.Record{ID: "a", Agent: "extractor", Timestamp: time.Now(), Attempts: 1, Calls: 1})

	if err := l.Flush(ctx, s); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := l.Rate(ctx, s, 3); err != nil {
		t.Fatalf("Rate: %v", err)
	}
	got, _ := s.RecentRecords(ctx, "", 5)
	if len(got) != 1 || got[0].Rating == nil || *got[0].Rating != 3 {
		t.Errorf("records = %+v", got)
	}
}
