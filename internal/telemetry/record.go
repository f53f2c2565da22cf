// Package telemetry holds the per-session agent invocation log, the sink it
// flushes to, and the process-wide tracing and metrics setup.
package telemetry

import (
	"context"
	"time"
)

// Record is one pipeline-stage invocation: its cost, outcome and, for the
// code generator, how the generated code fared when executed.
type Record struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	Agent           string    `json:"agent"`
	User            string    `json:"user"`
	Timestamp       time.Time `json:"timestamp"`
	Attempts        int       `json:"attempts"`
	Calls           int       `json:"calls"`
	Error           *string   `json:"error,omitempty"`
	ExecAttempt     *int      `json:"exec_attempt,omitempty"`
	ExecError       *string   `json:"exec_error,omitempty"`
	WasRetry        bool      `json:"was_retry"`
	DurationSeconds *float64  `json:"duration_seconds,omitempty"`
	Question        string    `json:"question"`
	Answer          *string   `json:"answer,omitempty"`
	Rating          *int      `json:"rating,omitempty"`
}

// Sink durably stores flushed records.
type Sink interface {
	Write(ctx context.Context, batch []Record) error
	UpdateRating(ctx context.Context, id string, rating int) error
}

// Recorder receives finished records. *Log implements it.
type Recorder interface {
	Append(r Record)
}

// Ptr returns a pointer to v. Used for the optional record fields.
func Ptr[T any](v T) *T {
	return &v
}
