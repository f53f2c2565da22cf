// Package agent wraps every model-backed pipeline stage with attempt and
// call counting, timing, bounded retry on rate limiting and a single
// telemetry record per invocation.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kalambet/tally/internal/engine"
	"github.com/kalambet/tally/internal/telemetry"
)

const (
	DefaultMaxAttempts = 5
	DefaultBackoff     = 2 * time.Second
)

// ErrPreflight marks failures that happened before the remote call was
// made, such as prompt building or input validation. They are not retried.
var ErrPreflight = errors.New("agent: preflight failed")

// ExhaustedError is returned when every attempt hit a rate limit.
type ExhaustedError struct {
	Agent    string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("agent %s: failed after %d attempts due to rate limiting: %v", e.Agent, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Step configures one pipeline stage. The zero value of the optional fields
// is usable.
type Step struct {
	Name        string
	MaxAttempts int
	Backoff     time.Duration
	// ScaleBackoff multiplies Backoff by the attempt number.
	ScaleBackoff bool

	Recorder  telemetry.Recorder
	Metrics   *telemetry.Metrics
	User      string
	SessionID string

	// Sleep waits between attempts; defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Call is handed to the operation on each attempt.
type Call struct {
	attempt int
	calls   int
	answer  *string
}

// Remote must be called immediately before the remote request is sent.
func (c *Call) Remote() { c.calls++ }

// Attempt is the 1-based attempt number.
func (c *Call) Attempt() int { return c.attempt }

// SetAnswer sets the text stored as the record's answer. Without it a
// successful result is stored as-is (strings) or as JSON.
func (c *Call) SetAnswer(s string) { c.answer = &s }

// Op performs one attempt of a stage.
type Op[T any] func(ctx context.Context, call *Call) (T, error)

// Invoke runs op with retry and appends exactly one record to the step's
// recorder, whatever the outcome.
func Invoke[T any](ctx context.Context, s *Step, question string, op Op[T]) (T, error) {
	v, rec, err := run(ctx, s, question, op)
	s.record(rec)
	return v, err
}

// Pending holds the record of a successful invocation until the caller
// knows how its output fared downstream.
type Pending struct {
	step      *Step
	rec       telemetry.Record
	committed bool
}

// Commit appends the record with the execution outcome of the produced
// code. A non-nil execErr marks the record as a retry. Later calls are
// no-ops.
func (p *Pending) Commit(execAttempt int, execErr error) {
	if p == nil || p.committed {
		return
	}
	p.committed = true
	p.rec.ExecAttempt = telemetry.Ptr(execAttempt)
	if execErr != nil {
		p.rec.ExecError = telemetry.Ptr(execErr.Error())
		p.rec.WasRetry = true
	}
	p.step.record(p.rec)
}

// Record returns the record as it will be appended.
func (p *Pending) Record() telemetry.Record { return p.rec }

// InvokePending is Invoke for stages whose record must carry execution
// results. On failure the record is appended immediately and the returned
// Pending is nil.
func InvokePending[T any](ctx context.Context, s *Step, question string, op Op[T]) (T, *Pending, error) {
	v, rec, err := run(ctx, s, question, op)
	if err != nil {
		s.record(rec)
		return v, nil, err
	}
	return v, &Pending{step: s, rec: rec}, nil
}

func run[T any](ctx context.Context, s *Step, question string, op Op[T]) (T, telemetry.Record, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "agent."+s.Name)
	defer span.End()

	maxAttempts := s.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	start := time.Now()
	rec := telemetry.Record{
		ID:        uuid.NewString(),
		SessionID: s.SessionID,
		Agent:     s.Name,
		User:      s.User,
		Timestamp: start.UTC(),
		Question:  question,
	}

	var (
		zero    T
		v       T
		err     error
		call    = &Call{}
		outcome string
	)
	for call.attempt < maxAttempts {
		call.attempt++
		before := call.calls
		v, err = op(ctx, call)

		if err == nil {
			if call.calls == before {
				// the operation produced a result, so it reached the model
				call.calls++
			}
			outcome = "success"
			break
		}
		if call.calls == before {
			err = fmt.Errorf("%w: %w", ErrPreflight, err)
			outcome = "preflight"
			break
		}
		if !engine.IsRateLimit(err) {
			outcome = "error"
			break
		}

		if call.attempt == maxAttempts {
			err = &ExhaustedError{Agent: s.Name, Attempts: call.attempt, Err: err}
			outcome = "exhausted"
			break
		}
		wait := s.backoff(call.attempt, err)
		slog.Warn("rate limited, retrying", "agent", s.Name, "attempt", call.attempt,
			"max_attempts", maxAttempts, "calls", call.calls, "wait", wait)
		if serr := s.sleep(ctx, wait); serr != nil {
			err = serr
			outcome = "error"
			break
		}
	}

	elapsed := time.Since(start)
	rec.Attempts = call.attempt
	rec.Calls = call.calls
	rec.DurationSeconds = telemetry.Ptr(elapsed.Seconds())

	span.SetAttributes(
		attribute.String("agent.name", s.Name),
		attribute.Int("agent.attempts", rec.Attempts),
		attribute.Int("agent.calls", rec.Calls),
	)
	s.Metrics.ObserveInvocation(s.Name, outcome, rec.Attempts, rec.Calls, elapsed)

	if err != nil {
		rec.Error = telemetry.Ptr(err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		return zero, rec, err
	}
	rec.Answer = answerText(call.answer, v)
	return v, rec, nil
}

func (s *Step) backoff(attempt int, err error) time.Duration {
	d := s.Backoff
	if d == 0 {
		d = DefaultBackoff
	}
	if s.ScaleBackoff {
		d *= time.Duration(attempt)
	}
	var rl *engine.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > d {
		d = rl.RetryAfter
	}
	return d
}

func (s *Step) sleep(ctx context.Context, d time.Duration) error {
	if s.Sleep != nil {
		return s.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Step) record(r telemetry.Record) {
	if s.Recorder != nil {
		s.Recorder.Append(r)
	}
}

func answerText(explicit *string, v any) *string {
	if explicit != nil {
		return explicit
	}
	if str, ok := v.(string); ok {
		return &str
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return telemetry.Ptr(string(b))
}
