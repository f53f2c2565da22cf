package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

type flakyEngine struct {
	fakeBackend
	errs  []error
	calls int
}

func (f *flakyEngine) Chat(_ context.Context, _ string, _ []Message, _ *Schema) (string, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return "", err
	}
	return "ok", nil
}

func TestGuarded_PassesThrough(t *testing.T) {
	f := &flakyEngine{}
	g := NewGuarded(f, GuardConfig{})
	out, err := g.Chat(context.Background(), "m", nil, nil)
	if err != nil || out != "ok" {
		t.Fatalf("Chat = %q, %v", out, err)
	}
	if g.State() != "closed" {
		t.Errorf("State = %q, want closed", g.State())
	}
}

func TestGuarded_RateLimitDoesNotTrip(t *testing.T) {
	rl := &RateLimitError{Op: "chat"}
	f := &flakyEngine{errs: []error{rl, rl, rl, rl}}
	g := NewGuarded(f, GuardConfig{MaxFailures: 2})
	for i := 0; i < 4; i++ {
		if _, err := g.Chat(context.Background(), "m", nil, nil); !IsRateLimit(err) {
			t.Fatalf("call %d: err = %v, want rate limit", i, err)
		}
	}
	if g.State() != "closed" {
		t.Errorf("State = %q, want closed after rate limits", g.State())
	}
}

func TestGuarded_OpensAfterFailures(t *testing.T) {
	boom := errors.New("boom")
	f := &flakyEngine{errs: []error{boom, boom}}
	g := NewGuarded(f, GuardConfig{MaxFailures: 2, OpenFor: time.Minute})

	for i := 0; i < 2; i++ {
		if _, err := g.Chat(context.Background(), "m", nil, nil); !errors.Is(err, boom) {
			t.Fatalf("call %d: err = %v, want boom", i, err)
		}
	}
	_, err := g.Chat(context.Background(), "m", nil, nil)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if f.calls != 2 {
		t.Errorf("backend calls = %d, want 2", f.calls)
	}
}

func TestGuarded_LimiterHonorsContext(t *testing.T) {
	f := &flakyEngine{}
	g := NewGuarded(f, GuardConfig{RPS: 0.001, Burst: 1})
	if _, err := g.Chat(context.Background(), "m", nil, nil); err != nil {
		t.Fatalf("first call: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Chat(ctx, "m", nil, nil); err == nil {
		t.Fatal("expected limiter error with exhausted burst")
	}
	if f.calls != 1 {
		t.Errorf("backend calls = %d, want 1", f.calls)
	}
}
