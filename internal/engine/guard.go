package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// GuardConfig tunes the client-side limiter and circuit breaker placed in
// front of a remote Engine.
type GuardConfig struct {
	Name string
	// RPS caps Chat and Embed calls per second. Zero disables limiting.
	RPS   float64
	Burst int
	// MaxFailures is the number of consecutive terminal failures that opens
	// the circuit. Rate-limit responses never count.
	MaxFailures uint32
	// OpenFor is how long the circuit stays open before a probe is allowed.
	OpenFor time.Duration
}

// Guarded wraps an Engine so Chat and Embed pass through a token-bucket
// limiter and a circuit breaker. Other methods go straight to the backend.
type Guarded struct {
	Engine
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

func NewGuarded(e Engine, cfg GuardConfig) *Guarded {
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	openFor := cfg.OpenFor
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	name := cfg.Name
	if name == "" {
		name = "llm"
	}

	return &Guarded{
		Engine:  e,
		limiter: rate.NewLimiter(limit, burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     openFor,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= maxFailures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || IsRateLimit(err) || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("engine: circuit state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// State returns the breaker state ("closed", "half-open" or "open").
func (g *Guarded) State() string {
	return g.breaker.State().String()
}

func (g *Guarded) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	v, err := g.do(ctx, func() (any, error) {
		return g.Engine.Chat(ctx, model, messages, jsonSchema)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (g *Guarded) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	v, err := g.do(ctx, func() (any, error) {
		return g.Engine.Embed(ctx, model, text)
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

func (g *Guarded) do(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	v, err := g.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return v, err
}
