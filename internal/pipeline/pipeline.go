// Package pipeline answers one question at a time per session: extract
// entities, plan, generate a script, execute it with bounded repair and
// present the result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/tally/internal/agent"
	"github.com/kalambet/tally/internal/engine"
	"github.com/kalambet/tally/internal/tables"
	"github.com/kalambet/tally/internal/telemetry"
)

// State is a step of the per-question state machine.
type State string

const (
	Extracting State = "extracting"
	Planning   State = "planning"
	Generating State = "generating"
	Executing  State = "executing"
	Repairing  State = "repairing"
	Decorating State = "decorating"
	Done       State = "done"
	Failed     State = "failed"
)

// Agent names as they appear in telemetry records.
const (
	AgentExtractor = "extractor"
	AgentPlanner   = "planner"
	AgentGenerator = "generator"
	AgentDecorator = "decorator"
)

const DefaultRepairCap = 15

// ErrSessionBusy is returned by TryAsk when the session is already
// answering a question.
var ErrSessionBusy = errors.New("pipeline: session is busy with another question")

var ErrEmptyQuestion = errors.New("pipeline: empty question")

// Executor runs a generated script against the tables.
type Executor interface {
	Execute(ctx context.Context, code string, scope tables.Scope) (any, error)
}

type Config struct {
	FastModel    string
	DeepModel    string
	MaxAttempts  int
	Backoff      time.Duration
	ScaleBackoff bool
	RepairCap    int
	MaxRows      int
	// Sleep overrides the wait between rate-limited attempts (tests).
	Sleep func(ctx context.Context, d time.Duration) error
}

// Deps are the collaborators a Pipeline is built from.
type Deps struct {
	Chat     engine.Chatter
	Searcher EntitySearcher
	Executor Executor
	Scope    tables.Scope
	// Sink, when set, receives an opportunistic flush after every question.
	Sink    telemetry.Sink
	Metrics *telemetry.Metrics
}

type Pipeline struct {
	cfg       Config
	extractor *Extractor
	planner   *Planner
	generator *Generator
	decorator *Decorator
	executor  Executor
	scope     tables.Scope
	tableDoc  string
	sink      telemetry.Sink
	metrics   *telemetry.Metrics
}

func New(cfg Config, d Deps) *Pipeline {
	if cfg.RepairCap <= 0 {
		cfg.RepairCap = DefaultRepairCap
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = tables.DefaultMaxRows
	}
	if cfg.DeepModel == "" {
		cfg.DeepModel = cfg.FastModel
	}
	return &Pipeline{
		cfg:       cfg,
		extractor: NewExtractor(d.Chat, cfg.FastModel, d.Searcher),
		planner:   NewPlanner(d.Chat, cfg.DeepModel),
		generator: NewGenerator(d.Chat, cfg.DeepModel),
		decorator: NewDecorator(d.Chat, cfg.FastModel),
		executor:  d.Executor,
		scope:     d.Scope,
		tableDoc:  d.Scope.Describe(),
		sink:      d.Sink,
		metrics:   d.Metrics,
	}
}

// Result is a successfully answered question.
type Result struct {
	Answer       string        `json:"answer"`
	Code         string        `json:"code"`
	Explanation  string        `json:"explanation"`
	Plan         *Plan         `json:"plan"`
	Entities     EntityContext `json:"entities"`
	ExecAttempts int           `json:"exec_attempts"`
	Value        any           `json:"-"`
	Truncated    bool          `json:"truncated"`
}

// Failure is a question that could not be answered. Capped is set only
// when every allowed execution attempt failed.
type Failure struct {
	Stage    State
	Attempts int
	Capped   bool
	Err      error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("pipeline failed while %s (execution attempts: %d): %v", f.Stage, f.Attempts, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// UserMessage is safe to show to the person who asked. It never includes
// error traces.
func (f *Failure) UserMessage() string {
	var ex *agent.ExhaustedError
	switch {
	case f.Capped:
		return fmt.Sprintf("Sorry, I could not produce a working analysis after %d attempts. Try rephrasing the question.", f.Attempts)
	case errors.As(f.Err, &ex):
		return fmt.Sprintf("The language model is rate limiting requests and still refused after %d tries. Please try again in a minute.", ex.Attempts)
	case errors.Is(f.Err, engine.ErrCircuitOpen):
		return "The language model is currently unavailable. Please try again shortly."
	default:
		return fmt.Sprintf("Something went wrong while %s your question. Please try again.", f.Stage)
	}
}

// TryAsk is Ask that returns ErrSessionBusy instead of waiting for a
// question already running in the session.
func (p *Pipeline) TryAsk(ctx context.Context, s *Session, question string) (*Result, error) {
	if !s.run.TryLock() {
		return nil, ErrSessionBusy
	}
	defer s.run.Unlock()
	return p.ask(ctx, s, question)
}

// Ask answers question within session s. Questions on one session are
// processed strictly one after another.
func (p *Pipeline) Ask(ctx context.Context, s *Session, question string) (*Result, error) {
	s.run.Lock()
	defer s.run.Unlock()
	return p.ask(ctx, s, question)
}

// questionRun carries the state of one question through the machine.
type questionRun struct {
	p        *Pipeline
	s        *Session
	question string
	memory   []Turn

	state    State
	entities EntityContext
	plan     *Plan
	attempt  int
	previous *ExecutionAttempt
	answer   Answer
	value    any
	rendered tables.Rendered
	final    string
}

func (p *Pipeline) ask(ctx context.Context, s *Session, question string) (*Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	start := time.Now()
	r := &questionRun{p: p, s: s, question: question, memory: s.Memory(), state: Extracting}

	err := r.run(ctx)
	p.flush(ctx, s)

	if err != nil {
		p.metrics.ObserveQuestion("failure", r.attempt)
		slog.Warn("question failed", "session", s.ID, "state", r.state, "exec_attempts", r.attempt, "error", err)
		return nil, err
	}
	p.metrics.ObserveQuestion("success", r.attempt)
	slog.Info("question answered", "session", s.ID, "exec_attempts", r.attempt, "took", time.Since(start))

	s.remember(
		Turn{Role: RoleUser, Content: question},
		Turn{Role: RoleAssistant, Content: r.memoryEntry()},
	)
	return &Result{
		Answer:       r.final,
		Code:         r.answer.Code,
		Explanation:  r.answer.Explanation,
		Plan:         r.plan,
		Entities:     r.entities,
		ExecAttempts: r.attempt,
		Value:        r.value,
		Truncated:    r.rendered.Truncated,
	}, nil
}

func (r *questionRun) step(name string) *agent.Step {
	cfg := r.p.cfg
	return &agent.Step{
		Name:         name,
		MaxAttempts:  cfg.MaxAttempts,
		Backoff:      cfg.Backoff,
		ScaleBackoff: cfg.ScaleBackoff,
		Recorder:     r.s.Log,
		Metrics:      r.p.metrics,
		User:         r.s.User,
		SessionID:    r.s.ID,
		Sleep:        cfg.Sleep,
	}
}

func (r *questionRun) transition(to State) {
	slog.Debug("pipeline transition", "session", r.s.ID, "from", r.state, "to", to, "exec_attempt", r.attempt)
	r.state = to
}

func (r *questionRun) fail(err error) error {
	stage := r.state
	r.transition(Failed)
	return &Failure{Stage: stage, Attempts: r.attempt, Err: err}
}

func (r *questionRun) capped(err error) error {
	f := r.fail(err).(*Failure)
	f.Capped = true
	return f
}

// run drives the state machine until Done or Failed.
func (r *questionRun) run(ctx context.Context) error {
	p := r.p
	var execErr error
	for {
		switch r.state {
		case Extracting:
			ec, err := p.extractor.Extract(ctx, r.step(AgentExtractor), r.question)
			if err != nil {
				return r.fail(err)
			}
			r.entities = ec
			r.transition(Planning)

		case Planning:
			plan, err := p.planner.Plan(ctx, r.step(AgentPlanner), p.tableDoc, r.question, r.entities, r.memory)
			if err != nil {
				return r.fail(err)
			}
			r.plan = plan
			r.transition(Generating)

		case Generating, Repairing:
			ans, pending, err := p.generator.Generate(ctx, r.step(AgentGenerator), p.tableDoc, GenerateRequest{
				Question:      r.question,
				EntityContext: r.entities.String(),
				Plan:          r.plan,
				Memory:        r.memory,
				Previous:      r.previous,
			})
			if err != nil {
				return r.fail(err)
			}
			r.attempt++
			r.answer = ans
			r.transition(Executing)
			r.value, execErr = p.executor.Execute(ctx, ans.Code, p.scope)
			pending.Commit(r.attempt, execErr)

		case Executing:
			if execErr == nil {
				r.transition(Decorating)
				continue
			}
			slog.Debug("script failed", "session", r.s.ID, "exec_attempt", r.attempt, "error", execErr)
			r.previous = &ExecutionAttempt{
				Code:        r.answer.Code,
				Explanation: r.answer.Explanation,
				Index:       r.attempt,
				Error:       execErr.Error(),
				Previous:    r.previous,
			}
			r.transition(Repairing)
			if r.attempt >= p.cfg.RepairCap {
				return r.capped(execErr)
			}

		case Decorating:
			r.rendered = tables.Render(r.value, p.cfg.MaxRows)
			out, err := p.decorator.Decorate(ctx, r.step(AgentDecorator), r.question, r.answer.Explanation,
				r.rendered.Text, r.rendered.Truncated, r.rendered.TotalRows)
			if err != nil {
				return r.fail(err)
			}
			r.final = out
			r.transition(Done)

		case Done:
			return nil

		default:
			return fmt.Errorf("pipeline: unexpected state %q", r.state)
		}
	}
}

// memoryEntry is what later questions in the session see of this one.
func (r *questionRun) memoryEntry() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Resolved entities:\n%s\n\n", r.entities.String())
	if r.plan != nil {
		fmt.Fprintf(&b, "Plan:\n%s\n\n", r.plan.String())
	}
	fmt.Fprintf(&b, "Script:\n%s\n\nAnswer:\n%s", r.answer.Code, r.final)
	return b.String()
}

func (p *Pipeline) flush(ctx context.Context, s *Session) {
	if p.sink == nil {
		return
	}
	// failures are logged by Flush and retried by the next flush
	_ = s.Log.Flush(context.WithoutCancel(ctx), p.sink)
}
