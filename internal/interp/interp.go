// Package interp runs generated analysis scripts against read-only tables.
//
// A script is a sequence of statements, each either `name = <expression>`
// or a bare expression, written in the expr language
// (github.com/expr-lang/expr). Statements are separated by newlines or
// semicolons outside brackets. The script must bind its answer to result.
// Scripts see only the loaded tables, their own earlier bindings and the
// helper functions; there is no file, network or process access.
package interp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/kalambet/tally/internal/tables"
)

// ResultName is the binding a script stores its answer in.
const ResultName = "result"

const (
	DefaultTimeout       = 10 * time.Second
	DefaultMaxStatements = 200
	DefaultMaxNodes      = 10000
)

var (
	ErrNoResult = errors.New("interp: script did not assign " + ResultName)
	ErrTimeout  = errors.New("interp: execution timed out")
	ErrBudget   = errors.New("interp: resource budget exceeded")
)

// Error locates a failure inside the script. Its message is what the repair
// stage sees as the trace.
type Error struct {
	Statement int
	Line      int
	Source    string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("statement %d (line %d): %v\n    %s", e.Statement, e.Line, e.Err, e.Source)
}

func (e *Error) Unwrap() error { return e.Err }

type Config struct {
	Timeout       time.Duration
	MaxStatements int
	MaxNodes      uint
}

// Executor is safe for concurrent use; every Execute call gets its own
// environment.
type Executor struct {
	timeout       time.Duration
	maxStatements int
	maxNodes      uint
}

func New(cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxStatements <= 0 {
		cfg.MaxStatements = DefaultMaxStatements
	}
	if cfg.MaxNodes == 0 {
		cfg.MaxNodes = DefaultMaxNodes
	}
	return &Executor{timeout: cfg.Timeout, maxStatements: cfg.MaxStatements, maxNodes: cfg.MaxNodes}
}

type outcome struct {
	value any
	err   error
}

// Execute runs code against a private copy of scope and returns the value
// bound to result.
func (x *Executor) Execute(ctx context.Context, code string, scope tables.Scope) (any, error) {
	stmts, err := splitScript(code)
	if err != nil {
		return nil, fmt.Errorf("interp: syntax: %w", err)
	}
	if len(stmts) == 0 {
		return nil, ErrNoResult
	}
	if len(stmts) > x.maxStatements {
		return nil, fmt.Errorf("%w: %d statements, limit %d", ErrBudget, len(stmts), x.maxStatements)
	}

	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	// The expr VM cannot be interrupted, so it runs on its own goroutine and
	// helpers stop early once ctx is done.
	done := make(chan outcome, 1)
	go func() {
		v, err := x.run(ctx, stmts, scope)
		done <- outcome{v, err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, x.timeout)
		}
		return nil, ctx.Err()
	}
}

func (x *Executor) run(ctx context.Context, stmts []statement, scope tables.Scope) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("interp: panic: %v", r)
		}
	}()

	env := scope.Env()
	reserved := make(map[string]bool, len(env)+len(helperNames))
	for name := range env {
		reserved[name] = true
	}
	for _, name := range helperNames {
		reserved[name] = true
	}
	opts := helpers(ctx)

	for i, st := range stmts {
		fail := func(err error) error {
			return &Error{Statement: i + 1, Line: st.line, Source: st.src, Err: err}
		}
		if st.name != "" && reserved[st.name] {
			return nil, fail(fmt.Errorf("%s is read-only", st.name))
		}

		program, err := expr.Compile(st.expr, append([]expr.Option{
			expr.Env(env),
			expr.MaxNodes(x.maxNodes),
		}, opts...)...)
		if err != nil {
			return nil, fail(err)
		}
		val, err := vm.Run(program, env)
		if err != nil {
			if strings.Contains(err.Error(), "memory budget exceeded") {
				err = fmt.Errorf("%w: %v", ErrBudget, err)
			}
			return nil, fail(err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if st.name != "" {
			env[st.name] = val
		}
	}

	result, ok := env[ResultName]
	if !ok {
		return nil, ErrNoResult
	}
	return result, nil
}
