package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/traefik/yaegi/interp"
	"golang.org/x/sync/semaphore"

	"hikugen/internal/failure"
	"hikugen/internal/logging"
	"hikugen/internal/observability"
)

// =============================================================================
// YAEGI SNIPPET EXECUTOR
// =============================================================================
// Snippets are interpreted, never compiled. Each Execute call gets a brand new
// interpreter holding only the allowlisted symbol tables, so nothing defined
// by one snippet is visible to the next.
//
// Workers that miss their deadline are abandoned, not killed: Go cannot stop a
// goroutine from outside. Cancelling the interpreter context makes yaegi stop
// interpreted loops at the next check, and the worker semaphore caps how many
// stragglers can exist at once.

// ErrSaturated reports that every worker slot is held, typically by abandoned
// runaway snippets.
var ErrSaturated = errors.New("sandbox: all workers busy")

// Executor runs validated snippets.
type Executor struct {
	policy  Policy
	symbols interp.Exports
	sem     *semaphore.Weighted

	running   atomic.Int64
	abandoned atomic.Int64
	completed atomic.Int64
	timeouts  atomic.Int64
}

// Stats is a snapshot of executor activity.
type Stats struct {
	Running   int64 // live workers, abandoned ones included
	Abandoned int64 // live workers whose caller already gave up
	Completed int64
	Timeouts  int64
}

// NewExecutor creates an executor allowing at most maxWorkers live
// interpreter goroutines.
func NewExecutor(policy Policy, maxWorkers int) *Executor {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Executor{
		policy:  policy,
		symbols: symbolsFor(policy),
		sem:     semaphore.NewWeighted(int64(maxWorkers)),
	}
}

type outcome struct {
	value map[string]any
	err   error
}

// Execute interprets src and calls ExtractData(input). It returns within
// deadline (plus scheduling slack) no matter what the snippet does. Failures
// are *failure.Failure values of kind ExecutionTimeout, ExecutionRaised or
// InvalidReturnShape.
func (e *Executor) Execute(ctx context.Context, src, input string, deadline time.Duration) (map[string]any, error) {
	if deadline <= 0 {
		return nil, fmt.Errorf("sandbox: deadline must be positive, got %v", deadline)
	}
	timer := logging.StartTimer(logging.CategorySandbox, "snippet execution")
	start := time.Now()

	value, err := e.execute(ctx, src, input, deadline)

	timer.Stop()
	observability.SandboxDuration.Observe(time.Since(start).Seconds())
	observability.SandboxExecutionsTotal.WithLabelValues(resultLabel(err)).Inc()
	observability.SandboxAbandoned.Set(float64(e.abandoned.Load()))
	return value, err
}

func (e *Executor) execute(ctx context.Context, src, input string, deadline time.Duration) (map[string]any, error) {
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if err := e.sem.Acquire(runCtx, 1); err != nil {
		e.timeouts.Add(1)
		logging.Get(logging.CategorySandbox).Warn("no worker slot within %v (running=%d abandoned=%d)",
			deadline, e.running.Load(), e.abandoned.Load())
		return nil, failure.Wrap(failure.ExecutionTimeout, ErrSaturated, "no sandbox worker available within %v", deadline)
	}

	var gaveUp atomic.Bool
	done := make(chan outcome, 1)
	e.running.Add(1)

	go func() {
		defer func() {
			if gaveUp.Load() {
				e.abandoned.Add(-1)
				logging.SandboxDebug("abandoned worker exited")
			}
			e.running.Add(-1)
			e.sem.Release(1)
		}()
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: failure.New(failure.ExecutionRaised, "panic: %v", r)}
			}
		}()
		value, err := e.run(runCtx, src, input)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		e.completed.Add(1)
		return out.value, out.err
	case <-runCtx.Done():
		// Prefer a result that raced the deadline.
		select {
		case out := <-done:
			e.completed.Add(1)
			return out.value, out.err
		default:
		}
		gaveUp.Store(true)
		e.abandoned.Add(1)
		e.timeouts.Add(1)
		logging.Get(logging.CategorySandbox).Warn("snippet exceeded %v deadline, worker abandoned", deadline)
		return nil, failure.Wrap(failure.ExecutionTimeout, runCtx.Err(), "snippet did not finish within %v", deadline)
	}
}

// run evaluates the snippet and the entry call in a fresh interpreter.
func (e *Executor) run(ctx context.Context, src, input string) (map[string]any, error) {
	i := interp.New(interp.Options{
		Stdout: io.Discard,
		Stderr: io.Discard,
	})
	if err := i.Use(e.symbols); err != nil {
		return nil, fmt.Errorf("sandbox: loading symbols: %w", err)
	}

	if _, err := i.EvalWithContext(ctx, Normalize(src)); err != nil {
		return nil, evalFailure(ctx, "evaluating snippet", err)
	}

	call := fmt.Sprintf("main.%s(%s)", EntryPoint, strconv.Quote(input))
	v, err := i.EvalWithContext(ctx, call)
	if err != nil {
		return nil, evalFailure(ctx, EntryPoint+" raised", err)
	}
	return toMapping(v)
}

func evalFailure(ctx context.Context, what string, err error) *failure.Failure {
	if ctx.Err() != nil {
		return failure.Wrap(failure.ExecutionTimeout, ctx.Err(), "%s: interrupted by deadline", what)
	}
	return failure.Wrap(failure.ExecutionRaised, err, "%s: %v", what, err)
}

// toMapping converts the entry point's return value into map[string]any.
func toMapping(v reflect.Value) (map[string]any, error) {
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			return nil, failure.New(failure.InvalidReturnShape, "%s returned nil", EntryPoint)
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return nil, failure.New(failure.InvalidReturnShape, "%s returned no value", EntryPoint)
	}
	if v.Kind() != reflect.Map || v.Type().Key().Kind() != reflect.String {
		return nil, failure.New(failure.InvalidReturnShape,
			"%s returned %s, want map[string]any", EntryPoint, v.Type())
	}

	out := make(map[string]any, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, nil
}

func resultLabel(err error) string {
	if kind, ok := failure.KindOf(err); ok {
		return kind.String()
	}
	return observability.ResultLabel(err)
}

// Stats returns a snapshot of executor counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Running:   e.running.Load(),
		Abandoned: e.abandoned.Load(),
		Completed: e.completed.Load(),
		Timeouts:  e.timeouts.Load(),
	}
}
