package queue

import (
	"context"
	"time"

	"github.com/basket/turnstile/internal/task"
)

// Handler runs the body of one task kind. Returning nil completes the task.
// Bodies must check ctx (or Execution.StopRequested) and return promptly once
// it is cancelled; nothing preempts them.
type Handler interface {
	Execute(ctx context.Context, ex *Execution) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ex *Execution) error

func (f HandlerFunc) Execute(ctx context.Context, ex *Execution) error { return f(ctx, ex) }

// Execution is one dispatch of a task to a worker.
type Execution struct {
	m       *Manager
	task    *task.Task
	handler Handler
	attempt int
	started time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc

	// guarded by m.mu
	removed bool
}

// Task returns the task as it was when dispatched.
func (e *Execution) Task() *task.Task { return e.task.Clone() }

// Attempt is 1 for the first run and counts automatic retries after that.
func (e *Execution) Attempt() int { return e.attempt }

// Progress records p (clamped to 0..100) and notifies observers. Calls after
// the execution finished or was stopped are ignored.
func (e *Execution) Progress(p int) { e.m.progress(e, p) }

// StopRequested reports whether the manager asked the body to stop.
func (e *Execution) StopRequested() bool { return e.ctx.Err() != nil }

// Done is closed when a stop is requested.
func (e *Execution) Done() <-chan struct{} { return e.ctx.Done() }

// Cause is why a stop was requested: ErrInterrupted, ErrRemoved or
// ErrShuttingDown. Nil while running normally.
func (e *Execution) Cause() error {
	if e.ctx.Err() == nil {
		return nil
	}
	return context.Cause(e.ctx)
}
