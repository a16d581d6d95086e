package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/turnstile/internal/bus"
	"github.com/basket/turnstile/internal/otel"
	"github.com/basket/turnstile/internal/persistence"
	"github.com/basket/turnstile/internal/shared"
	"github.com/basket/turnstile/internal/task"
)

// loop is the only caller of schedule. A pass runs on every kick, on each
// poll tick, when a retry backoff expires, and on settings changes.
func (m *Manager) loop() {
	defer close(m.loopDone)

	var settingsCh <-chan bus.Event
	if m.bus != nil {
		sub := m.bus.Subscribe(bus.TopicSettingsChanged)
		defer m.bus.Unsubscribe(sub)
		settingsCh = sub.Ch()
	}

	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()
	retryTimer := time.NewTimer(time.Hour)
	retryTimer.Stop()
	defer retryTimer.Stop()

	for {
		if next := m.schedule(); !next.IsZero() {
			retryTimer.Reset(max(next.Sub(m.now()), time.Millisecond))
		}
		select {
		case <-m.ctx.Done():
			return
		case <-m.wake:
		case <-ticker.C:
		case <-retryTimer.C:
		case _, ok := <-settingsCh:
			// wifi_only feeds conditions that read it live; a pass is enough.
			if !ok {
				settingsCh = nil
			}
		}
	}
}

// schedule runs one pass under the lock and returns the earliest retry
// deadline still pending, or the zero time.
func (m *Manager) schedule() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return time.Time{}
	}

	m.evaluateConditionsLocked()

	var next time.Time
	if !m.paused && m.condsMet {
		next = m.dispatchLocked()
	}
	m.checkDrainedLocked()
	return next
}

func (m *Manager) evaluateConditionsLocked() {
	met := m.conditionsSatisfiedLocked()
	if met == m.condsMet {
		return
	}
	m.condsMet = met
	if met {
		m.logger.Info("conditions returned")
		m.emitLocked(Event{Type: EventConditionsReturned})
		return
	}
	m.logger.Info("conditions lost", "running", len(m.running))
	m.emitLocked(Event{Type: EventConditionsLost})
	for _, ex := range m.running {
		ex.cancel(ErrInterrupted)
	}
}

// dispatchLocked starts READY tasks in creation order while a slot is free.
func (m *Manager) dispatchLocked() time.Time {
	now := m.now()
	var next time.Time
	for _, t := range m.cache.All() {
		if len(m.running) >= m.poolSize {
			break
		}
		if t.State != task.StateReady {
			continue
		}
		if _, busy := m.running[t.ID]; busy {
			continue
		}
		if nb, waiting := m.notBefore[t.ID]; waiting && now.Before(nb) {
			if next.IsZero() || nb.Before(next) {
				next = nb
			}
			continue
		}
		m.startLocked(t)
	}
	return next
}

func (m *Manager) startLocked(t *task.Task) {
	if err := t.Start(); err != nil {
		m.logger.Error("dispatch rejected", "task_id", t.ID, "error", err)
		return
	}
	delete(m.notBefore, t.ID)

	h, ok := m.handlers[t.Kind]
	if !ok {
		te := task.NewError(task.DomainInternal, task.CodeNoHandler, fmt.Sprintf("no handler for kind %q", t.Kind))
		_ = t.Fail(te)
		m.cache.Update(t, persistence.ColState|persistence.ColError)
		delete(m.attempts, t.ID)
		m.emitLocked(Event{Type: EventFailed, Task: t.Clone(), Err: te, Reason: ReasonFailure})
		m.logger.Warn("task has no handler", "task_id", t.ID, "kind", t.Kind)
		return
	}

	ctx, cancel := context.WithCancelCause(m.ctx)
	ex := &Execution{
		m:       m,
		task:    t.Clone(),
		handler: h,
		attempt: m.attempts[t.ID] + 1,
		started: m.now(),
		ctx:     ctx,
		cancel:  cancel,
	}
	m.running[t.ID] = ex
	m.cache.Update(t, persistence.ColState)

	if !m.active {
		m.active = true
		m.emitLocked(Event{Type: EventQueueStarted})
	}
	m.emitLocked(Event{Type: EventStarted, Task: t.Clone(), Attempt: ex.attempt})
	m.metrics.TasksStarted.Add(m.ctx, 1, m.kindAttrs(t.Kind))
	m.metrics.RunningTasks.Add(m.ctx, 1, m.kindAttrs(t.Kind))
	m.logger.Debug("task dispatched", "task_id", t.ID, "kind", t.Kind, "attempt", ex.attempt)

	// Never blocks: jobs holds poolSize entries and running never exceeds it.
	m.jobs <- ex
}

func (m *Manager) checkDrainedLocked() {
	if !m.active || len(m.running) > 0 {
		return
	}
	for _, t := range m.cache.All() {
		if !t.State.Terminal() {
			return
		}
	}
	m.active = false
	m.emitLocked(Event{Type: EventQueueDrained})
	m.logger.Info("queue drained")
}

func (m *Manager) worker() {
	for ex := range m.jobs {
		m.run(ex)
	}
}

func (m *Manager) run(ex *Execution) {
	t := ex.task
	ctx := shared.WithTaskID(shared.WithManager(ex.ctx, m.name), t.ID)
	ctx, span := otel.StartSpan(ctx, m.tracer, "task.execute",
		otel.AttrManager.String(m.name),
		otel.AttrTaskID.String(t.ID),
		otel.AttrTaskKind.String(t.Kind),
		otel.AttrAttempt.Int(ex.attempt),
	)
	defer span.End()

	var err error
	if ex.ctx.Err() != nil {
		err = context.Cause(ex.ctx)
	} else {
		err = m.invoke(ctx, ex)
	}
	outcome, te := m.finish(ex, err)

	span.SetAttributes(otel.AttrOutcome.String(outcome))
	if te != nil {
		span.SetAttributes(otel.AttrErrDomain.String(te.Domain), otel.AttrErrCode.Int(te.Code))
		span.SetStatus(codes.Error, te.Message)
	}
	m.metrics.TaskDuration.Record(m.ctx, time.Since(ex.started).Seconds(),
		metric.WithAttributes(otel.AttrTaskKind.String(t.Kind), otel.AttrOutcome.String(outcome)))
}

// invoke runs the body. A panic becomes an internal error instead of taking
// the worker down.
func (m *Manager) invoke(ctx context.Context, ex *Execution) (err error) {
	defer func() {
		if r := recover(); r != nil {
			shared.Logger(ctx, m.logger).Error("task body panicked", "panic", r, "stack", string(debug.Stack()))
			err = task.NewError(task.DomainInternal, task.CodeUnhandled, fmt.Sprintf("task panicked: %v", r))
		}
	}()
	return ex.handler.Execute(ctx, ex)
}

// finish applies the result of a run and frees its slot.
func (m *Manager) finish(ex *Execution, runErr error) (string, *task.Error) {
	defer m.kick()
	id := ex.task.ID
	kind := ex.task.Kind

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.running, id)
	ex.cancel(nil)
	m.metrics.RunningTasks.Add(m.ctx, -1, m.kindAttrs(kind))

	if ex.removed {
		return "removed", nil
	}
	t, ok := m.cache.Get(id)
	if !ok || t.State != task.StateRunning {
		return "removed", nil
	}
	cause := context.Cause(ex.ctx)
	log := m.logger.With("task_id", id, "kind", kind, "attempt", ex.attempt)

	switch {
	case runErr == nil:
		_ = t.Complete()
		m.cache.Update(t, persistence.ColState|persistence.ColError)
		delete(m.attempts, id)
		m.emitLocked(Event{Type: EventSucceeded, Task: t.Clone(), Attempt: ex.attempt})
		m.metrics.TasksSucceeded.Add(m.ctx, 1, m.kindAttrs(kind))
		log.Info("task succeeded")
		return "succeeded", nil

	case errors.Is(cause, ErrShuttingDown):
		_ = t.Requeue()
		m.cache.Update(t, persistence.ColState|persistence.ColError)
		log.Info("task stopped for shutdown")
		return "shutdown", nil

	case errors.Is(cause, ErrInterrupted):
		_ = t.Requeue()
		m.cache.Update(t, persistence.ColState|persistence.ColError)
		m.emitLocked(Event{Type: EventRetried, Task: t.Clone(), Reason: ReasonInterrupted, Attempt: ex.attempt})
		m.metrics.Interruptions.Add(m.ctx, 1, m.kindAttrs(kind))
		log.Info("task interrupted, requeued")
		return "interrupted", nil
	}

	d := m.retry.decide(runErr, ex.attempt)
	if d.retry {
		_ = t.Requeue()
		m.attempts[id] = ex.attempt
		m.notBefore[id] = m.now().Add(d.delay)
		m.cache.Update(t, persistence.ColState|persistence.ColError)
		m.emitLocked(Event{
			Type:    EventRetried,
			Task:    t.Clone(),
			Err:     d.err,
			Reason:  ReasonFailure,
			Attempt: ex.attempt,
			RetryIn: d.delay,
		})
		m.metrics.TaskRetries.Add(m.ctx, 1, m.kindAttrs(kind))
		log.Warn("task failed, will retry", "error", d.err, "retry_in", d.delay)
		return "retried", d.err
	}

	_ = t.Fail(d.err)
	m.cache.Update(t, persistence.ColState|persistence.ColError)
	delete(m.attempts, id)
	m.emitLocked(Event{Type: EventFailed, Task: t.Clone(), Err: d.err, Reason: ReasonFailure, Attempt: ex.attempt})
	m.metrics.TasksFailed.Add(m.ctx, 1, m.kindAttrs(kind))
	log.Error("task failed", "error", d.err)
	return "failed", d.err
}

// progress records a body's progress while it still owns its slot.
func (m *Manager) progress(ex *Execution, p int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ex.removed || m.running[ex.task.ID] != ex {
		return
	}
	p = task.ClampProgress(p)
	if !m.cache.SetProgress(ex.task.ID, p) {
		return
	}
	t, _ := m.cache.Get(ex.task.ID)
	m.emitLocked(Event{Type: EventProgress, Task: t, Progress: p})
}

func (m *Manager) kindAttrs(kind string) metric.MeasurementOption {
	return metric.WithAttributes(otel.AttrManager.String(m.name), otel.AttrTaskKind.String(kind))
}
