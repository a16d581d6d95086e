package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/turnstile/internal/persistence"
	"github.com/basket/turnstile/internal/task"
)

type opKind int

const (
	opUpsert opKind = iota
	opDelete
	opBarrier
)

type writeOp struct {
	kind opKind
	task *task.Task
	id   string
	cols persistence.Column
	done chan struct{}
}

// writer applies durable writes one at a time in enqueue order. The queue is
// unbounded so enqueue never blocks the caller.
type writer struct {
	store   Store
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []writeOp
	closed  bool
	stopped chan struct{}
	failed  int64
}

func newWriter(store Store, logger *slog.Logger) *writer {
	w := &writer{
		store:   store,
		logger:  logger,
		timeout: 10 * time.Second,
		stopped: make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

func (w *writer) enqueue(op writeOp) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.queue = append(w.queue, op)
	w.cond.Signal()
	return true
}

func (w *writer) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *writer) failures() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

func (w *writer) run() {
	defer close(w.stopped)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		op := w.queue[0]
		w.queue[0] = writeOp{}
		w.queue = w.queue[1:]
		w.mu.Unlock()

		w.apply(op)
	}
}

func (w *writer) apply(op writeOp) {
	if op.kind == opBarrier {
		close(op.done)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	var err error
	switch op.kind {
	case opUpsert:
		err = w.store.Upsert(ctx, op.task, op.cols)
	case opDelete:
		err = w.store.Delete(ctx, op.id)
	}
	if err != nil {
		w.mu.Lock()
		w.failed++
		w.mu.Unlock()
		id := op.id
		if op.task != nil {
			id = op.task.ID
		}
		w.logger.Warn("durable write failed", "task_id", id, "columns", op.cols.String(), "error", err)
	}
}

// flush waits until every op enqueued before the call has been applied.
func (w *writer) flush(ctx context.Context) error {
	done := make(chan struct{})
	if !w.enqueue(writeOp{kind: opBarrier, done: done}) {
		return w.wait(ctx)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *writer) close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()
	return w.wait(ctx)
}

func (w *writer) wait(ctx context.Context) error {
	select {
	case <-w.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
