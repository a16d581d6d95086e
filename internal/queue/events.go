package queue

import (
	"log/slog"
	"sync"
	"time"

	"github.com/basket/turnstile/internal/bus"
	"github.com/basket/turnstile/internal/task"
)

// EventType names a lifecycle notification.
type EventType string

const (
	EventAdded              EventType = "added"
	EventStarted            EventType = "started"
	EventProgress           EventType = "progress"
	EventSucceeded          EventType = "succeeded"
	EventFailed             EventType = "failed"
	EventRetried            EventType = "retried"
	EventCancelled          EventType = "cancelled"
	EventConditionsLost     EventType = "conditions-lost"
	EventConditionsReturned EventType = "conditions-returned"
	EventQueueStarted       EventType = "queue-started"
	EventQueueDrained       EventType = "queue-drained"
)

// RetryReason distinguishes why a task went back to READY.
type RetryReason string

const (
	// ReasonFailure is an automatic retry after a retryable error; Err is set.
	ReasonFailure RetryReason = "failure"
	// ReasonInterrupted means a required condition was lost while running; no error is recorded.
	ReasonInterrupted RetryReason = "interrupted"
	// ReasonManual is an operator retry of a FAILED task.
	ReasonManual RetryReason = "manual"
)

// Event is delivered to observers. Task is a snapshot and is nil for queue
// level events.
type Event struct {
	Type     EventType   `json:"type"`
	Manager  string      `json:"manager"`
	Task     *task.Task  `json:"task,omitempty"`
	Err      *task.Error `json:"error,omitempty"`
	Reason   RetryReason `json:"reason,omitempty"`
	Attempt  int         `json:"attempt,omitempty"`
	Progress int         `json:"progress,omitempty"`
	RetryIn  time.Duration `json:"retry_in,omitempty"`
	Time     time.Time   `json:"time"`
}

// TaskID is a nil-safe accessor.
func (e Event) TaskID() string {
	if e.Task == nil {
		return ""
	}
	return e.Task.ID
}

// Observer receives events on the dispatcher goroutine, one at a time.
type Observer func(Event)

// dispatcher delivers events in emission order from a single goroutine, so no
// two callbacks ever run concurrently.
type dispatcher struct {
	bus    *bus.Bus
	logger *slog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []Event
	observers []observerEntry
	nextID    int
	closed    bool
	done      chan struct{}
}

type observerEntry struct {
	id int
	fn Observer
}

func newDispatcher(b *bus.Bus, logger *slog.Logger) *dispatcher {
	d := &dispatcher{bus: b, logger: logger, done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher) subscribe(fn Observer) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.observers = append(d.observers, observerEntry{id: id, fn: fn})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, o := range d.observers {
			if o.id == id {
				d.observers = append(d.observers[:i:i], d.observers[i+1:]...)
				return
			}
		}
	}
}

func (d *dispatcher) emit(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, ev)
	d.cond.Signal()
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		ev := d.queue[0]
		d.queue[0] = Event{}
		d.queue = d.queue[1:]
		observers := append([]observerEntry(nil), d.observers...)
		d.mu.Unlock()

		for _, o := range observers {
			d.deliver(o.fn, ev)
		}
		d.bus.Publish(bus.QueueTopic(string(ev.Type)), ev)
	}
}

func (d *dispatcher) deliver(fn Observer, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("observer panicked", "event", ev.Type, "task_id", ev.TaskID(), "panic", r)
		}
	}()
	fn(ev)
}

// close delivers everything already emitted, then stops.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.done
}
