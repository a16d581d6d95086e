// Package queue schedules persisted tasks onto a bounded set of workers,
// gated by conditions and a pause flag, and reports every lifecycle transition
// to observers in order.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/turnstile/internal/bus"
	"github.com/basket/turnstile/internal/cache"
	"github.com/basket/turnstile/internal/condition"
	"github.com/basket/turnstile/internal/otel"
	"github.com/basket/turnstile/internal/persistence"
	"github.com/basket/turnstile/internal/settings"
	"github.com/basket/turnstile/internal/task"
)

var (
	ErrTaskNotFound = persistence.ErrTaskNotFound
	ErrTaskExists   = errors.New("task already exists")
	ErrUnknownKind  = errors.New("no handler registered for task kind")
	ErrClosed       = errors.New("manager closed")
	ErrNotFailed    = errors.New("task is not failed")

	// Cancellation causes seen by task bodies through context.Cause.
	ErrInterrupted  = errors.New("required condition lost")
	ErrRemoved      = errors.New("task removed")
	ErrShuttingDown = errors.New("manager shutting down")
)

// Mode selects how many task bodies may run at once.
type Mode string

const (
	ModeSeries   Mode = "series"
	ModeParallel Mode = "parallel"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSeries, ModeParallel:
		return Mode(s), nil
	case "":
		return ModeSeries, nil
	}
	return "", fmt.Errorf("unknown queue mode %q", s)
}

type Options struct {
	Name         string
	Mode         Mode
	PoolSize     int // parallel mode only
	Retry        RetryPolicy
	Conditions   []condition.Condition
	Handlers     map[string]Handler
	PollInterval time.Duration

	Logger      *slog.Logger
	Bus         *bus.Bus
	Preferences *settings.Preferences // optional; persists the paused flag
	Metrics     *otel.Metrics         // optional
	Tracer      trace.Tracer          // optional
	Now         func() time.Time
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Name          string `json:"name"`
	Mode          Mode   `json:"mode"`
	PoolSize      int    `json:"pool_size"`
	Total         int    `json:"total"`
	Ready         int    `json:"ready"`
	Running       int    `json:"running"`
	Completed     int    `json:"completed"`
	Failed        int    `json:"failed"`
	Paused        bool   `json:"paused"`
	ConditionsMet bool   `json:"conditions_met"`
	PendingWrites int    `json:"pending_writes"`
}

// Manager owns the queue. All scheduling decisions and every mutation of the
// running set happen under mu, so a task is never dispatched twice.
type Manager struct {
	name     string
	mode     Mode
	poolSize int
	retry    RetryPolicy
	poll     time.Duration

	cache   *cache.Cache
	prefs   *settings.Preferences
	bus     *bus.Bus
	metrics *otel.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
	now     func() time.Time
	stamper *task.Stamper
	events  *dispatcher

	wake chan struct{}
	jobs chan *Execution

	ctx  context.Context
	stop context.CancelCauseFunc

	startOnce sync.Once
	loopDone  chan struct{}
	workers   sync.WaitGroup

	mu          sync.Mutex
	handlers    map[string]Handler
	conditions  []condition.Condition
	condCancels []func()
	condsMet    bool
	paused      bool
	running     map[string]*Execution
	notBefore   map[string]time.Time
	attempts    map[string]int
	active      bool
	started     bool
	closed      bool
}

// New builds a manager over an already rehydrated cache. Tasks persisted as
// RUNNING were cut off by a restart and go back to READY. Nothing runs until
// Start.
func New(c *cache.Cache, opts Options) (*Manager, error) {
	if c == nil {
		return nil, errors.New("queue: nil cache")
	}
	mode, err := ParseMode(string(opts.Mode))
	if err != nil {
		return nil, err
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	pool := opts.PoolSize
	switch {
	case mode == ModeSeries:
		pool = 1
	case pool <= 0:
		pool = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("turnstile/queue")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		metrics, err := otel.NewMetrics(metricnoop.NewMeterProvider().Meter("turnstile/queue"))
		if err != nil {
			return nil, err
		}
		opts.Metrics = metrics
	}
	logger := opts.Logger.With("subsystem", "queue", "manager", opts.Name)

	ctx, stop := context.WithCancelCause(context.Background())
	m := &Manager{
		name:      opts.Name,
		mode:      mode,
		poolSize:  pool,
		retry:     opts.Retry.withDefaults(),
		poll:      opts.PollInterval,
		cache:     c,
		prefs:     opts.Preferences,
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		logger:    logger,
		now:       opts.Now,
		stamper:   task.NewStamper(opts.Now),
		events:    newDispatcher(opts.Bus, logger),
		wake:      make(chan struct{}, 1),
		jobs:      make(chan *Execution, pool),
		ctx:       ctx,
		stop:      stop,
		loopDone:  make(chan struct{}),
		handlers:  make(map[string]Handler, len(opts.Handlers)),
		running:   make(map[string]*Execution),
		notBefore: make(map[string]time.Time),
		attempts:  make(map[string]int),
	}
	for kind, h := range opts.Handlers {
		m.handlers[kind] = h
	}

	reset := 0
	for _, t := range c.All() {
		m.stamper.Observe(t.CreatedAt)
		if t.State != task.StateRunning {
			continue
		}
		if err := t.Requeue(); err != nil {
			logger.Warn("cannot reset interrupted task", "task_id", t.ID, "error", err)
			continue
		}
		c.Update(t, persistence.ColState|persistence.ColError)
		reset++
	}
	if reset > 0 {
		logger.Info("reset tasks left running by a previous process", "count", reset)
	}
	if m.prefs != nil {
		m.paused = m.prefs.Paused()
	}

	m.mu.Lock()
	m.setConditionsLocked(opts.Conditions)
	m.condsMet = m.conditionsSatisfiedLocked()
	m.mu.Unlock()

	return m, nil
}

func (m *Manager) Name() string { return m.name }

// Start launches the scheduling loop and the worker pool. Later calls are
// no-ops.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.started = true
		m.mu.Unlock()

		for i := 0; i < m.poolSize; i++ {
			m.workers.Add(1)
			go func() {
				defer m.workers.Done()
				m.worker()
			}()
		}
		go m.loop()
		m.logger.Info("queue started", "mode", m.mode, "pool_size", m.poolSize, "paused", m.Paused())
	})
}

// Handle registers the body for a task kind, replacing any earlier handler.
func (m *Manager) Handle(kind string, h Handler) {
	m.mu.Lock()
	m.handlers[kind] = h
	m.mu.Unlock()
	m.kick()
}

// Add enqueues t and returns the stored snapshot. A missing ID or creation
// stamp is assigned here. Durable persistence happens in the background.
func (m *Manager) Add(t *task.Task) (*task.Task, error) {
	if t == nil {
		return nil, errors.New("queue: nil task")
	}
	t = t.Clone()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := m.handlers[t.Kind]; !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, t.Kind)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt == 0 {
		t.CreatedAt = m.stamper.Next()
	} else {
		m.stamper.Observe(t.CreatedAt)
	}
	t.State = task.StateReady
	t.Error = nil
	t.Progress = 0
	if !m.cache.Insert(t) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskExists, t.ID)
	}
	m.emitLocked(Event{Type: EventAdded, Task: t.Clone()})
	m.mu.Unlock()

	m.logger.Debug("task added", "task_id", t.ID, "kind", t.Kind)
	m.kick()
	return t, nil
}

// Remove drops the task from the queue and the store. A running task is asked
// to stop and keeps its worker slot until the body returns. Removing an
// unknown id is a no-op that reports false.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	t, ok := m.cache.Get(id)
	if !ok {
		m.mu.Unlock()
		return false
	}
	if ex, running := m.running[id]; running {
		ex.removed = true
		ex.cancel(ErrRemoved)
	}
	m.cache.Remove(id)
	delete(m.notBefore, id)
	delete(m.attempts, id)
	m.emitLocked(Event{Type: EventCancelled, Task: t})
	m.mu.Unlock()

	m.logger.Info("task removed", "task_id", id, "state", t.State)
	m.kick()
	return true
}

// Pause blocks new dispatch. Running tasks are left alone.
func (m *Manager) Pause() { m.setPaused(true) }

// Resume re-enables dispatch and schedules immediately.
func (m *Manager) Resume() { m.setPaused(false) }

func (m *Manager) setPaused(v bool) {
	m.mu.Lock()
	changed := m.paused != v
	m.paused = v
	m.mu.Unlock()
	if !changed {
		return
	}
	if m.prefs != nil {
		m.prefs.SetPaused(v)
	}
	m.logger.Info("queue pause changed", "paused", v)
	m.kick()
}

func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// SetConditions replaces the gate set. Conditions that can notify wake the
// scheduler on every flip.
func (m *Manager) SetConditions(conds ...condition.Condition) {
	m.mu.Lock()
	m.setConditionsLocked(conds)
	m.mu.Unlock()
	m.kick()
}

func (m *Manager) setConditionsLocked(conds []condition.Condition) {
	for _, cancel := range m.condCancels {
		cancel()
	}
	m.condCancels = nil
	m.conditions = append([]condition.Condition(nil), conds...)
	for _, c := range m.conditions {
		if n, ok := c.(condition.Notifier); ok {
			m.condCancels = append(m.condCancels, n.Notify(m.kick))
		}
	}
}

func (m *Manager) conditionsSatisfiedLocked() bool {
	for _, c := range m.conditions {
		if !c.Satisfied() {
			return false
		}
	}
	return true
}

// Retry moves a FAILED task back to READY and clears its error.
func (m *Manager) Retry(id string) (*task.Task, error) {
	m.mu.Lock()
	t, ok := m.cache.Get(id)
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.State != task.StateFailed {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFailed, id, t.State)
	}
	prev := t.Error
	if err := t.Requeue(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	delete(m.attempts, id)
	delete(m.notBefore, id)
	m.cache.Update(t, persistence.ColState|persistence.ColError)
	m.emitLocked(Event{Type: EventRetried, Task: t.Clone(), Err: prev, Reason: ReasonManual})
	m.mu.Unlock()

	m.metrics.TaskRetries.Add(m.ctx, 1, m.kindAttrs(t.Kind))
	m.logger.Info("task retried manually", "task_id", id)
	m.kick()
	return t, nil
}

func (m *Manager) Get(id string) (*task.Task, bool) {
	return m.cache.Get(id)
}

// List returns every known task in creation order.
func (m *Manager) List() []*task.Task {
	return m.cache.All()
}

// TasksToRun returns the READY and RUNNING tasks in creation order.
func (m *Manager) TasksToRun() []*task.Task {
	all := m.cache.All()
	out := all[:0]
	for _, t := range all {
		if !t.State.Terminal() {
			out = append(out, t)
		}
	}
	return out
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	s := Stats{
		Name:          m.name,
		Mode:          m.mode,
		PoolSize:      m.poolSize,
		Paused:        m.paused,
		ConditionsMet: m.condsMet,
	}
	m.mu.Unlock()
	for _, t := range m.cache.All() {
		s.Total++
		switch t.State {
		case task.StateReady:
			s.Ready++
		case task.StateRunning:
			s.Running++
		case task.StateCompleted:
			s.Completed++
		case task.StateFailed:
			s.Failed++
		}
	}
	s.PendingWrites = m.cache.Pending()
	return s
}

// ClearFinished removes every COMPLETED and FAILED task and reports how many
// were removed.
func (m *Manager) ClearFinished() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.cache.All() {
		if !t.State.Terminal() {
			continue
		}
		if m.cache.Remove(t.ID) {
			delete(m.attempts, t.ID)
			n++
		}
	}
	if n > 0 {
		m.logger.Info("cleared finished tasks", "count", n)
	}
	return n
}

// Subscribe registers fn for every later event. The returned func
// unsubscribes.
func (m *Manager) Subscribe(fn Observer) func() {
	return m.events.subscribe(fn)
}

// Close stops dispatch, asks running bodies to stop, puts them back to READY
// and waits for the workers and the durable writer. The cache is left open
// for its owner to close.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	started := m.started
	for _, cancel := range m.condCancels {
		cancel()
	}
	m.condCancels = nil
	m.mu.Unlock()

	m.stop(ErrShuttingDown)

	var errs []error
	if started {
		select {
		case <-m.loopDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("wait for scheduler: %w", ctx.Err()))
		}
		close(m.jobs)
		done := make(chan struct{})
		go func() {
			m.workers.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("wait for workers: %w", ctx.Err()))
		}
	}
	if err := m.cache.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush cache: %w", err))
	}
	m.events.close()
	m.logger.Info("queue closed")
	return errors.Join(errs...)
}

// kick wakes the scheduling loop without blocking.
func (m *Manager) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) emitLocked(ev Event) {
	ev.Manager = m.name
	if ev.Time.IsZero() {
		ev.Time = m.now()
	}
	m.events.emit(ev)
}
