// Package task defines the unit of durable background work: its identity,
// lifecycle state, error slot and caller-defined payload.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is a task lifecycle state as stored in the state column.
type State string

const (
	StateReady     State = "READY"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

var ErrInvalidTransition = errors.New("invalid task state transition")

// allowedTransitions is the lifecycle graph. FAILED -> READY is the manual retry
// path; RUNNING -> READY covers automatic retries and interruptions.
var allowedTransitions = map[State]map[State]bool{
	StateReady: {
		StateRunning: true,
	},
	StateRunning: {
		StateCompleted: true,
		StateFailed:    true,
		StateReady:     true,
	},
	StateFailed: {
		StateReady: true,
	},
	StateCompleted: {},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to State) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// ParseState validates a stored state string.
func ParseState(s string) (State, error) {
	st := State(s)
	if _, ok := allowedTransitions[st]; !ok {
		return "", fmt.Errorf("unknown task state %q", s)
	}
	return st, nil
}

// Terminal reports whether no automatic transition leaves the state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Task is one unit of persisted, resumable work.
type Task struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	State     State           `json:"state"`
	CreatedAt int64           `json:"created_at"` // unix millis, strictly increasing per manager
	Error     *Error          `json:"error,omitempty"`
	Progress  int             `json:"progress"` // transient, never persisted
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New returns a READY task of the given kind with a JSON-encoded payload.
func New(kind string, payload any) (*Task, error) {
	t := &Task{Kind: kind, State: StateReady}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		t.Payload = raw
	}
	return t, nil
}

// Decode unmarshals the payload into v.
func (t *Task) Decode(v any) error {
	if len(t.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(t.Payload, v)
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Payload != nil {
		c.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	return &c
}

func (t *Task) transition(to State) error {
	if !CanTransition(t.State, to) {
		return fmt.Errorf("%w: %s -> %s (task %s)", ErrInvalidTransition, t.State, to, t.ID)
	}
	t.State = to
	return nil
}

// Start moves a READY task to RUNNING.
func (t *Task) Start() error {
	return t.transition(StateRunning)
}

// Complete moves a RUNNING task to COMPLETED and forces progress to 100.
func (t *Task) Complete() error {
	if err := t.transition(StateCompleted); err != nil {
		return err
	}
	t.Progress = 100
	t.Error = nil
	return nil
}

// Fail moves a RUNNING task to FAILED and records err.
func (t *Task) Fail(err *Error) error {
	if err == nil {
		return fmt.Errorf("fail task %s: nil error", t.ID)
	}
	if e := t.transition(StateFailed); e != nil {
		return e
	}
	t.Error = err
	return nil
}

// Requeue moves a RUNNING or FAILED task back to READY. The error slot is
// cleared: only FAILED tasks carry an error.
func (t *Task) Requeue() error {
	if err := t.transition(StateReady); err != nil {
		return err
	}
	t.Error = nil
	t.Progress = 0
	return nil
}

// SetProgress clamps p into 0..100.
func (t *Task) SetProgress(p int) {
	t.Progress = ClampProgress(p)
}

func ClampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// Stamper hands out strictly increasing creation stamps in unix millis, so
// two tasks added within the same millisecond still order deterministically.
type Stamper struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func NewStamper(now func() time.Time) *Stamper {
	if now == nil {
		now = time.Now
	}
	return &Stamper{now: now}
}

// Next returns a stamp greater than every stamp returned or observed before.
func (s *Stamper) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.now().UnixMilli()
	if v <= s.last {
		v = s.last + 1
	}
	s.last = v
	return v
}

// Observe raises the floor to v, used when rehydrating persisted tasks.
func (s *Stamper) Observe(v int64) {
	s.mu.Lock()
	if v > s.last {
		s.last = v
	}
	s.mu.Unlock()
}
