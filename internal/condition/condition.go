// Package condition provides the environmental gates that decide whether the
// queue may dispatch work.
package condition

import (
	"sync"
)

// Condition is a cheap, non-blocking predicate over the current environment.
type Condition interface {
	Satisfied() bool
}

// Notifier is implemented by conditions that can report changes instead of
// only being polled. fn is called after the condition's value may have
// changed; it must not block. The returned func cancels the registration.
type Notifier interface {
	Notify(fn func()) (cancel func())
}

// Named conditions show up in logs.
type Named interface {
	Name() string
}

// NameOf returns c's name, or "condition" when it has none.
func NameOf(c Condition) string {
	if n, ok := c.(Named); ok {
		return n.Name()
	}
	return "condition"
}

// Func adapts a function into a polled-only Condition.
type Func struct {
	name string
	fn   func() bool
}

func NewFunc(name string, fn func() bool) *Func {
	return &Func{name: name, fn: fn}
}

func (f *Func) Satisfied() bool { return f.fn() }
func (f *Func) Name() string    { return f.name }

// listeners is a registry of change callbacks.
type listeners struct {
	mu   sync.Mutex
	next int
	byID map[int]func()
}

func (l *listeners) add(fn func()) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.byID == nil {
		l.byID = make(map[int]func())
	}
	l.next++
	id := l.next
	l.byID[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.byID, id)
		l.mu.Unlock()
	}
}

func (l *listeners) fire() {
	l.mu.Lock()
	fns := make([]func(), 0, len(l.byID))
	for _, fn := range l.byID {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Toggle is a manually controlled gate.
type Toggle struct {
	name string
	mu   sync.Mutex
	on   bool
	subs listeners
}

func NewToggle(name string, on bool) *Toggle {
	return &Toggle{name: name, on: on}
}

func (t *Toggle) Name() string { return t.name }

func (t *Toggle) Satisfied() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.on
}

// Set changes the value and notifies when it actually flips.
func (t *Toggle) Set(on bool) {
	t.mu.Lock()
	changed := t.on != on
	t.on = on
	t.mu.Unlock()
	if changed {
		t.subs.fire()
	}
}

func (t *Toggle) Notify(fn func()) func() { return t.subs.add(fn) }

// AllOf is satisfied when every member is. It forwards member notifications.
type AllOf struct {
	conds []Condition
}

func All(conds ...Condition) *AllOf {
	return &AllOf{conds: conds}
}

func (a *AllOf) Name() string { return "all" }

func (a *AllOf) Satisfied() bool {
	for _, c := range a.conds {
		if !c.Satisfied() {
			return false
		}
	}
	return true
}

func (a *AllOf) Notify(fn func()) func() {
	var cancels []func()
	for _, c := range a.conds {
		if n, ok := c.(Notifier); ok {
			cancels = append(cancels, n.Notify(fn))
		}
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}
