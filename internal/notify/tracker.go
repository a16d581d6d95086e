// Package notify turns queue events into the state a lifecycle host needs to
// render a persistent notification: how many tasks are in the current run,
// how many finished, and the progress of the one task being followed.
package notify

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/basket/turnstile/internal/queue"
)

// Snapshot is what a host displays.
type Snapshot struct {
	Active         bool   `json:"active"`
	Total          int    `json:"total"`
	Finished       int    `json:"finished"`
	Failed         int    `json:"failed"`
	FollowingID    string `json:"following_id,omitempty"`
	Progress       int    `json:"progress"`
	ConditionsLost bool   `json:"conditions_lost"`
	Target         string `json:"target,omitempty"`
}

type gauges struct {
	total    prometheus.Gauge
	finished prometheus.Gauge
	failed   prometheus.Gauge
	progress prometheus.Gauge
	active   prometheus.Gauge
}

// Tracker is a queue.Observer. Counts cover the current run and reset when
// the queue drains.
type Tracker struct {
	reg *prometheus.Registry
	g   gauges

	mu   sync.Mutex
	snap Snapshot
	subs []func(Snapshot)
}

// New builds a tracker. pending seeds the run with work rehydrated at
// startup; target is an opaque string for the host (a URL or intent name).
// A nil registry gets a private one.
func New(target string, pending int, reg *prometheus.Registry) *Tracker {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	t := &Tracker{
		reg: reg,
		g: gauges{
			total: f.NewGauge(prometheus.GaugeOpts{
				Namespace: "turnstile",
				Name:      "tasks_total",
				Help:      "Tasks in the current run.",
			}),
			finished: f.NewGauge(prometheus.GaugeOpts{
				Namespace: "turnstile",
				Name:      "tasks_finished",
				Help:      "Tasks completed in the current run.",
			}),
			failed: f.NewGauge(prometheus.GaugeOpts{
				Namespace: "turnstile",
				Name:      "tasks_failed",
				Help:      "Tasks failed in the current run.",
			}),
			progress: f.NewGauge(prometheus.GaugeOpts{
				Namespace: "turnstile",
				Name:      "followed_progress",
				Help:      "Progress of the followed task, 0-100.",
			}),
			active: f.NewGauge(prometheus.GaugeOpts{
				Namespace: "turnstile",
				Name:      "queue_active",
				Help:      "1 while the queue has work in flight.",
			}),
		},
		snap: Snapshot{Total: max(pending, 0), Target: target},
	}
	t.publishLocked()
	return t
}

// Registry exposes the gauges for a /metrics handler.
func (t *Tracker) Registry() *prometheus.Registry { return t.reg }

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// OnChange registers fn to run after every update with the new snapshot.
func (t *Tracker) OnChange(fn func(Snapshot)) {
	t.mu.Lock()
	t.subs = append(t.subs, fn)
	t.mu.Unlock()
}

// Observe applies one queue event.
func (t *Tracker) Observe(ev queue.Event) {
	t.mu.Lock()
	s := &t.snap
	id := ev.TaskID()
	switch ev.Type {
	case queue.EventAdded:
		s.Total++
	case queue.EventCancelled:
		if s.Total > 0 {
			s.Total--
		}
		t.unfollowLocked(id)
	case queue.EventQueueStarted:
		s.Active = true
	case queue.EventStarted:
		if s.FollowingID == "" {
			s.FollowingID = id
			s.Progress = 0
		}
	case queue.EventProgress:
		if s.FollowingID == "" {
			s.FollowingID = id
		}
		if s.FollowingID == id {
			s.Progress = ev.Progress
		}
	case queue.EventSucceeded:
		s.Finished++
		t.unfollowLocked(id)
	case queue.EventFailed:
		s.Failed++
		t.unfollowLocked(id)
	case queue.EventRetried:
		if ev.Reason == queue.ReasonManual {
			s.Failed = max(s.Failed-1, 0)
		}
		if s.FollowingID == id {
			s.Progress = 0
		}
	case queue.EventConditionsLost:
		s.ConditionsLost = true
	case queue.EventConditionsReturned:
		s.ConditionsLost = false
	case queue.EventQueueDrained:
		target := s.Target
		*s = Snapshot{Target: target, ConditionsLost: s.ConditionsLost}
	default:
		t.mu.Unlock()
		return
	}
	t.publishLocked()
	snap := t.snap
	subs := append(([]func(Snapshot))(nil), t.subs...)
	t.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

func (t *Tracker) unfollowLocked(id string) {
	if id != "" && t.snap.FollowingID == id {
		t.snap.FollowingID = ""
		t.snap.Progress = 0
	}
}

func (t *Tracker) publishLocked() {
	s := t.snap
	t.g.total.Set(float64(s.Total))
	t.g.finished.Set(float64(s.Finished))
	t.g.failed.Set(float64(s.Failed))
	t.g.progress.Set(float64(s.Progress))
	if s.Active {
		t.g.active.Set(1)
	} else {
		t.g.active.Set(0)
	}
}
