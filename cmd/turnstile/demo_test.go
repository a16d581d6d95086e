package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/basket/turnstile/internal/cache"
	"github.com/basket/turnstile/internal/persistence"
	"github.com/basket/turnstile/internal/queue"
	"github.com/basket/turnstile/internal/task"
)

func newDemoManager(t *testing.T) *queue.Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := persistence.Open(t.TempDir()+"/turnstile.db", nil, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	c, err := cache.New(context.Background(), store, logger)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	m, err := queue.New(c, queue.Options{
		Logger:   logger,
		Handlers: map[string]queue.Handler{sleepKind: queue.HandlerFunc(runSleep)},
	})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
		_ = c.Close(ctx)
		_ = store.Close()
	})
	return m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSleepReportsProgressSteps(t *testing.T) {
	m := newDemoManager(t)
	progressCh := make(chan int, 16)
	m.Subscribe(func(ev queue.Event) {
		if ev.Type == queue.EventProgress {
			progressCh <- ev.Progress
		}
	})
	m.Start()

	tk, err := task.New(sleepKind, sleepPayload{Seconds: 0.05})
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	added, err := m.Add(tk)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	waitFor(t, func() bool {
		got, ok := m.Get(added.ID)
		return ok && got.State == task.StateCompleted
	})

	want := []int{0, 20, 40, 60, 80, 100}
	for _, w := range want {
		select {
		case p := <-progressCh:
			if p != w {
				t.Fatalf("progress = %d, want %d", p, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing progress %d", w)
		}
	}
}

func TestSleepRejectsNegativeDuration(t *testing.T) {
	m := newDemoManager(t)
	m.Start()

	tk, _ := task.New(sleepKind, sleepPayload{Seconds: -1})
	added, err := m.Add(tk)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	waitFor(t, func() bool {
		got, ok := m.Get(added.ID)
		return ok && got.State == task.StateFailed
	})
	got, _ := m.Get(added.ID)
	if got.Error == nil || got.Error.Domain != demoDomain || got.Error.Code != codeInvalidPayload {
		t.Fatalf("unexpected error %+v", got.Error)
	}
}

func TestSleepStopsOnRemove(t *testing.T) {
	m := newDemoManager(t)
	m.Start()

	tk, _ := task.New(sleepKind, sleepPayload{Seconds: 60})
	added, err := m.Add(tk)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	waitFor(t, func() bool {
		got, ok := m.Get(added.ID)
		return ok && got.State == task.StateRunning
	})

	done := make(chan struct{}, 1)
	m.Subscribe(func(ev queue.Event) {
		if ev.Type == queue.EventQueueDrained {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})
	if !m.Remove(added.ID) {
		t.Fatal("remove returned false")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queue did not drain after removing the sleeping task")
	}
	if _, ok := m.Get(added.ID); ok {
		t.Fatal("task still present after remove")
	}
}
