package main

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/turnstile/internal/queue"
	"github.com/basket/turnstile/internal/task"
)

const (
	sleepKind = "sleep"

	demoDomain         = "demo"
	codeInvalidPayload = 1
)

type sleepPayload struct {
	Seconds float64 `json:"seconds"`
}

// runSleep sleeps for the requested time in five steps, reporting progress
// 0, 20, ... 100. It stops early when the run is interrupted.
func runSleep(ctx context.Context, ex *queue.Execution) error {
	var p sleepPayload
	if err := ex.Task().Decode(&p); err != nil {
		return task.WrapError(demoDomain, codeInvalidPayload, err)
	}
	if p.Seconds < 0 {
		return task.NewError(demoDomain, codeInvalidPayload, fmt.Sprintf("seconds must be >= 0, got %g", p.Seconds))
	}

	const steps = 5
	step := time.Duration(p.Seconds * float64(time.Second) / steps)
	timer := time.NewTimer(step)
	defer timer.Stop()

	ex.Progress(0)
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-timer.C:
		}
		ex.Progress(i * 100 / steps)
		timer.Reset(step)
	}
	return nil
}
