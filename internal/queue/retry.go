package queue

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/basket/turnstile/internal/task"
)

// RetryPolicy bounds automatic retries of failed task bodies.
type RetryPolicy struct {
	// MaxAttempts counts every run including the first. 1 disables retries.
	MaxAttempts int
	// RetryableDomains lists error domains treated as transient.
	RetryableDomains []string
	// Retryable overrides RetryableDomains when set.
	Retryable func(*task.Error) bool

	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         3,
		InitialInterval:     time.Second,
		MaxInterval:         time.Minute,
		Multiplier:          2,
		RandomizationFactor: 0.2,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.RandomizationFactor < 0 || p.RandomizationFactor >= 1 {
		p.RandomizationFactor = d.RandomizationFactor
	}
	return p
}

func (p RetryPolicy) retryable(e *task.Error) bool {
	if e == nil {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(e)
	}
	return slices.Contains(p.RetryableDomains, e.Domain)
}

// Delay returns the wait before the given retry (1-based).
func (p RetryPolicy) Delay(retry int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	b.Reset()
	var d time.Duration
	for i := 0; i < max(retry, 1); i++ {
		d = b.NextBackOff()
	}
	if d == backoff.Stop {
		return p.MaxInterval
	}
	return d
}

// decision is what the manager does with a failed run.
type decision struct {
	retry bool
	delay time.Duration
	err   *task.Error
}

func (p RetryPolicy) decide(err error, attempt int) decision {
	var req *retryRequest
	if errors.As(err, &req) {
		te := task.AsError(req.err)
		if attempt >= p.MaxAttempts {
			return decision{err: te}
		}
		return decision{retry: true, delay: req.after, err: te}
	}
	te := task.AsError(err)
	if attempt < p.MaxAttempts && p.retryable(te) {
		return decision{retry: true, delay: p.Delay(attempt), err: te}
	}
	return decision{err: te}
}

// RetryAfter lets a task body ask to be re-run after d regardless of the
// error's domain. The attempt still counts toward MaxAttempts.
func RetryAfter(err error, d time.Duration) error {
	if err == nil {
		err = task.NewError(task.DomainInternal, task.CodeUnknown, "retry requested")
	}
	return &retryRequest{err: err, after: d}
}

type retryRequest struct {
	err   error
	after time.Duration
}

func (r *retryRequest) Error() string {
	return fmt.Sprintf("retry in %s: %v", r.after, r.err)
}

func (r *retryRequest) Unwrap() error { return r.err }
