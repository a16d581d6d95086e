package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/basket/turnstile/internal/config"
)

// bucket is a token bucket refilled continuously at rate tokens per second.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	max        float64
	rate       float64
	lastRefill time.Time
	lastSeen   time.Time
}

func (b *bucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = min(b.max, b.tokens+now.Sub(b.lastRefill).Seconds()*b.rate)
	b.lastRefill = now
	b.lastSeen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (b *bucket) seen() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeen
}

// RateLimiter throttles callers per token, or per client IP when no token is
// sent.
type RateLimiter struct {
	enabled bool
	rpm     int
	burst   int
	now     func() time.Time
	logger  *slog.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
}

func NewRateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	rl := &RateLimiter{
		enabled: cfg.Enabled,
		rpm:     cfg.RequestsPerMinute,
		burst:   cfg.BurstSize,
		now:     time.Now,
		logger:  logger,
		buckets: make(map[string]*bucket),
	}
	if rl.rpm == 0 {
		rl.rpm = 120
	}
	if rl.burst == 0 {
		rl.burst = 20
	}
	return rl
}

// Run evicts buckets idle for longer than maxIdle until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Evict(maxIdle)
		}
	}
}

// Evict drops buckets idle for longer than maxIdle and returns how many.
func (rl *RateLimiter) Evict(maxIdle time.Duration) int {
	cutoff := rl.now().Add(-maxIdle)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for k, b := range rl.buckets {
		if b.seen().Before(cutoff) {
			delete(rl.buckets, k)
			n++
		}
	}
	if n > 0 {
		rl.logger.Debug("rate limiter eviction", "evicted", n, "remaining", len(rl.buckets))
	}
	return n
}

// Len returns the number of tracked callers.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if !rl.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.get(callerKey(r)).allow(rl.now()) {
			w.Header().Set("Retry-After", "1")
			respondError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) get(key string) *bucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		now := rl.now()
		b = &bucket{
			tokens:     float64(rl.burst),
			max:        float64(rl.burst),
			rate:       float64(rl.rpm) / 60,
			lastRefill: now,
			lastSeen:   now,
		}
		rl.buckets[key] = b
	}
	return b
}

func callerKey(r *http.Request) string {
	if tok := ExtractToken(r); tok != "" {
		return "token:" + tok
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
