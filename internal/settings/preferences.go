// Package settings persists per-manager preferences (paused, wifi-only) in the
// store's key-value table and broadcasts changes on the bus.
package settings

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/turnstile/internal/bus"
)

const (
	KeyPaused   = "is_paused"
	KeyWifiOnly = "wifi_only"
)

// KV is the external key-value store.
type KV interface {
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, val string) error
}

// Preferences serves reads from memory and persists writes on a background
// goroutine. Concurrent writes to the same key coalesce to the latest value.
type Preferences struct {
	kv     KV
	name   string
	bus    *bus.Bus
	logger *slog.Logger

	paused   atomic.Bool
	wifiOnly atomic.Bool

	mu      sync.Mutex
	pending map[string]bool
	kick    chan struct{}
	idle    *sync.Cond
	writing bool
	stop    chan struct{}
	stopped chan struct{}
}

// Load reads the stored values for manager name and starts the writer.
func Load(ctx context.Context, kv KV, name string, eventBus *bus.Bus, logger *slog.Logger) (*Preferences, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Preferences{
		kv:      kv,
		name:    name,
		bus:     eventBus,
		logger:  logger.With("subsystem", "settings", "manager", name),
		pending: make(map[string]bool),
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	p.idle = sync.NewCond(&p.mu)

	paused, err := p.read(ctx, KeyPaused)
	if err != nil {
		return nil, err
	}
	wifiOnly, err := p.read(ctx, KeyWifiOnly)
	if err != nil {
		return nil, err
	}
	p.paused.Store(paused)
	p.wifiOnly.Store(wifiOnly)

	go p.run()
	return p, nil
}

func (p *Preferences) key(k string) string {
	return p.name + "." + k
}

func (p *Preferences) read(ctx context.Context, k string) (bool, error) {
	raw, err := p.kv.KVGet(ctx, p.key(k))
	if err != nil {
		return false, fmt.Errorf("read setting %s: %w", p.key(k), err)
	}
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.logger.Warn("ignoring malformed setting", "key", p.key(k), "value", raw)
		return false, nil
	}
	return v, nil
}

func (p *Preferences) Paused() bool   { return p.paused.Load() }
func (p *Preferences) WifiOnly() bool { return p.wifiOnly.Load() }

func (p *Preferences) SetPaused(v bool) {
	if p.paused.Swap(v) != v {
		p.changed(KeyPaused, v)
	}
}

func (p *Preferences) SetWifiOnly(v bool) {
	if p.wifiOnly.Swap(v) != v {
		p.changed(KeyWifiOnly, v)
	}
}

func (p *Preferences) changed(k string, v bool) {
	p.mu.Lock()
	p.pending[k] = v
	p.mu.Unlock()
	select {
	case p.kick <- struct{}{}:
	default:
	}
	p.bus.Publish(bus.TopicSettingsChanged, bus.SettingChanged{Manager: p.name, Key: k, Value: v})
}

func (p *Preferences) run() {
	defer close(p.stopped)
	for {
		select {
		case <-p.kick:
			p.persistPending()
		case <-p.stop:
			p.persistPending()
			return
		}
	}
}

func (p *Preferences) persistPending() {
	p.mu.Lock()
	batch := p.pending
	p.pending = make(map[string]bool)
	p.writing = true
	p.mu.Unlock()

	for k, v := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.kv.KVSet(ctx, p.key(k), strconv.FormatBool(v)); err != nil {
			p.logger.Warn("persist setting failed", "key", p.key(k), "error", err)
		}
		cancel()
	}

	p.mu.Lock()
	p.writing = false
	p.idle.Broadcast()
	p.mu.Unlock()
}

// Flush waits until every change made before the call is persisted. It must
// not be called after Close.
func (p *Preferences) Flush() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
	p.mu.Lock()
	for len(p.pending) > 0 || p.writing {
		p.idle.Wait()
	}
	p.mu.Unlock()
}

// Close persists outstanding changes and stops the writer.
func (p *Preferences) Close() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	<-p.stopped
}
