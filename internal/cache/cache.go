// Package cache keeps every known task in memory and mirrors each mutation to
// the durable store through a single ordered writer.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/basket/turnstile/internal/persistence"
	"github.com/basket/turnstile/internal/task"
)

// Store is the durable side of the cache.
type Store interface {
	GetAll(ctx context.Context) ([]*task.Task, error)
	Upsert(ctx context.Context, t *task.Task, cols persistence.Column) error
	Delete(ctx context.Context, id string) error
}

// Cache is authoritative for reads. Reads and writes are synchronous against
// memory; durable writes are queued in mutation order.
type Cache struct {
	mu     sync.RWMutex
	tasks  map[string]*task.Task
	w      *writer
	logger *slog.Logger
}

// New loads the whole table into memory before returning.
func New(ctx context.Context, store Store, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("subsystem", "cache")

	all, err := store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("rehydrate cache: %w", err)
	}
	c := &Cache{
		tasks:  make(map[string]*task.Task, len(all)),
		logger: logger,
	}
	for _, t := range all {
		c.tasks[t.ID] = t
	}
	c.w = newWriter(store, logger)
	logger.Info("cache rehydrated", "tasks", len(all))
	return c, nil
}

func (c *Cache) Get(id string) (*task.Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// All returns copies of every task ordered by CreatedAt, then ID.
func (c *Cache) All() []*task.Task {
	c.mu.RLock()
	out := make([]*task.Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t.Clone())
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tasks)
}

// Insert stores t only if its id is unknown and reports whether it did.
func (c *Cache) Insert(t *task.Task) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tasks[t.ID]; ok {
		return false
	}
	c.putLocked(t, persistence.AllColumns)
	return true
}

// Put replaces the in-memory task and writes every column.
func (c *Cache) Put(t *task.Task) {
	c.Update(t, persistence.AllColumns)
}

// Update replaces the in-memory task and writes only cols.
func (c *Cache) Update(t *task.Task, cols persistence.Column) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(t, cols)
}

func (c *Cache) putLocked(t *task.Task, cols persistence.Column) {
	stored := t.Clone()
	c.tasks[t.ID] = stored
	if !c.w.enqueue(writeOp{kind: opUpsert, task: stored.Clone(), cols: cols}) {
		c.logger.Warn("cache closed, durable write skipped", "task_id", t.ID)
	}
}

// SetProgress updates progress in memory only.
func (c *Cache) SetProgress(id string, p int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return false
	}
	t.SetProgress(p)
	return true
}

// Remove drops id from memory and queues the delete. It reports whether the
// task was present.
func (c *Cache) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tasks[id]; !ok {
		return false
	}
	delete(c.tasks, id)
	if !c.w.enqueue(writeOp{kind: opDelete, id: id}) {
		c.logger.Warn("cache closed, durable delete skipped", "task_id", id)
	}
	return true
}

// Pending reports queued durable writes.
func (c *Cache) Pending() int {
	return c.w.pending()
}

// WriteFailures reports durable writes that returned an error.
func (c *Cache) WriteFailures() int64 {
	return c.w.failures()
}

// Flush blocks until all writes queued before the call are applied.
func (c *Cache) Flush(ctx context.Context) error {
	return c.w.flush(ctx)
}

// Close drains the writer. Later mutations still update memory but are not
// persisted.
func (c *Cache) Close(ctx context.Context) error {
	return c.w.close(ctx)
}
