// Package audit appends operator actions to <home>/logs/audit.jsonl.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/turnstile/internal/shared"
	"github.com/basket/turnstile/internal/telemetry"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id"`
	Action    string `json:"action"`
	Subject   string `json:"subject,omitempty"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
	Remote    string `json:"remote,omitempty"`
}

// Entry is one operator action, e.g. Action "task.remove" on Subject <id>.
type Entry struct {
	Action  string
	Subject string
	Outcome string // "ok" when empty
	Detail  string
	Remote  string
}

// Log is safe for concurrent use. A nil *Log discards records.
type Log struct {
	mu      sync.Mutex
	file    *os.File
	now     func() time.Time
	records atomic.Int64
}

func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(Path(homeDir), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f, now: time.Now}, nil
}

// Path is where Open writes for homeDir.
func Path(homeDir string) string {
	return filepath.Join(homeDir, "logs", "audit.jsonl")
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Count returns records written since Open.
func (l *Log) Count() int64 {
	if l == nil {
		return 0
	}
	return l.records.Load()
}

// Record writes e with secrets redacted. Write errors are returned but
// callers usually only log them.
func (l *Log) Record(ctx context.Context, e Entry) error {
	if l == nil {
		return nil
	}
	if e.Outcome == "" {
		e.Outcome = "ok"
	}
	ev := entry{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		TraceID:   shared.TraceID(ctx),
		Action:    e.Action,
		Subject:   telemetry.Redact(e.Subject),
		Outcome:   e.Outcome,
		Detail:    telemetry.Redact(e.Detail),
		Remote:    e.Remote,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if _, err := l.file.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	l.records.Add(1)
	return nil
}
