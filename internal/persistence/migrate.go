package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/basket/turnstile/internal/task"
)

// Fields the v3 layout duplicated inside the payload blob.
var legacyEmbeddedFields = []string{"id", "state", "created_at", "is_running", "error"}

// migrateEmbeddedErrorsTx rewrites a v3 table into the current layout. Every
// row is read under the old layout first; rows that cannot be reconstructed
// are dropped with a warning, the rest are reinserted after the table is
// recreated.
func (s *Store) migrateEmbeddedErrorsTx(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, state, payload, created_at FROM tasks;`)
	if err != nil {
		return fmt.Errorf("read v3 tasks: %w", err)
	}

	var migrated []*task.Task
	var dropped int
	for rows.Next() {
		var (
			id        string
			state     sql.NullString
			payload   sql.NullString
			createdAt sql.NullInt64
		)
		if err := rows.Scan(&id, &state, &payload, &createdAt); err != nil {
			rows.Close()
			return fmt.Errorf("scan v3 task: %w", err)
		}
		t, err := s.reconstructLegacy(id, state.String, payload.String, createdAt.Int64)
		if err != nil {
			dropped++
			s.logger.Warn("dropping unparseable task during migration", "task_id", id, "error", err)
			continue
		}
		migrated = append(migrated, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("v3 task rows: %w", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DROP TABLE tasks;`); err != nil {
		return fmt.Errorf("drop v3 tasks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, createTasksTable); err != nil {
		return fmt.Errorf("recreate tasks: %w", err)
	}
	reinserted := 0
	for _, t := range migrated {
		r, err := s.encode(t)
		if err != nil {
			dropped++
			s.logger.Warn("dropping task that cannot be re-encoded", "task_id", t.ID, "error", err)
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO tasks (id, state, payload, created_at, error) VALUES (?, ?, ?, ?, ?);
		`, r.id, r.state, r.payload, r.createdAt, r.errText); err != nil {
			return fmt.Errorf("reinsert task %s: %w", t.ID, err)
		}
		reinserted++
	}
	s.logger.Info("v3 task migration finished", "migrated", reinserted, "dropped", dropped)
	return nil
}

func (s *Store) reconstructLegacy(id, state, payload string, createdAt int64) (*task.Task, error) {
	var blob map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &blob); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}

	taskErr, err := legacyEmbeddedError(blob["error"])
	if err != nil {
		return nil, err
	}
	for _, f := range legacyEmbeddedFields {
		delete(blob, f)
	}
	rest, err := json.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("re-encode payload: %w", err)
	}

	if state == "" {
		state = string(task.StateReady)
	}
	st, err := task.ParseState(state)
	if err != nil {
		return nil, err
	}
	t := &task.Task{ID: id, State: st, CreatedAt: createdAt}
	if err := s.serializer.Deserialize(string(rest), t); err != nil {
		return nil, err
	}
	if st == task.StateFailed {
		t.Error = taskErr
	}
	return t, nil
}

// legacyEmbeddedError accepts the embedded error either as a JSON object or
// as a string holding one.
func legacyEmbeddedError(raw json.RawMessage) (*task.Error, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	text := string(raw)
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		text = asString
	}
	if text == "" {
		return nil, nil
	}
	te, err := task.DecodeLegacyError(text)
	if err != nil {
		return nil, fmt.Errorf("embedded error: %w", err)
	}
	return te, nil
}
