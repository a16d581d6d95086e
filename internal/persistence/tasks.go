package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/turnstile/internal/task"
)

// Column selects which task columns an Upsert writes. Columns left out keep
// their stored value when the row already exists.
type Column uint8

const (
	ColState Column = 1 << iota
	ColPayload
	ColCreatedAt
	ColError

	AllColumns = ColState | ColPayload | ColCreatedAt | ColError
)

func (c Column) String() string {
	var parts []string
	for _, col := range columnOrder {
		if c&col.bit != 0 {
			parts = append(parts, col.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

var columnOrder = []struct {
	bit  Column
	name string
}{
	{ColState, "state"},
	{ColPayload, "payload"},
	{ColCreatedAt, "created_at"},
	{ColError, "error"},
}

type row struct {
	id        string
	state     string
	payload   sql.NullString
	createdAt sql.NullInt64
	errText   sql.NullString
}

func (s *Store) encode(t *task.Task) (row, error) {
	if t.ID == "" {
		return row{}, errors.New("task id is empty")
	}
	state := t.State
	if state == "" {
		state = task.StateReady
	}
	payload, err := s.serializer.Serialize(t)
	if err != nil {
		return row{}, err
	}
	errText, err := task.EncodeError(t.Error)
	if err != nil {
		return row{}, err
	}
	return row{
		id:        t.ID,
		state:     string(state),
		payload:   sql.NullString{String: payload, Valid: true},
		createdAt: sql.NullInt64{Int64: t.CreatedAt, Valid: true},
		errText:   sql.NullString{String: errText, Valid: errText != ""},
	}, nil
}

func (s *Store) decode(r row) (*task.Task, error) {
	state, err := task.ParseState(r.state)
	if err != nil {
		return nil, err
	}
	t := &task.Task{ID: r.id, State: state, CreatedAt: r.createdAt.Int64}
	if !r.payload.Valid {
		return nil, fmt.Errorf("task %s: payload is null", r.id)
	}
	if err := s.serializer.Deserialize(r.payload.String, t); err != nil {
		return nil, fmt.Errorf("task %s: %w", r.id, err)
	}
	if r.errText.Valid {
		te, err := task.DecodeError(r.errText.String)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", r.id, err)
		}
		t.Error = te
	}
	return t, nil
}

// Insert adds t unless a row with the same id exists. It reports whether a row
// was written.
func (s *Store) Insert(ctx context.Context, t *task.Task) (bool, error) {
	r, err := s.encode(t)
	if err != nil {
		return false, fmt.Errorf("insert task: %w", err)
	}
	var n int64
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO tasks (id, state, payload, created_at, error)
			VALUES (?, ?, ?, ?, ?);
		`, r.id, r.state, r.payload, r.createdAt, r.errText)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return n > 0, nil
}

// Upsert inserts t, or merges the selected columns into the existing row.
// ColError with a nil t.Error clears the stored error; an unselected column is
// never touched. Writing the same task twice is a no-op the second time.
func (s *Store) Upsert(ctx context.Context, t *task.Task, cols Column) error {
	if cols == 0 {
		return nil
	}
	r, err := s.encode(t)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	var sets []string
	for _, col := range columnOrder {
		if cols&col.bit != 0 {
			sets = append(sets, fmt.Sprintf("%s=excluded.%s", col.name, col.name))
		}
	}
	q := `
		INSERT INTO tasks (id, state, payload, created_at, error)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET ` + strings.Join(sets, ", ") + `;`
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, q, r.id, r.state, r.payload, r.createdAt, r.errText)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert task %s (%s): %w", t.ID, cols, err)
	}
	return nil
}

// Delete removes the row for id. Deleting an absent id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*task.Task, error) {
	var r row
	err := s.db.QueryRowContext(ctx, `
		SELECT id, state, payload, created_at, error FROM tasks WHERE id = ?;
	`, id).Scan(&r.id, &r.state, &r.payload, &r.createdAt, &r.errText)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return s.decode(r)
}

// GetAll loads every task in creation order. Rows that fail to decode are
// logged and skipped.
func (s *Store) GetAll(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, state, payload, created_at, error FROM tasks ORDER BY created_at ASC, id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.state, &r.payload, &r.createdAt, &r.errText); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t, err := s.decode(r)
		if err != nil {
			s.logger.Warn("skipping unreadable task row", "task_id", r.id, "error", err)
			continue
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// Truncate deletes every task row and compacts the file.
func (s *Store) Truncate(ctx context.Context) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM tasks;`)
		return err
	})
	if err != nil {
		return fmt.Errorf("truncate tasks: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM;`); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}
