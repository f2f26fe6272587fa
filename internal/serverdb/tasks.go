package serverdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/marcus/loops/internal/models"
)

const taskColumns = `id, owner_id, block_id, title, is_one_off, due_date, weekdays, skip_days, reset_days, sort_order, archived_at, created_at, updated_at, deleted_at`

func scanTask(row interface{ Scan(...any) error }) (*models.Task, error) {
	t := &models.Task{}
	var blockID, dueDate, archived, deleted sql.NullString
	var weekdays, created, updated string
	if err := row.Scan(&t.ID, &t.OwnerID, &blockID, &t.Title, &t.IsOneOff, &dueDate, &weekdays,
		&t.SkipDays, &t.ResetDays, &t.SortOrder, &archived, &created, &updated, &deleted); err != nil {
		return nil, err
	}
	t.BlockID = blockID.String
	t.DueDate = dueDate.String
	var err error
	if t.Weekdays, err = decodeWeekdays(weekdays); err != nil {
		return nil, err
	}
	if t.ArchivedAt, err = parseNullTime(archived); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = ParseTime(created); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = ParseTime(updated); err != nil {
		return nil, err
	}
	if t.DeletedAt, err = parseNullTime(deleted); err != nil {
		return nil, err
	}
	return t, nil
}

// GetTask returns a live task owned by ownerID, or ErrNotFound.
func GetTask(ctx context.Context, c Conn, ownerID, id string) (*models.Task, error) {
	t, err := scanTask(c.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND owner_id = ? AND deleted_at IS NULL`, id, ownerID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// InsertTask stores a new task; CreatedAt/UpdatedAt are set from now.
func InsertTask(ctx context.Context, c Conn, t *models.Task, now time.Time) error {
	wd, err := encodeWeekdays(t.Weekdays)
	if err != nil {
		return err
	}
	t.CreatedAt, t.UpdatedAt = now.UTC(), now.UTC()
	_, err = c.ExecContext(ctx,
		`INSERT INTO tasks (id, owner_id, block_id, title, is_one_off, due_date, weekdays, skip_days, reset_days, sort_order, archived_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, nullString(t.BlockID), t.Title, t.IsOneOff, nullString(t.DueDate), wd,
		t.SkipDays, t.ResetDays, t.SortOrder, nullTime(t.ArchivedAt), FormatTime(now), FormatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTask writes every mutable field of t and bumps updated_at.
func UpdateTask(ctx context.Context, c Conn, t *models.Task, now time.Time) error {
	wd, err := encodeWeekdays(t.Weekdays)
	if err != nil {
		return err
	}
	res, err := c.ExecContext(ctx,
		`UPDATE tasks SET block_id = ?, title = ?, is_one_off = ?, due_date = ?, weekdays = ?, skip_days = ?,
		 reset_days = ?, sort_order = ?, archived_at = ?, updated_at = ?
		 WHERE id = ? AND owner_id = ? AND deleted_at IS NULL`,
		nullString(t.BlockID), t.Title, t.IsOneOff, nullString(t.DueDate), wd, t.SkipDays,
		t.ResetDays, t.SortOrder, nullTime(t.ArchivedAt), FormatTime(now), t.ID, t.OwnerID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	t.UpdatedAt = now.UTC()
	return nil
}

// SoftDeleteTask sets deleted_at on a live task.
func SoftDeleteTask(ctx context.Context, c Conn, ownerID, id string, now time.Time) error {
	return softDelete(ctx, c, "tasks", ownerID, id, now)
}

// ListTasksSince returns live tasks of ownerID with updated_at > since
// (all live tasks when since is nil).
func ListTasksSince(ctx context.Context, c Conn, ownerID string, since *time.Time) ([]*models.Task, error) {
	query, args := sinceQuery(`SELECT `+taskColumns+` FROM tasks WHERE owner_id = ? AND deleted_at IS NULL`, ownerID, since)
	return listTasks(ctx, c, query+` ORDER BY sort_order, created_at`, args...)
}

// ListScheduledTasks returns the live, unarchived tasks of ownerID: the ones
// that still put days on the user's calendar.
func ListScheduledTasks(ctx context.Context, c Conn, ownerID string) ([]*models.Task, error) {
	return listTasks(ctx, c,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE owner_id = ? AND deleted_at IS NULL AND archived_at IS NULL
		 ORDER BY created_at`, ownerID)
}

func listTasks(ctx context.Context, c Conn, query string, args ...any) ([]*models.Task, error) {
	rows, err := c.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: iterate: %w", err)
	}
	return out, nil
}
