package serverdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/marcus/loops/internal/models"
)

// ErrIDConflict is returned when an instance id is already used by another (task, date).
var ErrIDConflict = errors.New("instance id already used for another task/date")

const instanceColumns = `id, owner_id, task_id, date, status, completed_at, notes, created_at, updated_at`

func scanInstance(row interface{ Scan(...any) error }) (*models.TaskInstance, error) {
	ti := &models.TaskInstance{}
	var completed sql.NullString
	var status, created, updated string
	if err := row.Scan(&ti.ID, &ti.OwnerID, &ti.TaskID, &ti.Date, &status, &completed, &ti.Notes, &created, &updated); err != nil {
		return nil, err
	}
	ti.Status = models.InstanceStatus(status)
	var err error
	if ti.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, err
	}
	if ti.CreatedAt, err = ParseTime(created); err != nil {
		return nil, err
	}
	if ti.UpdatedAt, err = ParseTime(updated); err != nil {
		return nil, err
	}
	return ti, nil
}

// GetInstance returns an instance owned by ownerID, or ErrNotFound.
func GetInstance(ctx context.Context, c Conn, ownerID, id string) (*models.TaskInstance, error) {
	ti, err := scanInstance(c.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM task_instances WHERE id = ? AND owner_id = ?`, id, ownerID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task instance %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task instance: %w", err)
	}
	return ti, nil
}

// GetInstanceByKey returns the instance of (taskID, date) owned by ownerID, or ErrNotFound.
func GetInstanceByKey(ctx context.Context, c Conn, ownerID, taskID, date string) (*models.TaskInstance, error) {
	ti, err := scanInstance(c.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM task_instances WHERE task_id = ? AND date = ? AND owner_id = ?`,
		taskID, date, ownerID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task instance %s@%s: %w", taskID, date, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task instance: %w", err)
	}
	return ti, nil
}

// GetOrCreateInstance materializes the instance of (ti.TaskID, ti.Date).
// When the pair already exists the stored row is returned with created=false;
// a concurrent first touch therefore resolves to a single row.
func GetOrCreateInstance(ctx context.Context, c Conn, ti *models.TaskInstance, now time.Time) (*models.TaskInstance, bool, error) {
	if ti.Status == "" {
		ti.Status = models.StatusPending
	}
	ts := FormatTime(now)
	res, err := c.ExecContext(ctx,
		`INSERT INTO task_instances (id, owner_id, task_id, date, status, completed_at, notes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		ti.ID, ti.OwnerID, ti.TaskID, ti.Date, string(ti.Status), nullTime(ti.CompletedAt), ti.Notes, ts, ts,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert task instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		// A recreated id is live again; drop its tombstone.
		if _, err := c.ExecContext(ctx, `DELETE FROM deleted_instances WHERE id = ?`, ti.ID); err != nil {
			return nil, false, fmt.Errorf("clear task instance tombstone: %w", err)
		}
		ti.CreatedAt, ti.UpdatedAt = now.UTC(), now.UTC()
		return ti, true, nil
	}

	existing, err := GetInstanceByKey(ctx, c, ti.OwnerID, ti.TaskID, ti.Date)
	if errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("task instance %s: %w", ti.ID, ErrIDConflict)
	}
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// UpdateInstance writes status, completion and notes of ti and bumps updated_at.
func UpdateInstance(ctx context.Context, c Conn, ti *models.TaskInstance, now time.Time) error {
	res, err := c.ExecContext(ctx,
		`UPDATE task_instances SET status = ?, completed_at = ?, notes = ?, updated_at = ? WHERE id = ? AND owner_id = ?`,
		string(ti.Status), nullTime(ti.CompletedAt), ti.Notes, FormatTime(now), ti.ID, ti.OwnerID,
	)
	if err != nil {
		return fmt.Errorf("update task instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task instance %s: %w", ti.ID, ErrNotFound)
	}
	ti.UpdatedAt = now.UTC()
	return nil
}

// DeleteInstance hard-deletes an instance and logs its id in
// deleted_instances so delta pulls can hand out a tombstone.
func DeleteInstance(ctx context.Context, c Conn, ownerID, id string, now time.Time) (bool, error) {
	_, err := c.ExecContext(ctx,
		`INSERT OR REPLACE INTO deleted_instances (id, owner_id, task_id, date, deleted_at)
		 SELECT id, owner_id, task_id, date, ? FROM task_instances WHERE id = ? AND owner_id = ?`,
		FormatTime(now), id, ownerID)
	if err != nil {
		return false, fmt.Errorf("log deleted task instance: %w", err)
	}
	res, err := c.ExecContext(ctx, `DELETE FROM task_instances WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return false, fmt.Errorf("delete task instance: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListInstancesSince returns instances of ownerID's live tasks with
// updated_at > since (all when since is nil).
func ListInstancesSince(ctx context.Context, c Conn, ownerID string, since *time.Time) ([]*models.TaskInstance, error) {
	query := `SELECT ti.id, ti.owner_id, ti.task_id, ti.date, ti.status, ti.completed_at, ti.notes, ti.created_at, ti.updated_at
		FROM task_instances ti
		JOIN tasks t ON t.id = ti.task_id AND t.deleted_at IS NULL
		WHERE ti.owner_id = ?`
	args := []any{ownerID}
	if since != nil {
		query += ` AND ti.updated_at > ?`
		args = append(args, FormatTime(*since))
	}
	rows, err := c.QueryContext(ctx, query+` ORDER BY ti.date, ti.task_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list task instances: %w", err)
	}
	defer rows.Close()

	var out []*models.TaskInstance
	for rows.Next() {
		ti, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task instance: %w", err)
		}
		out = append(out, ti)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list task instances: iterate: %w", err)
	}
	return out, nil
}

// DayCount holds raw instance counts for one date.
type DayCount struct {
	Date      string
	Total     int
	Completed int
	Skipped   int
	Pending   int
	Missed    int
}

// CountInstancesByDay returns per-date instance counts for ownerID over
// [from, to], skipping dates without instances. Instances of deleted tasks
// are excluded.
func CountInstancesByDay(ctx context.Context, c Conn, ownerID, from, to string) ([]DayCount, error) {
	rows, err := c.QueryContext(ctx, `
		SELECT ti.date,
		       COUNT(*),
		       COALESCE(SUM(CASE WHEN ti.status = 'COMPLETED' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN ti.status = 'SKIPPED' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN ti.status = 'PENDING' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN ti.status = 'MISSED' THEN 1 ELSE 0 END), 0)
		FROM task_instances ti
		JOIN tasks t ON t.id = ti.task_id AND t.deleted_at IS NULL
		WHERE ti.owner_id = ? AND ti.date >= ? AND ti.date <= ?
		GROUP BY ti.date
		ORDER BY ti.date`, ownerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("count instances: %w", err)
	}
	defer rows.Close()

	var out []DayCount
	for rows.Next() {
		var dc DayCount
		if err := rows.Scan(&dc.Date, &dc.Total, &dc.Completed, &dc.Skipped, &dc.Pending, &dc.Missed); err != nil {
			return nil, fmt.Errorf("scan day count: %w", err)
		}
		out = append(out, dc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count instances: iterate: %w", err)
	}
	return out, nil
}

// CountNonSkippedBetween counts non-skipped instances of live tasks dated
// strictly between after and before.
func CountNonSkippedBetween(ctx context.Context, c Conn, ownerID, after, before string) (int, error) {
	var n int
	err := c.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM task_instances ti
		JOIN tasks t ON t.id = ti.task_id AND t.deleted_at IS NULL
		WHERE ti.owner_id = ? AND ti.date > ? AND ti.date < ? AND ti.status != 'SKIPPED'`,
		ownerID, after, before).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count non-skipped instances: %w", err)
	}
	return n, nil
}
