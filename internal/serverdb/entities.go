package serverdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/marcus/loops/internal/models"
)

// RowRef describes an existing row regardless of owner or deletion state.
type RowRef struct {
	OwnerID   string
	UpdatedAt time.Time
	Deleted   bool
}

// tableFor maps a syncable entity to its table.
func tableFor(e models.EntityType) (string, error) {
	switch e {
	case models.EntityBlock:
		return "blocks", nil
	case models.EntityTask:
		return "tasks", nil
	case models.EntityTaskInstance:
		return "task_instances", nil
	default:
		return "", fmt.Errorf("unknown entity %q", e)
	}
}

// LookupRow returns the owner, update time and deletion state of any row
// with the given id, or nil when no such row exists.
func LookupRow(ctx context.Context, c Conn, entity models.EntityType, id string) (*RowRef, error) {
	table, err := tableFor(entity)
	if err != nil {
		return nil, err
	}
	deletedExpr := "deleted_at IS NOT NULL"
	if entity == models.EntityTaskInstance {
		deletedExpr = "0"
	}
	var ref RowRef
	var updated string
	err = c.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT owner_id, updated_at, %s FROM %s WHERE id = ?`, deletedExpr, table), id,
	).Scan(&ref.OwnerID, &updated, &ref.Deleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s/%s: %w", table, id, err)
	}
	if ref.UpdatedAt, err = ParseTime(updated); err != nil {
		return nil, fmt.Errorf("lookup %s/%s: %w", table, id, err)
	}
	return &ref, nil
}

func softDelete(ctx context.Context, c Conn, table, ownerID, id string, now time.Time) error {
	ts := FormatTime(now)
	res, err := c.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET deleted_at = ?, updated_at = ? WHERE id = ? AND owner_id = ? AND deleted_at IS NULL`, table),
		ts, ts, id, ownerID,
	)
	if err != nil {
		return fmt.Errorf("soft delete %s/%s: %w", table, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	return nil
}

// sinceQuery appends the updated_at checkpoint filter when since is set.
func sinceQuery(base, ownerID string, since *time.Time) (string, []any) {
	args := []any{ownerID}
	if since != nil {
		base += ` AND updated_at > ?`
		args = append(args, FormatTime(*since))
	}
	return base, args
}

// Tombstone identifies a soft-deleted row.
type Tombstone struct {
	Entity    models.EntityType `json:"entity"`
	EntityID  string            `json:"entityId"`
	DeletedAt time.Time         `json:"deletedAt"`
}

// tombstoneSources lists where deletions are recorded per entity. Blocks and
// tasks are soft-deleted in place; instances are hard-deleted and logged.
var tombstoneSources = []struct {
	entity models.EntityType
	table  string
}{
	{models.EntityBlock, "blocks"},
	{models.EntityTask, "tasks"},
	{models.EntityTaskInstance, "deleted_instances"},
}

// ListTombstonesSince returns blocks, tasks and instances of ownerID deleted
// after since (all tombstones when since is nil).
func ListTombstonesSince(ctx context.Context, c Conn, ownerID string, since *time.Time) ([]Tombstone, error) {
	var out []Tombstone
	for _, src := range tombstoneSources {
		e, table := src.entity, src.table
		query := fmt.Sprintf(`SELECT id, deleted_at FROM %s WHERE owner_id = ? AND deleted_at IS NOT NULL`, table)
		args := []any{ownerID}
		if since != nil {
			query += ` AND deleted_at > ?`
			args = append(args, FormatTime(*since))
		}
		rows, err := c.QueryContext(ctx, query+` ORDER BY deleted_at`, args...)
		if err != nil {
			return nil, fmt.Errorf("list %s tombstones: %w", table, err)
		}
		for rows.Next() {
			var id, deleted string
			if err := rows.Scan(&id, &deleted); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan tombstone: %w", err)
			}
			at, err := ParseTime(deleted)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan tombstone: %w", err)
			}
			out = append(out, Tombstone{Entity: e, EntityID: id, DeletedAt: at})
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("list %s tombstones: iterate: %w", table, err)
		}
	}
	return out, nil
}

// PurgeTombstones hard-deletes blocks and tasks soft-deleted before cutoff,
// along with the instances of purged tasks, and forgets instance deletions
// older than cutoff. Returns the number of rows removed.
func (db *ServerDB) PurgeTombstones(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		ts := FormatTime(cutoff)
		stmts := []string{
			`DELETE FROM task_instances WHERE task_id IN (SELECT id FROM tasks WHERE deleted_at IS NOT NULL AND deleted_at < ?)`,
			`DELETE FROM tasks WHERE deleted_at IS NOT NULL AND deleted_at < ?`,
			`DELETE FROM blocks WHERE deleted_at IS NOT NULL AND deleted_at < ?`,
			`DELETE FROM deleted_instances WHERE deleted_at < ?`,
		}
		for _, q := range stmts {
			res, err := tx.ExecContext(ctx, q, ts)
			if err != nil {
				return fmt.Errorf("purge tombstones: %w", err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	return total, err
}

// OwnerCounts holds live row counts for one owner.
type OwnerCounts struct {
	Blocks        int `json:"blocks"`
	Tasks         int `json:"tasks"`
	TaskInstances int `json:"taskInstances"`
}

// CountOwnerRows counts ownerID's live blocks, tasks and instances of live tasks.
func CountOwnerRows(ctx context.Context, c Conn, ownerID string) (OwnerCounts, error) {
	var oc OwnerCounts
	err := c.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM blocks WHERE owner_id = ? AND deleted_at IS NULL),
			(SELECT COUNT(*) FROM tasks WHERE owner_id = ? AND deleted_at IS NULL),
			(SELECT COUNT(*) FROM task_instances ti JOIN tasks t ON t.id = ti.task_id AND t.deleted_at IS NULL
			 WHERE ti.owner_id = ?)`,
		ownerID, ownerID, ownerID,
	).Scan(&oc.Blocks, &oc.Tasks, &oc.TaskInstances)
	if err != nil {
		return oc, fmt.Errorf("count owner rows: %w", err)
	}
	return oc, nil
}
