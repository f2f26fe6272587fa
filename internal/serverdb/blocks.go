package serverdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus/loops/internal/models"
)

const blockColumns = `id, owner_id, label, sort_order, weekdays, created_at, updated_at, deleted_at`

func scanBlock(row interface{ Scan(...any) error }) (*models.Block, error) {
	b := &models.Block{}
	var weekdays, created, updated string
	var deleted sql.NullString
	if err := row.Scan(&b.ID, &b.OwnerID, &b.Label, &b.SortOrder, &weekdays, &created, &updated, &deleted); err != nil {
		return nil, err
	}
	var err error
	if b.Weekdays, err = decodeWeekdays(weekdays); err != nil {
		return nil, err
	}
	if b.CreatedAt, err = ParseTime(created); err != nil {
		return nil, err
	}
	if b.UpdatedAt, err = ParseTime(updated); err != nil {
		return nil, err
	}
	if b.DeletedAt, err = parseNullTime(deleted); err != nil {
		return nil, err
	}
	return b, nil
}

// GetBlock returns a live block owned by ownerID, or ErrNotFound.
func GetBlock(ctx context.Context, c Conn, ownerID, id string) (*models.Block, error) {
	b, err := scanBlock(c.QueryRowContext(ctx,
		`SELECT `+blockColumns+` FROM blocks WHERE id = ? AND owner_id = ? AND deleted_at IS NULL`, id, ownerID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("block %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get block: %w", err)
	}
	return b, nil
}

// InsertBlock stores a new block; CreatedAt/UpdatedAt are set from now.
func InsertBlock(ctx context.Context, c Conn, b *models.Block, now time.Time) error {
	wd, err := encodeWeekdays(b.Weekdays)
	if err != nil {
		return err
	}
	b.CreatedAt, b.UpdatedAt = now.UTC(), now.UTC()
	_, err = c.ExecContext(ctx,
		`INSERT INTO blocks (id, owner_id, label, sort_order, weekdays, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.OwnerID, b.Label, b.SortOrder, wd, FormatTime(now), FormatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	return nil
}

// UpdateBlock writes every mutable field of b and bumps updated_at.
func UpdateBlock(ctx context.Context, c Conn, b *models.Block, now time.Time) error {
	wd, err := encodeWeekdays(b.Weekdays)
	if err != nil {
		return err
	}
	res, err := c.ExecContext(ctx,
		`UPDATE blocks SET label = ?, sort_order = ?, weekdays = ?, updated_at = ?
		 WHERE id = ? AND owner_id = ? AND deleted_at IS NULL`,
		b.Label, b.SortOrder, wd, FormatTime(now), b.ID, b.OwnerID,
	)
	if err != nil {
		return fmt.Errorf("update block: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("block %s: %w", b.ID, ErrNotFound)
	}
	b.UpdatedAt = now.UTC()
	return nil
}

// SoftDeleteBlock sets deleted_at on a live block.
func SoftDeleteBlock(ctx context.Context, c Conn, ownerID, id string, now time.Time) error {
	return softDelete(ctx, c, "blocks", ownerID, id, now)
}

// CountLiveTasksInBlock counts non-deleted tasks referencing the block.
func CountLiveTasksInBlock(ctx context.Context, c Conn, ownerID, blockID string) (int, error) {
	var n int
	err := c.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE owner_id = ? AND block_id = ? AND deleted_at IS NULL`,
		ownerID, blockID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count block tasks: %w", err)
	}
	return n, nil
}

// ListBlocksSince returns live blocks of ownerID with updated_at > since
// (all live blocks when since is nil), ordered by sort_order.
func ListBlocksSince(ctx context.Context, c Conn, ownerID string, since *time.Time) ([]*models.Block, error) {
	query, args := sinceQuery(`SELECT `+blockColumns+` FROM blocks WHERE owner_id = ? AND deleted_at IS NULL`, ownerID, since)
	rows, err := c.QueryContext(ctx, query+` ORDER BY sort_order, created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	var out []*models.Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list blocks: iterate: %w", err)
	}
	return out, nil
}

func encodeWeekdays(w models.Weekdays) (string, error) {
	if w == nil {
		w = models.Weekdays{}
	}
	data, err := json.Marshal(w.Normalize())
	if err != nil {
		return "", fmt.Errorf("encode weekdays: %w", err)
	}
	return string(data), nil
}

func decodeWeekdays(s string) (models.Weekdays, error) {
	var w models.Weekdays
	if s == "" {
		return models.Weekdays{}, nil
	}
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return nil, fmt.Errorf("decode weekdays %q: %w", s, err)
	}
	return w, nil
}
