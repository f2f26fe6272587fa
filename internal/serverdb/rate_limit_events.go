package serverdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// RateLimitEvent records one request rejected by the rate limiter.
type RateLimitEvent struct {
	ID            int64     `json:"id"`
	KeyID         string    `json:"keyId,omitempty"` // empty for IP-keyed limits
	IP            string    `json:"ip"`
	EndpointClass string    `json:"endpointClass"` // push, pull, other
	CreatedAt     time.Time `json:"createdAt"`
}

// RateLimitFilter narrows ListRateLimitEvents. Zero fields match everything.
type RateLimitFilter struct {
	KeyID string
	Since time.Time
	Limit int
}

// InsertRateLimitEvent stores a rejection at the given time.
func (db *ServerDB) InsertRateLimitEvent(ctx context.Context, keyID, ip, endpointClass string, at time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO rate_limit_events (key_id, ip, endpoint_class, created_at) VALUES (?, ?, ?, ?)`,
		nullString(keyID), ip, endpointClass, FormatTime(at),
	)
	if err != nil {
		return fmt.Errorf("insert rate limit event: %w", err)
	}
	return nil
}

// ListRateLimitEvents returns matching events, newest first.
func (db *ServerDB) ListRateLimitEvents(ctx context.Context, f RateLimitFilter) ([]RateLimitEvent, error) {
	query := "SELECT id, key_id, ip, endpoint_class, created_at FROM rate_limit_events"
	var conditions []string
	var args []any

	if f.KeyID != "" {
		conditions = append(conditions, "key_id = ?")
		args = append(args, f.KeyID)
	}
	if !f.Since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, FormatTime(f.Since))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rate limit events: %w", err)
	}
	defer rows.Close()

	var events []RateLimitEvent
	for rows.Next() {
		var e RateLimitEvent
		var keyID sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &keyID, &e.IP, &e.EndpointClass, &created); err != nil {
			return nil, fmt.Errorf("scan rate limit event: %w", err)
		}
		e.KeyID = keyID.String
		if e.CreatedAt, err = ParseTime(created); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CleanupRateLimitEvents deletes events created before cutoff and returns
// the number removed.
func (db *ServerDB) CleanupRateLimitEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM rate_limit_events WHERE created_at < ?`,
		FormatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup rate limit events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
