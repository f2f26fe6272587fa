package serverdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marcus/loops/internal/models"
)

// User represents a registered user and their streak state.
type User struct {
	ID             string
	Email          string
	Timezone       string
	DayCutoffHour  int
	CurrentStreak  int
	BestStreak     int
	LastActiveDate string
	LastSyncAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Streak returns the user's persisted streak state.
func (u *User) Streak() models.StreakState {
	return models.StreakState{
		CurrentStreak:  u.CurrentStreak,
		BestStreak:     u.BestStreak,
		LastActiveDate: u.LastActiveDate,
	}
}

const userColumns = `id, email, timezone, day_cutoff_hour, current_streak, best_streak, last_active_date, last_sync_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	u := &User{}
	var lastActive, lastSync sql.NullString
	var created, updated string
	if err := row.Scan(&u.ID, &u.Email, &u.Timezone, &u.DayCutoffHour, &u.CurrentStreak, &u.BestStreak,
		&lastActive, &lastSync, &created, &updated); err != nil {
		return nil, err
	}
	u.LastActiveDate = lastActive.String
	var err error
	if u.LastSyncAt, err = parseNullTime(lastSync); err != nil {
		return nil, err
	}
	if u.CreatedAt, err = ParseTime(created); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = ParseTime(updated); err != nil {
		return nil, err
	}
	return u, nil
}

// CreateUser inserts a new user with the given email (lowercased).
func (db *ServerDB) CreateUser(email string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("email is required")
	}

	id, err := generateID("u_")
	if err != nil {
		return nil, fmt.Errorf("generate user id: %w", err)
	}

	now := time.Now().UTC()
	_, err = db.conn.Exec(
		`INSERT INTO users (id, email, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, email, FormatTime(now), FormatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	return &User{ID: id, Email: email, Timezone: "UTC", CreatedAt: now, UpdatedAt: now}, nil
}

// GetUserByID returns the user with the given ID, or nil if not found.
func (db *ServerDB) GetUserByID(id string) (*User, error) {
	u, err := GetUser(context.Background(), db.conn, id)
	if errors.Is(err, ErrUserNotFound) {
		return nil, nil
	}
	return u, err
}

// GetUserByEmail returns the user with the given email (case-insensitive), or nil if not found.
func (db *ServerDB) GetUserByEmail(email string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := scanUser(db.conn.QueryRow(`SELECT `+userColumns+` FROM users WHERE LOWER(email) = ?`, email))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

// ListUsers returns all users.
func (db *ServerDB) ListUsers() ([]*User, error) {
	rows, err := db.conn.Query(`SELECT ` + userColumns + ` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list users: iterate: %w", err)
	}
	return users, nil
}

// SetUserCalendar updates the timezone and day cutoff used to resolve "today".
func (db *ServerDB) SetUserCalendar(userID, timezone string, cutoffHour int) error {
	if _, err := time.LoadLocation(timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}
	if cutoffHour < 0 || cutoffHour > 23 {
		return fmt.Errorf("day cutoff hour must be 0-23, got %d", cutoffHour)
	}
	res, err := db.conn.Exec(
		`UPDATE users SET timezone = ?, day_cutoff_hour = ?, updated_at = ? WHERE id = ?`,
		timezone, cutoffHour, FormatTime(time.Now()), userID,
	)
	if err != nil {
		return fmt.Errorf("set user calendar: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return nil
}

// GetUser loads a user through c, returning ErrUserNotFound when missing.
func GetUser(ctx context.Context, c Conn, id string) (*User, error) {
	u, err := scanUser(c.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// UpdateStreak persists a user's streak state.
func UpdateStreak(ctx context.Context, c Conn, userID string, s models.StreakState) error {
	res, err := c.ExecContext(ctx,
		`UPDATE users SET current_streak = ?, best_streak = ?, last_active_date = ?, updated_at = ? WHERE id = ?`,
		s.CurrentStreak, s.BestStreak, nullString(s.LastActiveDate), FormatTime(time.Now()), userID,
	)
	if err != nil {
		return fmt.Errorf("update streak: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return nil
}

// TouchLastSync advances last_sync_at to at.
func TouchLastSync(ctx context.Context, c Conn, userID string, at time.Time) error {
	res, err := c.ExecContext(ctx, `UPDATE users SET last_sync_at = ? WHERE id = ?`, FormatTime(at), userID)
	if err != nil {
		return fmt.Errorf("touch last sync: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return nil
}
