package models

import (
	"encoding/json"
	"sort"
	"time"
)

// InstanceStatus represents the state of a task on one day
type InstanceStatus string

const (
	StatusPending   InstanceStatus = "PENDING"
	StatusCompleted InstanceStatus = "COMPLETED"
	StatusSkipped   InstanceStatus = "SKIPPED"
	StatusMissed    InstanceStatus = "MISSED"
)

// IsValid reports whether s is a known instance status
func (s InstanceStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusSkipped, StatusMissed:
		return true
	}
	return false
}

// DayStatus classifies a day's completion
type DayStatus string

const (
	DayNoTasks DayStatus = "no_tasks"
	DayNone    DayStatus = "none"
	DayPartial DayStatus = "partial"
	DayPerfect DayStatus = "perfect"
)

// EntityType names a syncable entity
type EntityType string

const (
	EntityBlock        EntityType = "block"
	EntityTask         EntityType = "task"
	EntityTaskInstance EntityType = "task-instance"
)

// Action is the kind of mutation carried by a SyncChange
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Weekdays is a set of active weekdays, 0=Sunday..6=Saturday.
type Weekdays []int

var (
	// DefaultTaskWeekdays is Monday through Friday.
	DefaultTaskWeekdays = Weekdays{1, 2, 3, 4, 5}
	// DefaultBlockWeekdays is every day of the week.
	DefaultBlockWeekdays = Weekdays{0, 1, 2, 3, 4, 5, 6}
)

// Contains reports whether wd is in the set
func (w Weekdays) Contains(wd time.Weekday) bool {
	for _, d := range w {
		if d == int(wd) {
			return true
		}
	}
	return false
}

// Valid reports whether every entry is in 0..6
func (w Weekdays) Valid() bool {
	for _, d := range w {
		if d < 0 || d > 6 {
			return false
		}
	}
	return true
}

// Normalize returns a sorted copy without duplicates
func (w Weekdays) Normalize() Weekdays {
	seen := make(map[int]bool, len(w))
	out := make(Weekdays, 0, len(w))
	for _, d := range w {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Ints(out)
	return out
}

// Block groups tasks under a label
type Block struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"ownerId"`
	Label     string     `json:"label"`
	SortOrder int        `json:"sortOrder"`
	Weekdays  Weekdays   `json:"weekdays"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// Task is either a recurring loop (Weekdays) or a one-off (DueDate)
type Task struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"ownerId"`
	BlockID    string     `json:"blockId,omitempty"`
	Title      string     `json:"title"`
	IsOneOff   bool       `json:"isOneOff"`
	DueDate    string     `json:"dueDate,omitempty"` // YYYY-MM-DD, one-off only
	Weekdays   Weekdays   `json:"weekdays"`
	SkipDays   int        `json:"skipDays"`
	ResetDays  int        `json:"resetDays"`
	SortOrder  int        `json:"sortOrder"`
	ArchivedAt *time.Time `json:"archivedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	DeletedAt  *time.Time `json:"deletedAt,omitempty"`
}

// ActiveOn reports whether the task is scheduled on the given date
func (t *Task) ActiveOn(date time.Time) bool {
	if t.IsOneOff {
		return t.DueDate == date.Format("2006-01-02")
	}
	return t.Weekdays.Contains(date.Weekday())
}

// TaskInstance is the materialized occurrence of a Task on one date.
// (TaskID, Date) is unique.
type TaskInstance struct {
	ID          string         `json:"id"`
	OwnerID     string         `json:"ownerId"`
	TaskID      string         `json:"taskId"`
	Date        string         `json:"date"` // YYYY-MM-DD in the owner's calendar
	Status      InstanceStatus `json:"status"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Notes       string         `json:"notes,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// StreakState is the persisted continuity metric of a user
type StreakState struct {
	CurrentStreak  int    `json:"currentStreak"`
	BestStreak     int    `json:"bestStreak"`
	LastActiveDate string `json:"lastActiveDate,omitempty"` // empty when never active
}

// SyncChange is one client-submitted mutation. It is applied, never stored.
type SyncChange struct {
	Entity          EntityType      `json:"entity"`
	EntityID        string          `json:"entityId"`
	Action          Action          `json:"action"`
	Data            json.RawMessage `json:"data,omitempty"`
	ClientTimestamp *time.Time      `json:"clientTimestamp,omitempty"`
}
