// Package streak maintains a user's count of consecutive perfect days.
//
// The state is derived: it is recomputed from the Completion Aggregator after
// every instance mutation and persisted on the user row. Days with no
// non-skipped instances are neutral and neither extend nor break a streak,
// unless a live task was scheduled that day and the user never touched it:
// an ignored scheduled day breaks the streak like a missed one.
package streak

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus/loops/internal/day"
	"github.com/marcus/loops/internal/insights"
	"github.com/marcus/loops/internal/models"
	"github.com/marcus/loops/internal/serverdb"
)

// Lookback bounds how far a recount walks into the past.
const Lookback = 400

// History exposes one owner's classified days to Evaluate.
type History interface {
	Day(ctx context.Context, date string) (insights.Summary, error)
	// NonSkippedBetween counts non-skipped instances dated strictly between after and before.
	NonSkippedBetween(ctx context.Context, after, before string) (int, error)
	Range(ctx context.Context, from, to string) ([]insights.Summary, error)
	// ScheduledTasks returns the owner's live, unarchived tasks.
	ScheduledTasks(ctx context.Context) ([]*models.Task, error)
}

// Evaluate returns the streak state after observing today.
func Evaluate(ctx context.Context, prev models.StreakState, today string, h History) (models.StreakState, error) {
	sum, err := h.Day(ctx, today)
	if err != nil {
		return prev, fmt.Errorf("evaluate %s: %w", today, err)
	}

	if sum.Neutral() {
		return prev, nil
	}
	next := prev
	if sum.Status != models.DayPerfect {
		next.CurrentStreak = 0
		return next, nil
	}

	switch {
	case prev.LastActiveDate == "":
		next.CurrentStreak = 1
	default:
		gap, err := day.Between(prev.LastActiveDate, today)
		if err != nil {
			return prev, fmt.Errorf("evaluate: last active date: %w", err)
		}
		if gap < 0 {
			// Clock or timezone moved backwards; keep what we have.
			return prev, nil
		}
		if prev.CurrentStreak == 0 {
			n, err := recount(ctx, today, h)
			if err != nil {
				return prev, err
			}
			next.CurrentStreak = n
			break
		}
		if gap == 0 {
			break
		}
		cont, err := continues(ctx, prev.LastActiveDate, today, h)
		if err != nil {
			return prev, err
		}
		switch {
		case cont:
			next.CurrentStreak = prev.CurrentStreak + 1
		case gap == 1:
			// Yesterday changed after it was counted.
		default:
			next.CurrentStreak = 1
		}
	}

	if next.CurrentStreak > next.BestStreak {
		next.BestStreak = next.CurrentStreak
	}
	next.LastActiveDate = today
	return next, nil
}

// continues reports whether lastActive is still perfect and every day
// between it and today is neutral without being an ignored scheduled day.
func continues(ctx context.Context, lastActive, today string, h History) (bool, error) {
	last, err := h.Day(ctx, lastActive)
	if err != nil {
		return false, fmt.Errorf("evaluate %s: %w", lastActive, err)
	}
	if last.Status != models.DayPerfect {
		return false, nil
	}
	n, err := h.NonSkippedBetween(ctx, lastActive, today)
	if err != nil {
		return false, err
	}
	if n != 0 {
		return false, nil
	}

	gap, err := day.Between(lastActive, today)
	if err != nil {
		return false, fmt.Errorf("evaluate: %w", err)
	}
	if gap <= 1 {
		return true, nil
	}
	tasks, err := h.ScheduledTasks(ctx)
	if err != nil {
		return false, fmt.Errorf("evaluate: scheduled tasks: %w", err)
	}
	if len(tasks) == 0 {
		return true, nil
	}
	if gap-1 > insights.MaxRangeDays {
		return false, nil
	}
	first, _ := day.AddDays(lastActive, 1)
	end, _ := day.AddDays(today, -1)
	days, err := h.Range(ctx, first, end)
	if err != nil {
		return false, fmt.Errorf("evaluate: gap: %w", err)
	}
	for _, d := range days {
		if ignored(d, tasks) {
			return false, nil
		}
	}
	return true, nil
}

// ignored reports whether d has no instances at all although one of tasks
// was due on it. Tasks created after d do not count.
func ignored(d insights.Summary, tasks []*models.Task) bool {
	if d.Total != 0 {
		return false
	}
	date, err := day.Parse(d.Date)
	if err != nil {
		return false
	}
	for _, t := range tasks {
		if day.Format(t.CreatedAt.UTC()) > d.Date {
			continue
		}
		if t.ActiveOn(date) {
			return true
		}
	}
	return false
}

// recount rebuilds the streak ending at a perfect today from history:
// one plus the run of perfect days before it, skipping neutral days. An
// ignored scheduled day ends the run.
func recount(ctx context.Context, today string, h History) (int, error) {
	from, err := day.AddDays(today, -(Lookback - 1))
	if err != nil {
		return 0, err
	}
	yesterday, _ := day.AddDays(today, -1)
	days, err := h.Range(ctx, from, yesterday)
	if err != nil {
		return 0, fmt.Errorf("recount: %w", err)
	}
	tasks, err := h.ScheduledTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("recount: scheduled tasks: %w", err)
	}
	n := 1
	for i := len(days) - 1; i >= 0; i-- {
		d := days[i]
		if ignored(d, tasks) {
			break
		}
		if d.Neutral() {
			continue
		}
		if d.Status != models.DayPerfect {
			break
		}
		n++
	}
	return n, nil
}

// ownerHistory scopes an Aggregator and the task table to one owner.
type ownerHistory struct {
	agg     *insights.Aggregator
	c       serverdb.Conn
	ownerID string
}

func (o ownerHistory) Day(ctx context.Context, date string) (insights.Summary, error) {
	return o.agg.ForDay(ctx, o.ownerID, date)
}

func (o ownerHistory) NonSkippedBetween(ctx context.Context, after, before string) (int, error) {
	return o.agg.NonSkippedBetween(ctx, o.ownerID, after, before)
}

func (o ownerHistory) Range(ctx context.Context, from, to string) ([]insights.Summary, error) {
	return o.agg.ForRange(ctx, o.ownerID, from, to)
}

func (o ownerHistory) ScheduledTasks(ctx context.Context) ([]*models.Task, error) {
	return serverdb.ListScheduledTasks(ctx, o.c, o.ownerID)
}

// Engine recomputes and persists streaks.
type Engine struct {
	db    *serverdb.ServerDB
	locks *keyedMutex
	now   func() time.Time
}

// NewEngine returns an Engine over db. now defaults to time.Now.
func NewEngine(db *serverdb.ServerDB, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{db: db, locks: newKeyedMutex(), now: now}
}

// Recompute evaluates today for ownerID and persists the result. Calls for
// the same owner are serialized; repeated calls without an instance change
// in between leave the state unchanged.
func (e *Engine) Recompute(ctx context.Context, ownerID string) (models.StreakState, error) {
	unlock := e.locks.Lock(ownerID)
	defer unlock()

	var out models.StreakState
	err := e.db.WithTx(ctx, func(tx *sql.Tx) error {
		u, err := serverdb.GetUser(ctx, tx, ownerID)
		if err != nil {
			return err
		}
		today := day.Today(e.now(), day.LoadLocation(u.Timezone), u.DayCutoffHour)
		prev := u.Streak()

		next, err := Evaluate(ctx, prev, today, ownerHistory{agg: insights.New(tx), c: tx, ownerID: ownerID})
		if err != nil {
			return err
		}
		if next != prev {
			if err := serverdb.UpdateStreak(ctx, tx, ownerID, next); err != nil {
				return err
			}
			slog.Debug("streak updated", "uid", ownerID, "today", today,
				"current", next.CurrentStreak, "best", next.BestStreak)
		}
		out = next
		return nil
	})
	if err != nil {
		return models.StreakState{}, fmt.Errorf("recompute streak: %w", err)
	}
	return out, nil
}

// Today returns the calendar date u is currently living in.
func (e *Engine) Today(u *serverdb.User) string {
	return day.Today(e.now(), day.LoadLocation(u.Timezone), u.DayCutoffHour)
}
