// Package insights aggregates a user's task instances into per-day
// completion summaries. It only reads.
package insights

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/marcus/loops/internal/day"
	"github.com/marcus/loops/internal/models"
	"github.com/marcus/loops/internal/serverdb"
)

// MaxRangeDays bounds ForRange requests.
const MaxRangeDays = 400

// ErrInvalidRange is returned for inverted or oversized ranges.
var ErrInvalidRange = errors.New("invalid range")

// Summary is the completion state of one calendar day.
type Summary struct {
	Date       string           `json:"date"`
	Total      int              `json:"total"`
	Completed  int              `json:"completed"`
	Skipped    int              `json:"skipped"`
	Pending    int              `json:"pending"`
	Missed     int              `json:"missed"`
	NonSkipped int              `json:"nonSkipped"`
	Percentage int              `json:"percentage"`
	Status     models.DayStatus `json:"status"`
}

// Neutral reports whether the day has no non-skipped instances and so must
// not affect a streak either way.
func (s Summary) Neutral() bool {
	return s.NonSkipped == 0
}

// Classify derives percentage and status from raw counts:
// no instances is no_tasks, all skipped is none, otherwise the rounded
// completed/non-skipped ratio decides perfect, partial or none.
func Classify(total, completed, skipped int) (int, models.DayStatus) {
	if total == 0 {
		return 0, models.DayNoTasks
	}
	nonSkipped := total - skipped
	if nonSkipped <= 0 {
		return 0, models.DayNone
	}
	pct := int(math.Round(100 * float64(completed) / float64(nonSkipped)))
	switch {
	case pct == 100:
		return pct, models.DayPerfect
	case pct > 0:
		return pct, models.DayPartial
	default:
		return pct, models.DayNone
	}
}

func summarize(dc serverdb.DayCount) Summary {
	pct, status := Classify(dc.Total, dc.Completed, dc.Skipped)
	return Summary{
		Date:       dc.Date,
		Total:      dc.Total,
		Completed:  dc.Completed,
		Skipped:    dc.Skipped,
		Pending:    dc.Pending,
		Missed:     dc.Missed,
		NonSkipped: dc.Total - dc.Skipped,
		Percentage: pct,
		Status:     status,
	}
}

// Aggregator computes summaries over a store connection or transaction.
type Aggregator struct {
	c serverdb.Conn
}

// New returns an Aggregator reading through c.
func New(c serverdb.Conn) *Aggregator {
	return &Aggregator{c: c}
}

// ForDay summarizes ownerID's instances dated date.
func (a *Aggregator) ForDay(ctx context.Context, ownerID, date string) (Summary, error) {
	if !day.Valid(date) {
		return Summary{}, fmt.Errorf("for day: invalid date %q", date)
	}
	counts, err := serverdb.CountInstancesByDay(ctx, a.c, ownerID, date, date)
	if err != nil {
		return Summary{}, err
	}
	if len(counts) == 0 {
		return summarize(serverdb.DayCount{Date: date}), nil
	}
	return summarize(counts[0]), nil
}

// ForRange summarizes every day in [from, to], reporting days without
// instances as no_tasks.
func (a *Aggregator) ForRange(ctx context.Context, ownerID, from, to string) ([]Summary, error) {
	n, err := day.Between(from, to)
	if err != nil {
		return nil, fmt.Errorf("for range: %w", err)
	}
	if n < 0 {
		return nil, fmt.Errorf("for range: from %s is after to %s: %w", from, to, ErrInvalidRange)
	}
	if n >= MaxRangeDays {
		return nil, fmt.Errorf("for range: %d days exceeds max %d: %w", n+1, MaxRangeDays, ErrInvalidRange)
	}

	counts, err := serverdb.CountInstancesByDay(ctx, a.c, ownerID, from, to)
	if err != nil {
		return nil, err
	}
	byDate := make(map[string]serverdb.DayCount, len(counts))
	for _, dc := range counts {
		byDate[dc.Date] = dc
	}

	out := make([]Summary, 0, n+1)
	for i := 0; i <= n; i++ {
		d, _ := day.AddDays(from, i)
		dc, ok := byDate[d]
		if !ok {
			dc = serverdb.DayCount{Date: d}
		}
		out = append(out, summarize(dc))
	}
	return out, nil
}

// NonSkippedBetween counts non-skipped instances strictly between two dates.
func (a *Aggregator) NonSkippedBetween(ctx context.Context, ownerID, after, before string) (int, error) {
	return serverdb.CountNonSkippedBetween(ctx, a.c, ownerID, after, before)
}
