package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/marcus/loops/internal/day"
	"github.com/marcus/loops/internal/models"
	"github.com/marcus/loops/internal/serverdb"
	"github.com/marcus/loops/internal/streak"
)

// ConflictError rejects a single change. The rest of the batch continues.
type ConflictError struct {
	Reason     string
	ServerData any
}

func (e *ConflictError) Error() string { return e.Reason }

func conflictf(format string, args ...any) *ConflictError {
	return &ConflictError{Reason: fmt.Sprintf(format, args...)}
}

func staleConflict(row any) *ConflictError {
	return &ConflictError{Reason: "server has a newer version", ServerData: row}
}

// NormalizeEntity maps the accepted spellings of an entity name.
func NormalizeEntity(s string) (models.EntityType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "block", "blocks":
		return models.EntityBlock, true
	case "task", "tasks":
		return models.EntityTask, true
	case "task-instance", "task-instances", "task_instance", "task_instances", "taskinstance":
		return models.EntityTaskInstance, true
	}
	return "", false
}

// Processor applies one change at a time to the store.
type Processor struct {
	db       *serverdb.ServerDB
	streaks  *streak.Engine
	resolver Resolver
	now      func() time.Time
}

// NewProcessor returns a Processor. resolver defaults to LastWriteWins and
// now to time.Now.
func NewProcessor(db *serverdb.ServerDB, streaks *streak.Engine, resolver Resolver, now func() time.Time) *Processor {
	if resolver == nil {
		resolver = LastWriteWins{}
	}
	if now == nil {
		now = time.Now
	}
	return &Processor{db: db, streaks: streaks, resolver: resolver, now: now}
}

// Apply applies ch on behalf of ownerID in its own transaction. A
// *ConflictError means only ch was rejected; any other error is a store or
// streak failure. Instance mutations are committed before the owner's
// streak is recomputed, so a streak failure leaves them in place.
func (p *Processor) Apply(ctx context.Context, ownerID string, ch models.SyncChange) error {
	entity, ok := NormalizeEntity(string(ch.Entity))
	if !ok {
		return conflictf("unknown entity %q", ch.Entity)
	}
	switch ch.Action {
	case models.ActionCreate, models.ActionUpdate, models.ActionDelete:
	default:
		return conflictf("unknown action %q", ch.Action)
	}

	var apply func(ctx context.Context, tx *sql.Tx, ownerID string, ch models.SyncChange, now time.Time) error
	switch entity {
	case models.EntityBlock:
		apply = p.applyBlock
	case models.EntityTask:
		apply = p.applyTask
	case models.EntityTaskInstance:
		apply = p.applyInstance
	}
	// The write stamp is read while holding the single connection so it
	// orders after every checkpoint handed out by an earlier Pull.
	if err := p.db.WithTx(ctx, func(tx *sql.Tx) error {
		return apply(ctx, tx, ownerID, ch, p.now().UTC())
	}); err != nil {
		return err
	}

	if entity == models.EntityTaskInstance {
		if _, err := p.streaks.Recompute(ctx, ownerID); err != nil {
			return fmt.Errorf("apply %s/%s: %w", entity, ch.EntityID, err)
		}
	}
	return nil
}

func (p *Processor) applyBlock(ctx context.Context, tx *sql.Tx, ownerID string, ch models.SyncChange, now time.Time) error {
	if ch.Action == models.ActionDelete {
		return p.deleteBlock(ctx, tx, ownerID, ch, now)
	}
	patch, err := decodeBlockPatch(ch.Data)
	if err != nil {
		return conflictf("invalid data: %v", err)
	}
	existing, err := serverdb.GetBlock(ctx, tx, ownerID, ch.EntityID)
	if err != nil && !errors.Is(err, serverdb.ErrNotFound) {
		return err
	}

	if ch.Action == models.ActionCreate && existing == nil {
		ref, err := serverdb.LookupRow(ctx, tx, models.EntityBlock, ch.EntityID)
		if err != nil {
			return err
		}
		if ref != nil {
			return conflictf("block %s already exists", ch.EntityID)
		}
		b := &models.Block{ID: ch.EntityID, OwnerID: ownerID, Weekdays: models.DefaultBlockWeekdays}
		if err := patch.apply(b); err != nil {
			return conflictf("invalid data: %v", err)
		}
		return serverdb.InsertBlock(ctx, tx, b, now)
	}
	if existing == nil {
		return conflictf("block %s not found", ch.EntityID)
	}

	next := *existing
	if err := patch.apply(&next); err != nil {
		return conflictf("invalid data: %v", err)
	}
	if sameBlock(existing, &next) {
		return nil
	}
	if ch.Action == models.ActionCreate {
		return &ConflictError{Reason: fmt.Sprintf("block %s already exists", ch.EntityID), ServerData: existing}
	}
	if !p.resolver.Accept(ch, existing.UpdatedAt) {
		return staleConflict(existing)
	}
	return serverdb.UpdateBlock(ctx, tx, &next, now)
}

func (p *Processor) deleteBlock(ctx context.Context, tx *sql.Tx, ownerID string, ch models.SyncChange, now time.Time) error {
	ref, err := serverdb.LookupRow(ctx, tx, models.EntityBlock, ch.EntityID)
	if err != nil {
		return err
	}
	if ref == nil || ref.OwnerID != ownerID {
		return conflictf("block %s not found", ch.EntityID)
	}
	if ref.Deleted {
		return nil
	}
	if !p.resolver.Accept(ch, ref.UpdatedAt) {
		b, err := serverdb.GetBlock(ctx, tx, ownerID, ch.EntityID)
		if err != nil {
			return err
		}
		return staleConflict(b)
	}
	n, err := serverdb.CountLiveTasksInBlock(ctx, tx, ownerID, ch.EntityID)
	if err != nil {
		return err
	}
	if n > 0 {
		return conflictf("block %s has %d live tasks", ch.EntityID, n)
	}
	return serverdb.SoftDeleteBlock(ctx, tx, ownerID, ch.EntityID, now)
}

func (p *Processor) applyTask(ctx context.Context, tx *sql.Tx, ownerID string, ch models.SyncChange, now time.Time) error {
	if ch.Action == models.ActionDelete {
		return p.deleteTask(ctx, tx, ownerID, ch, now)
	}
	patch, err := decodeTaskPatch(ch.Data)
	if err != nil {
		return conflictf("invalid data: %v", err)
	}
	existing, err := serverdb.GetTask(ctx, tx, ownerID, ch.EntityID)
	if err != nil && !errors.Is(err, serverdb.ErrNotFound) {
		return err
	}

	if ch.Action == models.ActionCreate && existing == nil {
		ref, err := serverdb.LookupRow(ctx, tx, models.EntityTask, ch.EntityID)
		if err != nil {
			return err
		}
		if ref != nil {
			return conflictf("task %s already exists", ch.EntityID)
		}
		t := &models.Task{ID: ch.EntityID, OwnerID: ownerID, Weekdays: models.DefaultTaskWeekdays}
		if err := patch.apply(t, now); err != nil {
			return conflictf("invalid data: %v", err)
		}
		if t.Title == "" {
			return conflictf("title is required")
		}
		if err := checkBlockRef(ctx, tx, ownerID, patch); err != nil {
			return err
		}
		return serverdb.InsertTask(ctx, tx, t, now)
	}
	if existing == nil {
		return conflictf("task %s not found", ch.EntityID)
	}

	next := *existing
	if err := patch.apply(&next, now); err != nil {
		return conflictf("invalid data: %v", err)
	}
	if sameTask(existing, &next) {
		return nil
	}
	if ch.Action == models.ActionCreate {
		return &ConflictError{Reason: fmt.Sprintf("task %s already exists", ch.EntityID), ServerData: existing}
	}
	if !p.resolver.Accept(ch, existing.UpdatedAt) {
		return staleConflict(existing)
	}
	if err := checkBlockRef(ctx, tx, ownerID, patch); err != nil {
		return err
	}
	return serverdb.UpdateTask(ctx, tx, &next, now)
}

// checkBlockRef rejects tasks pointing at a block the owner does not have.
func checkBlockRef(ctx context.Context, tx *sql.Tx, ownerID string, patch *taskPatch) error {
	id := patch.referencedBlock()
	if id == "" {
		return nil
	}
	if _, err := serverdb.GetBlock(ctx, tx, ownerID, id); err != nil {
		if errors.Is(err, serverdb.ErrNotFound) {
			return conflictf("block %s not found", id)
		}
		return err
	}
	return nil
}

func (p *Processor) deleteTask(ctx context.Context, tx *sql.Tx, ownerID string, ch models.SyncChange, now time.Time) error {
	ref, err := serverdb.LookupRow(ctx, tx, models.EntityTask, ch.EntityID)
	if err != nil {
		return err
	}
	if ref == nil || ref.OwnerID != ownerID {
		return conflictf("task %s not found", ch.EntityID)
	}
	if ref.Deleted {
		return nil
	}
	if !p.resolver.Accept(ch, ref.UpdatedAt) {
		t, err := serverdb.GetTask(ctx, tx, ownerID, ch.EntityID)
		if err != nil {
			return err
		}
		return staleConflict(t)
	}
	return serverdb.SoftDeleteTask(ctx, tx, ownerID, ch.EntityID, now)
}

// applyInstance upserts by (taskId, date). Deleting an absent instance is a no-op.
func (p *Processor) applyInstance(ctx context.Context, tx *sql.Tx, ownerID string, ch models.SyncChange, now time.Time) error {
	if ch.Action == models.ActionDelete {
		_, err := serverdb.DeleteInstance(ctx, tx, ownerID, ch.EntityID, now)
		return err
	}
	patch, err := decodeInstancePatch(ch.Data)
	if err != nil {
		return conflictf("invalid data: %v", err)
	}
	existing, err := serverdb.GetInstance(ctx, tx, ownerID, ch.EntityID)
	if err != nil && !errors.Is(err, serverdb.ErrNotFound) {
		return err
	}

	taskID, date := patch.key()
	if existing == nil {
		if taskID == "" || date == "" {
			if ch.Action == models.ActionUpdate {
				return conflictf("task instance %s not found", ch.EntityID)
			}
			return conflictf("taskId and date are required")
		}
		if !day.Valid(date) {
			return conflictf("date %q is not YYYY-MM-DD", date)
		}
		if _, err := serverdb.GetTask(ctx, tx, ownerID, taskID); err != nil {
			if errors.Is(err, serverdb.ErrNotFound) {
				return conflictf("task %s not found", taskID)
			}
			return err
		}
		ti := &models.TaskInstance{ID: ch.EntityID, OwnerID: ownerID, TaskID: taskID, Date: date, Status: models.StatusPending}
		if err := patch.apply(ti, ch.ClientTimestamp, now); err != nil {
			return conflictf("invalid data: %v", err)
		}
		got, created, err := serverdb.GetOrCreateInstance(ctx, tx, ti, now)
		if errors.Is(err, serverdb.ErrIDConflict) {
			return conflictf("task instance id %s is already in use", ch.EntityID)
		}
		if err != nil {
			return err
		}
		if created {
			return nil
		}
		existing = got
	} else if (taskID != "" && taskID != existing.TaskID) || (date != "" && date != existing.Date) {
		return &ConflictError{Reason: "taskId and date of an instance cannot change", ServerData: existing}
	}

	next := *existing
	if err := patch.apply(&next, ch.ClientTimestamp, now); err != nil {
		return conflictf("invalid data: %v", err)
	}
	if sameInstance(existing, &next) {
		return nil
	}
	if !p.resolver.Accept(ch, existing.UpdatedAt) {
		return staleConflict(existing)
	}
	return serverdb.UpdateInstance(ctx, tx, &next, now)
}

func sameBlock(a, b *models.Block) bool {
	return a.Label == b.Label &&
		a.SortOrder == b.SortOrder &&
		slices.Equal(a.Weekdays, b.Weekdays)
}

func sameTask(a, b *models.Task) bool {
	return a.BlockID == b.BlockID &&
		a.Title == b.Title &&
		a.IsOneOff == b.IsOneOff &&
		a.DueDate == b.DueDate &&
		slices.Equal(a.Weekdays, b.Weekdays) &&
		a.SkipDays == b.SkipDays &&
		a.ResetDays == b.ResetDays &&
		a.SortOrder == b.SortOrder &&
		sameTime(a.ArchivedAt, b.ArchivedAt)
}

func sameInstance(a, b *models.TaskInstance) bool {
	return a.Status == b.Status &&
		a.Notes == b.Notes &&
		sameTime(a.CompletedAt, b.CompletedAt)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
