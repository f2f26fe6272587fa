package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marcus/loops/internal/models"
	"github.com/marcus/loops/internal/serverdb"
	"github.com/marcus/loops/internal/streak"
)

// Options configures a Service.
type Options struct {
	Resolver Resolver
	Now      func() time.Time
}

// Service is the sync orchestrator: pull, push and full sync for one owner
// per call.
type Service struct {
	db      *serverdb.ServerDB
	proc    *Processor
	streaks *streak.Engine
	now     func() time.Time
}

// NewService wires a Processor and streak Engine over db.
func NewService(db *serverdb.ServerDB, opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	streaks := streak.NewEngine(db, now)
	return &Service{
		db:      db,
		proc:    NewProcessor(db, streaks, opts.Resolver, now),
		streaks: streaks,
		now:     now,
	}
}

// Streaks returns the engine used after instance mutations.
func (s *Service) Streaks() *streak.Engine {
	return s.streaks
}

// Pull returns every live row of ownerID written after since, or all live
// rows when since is nil. SyncTimestamp is read inside the read transaction:
// writes stamp their rows inside theirs, and the store has a single
// connection, so every write committed later carries a later stamp.
func (s *Service) Pull(ctx context.Context, ownerID string, since *time.Time) (*PullResult, error) {
	res := &PullResult{}
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res.SyncTimestamp = s.now().UTC()
		var err error
		if res.Blocks, err = serverdb.ListBlocksSince(ctx, tx, ownerID, since); err != nil {
			return err
		}
		if res.Tasks, err = serverdb.ListTasksSince(ctx, tx, ownerID, since); err != nil {
			return err
		}
		if res.TaskInstances, err = serverdb.ListInstancesSince(ctx, tx, ownerID, since); err != nil {
			return err
		}
		res.Tombstones, err = serverdb.ListTombstonesSince(ctx, tx, ownerID, since)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("pull: %w", err)
	}
	if res.Blocks == nil {
		res.Blocks = []*models.Block{}
	}
	if res.Tasks == nil {
		res.Tasks = []*models.Task{}
	}
	if res.TaskInstances == nil {
		res.TaskInstances = []*models.TaskInstance{}
	}
	if res.Tombstones == nil {
		res.Tombstones = []serverdb.Tombstone{}
	}
	slog.Debug("pull", "uid", ownerID, "blocks", len(res.Blocks), "tasks", len(res.Tasks),
		"instances", len(res.TaskInstances), "tombstones", len(res.Tombstones))
	return res, nil
}

// Push validates changes, then applies them one by one. A rejected change
// lands in Conflicts and the batch continues; a store or streak failure
// stops the batch and is returned, leaving earlier changes committed.
// lastSyncAt advances only when the whole batch was processed.
func (s *Service) Push(ctx context.Context, ownerID string, changes []models.SyncChange) (*PushResult, error) {
	if err := ValidateChanges(changes); err != nil {
		return nil, err
	}
	if _, err := serverdb.GetUser(ctx, s.db.Conn(), ownerID); err != nil {
		return nil, err
	}

	res := &PushResult{Applied: []string{}, Conflicts: []Conflict{}}
	for _, ch := range changes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := s.proc.Apply(ctx, ownerID, ch)
		var ce *ConflictError
		switch {
		case err == nil:
			res.Applied = append(res.Applied, ch.EntityID)
		case errors.As(err, &ce):
			slog.Debug("change rejected", "uid", ownerID, "entity", ch.Entity, "id", ch.EntityID, "reason", ce.Reason)
			res.Conflicts = append(res.Conflicts, Conflict{
				Entity:     ch.Entity,
				EntityID:   ch.EntityID,
				Reason:     ce.Reason,
				ServerData: ce.ServerData,
				ClientData: ch.Data,
			})
		default:
			return nil, fmt.Errorf("push: %w", err)
		}
	}

	if err := serverdb.TouchLastSync(ctx, s.db.Conn(), ownerID, s.now()); err != nil {
		return nil, fmt.Errorf("push: %w", err)
	}
	u, err := serverdb.GetUser(ctx, s.db.Conn(), ownerID)
	if err != nil {
		return nil, fmt.Errorf("push: %w", err)
	}
	st := u.Streak()
	res.Streak = &st

	slog.Info("push", "uid", ownerID, "applied", len(res.Applied), "conflicts", len(res.Conflicts))
	return res, nil
}

// FullSync runs Pull(since=lastSyncAt) and Push(changes) concurrently.
// An empty change list skips the push.
func (s *Service) FullSync(ctx context.Context, ownerID string, changes []models.SyncChange, lastSyncAt *time.Time) (*FullSyncResult, error) {
	if len(changes) > 0 {
		if err := ValidateChanges(changes); err != nil {
			return nil, err
		}
	}

	var pull *PullResult
	push := &PushResult{Applied: []string{}, Conflicts: []Conflict{}}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		pull, err = s.Pull(gctx, ownerID, lastSyncAt)
		return err
	})
	if len(changes) > 0 {
		g.Go(func() error {
			var err error
			push, err = s.Push(gctx, ownerID, changes)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &FullSyncResult{
		Success:         true,
		Pull:            pull,
		Push:            push,
		ServerTimestamp: s.now().UTC(),
	}, nil
}

// Status reports row counts, the last push time and the stored streak.
func (s *Service) Status(ctx context.Context, ownerID string) (*Status, error) {
	u, err := serverdb.GetUser(ctx, s.db.Conn(), ownerID)
	if err != nil {
		return nil, err
	}
	counts, err := serverdb.CountOwnerRows(ctx, s.db.Conn(), ownerID)
	if err != nil {
		return nil, err
	}
	return &Status{OwnerCounts: counts, LastSyncAt: u.LastSyncAt, Streak: u.Streak()}, nil
}
