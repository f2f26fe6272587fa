package api

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// rateLimiterSweep runs the bucket cleanup and prunes old rejection records.
	rateLimiterSweep = "@every 5m"
	// rateLimitEventRetention bounds how long rejections stay queryable.
	rateLimitEventRetention = 7 * 24 * time.Hour
)

// newScheduler registers the housekeeping jobs: the rate limiter sweep and,
// when retention is enabled, the tombstone purge.
func (s *Server) newScheduler() (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{})))

	if _, err := c.AddFunc(rateLimiterSweep, s.sweepRateLimits); err != nil {
		return nil, fmt.Errorf("schedule rate limiter cleanup: %w", err)
	}
	if s.config.TombstoneRetention > 0 && s.config.PurgeSchedule != "" {
		if _, err := c.AddFunc(s.config.PurgeSchedule, s.purgeTombstones); err != nil {
			return nil, fmt.Errorf("schedule tombstone purge: %w", err)
		}
	}
	return c, nil
}

func (s *Server) sweepRateLimits() {
	s.rateLimiter.cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	n, err := s.store.CleanupRateLimitEvents(ctx, s.now().UTC().Add(-rateLimitEventRetention))
	if err != nil {
		slog.Error("cleanup rate limit events", "err", err)
		return
	}
	if n > 0 {
		slog.Debug("pruned rate limit events", "count", n)
	}
}

// purgeTombstones hard-deletes rows soft-deleted longer than the retention
// and forgets instance deletions of the same age.
// Clients that have not synced within the retention window must re-bootstrap.
func (s *Server) purgeTombstones() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	cutoff := s.now().UTC().Add(-s.config.TombstoneRetention)
	n, err := s.store.PurgeTombstones(ctx, cutoff)
	if err != nil {
		slog.Error("purge tombstones", "err", err)
		return
	}
	if n > 0 {
		slog.Info("purged tombstones", "count", n, "cutoff", cutoff)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
