package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/honeynil/split-settlement/internal/infrastructure/redis"
	"github.com/honeynil/split-settlement/internal/repository"
)

const sweepLockKey = "settlement:sweeper:lock"

// Sweeper re-drives abandoned groups through Finalize. A redis lock keeps a
// single instance sweeping per interval; correctness does not depend on it.
type Sweeper struct {
	groups    repository.GroupRepository
	finalizer Finalizer
	lock      redis.RedisClient
	interval  time.Duration
	minAge    time.Duration
	batch     int
	now       func() time.Time
}

func NewSweeper(groups repository.GroupRepository, finalizer Finalizer, lock redis.RedisClient, interval, minAge time.Duration) *Sweeper {
	return &Sweeper{
		groups:    groups,
		finalizer: finalizer,
		lock:      lock,
		interval:  interval,
		minAge:    minAge,
		batch:     100,
		now:       time.Now,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				slog.Error("sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce finalizes one batch of stale groups and returns how many were
// attempted.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	if s.lock != nil {
		acquired, err := s.lock.SetNX(ctx, sweepLockKey, "1", s.interval)
		if err != nil {
			slog.Warn("sweeper lock unavailable, sweeping anyway", "error", err)
		} else if !acquired {
			slog.Debug("another instance holds the sweeper lock")
			return 0, nil
		}
	}

	now := s.now()
	stale, err := s.groups.ListStale(ctx, now.Add(-s.minAge), now, s.batch)
	if err != nil {
		return 0, err
	}
	for _, g := range stale {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		res, err := s.finalizer.Finalize(ctx, g.ExternalReference)
		if err != nil {
			slog.Error("sweep finalize failed", "group_reference", g.Reference, "error", err)
			continue
		}
		slog.Info("swept group", "group_reference", g.Reference, "state", res.State, "retry_later", res.RetryLater)
	}
	return len(stale), nil
}
