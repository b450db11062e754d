package blacklist

import (
	"context"
	"errors"
	"time"

	"agentfactory/internal/config"
	"agentfactory/internal/support"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	cleanupLockKey     = "agentfactory:leader:blacklist_cleanup"
	cleanupRunTimeout  = 2 * time.Minute
	minCleanupInterval = time.Second
)

// StartCleanupRoutine archives expired entries on the configured interval.
// With a redis client only the lock holder sweeps. Blocks until ctx ends.
func (s *Store) StartCleanupRoutine(ctx context.Context, client *redis.Client) {
	if ctx == nil {
		ctx = context.Background()
	}

	updates := config.CleanupIntervalUpdates()

	err := support.RunWithLeader(ctx, client, cleanupLockKey, support.DefaultLeadershipTTL, func(leaderCtx context.Context) {
		s.runCleanupLoop(leaderCtx, updates)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Blacklist cleanup routine stopped", "error", err)
	}
}

func (s *Store) runCleanupLoop(ctx context.Context, updates <-chan time.Duration) {
	current := config.GetCleanupInterval()
	if current < minCleanupInterval {
		current = minCleanupInterval
	}

	ticker := time.NewTicker(current)
	defer ticker.Stop()

	s.runCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCleanup(ctx)
		case next := <-updates:
			if next < minCleanupInterval {
				next = minCleanupInterval
			}
			if next == current {
				continue
			}
			current = next
			ticker.Reset(current)
			log.Debug("Blacklist cleanup interval updated", "interval", current)
		}
	}
}

func (s *Store) runCleanup(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, cleanupRunTimeout)
	defer cancel()

	if _, err := s.CleanupExpired(runCtx); err != nil && ctx.Err() == nil {
		log.Error("Blacklist cleanup failed", "error", err)
	}
}
