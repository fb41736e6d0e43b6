package recovery

// scheduler.go removes expired recovery entries in the background.
//
// The scheduler runs once on start and then every interval until its
// context is cancelled. A failed purge is logged and retried on the next
// tick; it never stops the scheduler.

import (
	"context"
	"log/slog"
	"time"
)

// DefaultPurgeInterval is how often expired entries are removed.
const DefaultPurgeInterval = time.Hour

// StartPurgeScheduler purges expired entries from store until ctx ends.
// It blocks; run it in its own goroutine.
func StartPurgeScheduler(ctx context.Context, store Store, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPurgeInterval
	}
	slog.Info("recovery purge scheduler started", "interval", interval)

	runPurge(ctx, store)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("recovery purge scheduler stopped")
			return
		case <-ticker.C:
			runPurge(ctx, store)
		}
	}
}

func runPurge(ctx context.Context, store Store) {
	start := time.Now()
	purged, err := store.Purge(ctx, start)
	if err != nil {
		slog.Error("recovery purge failed", "error", err)
		return
	}
	slog.Debug("recovery purge completed",
		"entries_purged", purged,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
