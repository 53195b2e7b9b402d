package main

import (
	"context"
	"log/slog"
	"time"

	"botlogs/services/console/internal/console"
	"botlogs/services/console/internal/mutation"
)

func startMaintenanceLoops(
	ctx context.Context,
	manager *console.Manager,
	journal mutation.Journal,
	interval time.Duration,
	retention time.Duration,
	logger *slog.Logger,
) {
	if interval > 0 {
		go runMaintenanceLoop(ctx, manager, journal, interval, retention, logger)
	}
}

func runMaintenanceLoop(
	ctx context.Context,
	manager *console.Manager,
	journal mutation.Journal,
	interval time.Duration,
	retention time.Duration,
	logger *slog.Logger,
) {
	runMaintenanceCycle(ctx, manager, journal, retention, logger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runMaintenanceCycle(ctx, manager, journal, retention, logger)
		}
	}
}

// runMaintenanceCycle evicts idle sessions, then drops settled journal
// entries older than the retention window.
func runMaintenanceCycle(
	ctx context.Context,
	manager *console.Manager,
	journal mutation.Journal,
	retention time.Duration,
	logger *slog.Logger,
) {
	cycleCtx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()

	now := time.Now()
	evicted := manager.EvictIdle(now)

	pruned := 0
	if retention > 0 {
		var err error
		pruned, err = journal.Prune(cycleCtx, now.Add(-retention))
		if err != nil {
			logger.Warn("journal prune failed", "error", err)
		}
	}

	if evicted > 0 || pruned > 0 {
		logger.Info("maintenance completed", "evictedSessions", evicted, "prunedEntries", pruned, "liveSessions", manager.Len())
	}
}
