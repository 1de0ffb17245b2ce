package archive

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler runs Archive on a fixed interval. Purge is never scheduled.
type Scheduler struct {
	manager       *Manager
	interval      time.Duration
	olderThanDays int
	logger        *slog.Logger
}

func NewScheduler(manager *Manager, interval time.Duration, olderThanDays int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		manager:       manager,
		interval:      interval,
		olderThanDays: olderThanDays,
		logger:        logger,
	}
}

// Run archives once immediately and then on every tick until ctx is done.
// Failures are logged and retried on the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.manager.Archive(ctx, s.olderThanDays); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "scheduled audit archive failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
