package syncer

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler triggers a full sync pass on a fixed tick. Errors are logged and
// the loop keeps running; only context cancellation stops it.
type Scheduler struct {
	coordinator *Coordinator
	tick        time.Duration
	logger      *slog.Logger
}

func NewScheduler(coordinator *Coordinator, tick time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{coordinator: coordinator, tick: tick, logger: logger}
}

// Run blocks until ctx is cancelled. The first pass runs immediately rather
// than waiting one full tick.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("sync scheduler started", "tick", s.tick)

	ticker := clock.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		if err := s.coordinator.SyncAll(ctx); err != nil {
			s.logger.Error("sync pass finished with errors", "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("sync scheduler stopped")
			return
		case <-ticker.Chan():
			// next pass
		}
	}
}
