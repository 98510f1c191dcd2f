package syncer

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/couchcryptid/dispatch-sync-service/internal/observability"
	"github.com/couchcryptid/dispatch-sync-service/internal/store"
)

const (
	defaultRetryBase = 100 * time.Millisecond
	defaultRetries   = 3
)

// conflictRetrier reruns an operation after optimistic-concurrency conflicts
// with exponential backoff and jitter. Any other error propagates immediately:
// conflicts mean "read again and redo", everything else means something is
// actually wrong.
type conflictRetrier struct {
	base    time.Duration
	retries int
	metrics *observability.Metrics
	logger  *slog.Logger
}

func newConflictRetrier(metrics *observability.Metrics, logger *slog.Logger) conflictRetrier {
	return conflictRetrier{
		base:    defaultRetryBase,
		retries: defaultRetries,
		metrics: metrics,
		logger:  logger,
	}
}

func (r conflictRetrier) do(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil || !store.IsConflict(err) {
		return err
	}

	delay := r.base
	for attempt := 1; attempt <= r.retries; attempt++ {
		r.metrics.ConflictRetries.Inc()
		r.logger.Debug("retrying after write conflict", "op", op, "attempt", attempt, "delay", delay)

		jittered := delay + time.Duration(rand.Int63n(int64(delay/2)+1))
		if err = sleepWithContext(ctx, jittered); err != nil {
			return err
		}

		if err = fn(); err == nil || !store.IsConflict(err) {
			return err
		}
		delay *= 2
	}
	return err
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}
