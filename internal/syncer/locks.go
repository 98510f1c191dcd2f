// Package syncer coordinates sync passes: per-tenant locking and rate
// limiting, conflict retry, fan-out across sources, and the periodic schedule.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var clock = clockwork.NewRealClock()

// SetClock swaps the package clock for tests. Passing nil restores the real
// clock.
func SetClock(c clockwork.Clock) {
	if c == nil {
		clock = clockwork.NewRealClock()
		return
	}
	clock = c
}

// Source types a tenant lock is scoped to. Syncs for different source types
// never block each other.
const (
	SourceIncidents  = "incidents"
	SourceWeather    = "weather"
	SourceUnitLegend = "unitlegend"
)

// LockService grants exclusive sync slots per tenant and source type, and
// enforces a minimum interval between grants so overlapping triggers cannot
// hammer the upstream feed.
type LockService interface {
	// TryAcquire returns true when the caller may sync now. A false return
	// means another sync is in flight or one started too recently.
	TryAcquire(ctx context.Context, tenantID, source string) (bool, error)
	Release(ctx context.Context, tenantID, source string) error
}

type lockEntry struct {
	inProgress  bool
	lastGranted time.Time
}

// MemoryLocks is the in-process LockService for single-instance deployments.
type MemoryLocks struct {
	mu          sync.Mutex
	entries     map[string]*lockEntry
	minInterval time.Duration
}

func NewMemoryLocks(minInterval time.Duration) *MemoryLocks {
	return &MemoryLocks{
		entries:     make(map[string]*lockEntry),
		minInterval: minInterval,
	}
}

func lockKey(tenantID, source string) string {
	return tenantID + "|" + source
}

func (l *MemoryLocks) TryAcquire(_ context.Context, tenantID, source string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := lockKey(tenantID, source)
	entry, ok := l.entries[key]
	if !ok {
		entry = &lockEntry{}
		l.entries[key] = entry
	}

	now := clock.Now()
	if entry.inProgress {
		return false, nil
	}
	if !entry.lastGranted.IsZero() && now.Sub(entry.lastGranted) < l.minInterval {
		return false, nil
	}

	entry.inProgress = true
	entry.lastGranted = now
	return true, nil
}

func (l *MemoryLocks) Release(_ context.Context, tenantID, source string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.entries[lockKey(tenantID, source)]; ok {
		entry.inProgress = false
	}
	return nil
}
