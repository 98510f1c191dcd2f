package reconcile

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/dispatch-sync-service/internal/domain"
	"github.com/couchcryptid/dispatch-sync-service/internal/events"
	"github.com/couchcryptid/dispatch-sync-service/internal/observability"
	"github.com/couchcryptid/dispatch-sync-service/internal/store/memory"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

const feedLayout = "2006-01-02T15:04:05"

func feedTime(t time.Time) string {
	return t.UTC().Format(feedLayout)
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []events.ChangeEvent
}

func (p *capturingPublisher) Publish(_ context.Context, ev events.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

func newTestEngine(t *testing.T, backend *memory.Backend, pub events.Publisher) *Engine {
	t.Helper()
	fake := clockwork.NewFakeClockAt(testNow)
	SetClock(fake)
	domain.SetClock(fake)
	t.Cleanup(func() {
		SetClock(nil)
		domain.SetClock(nil)
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(backend.Store(), pub, observability.NewMetricsForTesting(), logger, Options{
		Lookback:    6 * time.Hour,
		BatchCap:    200,
		GroupWindow: 10 * time.Minute,
	})
}

func TestUpsertBatch_CreateThenSkip(t *testing.T) {
	backend := memory.New()
	e := newTestEngine(t, backend, nil)
	ctx := context.Background()

	batch := []domain.RawRecord{
		{"IncidentNumber": "25-001", "CallType": "SF", "FullAddress": "100 Main Street", "CallReceivedTime": feedTime(testNow.Add(-time.Hour))},
		{"IncidentNumber": "25-002", "CallType": "EMS", "FullAddress": "44 Pine Avenue", "CallReceivedTime": feedTime(testNow.Add(-30 * time.Minute))},
	}

	stats, err := e.UpsertBatch(ctx, "tenant-1", "src-1", batch)
	require.NoError(t, err)
	assert.Equal(t, UpsertStats{Fetched: 2, Created: 2}, stats)

	stats, err = e.UpsertBatch(ctx, "tenant-1", "src-1", batch)
	require.NoError(t, err)
	assert.Equal(t, UpsertStats{Fetched: 2, Skipped: 2}, stats)
}

func TestUpsertBatch_UpdateOnUnitChange(t *testing.T) {
	backend := memory.New()
	e := newTestEngine(t, backend, nil)
	ctx := context.Background()

	rec := domain.RawRecord{
		"IncidentNumber":   "25-123",
		"CallType":         "SF",
		"FullAddress":      "100 Main Street",
		"CallReceivedTime": feedTime(testNow.Add(-time.Hour)),
		"Units":            []any{"E1"},
	}
	_, err := e.UpsertBatch(ctx, "tenant-1", "src-1", []domain.RawRecord{rec})
	require.NoError(t, err)

	rec["Units"] = []any{"E1", "L2"}
	stats, err := e.UpsertBatch(ctx, "tenant-1", "src-1", []domain.RawRecord{rec})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)

	stored, err := backend.Store().Incidents.GetByExternalID(ctx, "tenant-1", "25-123")
	require.NoError(t, err)
	assert.Equal(t, []string{"E1", "L2"}, stored.Units)
	assert.Equal(t, "100 MAIN ST", stored.NormalizedAddress)
	assert.Equal(t, domain.CategoryFire, stored.CallTypeCategory)
}

func TestUpsertBatch_PreservesArchivedStatus(t *testing.T) {
	backend := memory.New()
	e := newTestEngine(t, backend, nil)
	ctx := context.Background()

	rec := domain.RawRecord{
		"IncidentNumber":   "25-777",
		"CallType":         "SF",
		"FullAddress":      "100 Main Street",
		"CallReceivedTime": feedTime(testNow.Add(-time.Hour)),
		"Units":            []any{"E1"},
	}
	_, err := e.UpsertBatch(ctx, "tenant-1", "src-1", []domain.RawRecord{rec})
	require.NoError(t, err)

	// Archive it the way a merge would.
	stored, err := backend.Store().Incidents.GetByExternalID(ctx, "tenant-1", "25-777")
	require.NoError(t, err)
	stored.Status = domain.StatusArchived
	_, err = backend.Store().Incidents.Update(ctx, stored)
	require.NoError(t, err)

	// Re-delivering the feed record must not resurrect it.
	stats, err := e.UpsertBatch(ctx, "tenant-1", "src-1", []domain.RawRecord{rec})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)

	// Unit changes still flow through, without touching the status.
	rec["Units"] = []any{"E1", "L2"}
	stats, err = e.UpsertBatch(ctx, "tenant-1", "src-1", []domain.RawRecord{rec})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)

	stored, err = backend.Store().Incidents.GetByExternalID(ctx, "tenant-1", "25-777")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusArchived, stored.Status)
	assert.Equal(t, []string{"E1", "L2"}, stored.Units)
}

func TestUpsertBatch_StampsTimestamps(t *testing.T) {
	backend := memory.New()
	e := newTestEngine(t, backend, nil)
	ctx := context.Background()

	rec := domain.RawRecord{
		"IncidentNumber":   "25-500",
		"CallType":         "EMS",
		"FullAddress":      "44 Pine Avenue",
		"CallReceivedTime": feedTime(testNow.Add(-time.Hour)),
		"Units":            []any{"M1"},
	}
	_, err := e.UpsertBatch(ctx, "tenant-1", "src-1", []domain.RawRecord{rec})
	require.NoError(t, err)

	stored, err := backend.Store().Incidents.GetByExternalID(ctx, "tenant-1", "25-500")
	require.NoError(t, err)
	assert.Equal(t, testNow, stored.CreatedAt)
	assert.Equal(t, testNow, stored.UpdatedAt)

	later := testNow.Add(5 * time.Minute)
	domain.SetClock(clockwork.NewFakeClockAt(later))
	rec["Units"] = []any{"M1", "M2"}
	_, err = e.UpsertBatch(ctx, "tenant-1", "src-1", []domain.RawRecord{rec})
	require.NoError(t, err)

	stored, err = backend.Store().Incidents.GetByExternalID(ctx, "tenant-1", "25-500")
	require.NoError(t, err)
	assert.Equal(t, testNow, stored.CreatedAt)
	assert.Equal(t, later, stored.UpdatedAt)
}

func TestUpsertBatch_DropsIdentitylessRecords(t *testing.T) {
	backend := memory.New()
	e := newTestEngine(t, backend, nil)

	stats, err := e.UpsertBatch(context.Background(), "tenant-1", "src-1", []domain.RawRecord{
		{"CallType": "SF", "FullAddress": "100 Main Street"},
		{"IncidentNumber": "25-002", "CallType": "SF", "FullAddress": "100 Main Street", "CallReceivedTime": feedTime(testNow)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dropped)
	assert.Equal(t, 1, stats.Created)
}

func TestUpsertBatch_AutoGroup(t *testing.T) {
	backend := memory.New()
	pub := &capturingPublisher{}
	e := newTestEngine(t, backend, pub)
	ctx := context.Background()

	record := func(id string, received time.Time) domain.RawRecord {
		return domain.RawRecord{
			"IncidentNumber":   id,
			"CallType":         "SF",
			"FullAddress":      "200 Oak Street",
			"CallReceivedTime": feedTime(received),
		}
	}

	base := testNow.Add(-time.Hour)

	stats, err := e.UpsertBatch(ctx, "tenant-1", "src-1", []domain.RawRecord{record("25-A", base)})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Grouped)

	// Four minutes later at the same address: a group forms around both.
	stats, err = e.UpsertBatch(ctx, "tenant-1", "src-1", []domain.RawRecord{record("25-B", base.Add(4*time.Minute))})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Grouped)

	a, err := backend.Store().Incidents.GetByExternalID(ctx, "tenant-1", "25-A")
	require.NoError(t, err)
	b, err := backend.Store().Incidents.GetByExternalID(ctx, "tenant-1", "25-B")
	require.NoError(t, err)
	require.NotEmpty(t, a.GroupID)
	assert.Equal(t, a.GroupID, b.GroupID)

	group, err := backend.Store().Groups.Get(ctx, "tenant-1", a.GroupID)
	require.NoError(t, err)
	assert.Equal(t, domain.MergeAutoAddressTime, group.MergeReason)
	assert.Equal(t, "200 OAK ST", group.NormalizedAddress)

	// Five minutes after B: joins the existing group instead of minting one.
	stats, err = e.UpsertBatch(ctx, "tenant-1", "src-1", []domain.RawRecord{record("25-C", base.Add(9*time.Minute))})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Grouped)

	c, err := backend.Store().Incidents.GetByExternalID(ctx, "tenant-1", "25-C")
	require.NoError(t, err)
	assert.Equal(t, a.GroupID, c.GroupID)

	assert.Contains(t, pub.types(), events.TypeIncidentCreated)
	assert.Contains(t, pub.types(), events.TypeIncidentGrouped)
}

func TestUpsertBatch_NoGroupOutsideWindow(t *testing.T) {
	backend := memory.New()
	e := newTestEngine(t, backend, nil)
	ctx := context.Background()

	base := testNow.Add(-2 * time.Hour)
	batchA := []domain.RawRecord{{
		"IncidentNumber": "25-A", "CallType": "SF", "FullAddress": "200 Oak Street",
		"CallReceivedTime": feedTime(base),
	}}
	batchB := []domain.RawRecord{{
		"IncidentNumber": "25-B", "CallType": "SF", "FullAddress": "200 Oak Street",
		"CallReceivedTime": feedTime(base.Add(15 * time.Minute)),
	}}

	_, err := e.UpsertBatch(ctx, "tenant-1", "src-1", batchA)
	require.NoError(t, err)
	stats, err := e.UpsertBatch(ctx, "tenant-1", "src-1", batchB)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Grouped)

	b, err := backend.Store().Incidents.GetByExternalID(ctx, "tenant-1", "25-B")
	require.NoError(t, err)
	assert.Empty(t, b.GroupID)
}

func TestUpsertBatch_NoGroupForUnknownAddress(t *testing.T) {
	backend := memory.New()
	e := newTestEngine(t, backend, nil)
	ctx := context.Background()

	base := testNow.Add(-time.Hour)
	for _, id := range []string{"25-A", "25-B"} {
		_, err := e.UpsertBatch(ctx, "tenant-1", "src-1", []domain.RawRecord{{
			"IncidentNumber": id, "CallType": "SF",
			"CallReceivedTime": feedTime(base),
		}})
		require.NoError(t, err)
	}

	b, err := backend.Store().Incidents.GetByExternalID(ctx, "tenant-1", "25-B")
	require.NoError(t, err)
	assert.Equal(t, domain.UnknownAddress, b.FullAddress)
	assert.Empty(t, b.GroupID)
}

func TestUpsertBatch_LookbackAndCap(t *testing.T) {
	backend := memory.New()
	e := newTestEngine(t, backend, nil)
	e.opts.BatchCap = 2
	ctx := context.Background()

	batch := []domain.RawRecord{
		{"IncidentNumber": "old", "CallType": "SF", "FullAddress": "1 A Street", "CallReceivedTime": feedTime(testNow.Add(-7 * time.Hour))},
		{"IncidentNumber": "newest", "CallType": "SF", "FullAddress": "2 B Street", "CallReceivedTime": feedTime(testNow.Add(-time.Hour))},
		{"IncidentNumber": "garbled", "CallType": "SF", "FullAddress": "3 C Street", "CallReceivedTime": "not a timestamp"},
		{"IncidentNumber": "recent", "CallType": "SF", "FullAddress": "4 D Street", "CallReceivedTime": feedTime(testNow.Add(-2 * time.Hour))},
	}

	stats, err := e.UpsertBatch(ctx, "tenant-1", "src-1", batch)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Created)

	_, err = backend.Store().Incidents.GetByExternalID(ctx, "tenant-1", "newest")
	assert.NoError(t, err)
	_, err = backend.Store().Incidents.GetByExternalID(ctx, "tenant-1", "recent")
	assert.NoError(t, err)
}

func TestUpsertBatch_KeepsUnparsableTimeUnderCap(t *testing.T) {
	backend := memory.New()
	e := newTestEngine(t, backend, nil)
	ctx := context.Background()

	stats, err := e.UpsertBatch(ctx, "tenant-1", "src-1", []domain.RawRecord{
		{"IncidentNumber": "garbled", "CallType": "SF", "FullAddress": "3 C Street", "CallReceivedTime": "03-15 around noon"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Created)

	stored, err := backend.Store().Incidents.GetByExternalID(ctx, "tenant-1", "garbled")
	require.NoError(t, err)
	assert.True(t, stored.CallReceivedTime.IsZero())
	assert.Equal(t, "03-15 around noon", stored.CallReceivedRaw)
}

func TestCloseStaleIncidents(t *testing.T) {
	backend := memory.New()
	pub := &capturingPublisher{}
	e := newTestEngine(t, backend, pub)
	ctx := context.Background()

	seed := func(id string, received time.Time) {
		_, err := backend.Store().Incidents.Insert(ctx, domain.Incident{
			ID: id, TenantID: "tenant-1", ExternalID: id,
			Status: domain.StatusActive, CallReceivedTime: received,
		})
		require.NoError(t, err)
	}
	seed("stale", testNow.Add(-13*time.Hour))
	seed("fresh", testNow.Add(-time.Hour))
	seed("garbled", time.Time{})

	closed, err := e.CloseStaleIncidents(ctx, "tenant-1", 12*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	stale, err := backend.Store().Incidents.Get(ctx, "tenant-1", "stale")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, stale.Status)
	assert.Equal(t, testNow, stale.CallClosedTime)

	fresh, err := backend.Store().Incidents.Get(ctx, "tenant-1", "fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, fresh.Status)

	garbled, err := backend.Store().Incidents.Get(ctx, "tenant-1", "garbled")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, garbled.Status)

	assert.Equal(t, []string{events.TypeIncidentClosed}, pub.types())
}

func TestReconcileWeather(t *testing.T) {
	backend := memory.New()
	e := newTestEngine(t, backend, nil)
	ctx := context.Background()

	prior := domain.WeatherAlert{ID: "alert-old", TenantID: "tenant-1", Event: "Flood Watch"}
	require.NoError(t, backend.Store().Weather.Upsert(ctx, prior))

	stored, err := e.ReconcileWeather(ctx, "tenant-1", []domain.WeatherAlert{{
		ID: "alert-new", TenantID: "tenant-1", Event: "Flood Warning",
		References: []string{"alert-old", "alert-never-seen"},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, stored)

	_, ok := backend.GetAlert("tenant-1", "alert-new")
	assert.True(t, ok)
	_, ok = backend.GetAlert("tenant-1", "alert-old")
	assert.False(t, ok, "superseded alert should be removed")
}
