// Package reconcile turns raw feed records into incident creates, updates, and
// auto-groups against the store.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/dispatch-sync-service/internal/domain"
	"github.com/couchcryptid/dispatch-sync-service/internal/events"
	"github.com/couchcryptid/dispatch-sync-service/internal/observability"
	"github.com/couchcryptid/dispatch-sync-service/internal/store"
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

// Options bound how much of a feed batch is reconciled and how wide the
// auto-grouping window is.
type Options struct {
	// Lookback drops records received longer than this before now.
	Lookback time.Duration
	// BatchCap keeps only this many records, most recent first.
	BatchCap int
	// GroupWindow is the half-width of the auto-grouping time window.
	GroupWindow time.Duration
}

// Engine reconciles fetched feed data into the store.
type Engine struct {
	incidents store.Incidents
	groups    store.Groups
	weather   store.WeatherAlerts
	publisher events.Publisher
	metrics   *observability.Metrics
	logger    *slog.Logger
	opts      Options
}

// NewEngine creates a reconciliation engine. publisher may be nil to disable
// change events.
func NewEngine(st store.Store, publisher events.Publisher, metrics *observability.Metrics, logger *slog.Logger, opts Options) *Engine {
	return &Engine{
		incidents: st.Incidents,
		groups:    st.Groups,
		weather:   st.Weather,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		opts:      opts,
	}
}

// UpsertStats summarizes one reconciled incident batch.
type UpsertStats struct {
	Fetched int `json:"fetched"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Grouped int `json:"grouped"`
	Dropped int `json:"dropped"`
}

// UpsertBatch parses, filters, and reconciles one agency's record batch.
// Records without a resolvable identity are dropped and counted, never fatal.
func (e *Engine) UpsertBatch(ctx context.Context, tenantID, sourceID string, records []domain.RawRecord) (UpsertStats, error) {
	stats := UpsertStats{Fetched: len(records)}

	parsed := make([]domain.Incident, 0, len(records))
	for _, rec := range records {
		in, err := domain.ParseRawIncident(tenantID, sourceID, rec)
		if err != nil {
			if errors.Is(err, domain.ErrNoIdentity) {
				e.logger.Warn("dropping record without identity", "tenant_id", tenantID, "source_id", sourceID)
				stats.Dropped++
				continue
			}
			return stats, fmt.Errorf("parse record: %w", err)
		}
		parsed = append(parsed, in)
	}

	for _, in := range e.filterBatch(parsed) {
		outcome, err := e.upsertOne(ctx, in)
		if err != nil {
			return stats, err
		}
		switch outcome.kind {
		case upsertCreated:
			stats.Created++
		case upsertUpdated:
			stats.Updated++
		case upsertSkipped:
			stats.Skipped++
		}
		stats.Grouped += outcome.grouped
	}
	return stats, nil
}

// filterBatch applies the lookback and the batch cap. Records whose received
// time could not be parsed are kept but ordered after every parsable record,
// so the cap sheds them first.
func (e *Engine) filterBatch(batch []domain.Incident) []domain.Incident {
	cutoff := clock.Now().Add(-e.opts.Lookback)

	kept := make([]domain.Incident, 0, len(batch))
	for _, in := range batch {
		if in.CallReceivedTime.IsZero() || !in.CallReceivedTime.Before(cutoff) {
			kept = append(kept, in)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		a, b := kept[i].CallReceivedTime, kept[j].CallReceivedTime
		if a.IsZero() || b.IsZero() {
			return !a.IsZero()
		}
		return a.After(b)
	})

	if e.opts.BatchCap > 0 && len(kept) > e.opts.BatchCap {
		kept = kept[:e.opts.BatchCap]
	}
	return kept
}

type upsertKind int

const (
	upsertCreated upsertKind = iota
	upsertUpdated
	upsertSkipped
)

type upsertOutcome struct {
	kind    upsertKind
	grouped int
}

func (e *Engine) upsertOne(ctx context.Context, in domain.Incident) (upsertOutcome, error) {
	existing, err := e.incidents.GetByExternalID(ctx, in.TenantID, in.ExternalID)
	switch {
	case err == nil:
		return e.updateExisting(ctx, existing, in)
	case errors.Is(err, store.ErrNotFound):
		return e.insertNew(ctx, in)
	default:
		return upsertOutcome{}, fmt.Errorf("lookup incident %q: %w", in.ExternalID, err)
	}
}

// updateExisting overwrites feed-owned fields while preserving the record
// identity, group membership, and version the store tracks. Archived status is
// preserved too: archival happens only through a merge, and the feed must not
// undo it on the next poll.
func (e *Engine) updateExisting(ctx context.Context, existing, incoming domain.Incident) (upsertOutcome, error) {
	if existing.Status == domain.StatusArchived {
		incoming.Status = domain.StatusArchived
	}
	if !domain.Changed(existing, incoming) {
		e.metrics.IncidentsSkipped.Inc()
		return upsertOutcome{kind: upsertSkipped}, nil
	}

	incoming.ID = existing.ID
	incoming.GroupID = existing.GroupID
	incoming.Version = existing.Version
	incoming.CreatedAt = existing.CreatedAt
	incoming.StampUpdated()

	updated, err := e.incidents.Update(ctx, incoming)
	if err != nil {
		return upsertOutcome{}, err
	}
	e.metrics.IncidentsUpdated.Inc()
	e.publish(ctx, events.TypeIncidentUpdated, updated)
	return upsertOutcome{kind: upsertUpdated}, nil
}

func (e *Engine) insertNew(ctx context.Context, in domain.Incident) (upsertOutcome, error) {
	groupID, grouped, err := e.autoGroup(ctx, in)
	if err != nil {
		return upsertOutcome{}, err
	}
	in.GroupID = groupID
	in.StampCreated()

	created, err := e.incidents.Insert(ctx, in)
	if err != nil {
		return upsertOutcome{}, err
	}
	e.metrics.IncidentsCreated.Inc()
	e.publish(ctx, events.TypeIncidentCreated, created)
	if groupID != "" {
		grouped++
		e.metrics.IncidentsGrouped.Inc()
		e.publish(ctx, events.TypeIncidentGrouped, created)
	}
	return upsertOutcome{kind: upsertCreated, grouped: grouped}, nil
}

// autoGroup finds incidents at the same normalized address with the same call
// type within the grouping window and returns the group id the new incident
// should join. A fresh group is created, and its seed incident linked, when
// related incidents exist but none is grouped yet. Incidents without a usable
// received time or address never group.
func (e *Engine) autoGroup(ctx context.Context, in domain.Incident) (groupID string, grouped int, err error) {
	if in.CallReceivedTime.IsZero() || in.NormalizedAddress == "" ||
		in.FullAddress == domain.UnknownAddress {
		return "", 0, nil
	}

	from := in.CallReceivedTime.Add(-e.opts.GroupWindow)
	to := in.CallReceivedTime.Add(e.opts.GroupWindow)
	related, err := e.incidents.FindRelated(ctx, in.TenantID, in.NormalizedAddress, in.CallType, from, to)
	if err != nil {
		return "", 0, fmt.Errorf("find related incidents: %w", err)
	}
	if len(related) == 0 {
		return "", 0, nil
	}

	for _, r := range related {
		if r.GroupID != "" {
			return r.GroupID, 0, nil
		}
	}

	fresh := domain.IncidentGroup{
		TenantID:          in.TenantID,
		MergeKey:          in.NormalizedAddress + "|" + in.CallType,
		MergeReason:       domain.MergeAutoAddressTime,
		CallType:          in.CallType,
		NormalizedAddress: in.NormalizedAddress,
		WindowStart:       from,
		WindowEnd:         to,
	}
	fresh.StampCreated()
	group, err := e.groups.Insert(ctx, fresh)
	if err != nil {
		return "", 0, fmt.Errorf("create incident group: %w", err)
	}

	seed := related[0]
	seed.GroupID = group.ID
	seed.StampUpdated()
	linked, err := e.incidents.Update(ctx, seed)
	if err != nil {
		return "", 0, fmt.Errorf("link seed incident %q: %w", seed.ID, err)
	}
	e.metrics.IncidentsGrouped.Inc()
	e.publish(ctx, events.TypeIncidentGrouped, linked)
	return group.ID, 1, nil
}

// CloseStaleIncidents closes active incidents received before now-staleAfter.
// Incidents with an unparsable received time are never swept.
func (e *Engine) CloseStaleIncidents(ctx context.Context, tenantID string, staleAfter time.Duration) (int, error) {
	now := clock.Now()
	stale, err := e.incidents.ListActiveBefore(ctx, tenantID, now.Add(-staleAfter))
	if err != nil {
		return 0, fmt.Errorf("list stale incidents: %w", err)
	}

	closed := 0
	for _, in := range stale {
		in.Status = domain.StatusClosed
		in.CallClosedTime = now
		in.StampUpdated()
		updated, err := e.incidents.Update(ctx, in)
		if err != nil {
			return closed, fmt.Errorf("close stale incident %q: %w", in.ID, err)
		}
		closed++
		e.metrics.StaleClosed.Inc()
		e.publish(ctx, events.TypeIncidentClosed, updated)
	}
	return closed, nil
}

// ReconcileWeather upserts the fetched alerts and removes any alert a newer
// one references as superseded. Returns the number of alerts stored.
func (e *Engine) ReconcileWeather(ctx context.Context, tenantID string, alerts []domain.WeatherAlert) (int, error) {
	stored := 0
	for _, alert := range alerts {
		if err := e.weather.Upsert(ctx, alert); err != nil {
			return stored, fmt.Errorf("upsert alert %q: %w", alert.ID, err)
		}
		stored++

		for _, ref := range alert.References {
			if err := e.weather.Delete(ctx, tenantID, ref); err != nil && !errors.Is(err, store.ErrNotFound) {
				return stored, fmt.Errorf("delete superseded alert %q: %w", ref, err)
			}
		}
	}
	return stored, nil
}

// publish emits a change event when a publisher is wired. Event delivery is
// best effort and never fails the sync pass.
func (e *Engine) publish(ctx context.Context, eventType string, in domain.Incident) {
	if e.publisher == nil {
		return
	}
	ev := events.ChangeEvent{
		Type:       eventType,
		TenantID:   in.TenantID,
		IncidentID: in.ID,
		ExternalID: in.ExternalID,
		GroupID:    in.GroupID,
		At:         clock.Now(),
	}
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.logger.Warn("change event publish failed",
			"type", eventType, "tenant_id", in.TenantID, "incident_id", in.ID, "error", err)
	}
}
