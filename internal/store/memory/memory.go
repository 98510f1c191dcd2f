// Package memory is the in-process store backend. It backs tests and local
// development, and mirrors the semantics the production document store
// provides: versioned records, conflict detection on stale writes, and a
// unique external-id key per tenant.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/couchcryptid/dispatch-sync-service/internal/domain"
	"github.com/couchcryptid/dispatch-sync-service/internal/store"
)

// Backend holds all collections behind one mutex; contention is irrelevant at
// sync volumes and a single lock keeps cross-collection invariants simple.
type Backend struct {
	mu        sync.RWMutex
	incidents map[string]domain.Incident
	extIndex  map[string]string // tenant|externalID -> incident id
	groups    map[string]domain.IncidentGroup
	tenants   map[string]domain.Tenant
	alerts    map[string]domain.WeatherAlert // tenant|alert id
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		incidents: make(map[string]domain.Incident),
		extIndex:  make(map[string]string),
		groups:    make(map[string]domain.IncidentGroup),
		tenants:   make(map[string]domain.Tenant),
		alerts:    make(map[string]domain.WeatherAlert),
	}
}

// Store exposes the backend as the collection bundle the engine consumes.
func (b *Backend) Store() store.Store {
	return store.Store{
		Incidents: incidents{b},
		Groups:    groups{b},
		Tenants:   tenants{b},
		Weather:   alerts{b},
	}
}

// SeedTenant inserts or replaces a tenant record.
func (b *Backend) SeedTenant(t domain.Tenant) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.Version == 0 {
		t.Version = 1
	}
	b.tenants[t.ID] = t
}

// GetAlert is a test helper exposing stored weather alerts.
func (b *Backend) GetAlert(tenantID, id string) (domain.WeatherAlert, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.alerts[extKey(tenantID, id)]
	return a, ok
}

func extKey(tenantID, externalID string) string {
	return tenantID + "|" + externalID
}

type incidents struct{ b *Backend }

func (c incidents) Get(_ context.Context, tenantID, id string) (domain.Incident, error) {
	c.b.mu.RLock()
	defer c.b.mu.RUnlock()
	in, ok := c.b.incidents[id]
	if !ok || in.TenantID != tenantID {
		return domain.Incident{}, fmt.Errorf("incident %q: %w", id, store.ErrNotFound)
	}
	return copyIncident(in), nil
}

func (c incidents) GetByExternalID(_ context.Context, tenantID, externalID string) (domain.Incident, error) {
	c.b.mu.RLock()
	defer c.b.mu.RUnlock()
	id, ok := c.b.extIndex[extKey(tenantID, externalID)]
	if !ok {
		return domain.Incident{}, fmt.Errorf("incident external id %q: %w", externalID, store.ErrNotFound)
	}
	return copyIncident(c.b.incidents[id]), nil
}

func (c incidents) Insert(_ context.Context, in domain.Incident) (domain.Incident, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if _, exists := c.b.incidents[in.ID]; exists {
		return domain.Incident{}, &store.ConflictError{Collection: "incidents", Key: in.ID}
	}
	if in.ExternalID != "" {
		key := extKey(in.TenantID, in.ExternalID)
		if _, exists := c.b.extIndex[key]; exists {
			return domain.Incident{}, &store.ConflictError{Collection: "incidents", Key: key}
		}
		c.b.extIndex[key] = in.ID
	}

	in.Version = 1
	c.b.incidents[in.ID] = copyIncident(in)
	return in, nil
}

func (c incidents) Update(_ context.Context, in domain.Incident) (domain.Incident, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	current, ok := c.b.incidents[in.ID]
	if !ok {
		return domain.Incident{}, fmt.Errorf("incident %q: %w", in.ID, store.ErrNotFound)
	}
	if current.Version != in.Version {
		return domain.Incident{}, &store.ConflictError{Collection: "incidents", Key: in.ID}
	}

	in.Version++
	c.b.incidents[in.ID] = copyIncident(in)
	return in, nil
}

func (c incidents) FindRelated(_ context.Context, tenantID, normalizedAddress, callType string, from, to time.Time) ([]domain.Incident, error) {
	c.b.mu.RLock()
	defer c.b.mu.RUnlock()

	var out []domain.Incident
	for _, in := range c.b.incidents {
		if in.TenantID != tenantID || in.Status == domain.StatusArchived {
			continue
		}
		if in.NormalizedAddress != normalizedAddress || in.CallType != callType {
			continue
		}
		if in.CallReceivedTime.IsZero() || in.CallReceivedTime.Before(from) || in.CallReceivedTime.After(to) {
			continue
		}
		out = append(out, copyIncident(in))
	}
	return out, nil
}

func (c incidents) ListByGroup(_ context.Context, tenantID, groupID string) ([]domain.Incident, error) {
	c.b.mu.RLock()
	defer c.b.mu.RUnlock()

	var out []domain.Incident
	for _, in := range c.b.incidents {
		if in.TenantID == tenantID && in.GroupID == groupID {
			out = append(out, copyIncident(in))
		}
	}
	return out, nil
}

func (c incidents) ListActiveBefore(_ context.Context, tenantID string, cutoff time.Time) ([]domain.Incident, error) {
	c.b.mu.RLock()
	defer c.b.mu.RUnlock()

	var out []domain.Incident
	for _, in := range c.b.incidents {
		if in.TenantID != tenantID || in.Status != domain.StatusActive {
			continue
		}
		if in.CallReceivedTime.IsZero() || !in.CallReceivedTime.Before(cutoff) {
			continue
		}
		out = append(out, copyIncident(in))
	}
	return out, nil
}

type groups struct{ b *Backend }

func (c groups) Get(_ context.Context, tenantID, id string) (domain.IncidentGroup, error) {
	c.b.mu.RLock()
	defer c.b.mu.RUnlock()
	g, ok := c.b.groups[id]
	if !ok || g.TenantID != tenantID {
		return domain.IncidentGroup{}, fmt.Errorf("group %q: %w", id, store.ErrNotFound)
	}
	return g, nil
}

func (c groups) Insert(_ context.Context, g domain.IncidentGroup) (domain.IncidentGroup, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if _, exists := c.b.groups[g.ID]; exists {
		return domain.IncidentGroup{}, &store.ConflictError{Collection: "groups", Key: g.ID}
	}
	g.Version = 1
	c.b.groups[g.ID] = g
	return g, nil
}

func (c groups) Delete(_ context.Context, tenantID, id string) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	g, ok := c.b.groups[id]
	if !ok || g.TenantID != tenantID {
		return fmt.Errorf("group %q: %w", id, store.ErrNotFound)
	}
	delete(c.b.groups, id)
	return nil
}

type tenants struct{ b *Backend }

func (c tenants) Get(_ context.Context, id string) (domain.Tenant, error) {
	c.b.mu.RLock()
	defer c.b.mu.RUnlock()
	t, ok := c.b.tenants[id]
	if !ok {
		return domain.Tenant{}, fmt.Errorf("tenant %q: %w", id, store.ErrNotFound)
	}
	return copyTenant(t), nil
}

func (c tenants) List(_ context.Context) ([]domain.Tenant, error) {
	c.b.mu.RLock()
	defer c.b.mu.RUnlock()
	out := make([]domain.Tenant, 0, len(c.b.tenants))
	for _, t := range c.b.tenants {
		out = append(out, copyTenant(t))
	}
	return out, nil
}

func (c tenants) RecordIncidentSync(_ context.Context, tenantID string, at time.Time) error {
	return c.mutate(tenantID, func(t *domain.Tenant) { t.LastIncidentSync = at })
}

func (c tenants) RecordWeatherSync(_ context.Context, tenantID string, at time.Time) error {
	return c.mutate(tenantID, func(t *domain.Tenant) { t.LastWeatherSync = at })
}

func (c tenants) SaveUnitLegend(_ context.Context, tenantID string, legend map[string]string, available bool, at time.Time) error {
	return c.mutate(tenantID, func(t *domain.Tenant) {
		t.UnitLegend = legend
		t.UnitLegendAvailable = available
		t.UnitLegendUpdatedAt = at
	})
}

func (c tenants) mutate(tenantID string, fn func(*domain.Tenant)) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	t, ok := c.b.tenants[tenantID]
	if !ok {
		return fmt.Errorf("tenant %q: %w", tenantID, store.ErrNotFound)
	}
	fn(&t)
	t.Version++
	c.b.tenants[tenantID] = t
	return nil
}

type alerts struct{ b *Backend }

func (c alerts) Upsert(_ context.Context, a domain.WeatherAlert) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	key := extKey(a.TenantID, a.ID)
	if current, ok := c.b.alerts[key]; ok {
		a.Version = current.Version + 1
	} else {
		a.Version = 1
	}
	c.b.alerts[key] = a
	return nil
}

func (c alerts) Delete(_ context.Context, tenantID, id string) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	delete(c.b.alerts, extKey(tenantID, id))
	return nil
}

func copyIncident(in domain.Incident) domain.Incident {
	out := in
	out.Units = append([]string(nil), in.Units...)
	out.UnitStatuses = append([]domain.UnitStatus(nil), in.UnitStatuses...)
	return out
}

func copyTenant(t domain.Tenant) domain.Tenant {
	out := t
	out.AgencyIDs = append([]string(nil), t.AgencyIDs...)
	out.WeatherZones = append([]string(nil), t.WeatherZones...)
	if t.UnitLegend != nil {
		out.UnitLegend = make(map[string]string, len(t.UnitLegend))
		for k, v := range t.UnitLegend {
			out.UnitLegend[k] = v
		}
	}
	return out
}
