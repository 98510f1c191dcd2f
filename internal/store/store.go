// Package store defines the persistence surface the sync engine reconciles
// against. Incidents and groups are independent collections keyed by id; group
// membership is derived by querying incidents on group id, never held on the
// group. Implementations must provide per-record optimistic concurrency:
// updates carry the version the writer read, and a stale version fails with
// ConflictError so the coordinator's retry policy can absorb write races.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/dispatch-sync-service/internal/domain"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ConflictError reports an optimistic-concurrency violation: the record was
// modified between read and write, or an insert hit a unique key.
type ConflictError struct {
	Collection string
	Key        string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("write conflict on %s %q", e.Collection, e.Key)
}

// IsConflict reports whether err is a ConflictError anywhere in its chain.
// Only conflicts are retriable; everything else propagates immediately.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// Incidents is the incident collection.
type Incidents interface {
	Get(ctx context.Context, tenantID, id string) (domain.Incident, error)
	// GetByExternalID looks up by the feed-assigned natural key.
	GetByExternalID(ctx context.Context, tenantID, externalID string) (domain.Incident, error)
	// Insert stores a new incident and returns it with version 1 set.
	Insert(ctx context.Context, in domain.Incident) (domain.Incident, error)
	// Update overwrites an incident if the stored version matches in.Version,
	// returning the record with its version advanced.
	Update(ctx context.Context, in domain.Incident) (domain.Incident, error)
	// FindRelated returns non-archived incidents matching the auto-grouping
	// key whose received time falls within [from, to].
	FindRelated(ctx context.Context, tenantID, normalizedAddress, callType string, from, to time.Time) ([]domain.Incident, error)
	ListByGroup(ctx context.Context, tenantID, groupID string) ([]domain.Incident, error)
	// ListActiveBefore returns active incidents received before cutoff.
	// Incidents with an unparsable (zero) received time are excluded.
	ListActiveBefore(ctx context.Context, tenantID string, cutoff time.Time) ([]domain.Incident, error)
}

// Groups is the incident-group collection.
type Groups interface {
	Get(ctx context.Context, tenantID, id string) (domain.IncidentGroup, error)
	Insert(ctx context.Context, g domain.IncidentGroup) (domain.IncidentGroup, error)
	Delete(ctx context.Context, tenantID, id string) error
}

// Tenants exposes the slice of the tenant document the sync engine owns.
type Tenants interface {
	Get(ctx context.Context, id string) (domain.Tenant, error)
	List(ctx context.Context) ([]domain.Tenant, error)
	RecordIncidentSync(ctx context.Context, tenantID string, at time.Time) error
	RecordWeatherSync(ctx context.Context, tenantID string, at time.Time) error
	SaveUnitLegend(ctx context.Context, tenantID string, legend map[string]string, available bool, at time.Time) error
}

// WeatherAlerts is the weather alert collection.
type WeatherAlerts interface {
	Upsert(ctx context.Context, a domain.WeatherAlert) error
	Delete(ctx context.Context, tenantID, id string) error
}

// Store bundles the collections a backend provides.
type Store struct {
	Incidents Incidents
	Groups    Groups
	Tenants   Tenants
	Weather   WeatherAlerts
}
