// Package postgres backs the store interfaces with PostgreSQL. Records are
// jsonb documents beside the columns the engine queries on; a version column
// provides per-record optimistic concurrency, surfaced as store.ConflictError
// so the coordinator's retry policy applies uniformly across backends.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/couchcryptid/dispatch-sync-service/internal/domain"
	"github.com/couchcryptid/dispatch-sync-service/internal/store"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS incidents (
	id text PRIMARY KEY,
	tenant_id text NOT NULL,
	external_id text NOT NULL DEFAULT '',
	call_type text NOT NULL DEFAULT '',
	normalized_address text NOT NULL DEFAULT '',
	status text NOT NULL,
	group_id text NOT NULL DEFAULT '',
	call_received_time timestamptz,
	version bigint NOT NULL,
	doc jsonb NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS incidents_tenant_external
	ON incidents (tenant_id, external_id) WHERE external_id <> '';
CREATE INDEX IF NOT EXISTS incidents_related
	ON incidents (tenant_id, normalized_address, call_type, call_received_time);
CREATE INDEX IF NOT EXISTS incidents_by_group ON incidents (tenant_id, group_id);

CREATE TABLE IF NOT EXISTS incident_groups (
	id text PRIMARY KEY,
	tenant_id text NOT NULL,
	version bigint NOT NULL,
	doc jsonb NOT NULL
);

CREATE TABLE IF NOT EXISTS tenants (
	id text PRIMARY KEY,
	version bigint NOT NULL,
	doc jsonb NOT NULL
);

CREATE TABLE IF NOT EXISTS weather_alerts (
	tenant_id text NOT NULL,
	id text NOT NULL,
	version bigint NOT NULL,
	doc jsonb NOT NULL,
	PRIMARY KEY (tenant_id, id)
);
`

// Backend is a PostgreSQL-backed store.
type Backend struct {
	pool *pgxpool.Pool
}

// New connects to databaseURL, verifies the connection, and ensures the schema.
func New(ctx context.Context, databaseURL string) (*Backend, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Backend{pool: pool}, nil
}

// Close releases the connection pool.
func (b *Backend) Close() {
	b.pool.Close()
}

// Ping verifies database connectivity, for readiness probes.
func (b *Backend) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

// Store exposes the backend as the collection bundle the engine consumes.
func (b *Backend) Store() store.Store {
	return store.Store{
		Incidents: incidents{b.pool},
		Groups:    groups{b.pool},
		Tenants:   tenants{b.pool},
		Weather:   alerts{b.pool},
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

type incidents struct{ pool *pgxpool.Pool }

func scanIncident(row pgx.Row) (domain.Incident, error) {
	var doc []byte
	var version int64
	if err := row.Scan(&doc, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Incident{}, store.ErrNotFound
		}
		return domain.Incident{}, err
	}
	var in domain.Incident
	if err := json.Unmarshal(doc, &in); err != nil {
		return domain.Incident{}, fmt.Errorf("decode incident doc: %w", err)
	}
	in.Version = version
	return in, nil
}

func (c incidents) Get(ctx context.Context, tenantID, id string) (domain.Incident, error) {
	row := c.pool.QueryRow(ctx,
		`SELECT doc, version FROM incidents WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	in, err := scanIncident(row)
	if err != nil {
		return domain.Incident{}, fmt.Errorf("incident %q: %w", id, err)
	}
	return in, nil
}

func (c incidents) GetByExternalID(ctx context.Context, tenantID, externalID string) (domain.Incident, error) {
	row := c.pool.QueryRow(ctx,
		`SELECT doc, version FROM incidents WHERE tenant_id = $1 AND external_id = $2 AND external_id <> ''`,
		tenantID, externalID)
	in, err := scanIncident(row)
	if err != nil {
		return domain.Incident{}, fmt.Errorf("incident external id %q: %w", externalID, err)
	}
	return in, nil
}

func (c incidents) Insert(ctx context.Context, in domain.Incident) (domain.Incident, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	in.Version = 1
	doc, err := json.Marshal(in)
	if err != nil {
		return domain.Incident{}, fmt.Errorf("encode incident: %w", err)
	}
	_, err = c.pool.Exec(ctx, `
		INSERT INTO incidents (id, tenant_id, external_id, call_type, normalized_address, status, group_id, call_received_time, version, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		in.ID, in.TenantID, in.ExternalID, in.CallType, in.NormalizedAddress,
		string(in.Status), in.GroupID, nullableTime(in.CallReceivedTime), in.Version, doc)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Incident{}, &store.ConflictError{Collection: "incidents", Key: in.TenantID + "|" + in.ExternalID}
		}
		return domain.Incident{}, fmt.Errorf("insert incident: %w", err)
	}
	return in, nil
}

func (c incidents) Update(ctx context.Context, in domain.Incident) (domain.Incident, error) {
	readVersion := in.Version
	in.Version = readVersion + 1
	doc, err := json.Marshal(in)
	if err != nil {
		return domain.Incident{}, fmt.Errorf("encode incident: %w", err)
	}
	tag, err := c.pool.Exec(ctx, `
		UPDATE incidents
		SET external_id = $3, call_type = $4, normalized_address = $5, status = $6,
			group_id = $7, call_received_time = $8, version = version + 1, doc = $9
		WHERE id = $1 AND tenant_id = $2 AND version = $10`,
		in.ID, in.TenantID, in.ExternalID, in.CallType, in.NormalizedAddress,
		string(in.Status), in.GroupID, nullableTime(in.CallReceivedTime), doc, readVersion)
	if err != nil {
		return domain.Incident{}, fmt.Errorf("update incident: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a lost race from a missing record.
		var exists bool
		if err := c.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM incidents WHERE id = $1 AND tenant_id = $2)`,
			in.ID, in.TenantID).Scan(&exists); err != nil {
			return domain.Incident{}, fmt.Errorf("update incident: %w", err)
		}
		if exists {
			return domain.Incident{}, &store.ConflictError{Collection: "incidents", Key: in.ID}
		}
		return domain.Incident{}, fmt.Errorf("incident %q: %w", in.ID, store.ErrNotFound)
	}
	return in, nil
}

func collectIncidents(rows pgx.Rows) ([]domain.Incident, error) {
	defer rows.Close()
	var out []domain.Incident
	for rows.Next() {
		var doc []byte
		var version int64
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, err
		}
		var in domain.Incident
		if err := json.Unmarshal(doc, &in); err != nil {
			return nil, fmt.Errorf("decode incident doc: %w", err)
		}
		in.Version = version
		out = append(out, in)
	}
	return out, rows.Err()
}

func (c incidents) FindRelated(ctx context.Context, tenantID, normalizedAddress, callType string, from, to time.Time) ([]domain.Incident, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT doc, version FROM incidents
		WHERE tenant_id = $1 AND normalized_address = $2 AND call_type = $3
			AND status <> 'archived'
			AND call_received_time IS NOT NULL
			AND call_received_time BETWEEN $4 AND $5`,
		tenantID, normalizedAddress, callType, from, to)
	if err != nil {
		return nil, fmt.Errorf("find related incidents: %w", err)
	}
	return collectIncidents(rows)
}

func (c incidents) ListByGroup(ctx context.Context, tenantID, groupID string) ([]domain.Incident, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT doc, version FROM incidents WHERE tenant_id = $1 AND group_id = $2`, tenantID, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group incidents: %w", err)
	}
	return collectIncidents(rows)
}

func (c incidents) ListActiveBefore(ctx context.Context, tenantID string, cutoff time.Time) ([]domain.Incident, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT doc, version FROM incidents
		WHERE tenant_id = $1 AND status = 'active'
			AND call_received_time IS NOT NULL AND call_received_time < $2`,
		tenantID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale incidents: %w", err)
	}
	return collectIncidents(rows)
}

type groups struct{ pool *pgxpool.Pool }

func (c groups) Get(ctx context.Context, tenantID, id string) (domain.IncidentGroup, error) {
	var doc []byte
	var version int64
	err := c.pool.QueryRow(ctx,
		`SELECT doc, version FROM incident_groups WHERE id = $1 AND tenant_id = $2`, id, tenantID).
		Scan(&doc, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.IncidentGroup{}, fmt.Errorf("group %q: %w", id, store.ErrNotFound)
		}
		return domain.IncidentGroup{}, fmt.Errorf("get group: %w", err)
	}
	var g domain.IncidentGroup
	if err := json.Unmarshal(doc, &g); err != nil {
		return domain.IncidentGroup{}, fmt.Errorf("decode group doc: %w", err)
	}
	g.Version = version
	return g, nil
}

func (c groups) Insert(ctx context.Context, g domain.IncidentGroup) (domain.IncidentGroup, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	g.Version = 1
	doc, err := json.Marshal(g)
	if err != nil {
		return domain.IncidentGroup{}, fmt.Errorf("encode group: %w", err)
	}
	_, err = c.pool.Exec(ctx,
		`INSERT INTO incident_groups (id, tenant_id, version, doc) VALUES ($1, $2, $3, $4)`,
		g.ID, g.TenantID, g.Version, doc)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.IncidentGroup{}, &store.ConflictError{Collection: "groups", Key: g.ID}
		}
		return domain.IncidentGroup{}, fmt.Errorf("insert group: %w", err)
	}
	return g, nil
}

func (c groups) Delete(ctx context.Context, tenantID, id string) error {
	tag, err := c.pool.Exec(ctx,
		`DELETE FROM incident_groups WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("group %q: %w", id, store.ErrNotFound)
	}
	return nil
}

type tenants struct{ pool *pgxpool.Pool }

func (c tenants) Get(ctx context.Context, id string) (domain.Tenant, error) {
	var doc []byte
	var version int64
	err := c.pool.QueryRow(ctx, `SELECT doc, version FROM tenants WHERE id = $1`, id).Scan(&doc, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Tenant{}, fmt.Errorf("tenant %q: %w", id, store.ErrNotFound)
		}
		return domain.Tenant{}, fmt.Errorf("get tenant: %w", err)
	}
	var t domain.Tenant
	if err := json.Unmarshal(doc, &t); err != nil {
		return domain.Tenant{}, fmt.Errorf("decode tenant doc: %w", err)
	}
	t.Version = version
	return t, nil
}

func (c tenants) List(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := c.pool.Query(ctx, `SELECT doc, version FROM tenants`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []domain.Tenant
	for rows.Next() {
		var doc []byte
		var version int64
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, err
		}
		var t domain.Tenant
		if err := json.Unmarshal(doc, &t); err != nil {
			return nil, fmt.Errorf("decode tenant doc: %w", err)
		}
		t.Version = version
		out = append(out, t)
	}
	return out, rows.Err()
}

func (c tenants) RecordIncidentSync(ctx context.Context, tenantID string, at time.Time) error {
	return c.mutate(ctx, tenantID, func(t *domain.Tenant) { t.LastIncidentSync = at })
}

func (c tenants) RecordWeatherSync(ctx context.Context, tenantID string, at time.Time) error {
	return c.mutate(ctx, tenantID, func(t *domain.Tenant) { t.LastWeatherSync = at })
}

func (c tenants) SaveUnitLegend(ctx context.Context, tenantID string, legend map[string]string, available bool, at time.Time) error {
	return c.mutate(ctx, tenantID, func(t *domain.Tenant) {
		t.UnitLegend = legend
		t.UnitLegendAvailable = available
		t.UnitLegendUpdatedAt = at
	})
}

func (c tenants) mutate(ctx context.Context, tenantID string, fn func(*domain.Tenant)) error {
	t, err := c.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	readVersion := t.Version
	fn(&t)
	t.Version = readVersion + 1
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode tenant: %w", err)
	}
	tag, err := c.pool.Exec(ctx,
		`UPDATE tenants SET doc = $2, version = version + 1 WHERE id = $1 AND version = $3`,
		tenantID, doc, readVersion)
	if err != nil {
		return fmt.Errorf("update tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &store.ConflictError{Collection: "tenants", Key: tenantID}
	}
	return nil
}

type alerts struct{ pool *pgxpool.Pool }

func (c alerts) Upsert(ctx context.Context, a domain.WeatherAlert) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode weather alert: %w", err)
	}
	_, err = c.pool.Exec(ctx, `
		INSERT INTO weather_alerts (tenant_id, id, version, doc) VALUES ($1, $2, 1, $3)
		ON CONFLICT (tenant_id, id)
		DO UPDATE SET doc = EXCLUDED.doc, version = weather_alerts.version + 1`,
		a.TenantID, a.ID, doc)
	if err != nil {
		return fmt.Errorf("upsert weather alert: %w", err)
	}
	return nil
}

func (c alerts) Delete(ctx context.Context, tenantID, id string) error {
	if _, err := c.pool.Exec(ctx,
		`DELETE FROM weather_alerts WHERE tenant_id = $1 AND id = $2`, tenantID, id); err != nil {
		return fmt.Errorf("delete weather alert: %w", err)
	}
	return nil
}
