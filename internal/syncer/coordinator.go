package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/dispatch-sync-service/internal/domain"
	"github.com/couchcryptid/dispatch-sync-service/internal/observability"
	"github.com/couchcryptid/dispatch-sync-service/internal/reconcile"
	"github.com/couchcryptid/dispatch-sync-service/internal/store"
)

// ErrThrottled is returned when a sync is rejected because one is already in
// flight or one ran too recently for this tenant and source type.
var ErrThrottled = errors.New("sync throttled")

// IncidentFetcher pulls agency data from the dispatch feed.
type IncidentFetcher interface {
	FetchIncidents(ctx context.Context, agencyID string) ([]domain.RawRecord, error)
	FetchUnitLegend(ctx context.Context, agencyID string) (map[string]string, bool, error)
}

// AlertFetcher pulls active weather alerts for a tenant's zones.
type AlertFetcher interface {
	FetchAlerts(ctx context.Context, tenantID string, zones []string) ([]domain.WeatherAlert, error)
}

// Reconciler applies fetched data to the store.
type Reconciler interface {
	UpsertBatch(ctx context.Context, tenantID, sourceID string, records []domain.RawRecord) (reconcile.UpsertStats, error)
	CloseStaleIncidents(ctx context.Context, tenantID string, staleAfter time.Duration) (int, error)
	ReconcileWeather(ctx context.Context, tenantID string, alerts []domain.WeatherAlert) (int, error)
}

// Config bounds a sync pass.
type Config struct {
	// Parallelism caps how many tenants sync concurrently in SyncAll.
	Parallelism int
	// StaleAfter is the age past which an active incident is force-closed.
	StaleAfter time.Duration
}

// Coordinator runs sync passes: it acquires the tenant lock, fans out across
// the tenant's sources, reconciles the results, and records bookkeeping.
type Coordinator struct {
	tenants store.Tenants
	feed    IncidentFetcher
	alerts  AlertFetcher
	engine  Reconciler
	locks   LockService
	retrier conflictRetrier
	metrics *observability.Metrics
	logger  *slog.Logger
	cfg     Config
}

func NewCoordinator(tenants store.Tenants, feed IncidentFetcher, alerts AlertFetcher, engine Reconciler, locks LockService, metrics *observability.Metrics, logger *slog.Logger, cfg Config) *Coordinator {
	return &Coordinator{
		tenants: tenants,
		feed:    feed,
		alerts:  alerts,
		engine:  engine,
		locks:   locks,
		retrier: newConflictRetrier(metrics, logger),
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
	}
}

// SyncTenant fetches and reconciles all of one tenant's incident sources.
// Sources are fetched concurrently. A source whose fetch fails is logged and
// skipped without failing the pass, so one dead agency never starves the
// others of their stale sweep and bookkeeping. Reconciliation and write
// errors are still fatal. A pass with zero fetched records is a success.
func (c *Coordinator) SyncTenant(ctx context.Context, tenantID string) (reconcile.UpsertStats, error) {
	tenant, err := c.tenants.Get(ctx, tenantID)
	if err != nil {
		return reconcile.UpsertStats{}, fmt.Errorf("load tenant %q: %w", tenantID, err)
	}

	ok, err := c.locks.TryAcquire(ctx, tenant.ID, SourceIncidents)
	if err != nil {
		return reconcile.UpsertStats{}, fmt.Errorf("acquire sync lock: %w", err)
	}
	if !ok {
		c.metrics.LockRejections.Inc()
		c.metrics.SyncRuns.WithLabelValues(SourceIncidents, "skipped").Inc()
		return reconcile.UpsertStats{}, ErrThrottled
	}
	defer c.release(tenant.ID, SourceIncidents)

	c.metrics.SyncRunning.Inc()
	defer c.metrics.SyncRunning.Dec()

	var (
		mu    sync.Mutex
		total reconcile.UpsertStats
		errs  []error
		wg    sync.WaitGroup
	)
	for _, agencyID := range tenant.AgencyIDs {
		wg.Add(1)
		go func(agencyID string) {
			defer wg.Done()

			start := clock.Now()
			records, err := c.feed.FetchIncidents(ctx, agencyID)
			c.metrics.FetchDuration.WithLabelValues(SourceIncidents).Observe(clock.Since(start).Seconds())
			if err != nil {
				// Skip the source; the remaining agencies still reconcile and
				// the pass still completes.
				c.logger.Warn("incident fetch failed, skipping source",
					"tenant_id", tenant.ID, "agency_id", agencyID, "error", err)
				return
			}

			var stats reconcile.UpsertStats
			err = c.retrier.do(ctx, "upsert incidents", func() error {
				var upsertErr error
				stats, upsertErr = c.engine.UpsertBatch(ctx, tenant.ID, agencyID, records)
				return upsertErr
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("reconcile agency %q: %w", agencyID, err))
				return
			}
			total.Fetched += stats.Fetched
			total.Created += stats.Created
			total.Updated += stats.Updated
			total.Skipped += stats.Skipped
			total.Grouped += stats.Grouped
			total.Dropped += stats.Dropped
		}(agencyID)
	}
	wg.Wait()

	if len(errs) == 0 && c.cfg.StaleAfter > 0 {
		err := c.retrier.do(ctx, "close stale incidents", func() error {
			closed, staleErr := c.engine.CloseStaleIncidents(ctx, tenant.ID, c.cfg.StaleAfter)
			if closed > 0 {
				c.logger.Info("closed stale incidents", "tenant_id", tenant.ID, "count", closed)
			}
			return staleErr
		})
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		c.metrics.SyncRuns.WithLabelValues(SourceIncidents, "error").Inc()
		return total, errors.Join(errs...)
	}

	if err := c.tenants.RecordIncidentSync(ctx, tenant.ID, clock.Now()); err != nil {
		c.metrics.SyncRuns.WithLabelValues(SourceIncidents, "error").Inc()
		return total, fmt.Errorf("record incident sync: %w", err)
	}
	c.metrics.SyncRuns.WithLabelValues(SourceIncidents, "success").Inc()
	c.logger.Info("incident sync complete",
		"tenant_id", tenant.ID, "fetched", total.Fetched, "created", total.Created,
		"updated", total.Updated, "skipped", total.Skipped, "grouped", total.Grouped)
	return total, nil
}

// SyncWeather fetches and reconciles the tenant's active weather alerts.
// Tenants without configured zones succeed trivially.
func (c *Coordinator) SyncWeather(ctx context.Context, tenantID string) (int, error) {
	tenant, err := c.tenants.Get(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("load tenant %q: %w", tenantID, err)
	}

	ok, err := c.locks.TryAcquire(ctx, tenant.ID, SourceWeather)
	if err != nil {
		return 0, fmt.Errorf("acquire sync lock: %w", err)
	}
	if !ok {
		c.metrics.LockRejections.Inc()
		c.metrics.SyncRuns.WithLabelValues(SourceWeather, "skipped").Inc()
		return 0, ErrThrottled
	}
	defer c.release(tenant.ID, SourceWeather)

	start := clock.Now()
	alerts, err := c.alerts.FetchAlerts(ctx, tenant.ID, tenant.WeatherZones)
	c.metrics.FetchDuration.WithLabelValues(SourceWeather).Observe(clock.Since(start).Seconds())
	if err != nil {
		c.metrics.SyncRuns.WithLabelValues(SourceWeather, "error").Inc()
		return 0, fmt.Errorf("fetch alerts: %w", err)
	}

	var stored int
	err = c.retrier.do(ctx, "reconcile weather", func() error {
		var recErr error
		stored, recErr = c.engine.ReconcileWeather(ctx, tenant.ID, alerts)
		return recErr
	})
	if err != nil {
		c.metrics.SyncRuns.WithLabelValues(SourceWeather, "error").Inc()
		return stored, err
	}

	if err := c.tenants.RecordWeatherSync(ctx, tenant.ID, clock.Now()); err != nil {
		c.metrics.SyncRuns.WithLabelValues(SourceWeather, "error").Inc()
		return stored, fmt.Errorf("record weather sync: %w", err)
	}
	c.metrics.SyncRuns.WithLabelValues(SourceWeather, "success").Inc()
	return stored, nil
}

// SyncUnitLegend refreshes the tenant's unit code legend. Legends from
// multiple agencies are merged; a 404 from every agency stores an explicit
// "unavailable" marker so callers stop re-asking.
func (c *Coordinator) SyncUnitLegend(ctx context.Context, tenantID string) error {
	tenant, err := c.tenants.Get(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("load tenant %q: %w", tenantID, err)
	}

	ok, err := c.locks.TryAcquire(ctx, tenant.ID, SourceUnitLegend)
	if err != nil {
		return fmt.Errorf("acquire sync lock: %w", err)
	}
	if !ok {
		c.metrics.LockRejections.Inc()
		c.metrics.SyncRuns.WithLabelValues(SourceUnitLegend, "skipped").Inc()
		return ErrThrottled
	}
	defer c.release(tenant.ID, SourceUnitLegend)

	merged := make(map[string]string)
	available := false
	for _, agencyID := range tenant.AgencyIDs {
		legend, ok, err := c.feed.FetchUnitLegend(ctx, agencyID)
		if err != nil {
			c.metrics.SyncRuns.WithLabelValues(SourceUnitLegend, "error").Inc()
			return fmt.Errorf("fetch unit legend for agency %q: %w", agencyID, err)
		}
		if !ok {
			continue
		}
		available = true
		for k, v := range legend {
			merged[k] = v
		}
	}

	err = c.retrier.do(ctx, "save unit legend", func() error {
		return c.tenants.SaveUnitLegend(ctx, tenant.ID, merged, available, clock.Now())
	})
	if err != nil {
		c.metrics.SyncRuns.WithLabelValues(SourceUnitLegend, "error").Inc()
		return fmt.Errorf("save unit legend: %w", err)
	}
	c.metrics.SyncRuns.WithLabelValues(SourceUnitLegend, "success").Inc()
	return nil
}

// SyncAll runs a full pass over every tenant with bounded parallelism.
// Throttled tenants are skipped silently; other failures are joined into the
// returned error after every tenant has been attempted.
func (c *Coordinator) SyncAll(ctx context.Context) error {
	tenantList, err := c.tenants.List(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}

	parallelism := c.cfg.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	sem := make(chan struct{}, parallelism)

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, tenant := range tenantList {
		wg.Add(1)
		go func(tenantID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			for _, run := range []func() error{
				func() error { _, err := c.SyncTenant(ctx, tenantID); return err },
				func() error { _, err := c.SyncWeather(ctx, tenantID); return err },
				func() error { return c.SyncUnitLegend(ctx, tenantID) },
			} {
				if err := run(); err != nil && !errors.Is(err, ErrThrottled) {
					mu.Lock()
					errs = append(errs, fmt.Errorf("tenant %q: %w", tenantID, err))
					mu.Unlock()
				}
			}
		}(tenant.ID)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (c *Coordinator) release(tenantID, source string) {
	if err := c.locks.Release(context.Background(), tenantID, source); err != nil {
		c.logger.Warn("sync lock release failed", "tenant_id", tenantID, "source", source, "error", err)
	}
}
