package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/couchcryptid/dispatch-sync-service/internal/config"
	"github.com/couchcryptid/dispatch-sync-service/internal/events"
	"github.com/couchcryptid/dispatch-sync-service/internal/feed"
	"github.com/couchcryptid/dispatch-sync-service/internal/feedcrypt"
	"github.com/couchcryptid/dispatch-sync-service/internal/httpapi"
	"github.com/couchcryptid/dispatch-sync-service/internal/merge"
	"github.com/couchcryptid/dispatch-sync-service/internal/observability"
	"github.com/couchcryptid/dispatch-sync-service/internal/reconcile"
	"github.com/couchcryptid/dispatch-sync-service/internal/store"
	"github.com/couchcryptid/dispatch-sync-service/internal/store/memory"
	"github.com/couchcryptid/dispatch-sync-service/internal/store/postgres"
	"github.com/couchcryptid/dispatch-sync-service/internal/syncer"
	"github.com/couchcryptid/dispatch-sync-service/internal/weatherfeed"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store backend (DATABASE_URL selects PostgreSQL; in-memory otherwise).
	var st store.Store
	var ready func(ctx context.Context) error
	if cfg.DatabaseURL != "" {
		backend, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer backend.Close()
		st = backend.Store()
		ready = backend.Ping
		logger.Info("using postgres store")
	} else {
		st = memory.New().Store()
		logger.Info("using in-memory store")
	}

	// Lock service (REDIS_ADDR selects the distributed one).
	var locks syncer.LockService
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		locks = syncer.NewRedisLocks(client, cfg.SyncMinInterval)
		logger.Info("using redis sync locks", "addr", cfg.RedisAddr)
	} else {
		locks = syncer.NewMemoryLocks(cfg.SyncMinInterval)
		logger.Info("using in-process sync locks")
	}

	// Change-event stream (feature-flagged via KAFKA_BROKERS).
	var publisher events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic, logger)
		defer func() {
			if err := kp.Close(); err != nil {
				logger.Error("kafka publisher close error", "error", err)
			}
		}()
		publisher = kp
		logger.Info("change events enabled", "topic", cfg.KafkaEventsTopic)
	} else {
		logger.Info("change events disabled")
	}

	feedClient := feed.NewClient(cfg.FeedPrimaryURL, cfg.FeedFallbackURL, cfg.FetchTimeout,
		feedcrypt.New(cfg.FeedSecret), metrics, logger)
	weatherClient := weatherfeed.NewClient(cfg.WeatherFeedURL, cfg.FetchTimeout, logger)

	engine := reconcile.NewEngine(st, publisher, metrics, logger, reconcile.Options{
		Lookback:    cfg.SyncLookback,
		BatchCap:    cfg.SyncBatchCap,
		GroupWindow: cfg.GroupWindow,
	})

	coordinator := syncer.NewCoordinator(st.Tenants, feedClient, weatherClient, engine, locks, metrics, logger, syncer.Config{
		Parallelism: cfg.SyncParallelism,
		StaleAfter:  cfg.StaleAfter,
	})
	scheduler := syncer.NewScheduler(coordinator, cfg.SyncTick, logger)

	merges := merge.NewManager(st.Incidents, st.Groups, publisher, logger)
	api := httpapi.NewServer(coordinator, merges, ready, logger)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.Handler(),
	}

	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	go scheduler.Run(ctx)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}
