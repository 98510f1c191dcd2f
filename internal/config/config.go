package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Incident feed.
	FeedPrimaryURL  string
	FeedFallbackURL string
	FeedSecret      string
	FetchTimeout    time.Duration

	// Weather feed.
	WeatherFeedURL string

	// Sync behavior.
	SyncTick        time.Duration
	SyncMinInterval time.Duration
	SyncParallelism int
	SyncLookback    time.Duration
	SyncBatchCap    int
	GroupWindow     time.Duration
	StaleAfter      time.Duration

	// Optional backends; empty means the in-process implementation serves.
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Optional change-event stream; disabled when brokers are unset.
	KafkaBrokers     []string
	KafkaEventsTopic string
}

// Load reads configuration from the environment, applying defaults where
// unset. A local .env file is honored when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	shutdownTimeout, err := durationOrDefault("SHUTDOWN_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, err
	}
	fetchTimeout, err := durationOrDefault("FETCH_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	syncTick, err := durationOrDefault("SYNC_TICK", time.Minute)
	if err != nil {
		return nil, err
	}
	minInterval, err := durationOrDefault("SYNC_MIN_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, err
	}
	lookback, err := durationOrDefault("SYNC_LOOKBACK", 6*time.Hour)
	if err != nil {
		return nil, err
	}
	staleAfter, err := durationOrDefault("STALE_AFTER", 12*time.Hour)
	if err != nil {
		return nil, err
	}
	groupWindow, err := durationOrDefault("GROUP_WINDOW", 10*time.Minute)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:        envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		FeedPrimaryURL:  os.Getenv("FEED_PRIMARY_URL"),
		FeedFallbackURL: os.Getenv("FEED_FALLBACK_URL"),
		FeedSecret:      os.Getenv("FEED_SECRET"),
		FetchTimeout:    fetchTimeout,

		WeatherFeedURL: envOrDefault("WEATHER_FEED_URL", "https://api.weather.gov/alerts/active"),

		SyncTick:        syncTick,
		SyncMinInterval: minInterval,
		SyncParallelism: intOrDefault("SYNC_PARALLELISM", 5),
		SyncLookback:    lookback,
		SyncBatchCap:    intOrDefault("SYNC_BATCH_CAP", 200),
		GroupWindow:     groupWindow,
		StaleAfter:      staleAfter,

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       intOrDefault("REDIS_DB", 0),

		KafkaBrokers:     parseList(os.Getenv("KAFKA_BROKERS")),
		KafkaEventsTopic: envOrDefault("KAFKA_EVENTS_TOPIC", "incident-change-events"),
	}

	if cfg.FeedPrimaryURL == "" {
		return nil, errors.New("FEED_PRIMARY_URL is required")
	}
	if cfg.FeedSecret == "" {
		return nil, errors.New("FEED_SECRET is required")
	}
	if cfg.SyncParallelism <= 0 {
		return nil, errors.New("SYNC_PARALLELISM must be positive")
	}
	if cfg.SyncBatchCap <= 0 {
		return nil, errors.New("SYNC_BATCH_CAP must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOrDefault(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}

func intOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func parseList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
