package main

import (
	"fmt"
	"os"
	"time"

	"github.com/goodtune/ktime/internal/authz"
	"github.com/goodtune/ktime/internal/clock"
	"github.com/goodtune/ktime/internal/config"
	"github.com/goodtune/ktime/internal/notify"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/goodtune/ktime/internal/storage/memory"
	"github.com/goodtune/ktime/internal/storage/redis"
	"github.com/goodtune/ktime/internal/storage/sqlite"
	"github.com/goodtune/ktime/internal/timesheet"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// services is the wired tracking core shared by the server and report
// commands.
type services struct {
	store      storage.Store
	redis      *goredis.Client // nil with the memory backend
	clock      clock.Clock
	engine     *authz.Engine
	settings   *timesheet.SettingsService
	manager    *timesheet.Manager
	aggregator *timesheet.Aggregator
	registry   *timesheet.Registry
	reports    *timesheet.ReportGenerator
}

func buildServices(cfg *config.Config, logger zerolog.Logger) (*services, error) {
	store, client, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	engine, err := authz.NewEngine(authz.Config{
		PolicyDir:          cfg.Policy.OPAPolicyDir,
		ElevatedPermission: cfg.Auth.ElevatedPermission,
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize authorization engine: %w", err)
	}

	var sink timesheet.EventSink = timesheet.NopSink{}
	if cfg.Notifications.Enabled && client != nil {
		sink = notify.NewPublisher(client, cfg.Notifications.ChannelPrefix, logger)
		logger.Info().Str("prefix", cfg.Notifications.ChannelPrefix).Msg("Event notifications enabled")
	}

	clk := clock.RealClock{}
	settings := timesheet.NewSettingsService(store.Settings(), storage.Settings{
		TimeZone:        cfg.Tracking.TimeZone,
		RoundingMinutes: cfg.Tracking.RoundingMinutes,
		MaxBreakMinutes: cfg.Tracking.MaxBreakMinutes,
		EnforceMaxBreak: cfg.Tracking.EnforceMaxBreak,
	})

	aggregator, err := timesheet.NewAggregator(store.Sessions(), settings, clk, cfg.Tracking.SummaryCacheSize, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &services{
		store:      store,
		redis:      client,
		clock:      clk,
		engine:     engine,
		settings:   settings,
		manager:    timesheet.NewManager(store.Sessions(), settings, engine, sink, clk, logger),
		aggregator: aggregator,
		registry:   timesheet.NewRegistry(store.Sessions(), store.Profiles(), clk, cfg.Tracking.HistoryPageLimit, logger),
		reports:    timesheet.NewReportGenerator(aggregator, cfg.Tracking.MaxReportDays),
	}, nil
}

// openStorage opens the configured backend. The Redis client is returned
// separately for pub/sub and health checks.
func openStorage(cfg config.StorageConfig) (storage.Store, *goredis.Client, error) {
	switch cfg.Type {
	case "", "redis":
		store, err := redis.Open(cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Client(), nil
	case "sqlite":
		store, err := sqlite.Open(cfg.SQLite)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	case "memory":
		return memory.New(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
