package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/ktime/internal/api"
	"github.com/goodtune/ktime/internal/config"
	"github.com/goodtune/ktime/internal/metrics"
	"github.com/goodtune/ktime/internal/systemd"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the ktime API server",
	Long:  `Start the time tracking HTTP API and the Prometheus metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting ktime")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	svc, err := buildServices(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	profiles, err := api.NewProfileSync(svc.store.Profiles(), cfg.Tracking.ProfileCacheSize, logger)
	if err != nil {
		return err
	}

	deps := &api.Deps{
		Manager:    svc.manager,
		Registry:   svc.registry,
		Aggregator: svc.aggregator,
		Reports:    svc.reports,
		Settings:   svc.settings,
		Authorizer: svc.engine,
		Profiles:   profiles,
		Tokens: api.NewTokenService(
			cfg.Auth.JWTSecret,
			cfg.Auth.Issuer,
			parseDuration(cfg.Auth.TokenTTL, api.DefaultTokenTTL),
			svc.clock,
		),
		Clock:  svc.clock,
		Logger: logger,
	}
	if svc.redis != nil {
		client := svc.redis
		deps.Health = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}
	if !cfg.Auth.Enabled {
		logger.Warn().Msg("Bearer token authentication disabled, trusting identity headers")
	}

	apiConfig := api.Config{
		ListenAddr:     fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort),
		BasePath:       cfg.Server.BasePath,
		ReadTimeout:    parseDuration(cfg.Server.ReadTimeout, 15*time.Second),
		WriteTimeout:   parseDuration(cfg.Server.WriteTimeout, 15*time.Second),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AuthEnabled:    cfg.Auth.Enabled,
	}
	if cfg.RateLimit.Enabled {
		apiConfig.RateLimit = &api.RateLimiterConfig{
			Rate:  rate.Limit(cfg.RateLimit.RequestsPerSecond),
			Burst: cfg.RateLimit.Burst,
		}
	}

	apiServer := api.NewServer(apiConfig, deps)

	// Use systemd socket-activated listener if available
	if sdListeners.Activated && sdListeners.HTTP != nil {
		apiServer.SetListener(sdListeners.HTTP)
	}

	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	// Initialize Metrics Server
	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort > 0 || sdListeners.Metrics != nil {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
		metricsServer = metrics.NewServer(metricsAddr, logger)

		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}

		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start Metrics Server: %w", err)
		}
	}

	logger.Info().
		Str("api", apiConfig.ListenAddr+apiConfig.BasePath).
		Int("metrics_port", cfg.Server.MetricsPort).
		Str("storage", cfg.Storage.Type).
		Msg("ktime startup complete")

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")
			break
		}

		logger.Info().Msg("SIGHUP received, reloading policies...")
		if err := systemd.NotifyReloading(); err != nil {
			logger.Debug().Err(err).Msg("Failed to send systemd reloading notification")
		}
		if err := svc.engine.Reload(); err != nil {
			logger.Error().Err(err).Msg("Failed to reload policies, keeping the previous policy")
		}
		if err := systemd.NotifyReady(); err != nil {
			logger.Debug().Err(err).Msg("Failed to send systemd ready notification")
		}
	}
	signal.Stop(sigChan)

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apiServer.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("ktime stopped")

	return nil
}
