// Package api serves the time tracking HTTP interface.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goodtune/ktime/internal/clock"
	"github.com/goodtune/ktime/internal/timesheet"
	"github.com/rs/zerolog"
)

// DefaultBasePath is the prefix of every time tracking route.
const DefaultBasePath = "/api/time-tracking"

// Config holds the API server configuration.
type Config struct {
	ListenAddr     string
	BasePath       string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string

	// AuthEnabled selects bearer tokens; otherwise the caller is read from
	// trusted gateway headers.
	AuthEnabled bool

	// RateLimit disables per-user limiting when nil.
	RateLimit *RateLimiterConfig
}

// Deps holds the services the routes are wired to.
type Deps struct {
	Manager    *timesheet.Manager
	Registry   *timesheet.Registry
	Aggregator *timesheet.Aggregator
	Reports    *timesheet.ReportGenerator
	Settings   *timesheet.SettingsService
	Authorizer timesheet.Authorizer
	Profiles   *ProfileSync
	Tokens     *TokenService
	Clock      clock.Clock

	// Health reports backend reachability for /health. Optional.
	Health func(context.Context) error

	Logger zerolog.Logger
}

// Server is the API HTTP server.
type Server struct {
	config      Config
	router      *gin.Engine
	rateLimiter *RateLimiter
	server      *http.Server
	listener    net.Listener // Optional pre-created listener (for systemd socket activation)
	logger      zerolog.Logger
}

// NewServer creates the API server and registers its routes.
func NewServer(cfg Config, deps *Deps) *Server {
	if deps.Logger.GetLevel() == zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.BasePath == "" {
		cfg.BasePath = DefaultBasePath
	}

	// Without the default logger; requests are logged as JSON by our middleware
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config: cfg,
		router: router,
		logger: deps.Logger.With().Str("component", "api").Logger(),
	}
	if cfg.RateLimit != nil {
		s.rateLimiter = NewRateLimiter(*cfg.RateLimit)
	}

	SetupRoutes(router, cfg, deps, s.rateLimiter)

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// SetupRoutes registers the public and protected routes on r.
func SetupRoutes(r *gin.Engine, cfg Config, deps *Deps, limiter *RateLimiter) {
	logger := deps.Logger.With().Str("component", "api").Logger()

	r.Use(LoggingMiddleware(logger))
	r.Use(MetricsMiddleware())
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(CORSMiddleware(cfg.AllowedOrigins))
	}

	// Health check (public)
	r.GET("/health", func(ctx *gin.Context) {
		if deps.Health != nil {
			if err := deps.Health(ctx.Request.Context()); err != nil {
				logger.Warn().Err(err).Msg("Health check failed")
				ctx.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	views := NewViews(deps)

	base := cfg.BasePath
	if base == "" {
		base = DefaultBasePath
	}
	api := r.Group(base)
	if cfg.AuthEnabled {
		api.Use(AuthMiddleware(deps.Tokens))
	} else {
		api.Use(TrustedHeaderMiddleware())
	}
	if limiter != nil {
		api.Use(limiter.Middleware())
	}
	if deps.Profiles != nil {
		api.Use(ProfileMiddleware(deps.Profiles))
	}

	{
		api.GET("/settings", views.GetSettings)
		api.PUT("/settings", views.UpdateSettings)

		sessions := api.Group("/sessions")
		{
			sessions.POST("/start", views.StartSession)
			sessions.POST("/end", views.EndSession)
			sessions.GET("/current", views.CurrentSession)
			sessions.GET("/active/all", views.ListActive)
			sessions.GET("", views.ListOwnSessions)
			sessions.GET("/user/:userId", views.ListUserSessions)
			sessions.PUT("/:sessionId/notes", views.UpdateNotes)
		}

		breaks := api.Group("/breaks")
		{
			breaks.POST("/start", views.StartBreak)
			breaks.POST("/end", views.EndBreak)
		}

		api.GET("/daily-summaries", views.DailySummaries)
		api.POST("/report", views.GenerateReport)
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start serves in the background.
func (s *Server) Start() error {
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Info().Str("addr", s.listener.Addr().String()).Msg("Starting API server on systemd socket")
			err = s.server.Serve(s.listener)
		} else {
			s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting API server")
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server failed")
		}
	}()
	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping API server")
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	return s.server.Shutdown(ctx)
}
