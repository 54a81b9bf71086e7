package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Request metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktime_http_requests_total",
			Help: "Total number of API requests processed",
		},
		[]string{"route", "method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ktime_http_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ktime_http_rate_limited_total",
			Help: "Requests rejected by the per-user rate limiter",
		},
	)

	// Tracking metrics
	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktime_session_transitions_total",
			Help: "Committed session and break state transitions",
		},
		[]string{"event"},
	)

	SessionConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktime_session_conflicts_total",
			Help: "Transitions rejected because of the user's current state",
		},
		[]string{"operation"},
	)

	OpenSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ktime_open_sessions",
			Help: "Number of open work sessions at the last listing",
		},
	)

	BreaksCapped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ktime_breaks_capped_total",
			Help: "Breaks truncated to the maximum break duration",
		},
	)

	// Aggregation metrics
	AggregationAnomalies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ktime_aggregation_anomalies_total",
			Help: "Daily summaries whose worked time was clamped to zero",
		},
	)

	SummaryCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ktime_summary_cache_hits_total",
			Help: "Finalized daily summary cache hits",
		},
	)

	SummaryCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ktime_summary_cache_misses_total",
			Help: "Finalized daily summary cache misses",
		},
	)

	// Notification metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktime_events_published_total",
			Help: "Session events handed to the notification channel",
		},
		[]string{"event", "result"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		RateLimited,
		SessionTransitions,
		SessionConflicts,
		OpenSessions,
		BreaksCapped,
		AggregationAnomalies,
		SummaryCacheHits,
		SummaryCacheMisses,
		EventsPublished,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
