// Package server exposes the ballot pipeline over HTTP: synchronous
// validation previews, ballot submission, result queries, dead-letter replay
// and a websocket feed of terminal records.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MeKo-Tech/tally/internal/pipeline"
	"github.com/MeKo-Tech/tally/internal/results"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Inspector previews a raw image.
type Inspector interface {
	Inspect(data []byte) (*pipeline.Inspection, error)
}

// Submitter feeds the pipeline queues.
type Submitter interface {
	Submit(ctx context.Context, ballotID string, img []byte) error
	Replay(ctx context.Context, dlq, target string, count int) (int, error)
}

// RateLimitConfig holds per-client limits. Zero disables a limit.
type RateLimitConfig struct {
	Enabled           bool  `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	RequestsPerMinute int   `mapstructure:"requests_per_minute" yaml:"requests_per_minute" json:"requests_per_minute"`
	RequestsPerHour   int   `mapstructure:"requests_per_hour" yaml:"requests_per_hour" json:"requests_per_hour"`
	MaxRequestsPerDay int   `mapstructure:"max_requests_per_day" yaml:"max_requests_per_day" json:"max_requests_per_day"`
	MaxDataPerDay     int64 `mapstructure:"max_data_per_day" yaml:"max_data_per_day" json:"max_data_per_day"`
}

// Config holds server configuration.
type Config struct {
	Host            string          `mapstructure:"host" yaml:"host" json:"host"`
	Port            int             `mapstructure:"port" yaml:"port" json:"port"`
	CORSOrigin      string          `mapstructure:"cors_origin" yaml:"cors_origin" json:"cors_origin"`
	MaxUploadMB     int64           `mapstructure:"max_upload_mb" yaml:"max_upload_mb" json:"max_upload_mb"`
	TimeoutSec      int             `mapstructure:"timeout_sec" yaml:"timeout_sec" json:"timeout_sec"`
	ShutdownTimeout int             `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            8080,
		CORSOrigin:      "*",
		MaxUploadMB:     50,
		TimeoutSec:      30,
		ShutdownTimeout: 10,
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			RequestsPerHour:   1000,
			MaxRequestsPerDay: 10000,
			MaxDataPerDay:     1 << 30,
		},
	}
}

// Server holds the HTTP handlers and their collaborators.
type Server struct {
	cfg         Config
	inspector   Inspector
	submitter   Submitter
	results     *results.Service
	hub         *results.Hub
	rateLimiter *RateLimiter
	queues      map[string]bool
}

// Option customizes a Server.
type Option func(*Server)

// WithSubmitter enables /ballots and /admin/dlq/replay.
func WithSubmitter(s Submitter, queues ...string) Option {
	return func(srv *Server) {
		srv.submitter = s
		for _, q := range queues {
			srv.queues[q] = true
		}
	}
}

// WithResults enables the /results endpoints.
func WithResults(svc *results.Service) Option {
	return func(srv *Server) { srv.results = svc }
}

// WithHub enables /ws/results.
func WithHub(h *results.Hub) Option {
	return func(srv *Server) { srv.hub = h }
}

// New creates a Server. The inspector is required; other endpoints answer
// 503 until their collaborator is configured.
func New(cfg Config, inspector Inspector, opts ...Option) *Server {
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 50
	}
	s := &Server{cfg: cfg, inspector: inspector, queues: map[string]bool{}}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.RateLimit.Enabled {
		rl := cfg.RateLimit
		s.rateLimiter = NewRateLimiter(rl.RequestsPerMinute, rl.RequestsPerHour, rl.MaxRequestsPerDay, rl.MaxDataPerDay)
	}
	return s
}

// Config returns the server configuration.
func (s *Server) Config() Config { return s.cfg }

// SetupRoutes registers the HTTP routes on mux.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.corsMiddleware(s.healthHandler))
	mux.HandleFunc("/process", s.corsMiddleware(s.rateLimitMiddleware(s.processHandler)))
	mux.HandleFunc("/ballots", s.corsMiddleware(s.rateLimitMiddleware(s.ballotsHandler)))
	mux.HandleFunc("/results", s.corsMiddleware(s.resultsHandler))
	mux.HandleFunc("/results/summary", s.corsMiddleware(s.summaryHandler))
	mux.HandleFunc("/results/statistics", s.corsMiddleware(s.statisticsHandler))
	mux.HandleFunc("/results/export.xlsx", s.corsMiddleware(s.exportHandler))
	mux.HandleFunc("/results/tables/{tableNumber}", s.corsMiddleware(s.tableHandler))
	mux.HandleFunc("/admin/dlq/replay", s.corsMiddleware(s.replayHandler))
	mux.HandleFunc("/ws/results", s.resultsWebSocketHandler)
	mux.Handle("/metrics", promhttp.Handler())
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.cfg.Port < 1 || s.cfg.Port > 65535 {
		return fmt.Errorf("invalid port number: %d (must be between 1 and 65535)", s.cfg.Port)
	}
	timeout := time.Duration(s.cfg.TimeoutSec) * time.Second
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       timeout,
		WriteTimeout:      timeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting tally server", "host", s.cfg.Host, "port", s.cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Starting graceful shutdown", "timeout", fmt.Sprintf("%ds", s.cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("HTTP server shutdown completed")
	return nil
}
