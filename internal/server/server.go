// Package server exposes a detection pipeline over HTTP.
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the HTTP server state and dependencies.
type Server struct {
	pipeline         detectorPipeline
	modelsDir        string
	corsOrigin       string
	maxUploadMB      int64
	timeout          time.Duration
	overlayEnabled   bool
	overlayThickness int
	rateLimiter      *RateLimiter
}

// New creates a server around p. The server owns p and closes it in Close.
func New(cfg Config, p detectorPipeline, modelsDir string) *Server {
	maxUpload := cfg.MaxUploadMB
	if maxUpload <= 0 {
		maxUpload = 50
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Server{
		pipeline:         p,
		modelsDir:        modelsDir,
		corsOrigin:       cfg.CORSOrigin,
		maxUploadMB:      maxUpload,
		timeout:          timeout,
		overlayEnabled:   cfg.OverlayEnabled,
		overlayThickness: cfg.OverlayThickness,
		rateLimiter:      NewRateLimiterFromConfig(cfg.RateLimit),
	}
}

// Close releases the pipeline.
func (s *Server) Close() error {
	if s.pipeline != nil {
		return s.pipeline.Close()
	}
	return nil
}

// SetupRoutes configures the HTTP routes.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.corsMiddleware(s.healthHandler))
	mux.HandleFunc("/info", s.corsMiddleware(s.infoHandler))
	mux.HandleFunc("/detect", s.corsMiddleware(s.rateLimitMiddleware(s.detectHandler)))
	mux.Handle("/metrics", promhttp.Handler())
}

// Handler returns a mux with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return mux
}

// HTTPServer returns an *http.Server listening on cfg's address.
func (s *Server) HTTPServer(cfg Config) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.timeout,
		WriteTimeout:      s.timeout + 5*time.Second,
	}
}
