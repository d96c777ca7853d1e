package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MeKo-Tech/thundernet/internal/config"
	"github.com/MeKo-Tech/thundernet/internal/pipeline"
	"github.com/MeKo-Tech/thundernet/internal/server"
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for the detection API",
	Long: `Start an HTTP server that provides REST API endpoints for object detection.

The server provides the following endpoints:
  POST /detect   - Detect objects in an uploaded image (multipart "image" or raw body)
  GET  /health   - Health check endpoint
  GET  /info     - Pipeline configuration and available models
  GET  /metrics  - Prometheus metrics

Examples:
  thundernet serve
  thundernet serve --port 8080
  thundernet serve --host 0.0.0.0 --port 3000 --backbone snet146`,
	Args: cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		keys := map[string]string{
			"server.host":                 "host",
			"server.port":                 "port",
			"server.cors_origin":          "cors-origin",
			"server.max_upload_mb":        "max-upload-size",
			"server.timeout_sec":          "timeout",
			"server.shutdown_timeout":     "shutdown-timeout",
			"server.overlay_enabled":      "overlay-enable",
			"server.rate_limit_enabled":   "rate-limit-enabled",
			"server.requests_per_minute":  "requests-per-minute",
			"server.requests_per_hour":    "requests-per-hour",
			"server.max_requests_per_day": "max-requests-per-day",
			"server.max_data_per_day":     "max-data-per-day",
		}
		for k, v := range pipelineFlagKeys {
			keys[k] = v
		}
		return bindFlags(cmd.Flags(), keys)
	},
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	d := config.DefaultConfig().Server
	serveCmd.Flags().StringP("host", "H", d.Host, "server host")
	serveCmd.Flags().IntP("port", "p", d.Port, "server port")
	serveCmd.Flags().String("cors-origin", d.CORSOrigin, "CORS allowed origins")
	serveCmd.Flags().Int("max-upload-size", d.MaxUploadMB, "maximum upload size in MB")
	serveCmd.Flags().Int("timeout", d.TimeoutSec, "request timeout in seconds")
	serveCmd.Flags().Int("shutdown-timeout", d.ShutdownTimeout, "shutdown timeout in seconds")
	serveCmd.Flags().Bool("overlay-enable", d.OverlayEnabled, "enable overlay image responses")
	serveCmd.Flags().Bool("rate-limit-enabled", d.RateLimitEnabled, "enable rate limiting")
	serveCmd.Flags().Int("requests-per-minute", d.RequestsPerMinute, "maximum requests per minute per client")
	serveCmd.Flags().Int("requests-per-hour", d.RequestsPerHour, "maximum requests per hour per client")
	serveCmd.Flags().Int("max-requests-per-day", d.MaxRequestsPerDay, "maximum requests per day per client")
	serveCmd.Flags().Int64("max-data-per-day", d.MaxDataPerDay, "maximum bytes uploaded per day per client")
	addPipelineFlags(serveCmd.Flags())
}

// serverConfig converts the application config for the server package.
func serverConfig(cfg *config.Config) server.Config {
	return server.Config{
		Host:             cfg.Server.Host,
		Port:             cfg.Server.Port,
		CORSOrigin:       cfg.Server.CORSOrigin,
		MaxUploadMB:      int64(cfg.Server.MaxUploadMB),
		TimeoutSec:       cfg.Server.TimeoutSec,
		OverlayEnabled:   cfg.Server.OverlayEnabled,
		OverlayThickness: cfg.Output.OverlayThickness,
		RateLimit: server.RateLimitConfig{
			Enabled:           cfg.Server.RateLimitEnabled,
			RequestsPerMinute: cfg.Server.RequestsPerMinute,
			RequestsPerHour:   cfg.Server.RequestsPerHour,
			MaxRequestsPerDay: cfg.Server.MaxRequestsPerDay,
			MaxDataPerDay:     cfg.Server.MaxDataPerDay,
		},
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := GetConfig()
	if err != nil {
		return err
	}

	pc := cfg.ToPipelineConfig()
	pl, err := pipeline.NewBuilderFromConfig(pc).Build()
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	sc := serverConfig(cfg)
	srv := server.New(sc, pl, pc.ModelsDir)
	httpServer := srv.HTTPServer(sc)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting detection server", "host", sc.Host, "port", sc.Port, "backbone", pc.Backbone)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal")
	case serveErr = <-errCh:
		if serveErr != nil {
			slog.Error("Server error", "error", serveErr)
		}
	}

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	slog.Info("Starting graceful shutdown", "timeout", shutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Close(); err != nil {
		slog.Error("Server cleanup error", "error", err)
	}
	slog.Info("Graceful shutdown completed")
	return serveErr
}
