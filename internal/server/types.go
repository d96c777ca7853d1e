package server

import (
	"context"
	"image"

	"github.com/MeKo-Tech/thundernet/internal/pipeline"
)

// detectorPipeline is the part of *pipeline.Pipeline the server needs.
type detectorPipeline interface {
	ProcessImageContext(ctx context.Context, img image.Image) (*pipeline.ImageResult, error)
	Info() map[string]any
	Close() error
}

// Config holds server configuration.
type Config struct {
	Host             string
	Port             int
	CORSOrigin       string
	MaxUploadMB      int64
	TimeoutSec       int
	OverlayEnabled   bool
	OverlayThickness int
	RateLimit        RateLimitConfig
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Time    string            `json:"time"`
	Ready   bool              `json:"ready"`
	Memory  pipeline.MemStats `json:"memory"`
}

// ModelInfo describes one known model file.
type ModelInfo struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Available   bool   `json:"available"`
}

// InfoResponse is returned by /info.
type InfoResponse struct {
	Pipeline map[string]any `json:"pipeline,omitempty"`
	Models   []ModelInfo    `json:"models"`
}

// DetectResponse wraps a detection result or an error.
type DetectResponse struct {
	Success bool                  `json:"success"`
	Result  *pipeline.ImageResult `json:"result,omitempty"`
	Error   string                `json:"error,omitempty"`
}
