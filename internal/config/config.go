//nolint:lll
package config

import (
	"fmt"
	"runtime"
	"slices"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/thundernet/internal/detector"
	"github.com/MeKo-Tech/thundernet/internal/models"
	"github.com/MeKo-Tech/thundernet/internal/onnx"
	"github.com/MeKo-Tech/thundernet/internal/pipeline"
	"github.com/MeKo-Tech/thundernet/internal/transform"
)

// Config is the complete application configuration. It is loaded from a
// file, THUNDERNET_* environment variables and command-line flags.
type Config struct {
	ModelsDir string `mapstructure:"models_dir" yaml:"models_dir" json:"models_dir"`
	LogLevel  string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Verbose   bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`

	Model     ModelConfig     `mapstructure:"model" yaml:"model" json:"model"`
	Transform TransformConfig `mapstructure:"transform" yaml:"transform" json:"transform"`
	Detector  DetectorConfig  `mapstructure:"detector" yaml:"detector" json:"detector"`
	Parallel  ParallelConfig  `mapstructure:"parallel" yaml:"parallel" json:"parallel"`
	Output    OutputConfig    `mapstructure:"output" yaml:"output" json:"output"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server" json:"server"`
	GPU       GPUConfig       `mapstructure:"gpu" yaml:"gpu" json:"gpu"`

	WarmupIterations int `mapstructure:"warmup_iterations" yaml:"warmup_iterations" json:"warmup_iterations"`
}

// ModelConfig selects the backbone, label file and weights.
type ModelConfig struct {
	Backbone     string `mapstructure:"backbone" yaml:"backbone" json:"backbone"`
	BackbonePath string `mapstructure:"backbone_path" yaml:"backbone_path" json:"backbone_path"`
	LabelsPath   string `mapstructure:"labels_path" yaml:"labels_path" json:"labels_path"`
	LibraryPath  string `mapstructure:"library_path" yaml:"library_path" json:"library_path"`
	NumClasses   int    `mapstructure:"num_classes" yaml:"num_classes" json:"num_classes"`
	Seed         uint64 `mapstructure:"seed" yaml:"seed" json:"seed"`
	NumThreads   int    `mapstructure:"num_threads" yaml:"num_threads" json:"num_threads"`
}

// TransformConfig controls resizing and normalisation.
type TransformConfig struct {
	MinSize       int       `mapstructure:"min_size" yaml:"min_size" json:"min_size"`
	MaxSize       int       `mapstructure:"max_size" yaml:"max_size" json:"max_size"`
	SizeDivisible int       `mapstructure:"size_divisible" yaml:"size_divisible" json:"size_divisible"`
	Mean          []float64 `mapstructure:"mean" yaml:"mean" json:"mean"`
	Std           []float64 `mapstructure:"std" yaml:"std" json:"std"`
}

// DetectorConfig exposes the detector's tunable options. Anchor sizes are
// one per tier; aspect ratios are shared by all tiers.
type DetectorConfig struct {
	Mode               string    `mapstructure:"mode" yaml:"mode" json:"mode"`
	AnchorSizes        []float64 `mapstructure:"anchor_sizes" yaml:"anchor_sizes" json:"anchor_sizes"`
	AspectRatios       []float64 `mapstructure:"aspect_ratios" yaml:"aspect_ratios" json:"aspect_ratios"`
	PreNMSTopNTrain    int       `mapstructure:"pre_nms_top_n_train" yaml:"pre_nms_top_n_train" json:"pre_nms_top_n_train"`
	PreNMSTopNTest     int       `mapstructure:"pre_nms_top_n_test" yaml:"pre_nms_top_n_test" json:"pre_nms_top_n_test"`
	PostNMSTopNTrain   int       `mapstructure:"post_nms_top_n_train" yaml:"post_nms_top_n_train" json:"post_nms_top_n_train"`
	PostNMSTopNTest    int       `mapstructure:"post_nms_top_n_test" yaml:"post_nms_top_n_test" json:"post_nms_top_n_test"`
	RPNNMSThresh       float64   `mapstructure:"rpn_nms_thresh" yaml:"rpn_nms_thresh" json:"rpn_nms_thresh"`
	RPNFgIoUThresh     float64   `mapstructure:"rpn_fg_iou_thresh" yaml:"rpn_fg_iou_thresh" json:"rpn_fg_iou_thresh"`
	RPNBgIoUThresh     float64   `mapstructure:"rpn_bg_iou_thresh" yaml:"rpn_bg_iou_thresh" json:"rpn_bg_iou_thresh"`
	PooledSize         int       `mapstructure:"pooled_size" yaml:"pooled_size" json:"pooled_size"`
	SamplingRatio      int       `mapstructure:"sampling_ratio" yaml:"sampling_ratio" json:"sampling_ratio"`
	BoxScoreThresh     float64   `mapstructure:"box_score_thresh" yaml:"box_score_thresh" json:"box_score_thresh"`
	BoxNMSThresh       float64   `mapstructure:"box_nms_thresh" yaml:"box_nms_thresh" json:"box_nms_thresh"`
	NMSMethod          string    `mapstructure:"nms_method" yaml:"nms_method" json:"nms_method"`
	SoftNMSSigma       float64   `mapstructure:"soft_nms_sigma" yaml:"soft_nms_sigma" json:"soft_nms_sigma"`
	DetectionsPerImage int       `mapstructure:"detections_per_image" yaml:"detections_per_image" json:"detections_per_image"`
	BoxFgIoUThresh     float64   `mapstructure:"box_fg_iou_thresh" yaml:"box_fg_iou_thresh" json:"box_fg_iou_thresh"`
	BoxBgIoUThresh     float64   `mapstructure:"box_bg_iou_thresh" yaml:"box_bg_iou_thresh" json:"box_bg_iou_thresh"`
}

// ParallelConfig contains batch processing settings.
type ParallelConfig struct {
	MaxWorkers int `mapstructure:"max_workers" yaml:"max_workers" json:"max_workers"`
}

// OutputConfig contains output formatting settings.
type OutputConfig struct {
	Format           string `mapstructure:"format" yaml:"format" json:"format"`
	File             string `mapstructure:"file" yaml:"file" json:"file"`
	OverlayDir       string `mapstructure:"overlay_dir" yaml:"overlay_dir" json:"overlay_dir"`
	OverlayThickness int    `mapstructure:"overlay_thickness" yaml:"overlay_thickness" json:"overlay_thickness"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host            string `mapstructure:"host" yaml:"host" json:"host"`
	Port            int    `mapstructure:"port" yaml:"port" json:"port"`
	CORSOrigin      string `mapstructure:"cors_origin" yaml:"cors_origin" json:"cors_origin"`
	MaxUploadMB     int    `mapstructure:"max_upload_mb" yaml:"max_upload_mb" json:"max_upload_mb"`
	TimeoutSec      int    `mapstructure:"timeout_sec" yaml:"timeout_sec" json:"timeout_sec"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
	OverlayEnabled  bool   `mapstructure:"overlay_enabled" yaml:"overlay_enabled" json:"overlay_enabled"`

	RateLimitEnabled  bool  `mapstructure:"rate_limit_enabled" yaml:"rate_limit_enabled" json:"rate_limit_enabled"`
	RequestsPerMinute int   `mapstructure:"requests_per_minute" yaml:"requests_per_minute" json:"requests_per_minute"`
	RequestsPerHour   int   `mapstructure:"requests_per_hour" yaml:"requests_per_hour" json:"requests_per_hour"`
	MaxRequestsPerDay int   `mapstructure:"max_requests_per_day" yaml:"max_requests_per_day" json:"max_requests_per_day"`
	MaxDataPerDay     int64 `mapstructure:"max_data_per_day" yaml:"max_data_per_day" json:"max_data_per_day"`
}

// GPUConfig contains GPU acceleration settings.
type GPUConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Device      int    `mapstructure:"device" yaml:"device" json:"device"`
	MemoryLimit string `mapstructure:"memory_limit" yaml:"memory_limit" json:"memory_limit"`
}

// Valid enumerations.
var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validFormats    = []string{"text", "json", "csv"}
	validNMSMethods = []string{detector.NMSMethodHard, detector.NMSMethodLinear, detector.NMSMethodGaussian}
)

// DefaultConfig mirrors the component defaults.
func DefaultConfig() Config {
	det := detector.DefaultConfig()
	tr := transform.Default()

	sizes := make([]float64, len(det.AnchorSizes))
	for i, s := range det.AnchorSizes {
		sizes[i] = s[0]
	}

	return Config{
		ModelsDir: models.DefaultModelsDir,
		LogLevel:  "info",
		Model: ModelConfig{
			Backbone:   pipeline.BackboneReference,
			NumClasses: det.NumClasses,
			Seed:       det.Seed,
		},
		Transform: TransformConfig{
			MinSize:       tr.MinSize,
			MaxSize:       tr.MaxSize,
			SizeDivisible: tr.SizeDivisible,
			Mean:          tr.Mean[:],
			Std:           tr.Std[:],
		},
		Detector: DetectorConfig{
			Mode:               det.Mode.String(),
			AnchorSizes:        sizes,
			AspectRatios:       slices.Clone(det.AspectRatios[0]),
			PreNMSTopNTrain:    det.PreNMSTopN.Training,
			PreNMSTopNTest:     det.PreNMSTopN.Inference,
			PostNMSTopNTrain:   det.PostNMSTopN.Training,
			PostNMSTopNTest:    det.PostNMSTopN.Inference,
			RPNNMSThresh:       det.RPNNMSThresh,
			RPNFgIoUThresh:     det.RPNFgIoUThresh,
			RPNBgIoUThresh:     det.RPNBgIoUThresh,
			PooledSize:         det.PooledSize,
			SamplingRatio:      det.SamplingRatio,
			BoxScoreThresh:     det.BoxScoreThresh,
			BoxNMSThresh:       det.BoxNMSThresh,
			NMSMethod:          det.BoxNMSMethod,
			SoftNMSSigma:       det.BoxSoftNMSSigma,
			DetectionsPerImage: det.BoxDetectionsPerImg,
			BoxFgIoUThresh:     det.BoxFgIoUThresh,
			BoxBgIoUThresh:     det.BoxBgIoUThresh,
		},
		Parallel: ParallelConfig{MaxWorkers: runtime.NumCPU()},
		Output: OutputConfig{
			Format:           "text",
			OverlayThickness: 2,
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			CORSOrigin:      "*",
			MaxUploadMB:     50,
			TimeoutSec:      30,
			ShutdownTimeout: 10,
			OverlayEnabled:  true,

			RequestsPerMinute: 60,
			RequestsPerHour:   1000,
			MaxRequestsPerDay: 5000,
			MaxDataPerDay:     100 * 1024 * 1024,
		},
		GPU: GPUConfig{MemoryLimit: "auto"},
	}
}

// Validate checks values that can be judged without loading anything.
// Detector-level consistency is checked again when the detector is built.
func (c *Config) Validate() error {
	if !slices.Contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}
	if c.Output.Format != "" && !slices.Contains(validFormats, c.Output.Format) {
		return fmt.Errorf("invalid output format: %s (must be one of: %s)", c.Output.Format, strings.Join(validFormats, ", "))
	}
	if !slices.Contains(validNMSMethods, c.Detector.NMSMethod) {
		return fmt.Errorf("invalid nms method: %s (must be one of: %s)", c.Detector.NMSMethod, strings.Join(validNMSMethods, ", "))
	}
	if _, err := detector.ParseMode(c.Detector.Mode); err != nil {
		return err
	}

	for name, v := range map[string]float64{
		"detector.rpn_nms_thresh":    c.Detector.RPNNMSThresh,
		"detector.rpn_fg_iou_thresh": c.Detector.RPNFgIoUThresh,
		"detector.rpn_bg_iou_thresh": c.Detector.RPNBgIoUThresh,
		"detector.box_score_thresh":  c.Detector.BoxScoreThresh,
		"detector.box_nms_thresh":    c.Detector.BoxNMSThresh,
		"detector.box_fg_iou_thresh": c.Detector.BoxFgIoUThresh,
		"detector.box_bg_iou_thresh": c.Detector.BoxBgIoUThresh,
	} {
		if err := validateThreshold(v, name); err != nil {
			return err
		}
	}

	if c.Model.NumClasses < 2 {
		return fmt.Errorf("invalid model.num_classes: %d (must be at least 2)", c.Model.NumClasses)
	}
	if len(c.Transform.Mean) != 3 || len(c.Transform.Std) != 3 {
		return fmt.Errorf("transform mean and std need 3 values, got %d and %d", len(c.Transform.Mean), len(c.Transform.Std))
	}
	if len(c.Detector.AnchorSizes) == 0 || len(c.Detector.AspectRatios) == 0 {
		return fmt.Errorf("detector anchor sizes and aspect ratios must not be empty")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be between 1 and 65535)", c.Server.Port)
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("invalid max upload size: %d (must be positive)", c.Server.MaxUploadMB)
	}
	if c.Server.TimeoutSec <= 0 {
		return fmt.Errorf("invalid timeout: %d (must be positive)", c.Server.TimeoutSec)
	}
	if c.Server.RateLimitEnabled && (c.Server.RequestsPerMinute < 0 || c.Server.RequestsPerHour < 0 ||
		c.Server.MaxRequestsPerDay < 0 || c.Server.MaxDataPerDay < 0) {
		return fmt.Errorf("rate limits must not be negative")
	}
	if c.Parallel.MaxWorkers <= 0 {
		return fmt.Errorf("invalid parallel max workers: %d (must be positive)", c.Parallel.MaxWorkers)
	}
	if _, err := ParseMemoryLimit(c.GPU.MemoryLimit); err != nil {
		return fmt.Errorf("invalid GPU memory limit: %w", err)
	}
	return nil
}

// ToPipelineConfig converts to the pipeline's configuration.
func (c *Config) ToPipelineConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.ModelsDir = models.GetModelsDir(c.ModelsDir)
	cfg.Backbone = c.Model.Backbone
	cfg.BackboneModelPath = c.Model.BackbonePath
	cfg.LabelsPath = c.Model.LabelsPath
	cfg.LibraryPath = c.Model.LibraryPath
	cfg.NumThreads = c.Model.NumThreads
	cfg.GPU = c.toGPUConfig()
	cfg.Transform = c.toTransform()
	cfg.Detector = c.toDetectorConfig()
	cfg.Parallel.MaxWorkers = c.Parallel.MaxWorkers
	cfg.WarmupIterations = c.WarmupIterations
	return cfg
}

func (c *Config) toTransform() transform.Transform {
	tr := transform.Default()
	tr.MinSize = c.Transform.MinSize
	tr.MaxSize = c.Transform.MaxSize
	tr.SizeDivisible = c.Transform.SizeDivisible
	copy(tr.Mean[:], c.Transform.Mean)
	copy(tr.Std[:], c.Transform.Std)
	return tr
}

func (c *Config) toDetectorConfig() detector.Config {
	cfg := detector.DefaultConfig()
	if mode, err := detector.ParseMode(c.Detector.Mode); err == nil {
		cfg.Mode = mode
	}
	cfg.Seed = c.Model.Seed
	cfg.NumClasses = c.Model.NumClasses
	cfg.PoolWorkers = c.Model.NumThreads

	cfg.AnchorSizes = make([][]float64, len(c.Detector.AnchorSizes))
	cfg.AspectRatios = make([][]float64, len(c.Detector.AnchorSizes))
	for i, s := range c.Detector.AnchorSizes {
		cfg.AnchorSizes[i] = []float64{s}
		cfg.AspectRatios[i] = slices.Clone(c.Detector.AspectRatios)
	}
	cfg.PreNMSTopN = detector.TopN{Training: c.Detector.PreNMSTopNTrain, Inference: c.Detector.PreNMSTopNTest}
	cfg.PostNMSTopN = detector.TopN{Training: c.Detector.PostNMSTopNTrain, Inference: c.Detector.PostNMSTopNTest}
	cfg.RPNNMSThresh = c.Detector.RPNNMSThresh
	cfg.RPNFgIoUThresh = c.Detector.RPNFgIoUThresh
	cfg.RPNBgIoUThresh = c.Detector.RPNBgIoUThresh
	cfg.PooledSize = c.Detector.PooledSize
	cfg.SamplingRatio = c.Detector.SamplingRatio
	cfg.BoxScoreThresh = c.Detector.BoxScoreThresh
	cfg.BoxNMSThresh = c.Detector.BoxNMSThresh
	cfg.BoxNMSMethod = c.Detector.NMSMethod
	cfg.BoxSoftNMSSigma = c.Detector.SoftNMSSigma
	cfg.BoxDetectionsPerImg = c.Detector.DetectionsPerImage
	cfg.BoxFgIoUThresh = c.Detector.BoxFgIoUThresh
	cfg.BoxBgIoUThresh = c.Detector.BoxBgIoUThresh
	return cfg
}

func (c *Config) toGPUConfig() onnx.GPUConfig {
	gpu := onnx.DefaultGPUConfig()
	gpu.UseGPU = c.GPU.Enabled
	gpu.DeviceID = c.GPU.Device
	// Validate has already rejected malformed limits.
	gpu.GPUMemLimit, _ = ParseMemoryLimit(c.GPU.MemoryLimit)
	return gpu
}

func validateThreshold(value float64, name string) error {
	if value < 0.0 || value > 1.0 {
		return fmt.Errorf("invalid %s: %.2f (must be between 0.0 and 1.0)", name, value)
	}
	return nil
}

var memoryUnits = []struct {
	suffix string
	scale  float64
}{
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// ParseMemoryLimit converts "512MB", "1.5GB" or "auto" to bytes; "auto" and
// "" mean no limit.
func ParseMemoryLimit(limit string) (uint64, error) {
	limit = strings.ToUpper(strings.TrimSpace(limit))
	if limit == "" || limit == "AUTO" {
		return 0, nil
	}
	for _, u := range memoryUnits {
		if !strings.HasSuffix(limit, u.suffix) {
			continue
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(limit, u.suffix)), 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid number in memory limit: %s", limit)
		}
		return uint64(n * u.scale), nil
	}
	return 0, fmt.Errorf("memory limit must end with one of: B, KB, MB, GB")
}
