// Package pipeline runs images end to end: decode, transform, detector
// forward and mapping detections back onto the original image.
package pipeline

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"

	"github.com/MeKo-Tech/thundernet/internal/backbone"
	"github.com/MeKo-Tech/thundernet/internal/detector"
	"github.com/MeKo-Tech/thundernet/internal/labels"
	"github.com/MeKo-Tech/thundernet/internal/models"
	"github.com/MeKo-Tech/thundernet/internal/onnx"
	"github.com/MeKo-Tech/thundernet/internal/transform"
)

// BackboneReference selects the pure-Go reference backbone instead of an
// ONNX model.
const BackboneReference = "reference"

// Config holds configuration for the pipeline and its components.
type Config struct {
	ModelsDir string
	// Backbone is "reference" or an SNet variant (snet49, snet146, snet535).
	Backbone          string
	BackboneModelPath string // overrides the variant's resolved path
	LabelsPath        string // empty uses generic class names
	LibraryPath       string // ONNX Runtime shared library
	NumThreads        int
	GPU               onnx.GPUConfig

	Transform transform.Transform
	Detector  detector.Config

	WarmupIterations int
	Parallel         ParallelConfig
}

// DefaultConfig returns a reference-backbone pipeline with detector defaults.
func DefaultConfig() Config {
	return Config{
		ModelsDir: models.GetModelsDir(""),
		Backbone:  BackboneReference,
		GPU:       onnx.DefaultGPUConfig(),
		Transform: transform.Default(),
		Detector:  detector.DefaultConfig(),
		Parallel:  DefaultParallelConfig(),
	}
}

// Builder constructs a Pipeline with fluent configuration.
type Builder struct {
	cfg Config
}

// NewBuilder creates a new pipeline builder with defaults.
func NewBuilder() *Builder { return &Builder{cfg: DefaultConfig()} }

// NewBuilderFromConfig starts from an existing configuration.
func NewBuilderFromConfig(cfg Config) *Builder { return &Builder{cfg: cfg} }

// WithModelsDir sets the models directory.
func (b *Builder) WithModelsDir(dir string) *Builder {
	if dir != "" {
		b.cfg.ModelsDir = dir
	}
	return b
}

// WithBackbone selects "reference" or an SNet variant.
func (b *Builder) WithBackbone(name string) *Builder {
	if name != "" {
		b.cfg.Backbone = name
	}
	return b
}

// WithBackboneModelPath overrides the backbone model path directly.
func (b *Builder) WithBackboneModelPath(path string) *Builder {
	if path != "" {
		b.cfg.BackboneModelPath = path
	}
	return b
}

// WithLabels sets the YAML label file.
func (b *Builder) WithLabels(path string) *Builder {
	b.cfg.LabelsPath = path
	return b
}

// WithNumClasses sets the class count including background.
func (b *Builder) WithNumClasses(n int) *Builder {
	if n > 0 {
		b.cfg.Detector.NumClasses = n
	}
	return b
}

// WithScoreThreshold sets the minimum class score of a detection.
func (b *Builder) WithScoreThreshold(th float64) *Builder {
	if th >= 0 {
		b.cfg.Detector.BoxScoreThresh = th
	}
	return b
}

// WithNMS configures hard per-class NMS.
func (b *Builder) WithNMS(iou float64) *Builder {
	b.cfg.Detector.BoxNMSMethod = detector.NMSMethodHard
	if iou > 0 {
		b.cfg.Detector.BoxNMSThresh = iou
	}
	return b
}

// WithSoftNMS switches region NMS to Soft-NMS ("linear" or "gaussian").
// An empty method selects linear.
func (b *Builder) WithSoftNMS(method string, iou, sigma float64) *Builder {
	if method == "" {
		method = detector.NMSMethodLinear
	}
	b.cfg.Detector.BoxNMSMethod = method
	if iou > 0 {
		b.cfg.Detector.BoxNMSThresh = iou
	}
	if sigma > 0 {
		b.cfg.Detector.BoxSoftNMSSigma = sigma
	}
	return b
}

// WithMaxDetections caps detections per image.
func (b *Builder) WithMaxDetections(n int) *Builder {
	if n > 0 {
		b.cfg.Detector.BoxDetectionsPerImg = n
	}
	return b
}

// WithInputSize sets the transform's min and max side.
func (b *Builder) WithInputSize(minSize, maxSize int) *Builder {
	if minSize > 0 {
		b.cfg.Transform.MinSize = minSize
	}
	if maxSize > 0 {
		b.cfg.Transform.MaxSize = maxSize
	}
	return b
}

// WithSeed sets the weight initialisation seed.
func (b *Builder) WithSeed(seed uint64) *Builder {
	b.cfg.Detector.Seed = seed
	return b
}

// WithThreads sets ONNX intra-op threads and region pooling workers.
func (b *Builder) WithThreads(n int) *Builder {
	if n > 0 {
		b.cfg.NumThreads = n
		b.cfg.Detector.PoolWorkers = n
	}
	return b
}

// WithWarmupIterations sets forward passes run at build time.
func (b *Builder) WithWarmupIterations(n int) *Builder {
	if n >= 0 {
		b.cfg.WarmupIterations = n
	}
	return b
}

// WithParallelWorkers sets the number of parallel workers for batch processing.
func (b *Builder) WithParallelWorkers(workers int) *Builder {
	if workers > 0 {
		b.cfg.Parallel.MaxWorkers = workers
	}
	return b
}

// WithProgressCallback sets the progress callback for batch processing.
func (b *Builder) WithProgressCallback(callback ProgressCallback) *Builder {
	b.cfg.Parallel.ProgressCallback = callback
	return b
}

// WithGPU enables the CUDA provider for the ONNX backbone.
func (b *Builder) WithGPU(enabled bool) *Builder {
	b.cfg.GPU.UseGPU = enabled
	return b
}

// WithGPUDevice sets the CUDA device ID.
func (b *Builder) WithGPUDevice(deviceID int) *Builder {
	b.cfg.GPU.DeviceID = deviceID
	return b
}

// WithGPUMemoryLimit sets the CUDA arena limit in bytes.
func (b *Builder) WithGPUMemoryLimit(limitBytes uint64) *Builder {
	b.cfg.GPU.GPUMemLimit = limitBytes
	return b
}

// Config returns a copy of the current config.
func (b *Builder) Config() Config { return b.cfg }

func (b *Builder) backboneModelPath() (string, error) {
	if b.cfg.BackboneModelPath != "" {
		return b.cfg.BackboneModelPath, nil
	}
	return models.GetBackboneModelPath(b.cfg.ModelsDir, b.cfg.Backbone)
}

// Validate checks files and options before anything is loaded.
func (b *Builder) Validate() error {
	if err := b.cfg.Transform.Validate(); err != nil {
		return fmt.Errorf("transform: %w", err)
	}
	if err := b.cfg.Detector.Validate(); err != nil {
		return err
	}
	if b.cfg.Backbone != BackboneReference {
		path, err := b.backboneModelPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("backbone model not found: %s", path)
		}
		if err := onnx.ValidateGPUConfig(b.cfg.GPU); err != nil {
			return fmt.Errorf("gpu: %w", err)
		}
	}
	if b.cfg.LabelsPath != "" {
		if _, err := os.Stat(b.cfg.LabelsPath); err != nil {
			return fmt.Errorf("labels not found: %s", b.cfg.LabelsPath)
		}
	}
	return nil
}

// Pipeline wires the transform, backbone and detector together. It is safe
// for concurrent use.
type Pipeline struct {
	cfg       Config
	Detector  *detector.Detector
	Backbone  backbone.Backbone
	Labels    *labels.Set
	Transform transform.Transform
	Profiler  *Profiler
}

func (b *Builder) buildBackbone() (backbone.Backbone, error) {
	if b.cfg.Backbone == BackboneReference {
		rc := backbone.DefaultReferenceConfig()
		rc.OutChannels = b.cfg.Detector.FusedChannels
		rc.Seed = b.cfg.Detector.Seed
		return backbone.NewReference(rc)
	}
	path, err := b.backboneModelPath()
	if err != nil {
		return nil, err
	}
	oc := backbone.DefaultONNXConfig(b.cfg.ModelsDir)
	oc.ModelPath = path
	oc.Session = onnx.SessionConfig{LibraryPath: b.cfg.LibraryPath, NumThreads: b.cfg.NumThreads, GPU: b.cfg.GPU}
	return backbone.NewONNX(oc)
}

// Build loads the backbone and label set and constructs the detector.
func (b *Builder) Build() (*Pipeline, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	var set *labels.Set
	if b.cfg.LabelsPath != "" {
		var err error
		if set, err = labels.Load(b.cfg.LabelsPath); err != nil {
			return nil, err
		}
		if set.NumClasses() != b.cfg.Detector.NumClasses {
			return nil, fmt.Errorf("label file has %d classes, detector expects %d",
				set.NumClasses(), b.cfg.Detector.NumClasses)
		}
	} else {
		set = labels.Generic(b.cfg.Detector.NumClasses)
	}

	bb, err := b.buildBackbone()
	if err != nil {
		return nil, fmt.Errorf("init backbone: %w", err)
	}
	det, err := detector.NewDetector(bb, b.cfg.Detector)
	if err != nil {
		closeBackbone(bb)
		return nil, fmt.Errorf("init detector: %w", err)
	}
	p := &Pipeline{
		cfg:       b.cfg,
		Detector:  det,
		Backbone:  bb,
		Labels:    set,
		Transform: b.cfg.Transform,
		Profiler:  &Profiler{},
	}

	if b.cfg.WarmupIterations > 0 {
		if err := p.Warmup(b.cfg.WarmupIterations); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("warmup failed: %w", err)
		}
	}
	slog.Debug("Pipeline built", "backbone", b.cfg.Backbone, "classes", set.NumClasses(),
		"workers", b.cfg.Parallel.MaxWorkers)
	return p, nil
}

func closeBackbone(bb backbone.Backbone) {
	if c, ok := bb.(io.Closer); ok {
		if err := c.Close(); err != nil {
			slog.Warn("Failed to close backbone", "error", err)
		}
	}
}

// Close releases the backbone session, if any.
func (p *Pipeline) Close() error {
	if p == nil || p.Backbone == nil {
		return nil
	}
	var err error
	if c, ok := p.Backbone.(io.Closer); ok {
		err = c.Close()
	}
	p.Backbone = nil
	p.Detector = nil
	return err
}

// Config returns the pipeline configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Info returns key pipeline properties.
func (p *Pipeline) Info() map[string]any {
	info := map[string]any{
		"models_dir":  p.cfg.ModelsDir,
		"backbone":    p.cfg.Backbone,
		"num_classes": p.cfg.Detector.NumClasses,
		"labels":      p.Labels.SetName(),
		"input_size":  map[string]int{"min": p.Transform.MinSize, "max": p.Transform.MaxSize},
		"nms": map[string]any{
			"method":    p.cfg.Detector.BoxNMSMethod,
			"threshold": p.cfg.Detector.BoxNMSThresh,
		},
		"score_threshold": p.cfg.Detector.BoxScoreThresh,
		"gpu":             p.cfg.GPU.UseGPU,
		"parallel": map[string]any{
			"max_workers":           p.cfg.Parallel.MaxWorkers,
			"has_progress_callback": p.cfg.Parallel.ProgressCallback != nil,
		},
		"gomaxprocs": runtime.GOMAXPROCS(0),
	}
	if p.Backbone != nil {
		info["channels"] = map[string]int{
			"mid":  p.Backbone.MidChannels(),
			"high": p.Backbone.HighChannels(),
			"out":  p.Backbone.OutChannels(),
		}
	}
	if p.Profiler != nil {
		info["profile"] = p.Profiler.Snapshot()
	}
	return info
}

var errNotInitialized = errors.New("pipeline not initialized")
