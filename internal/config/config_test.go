package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/thundernet/internal/detector"
	"github.com/MeKo-Tech/thundernet/internal/pipeline"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, pipeline.BackboneReference, cfg.Model.Backbone)
	assert.Equal(t, []float64{32, 64, 128, 256, 512}, cfg.Detector.AnchorSizes)
	assert.Equal(t, []float64{0.5, 1.0, 2.0}, cfg.Detector.AspectRatios)
	assert.Equal(t, detector.NMSMethodHard, cfg.Detector.NMSMethod)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(*Config){
		"log level":      func(c *Config) { c.LogLevel = "trace" },
		"output format":  func(c *Config) { c.Output.Format = "xml" },
		"nms method":     func(c *Config) { c.Detector.NMSMethod = "fancy" },
		"mode":           func(c *Config) { c.Detector.Mode = "finetune" },
		"score thresh":   func(c *Config) { c.Detector.BoxScoreThresh = 1.5 },
		"rpn nms":        func(c *Config) { c.Detector.RPNNMSThresh = -0.1 },
		"num classes":    func(c *Config) { c.Model.NumClasses = 1 },
		"mean length":    func(c *Config) { c.Transform.Mean = []float64{0.5} },
		"no anchors":     func(c *Config) { c.Detector.AnchorSizes = nil },
		"port":           func(c *Config) { c.Server.Port = 70000 },
		"upload":         func(c *Config) { c.Server.MaxUploadMB = 0 },
		"timeout":        func(c *Config) { c.Server.TimeoutSec = 0 },
		"workers":        func(c *Config) { c.Parallel.MaxWorkers = 0 },
		"gpu mem suffix": func(c *Config) { c.GPU.MemoryLimit = "12TB" },
		"rate limit": func(c *Config) {
			c.Server.RateLimitEnabled = true
			c.Server.RequestsPerMinute = -1
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestToPipelineConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model.NumClasses = 21
	cfg.Model.Seed = 7
	cfg.Model.NumThreads = 3
	cfg.Detector.AnchorSizes = []float64{16, 32}
	cfg.Detector.AspectRatios = []float64{1.0}
	cfg.Detector.NMSMethod = detector.NMSMethodGaussian
	cfg.Detector.SoftNMSSigma = 0.3
	cfg.Detector.Mode = "training"
	cfg.Transform.MinSize = 416
	cfg.Transform.MaxSize = 640
	cfg.GPU.Enabled = true
	cfg.GPU.MemoryLimit = "1GB"
	cfg.WarmupIterations = 2

	pc := cfg.ToPipelineConfig()

	assert.Equal(t, 21, pc.Detector.NumClasses)
	assert.Equal(t, uint64(7), pc.Detector.Seed)
	assert.Equal(t, 3, pc.Detector.PoolWorkers)
	assert.Equal(t, detector.ModeTraining, pc.Detector.Mode)
	assert.Equal(t, [][]float64{{16}, {32}}, pc.Detector.AnchorSizes)
	assert.Equal(t, [][]float64{{1.0}, {1.0}}, pc.Detector.AspectRatios)
	assert.Equal(t, detector.NMSMethodGaussian, pc.Detector.BoxNMSMethod)
	assert.InDelta(t, 0.3, pc.Detector.BoxSoftNMSSigma, 1e-12)
	assert.Equal(t, 416, pc.Transform.MinSize)
	assert.Equal(t, 640, pc.Transform.MaxSize)
	assert.True(t, pc.GPU.UseGPU)
	assert.Equal(t, uint64(1<<30), pc.GPU.GPUMemLimit)
	assert.Equal(t, 2, pc.WarmupIterations)
	require.NoError(t, pc.Detector.Validate())
}

func TestToPipelineConfig_AspectRatiosNotShared(t *testing.T) {
	cfg := DefaultConfig()
	pc := cfg.ToPipelineConfig()
	pc.Detector.AspectRatios[0][0] = 9
	assert.InDelta(t, 0.5, pc.Detector.AspectRatios[1][0], 1e-12)
	assert.InDelta(t, 0.5, cfg.Detector.AspectRatios[0], 1e-12)
}

func TestParseMemoryLimit(t *testing.T) {
	cases := map[string]uint64{
		"":       0,
		"auto":   0,
		"AUTO":   0,
		"512MB":  512 << 20,
		"1GB":    1 << 30,
		"1.5GB":  3 << 29,
		"64KB":   64 << 10,
		"100B":   100,
		" 2gb  ": 2 << 30,
	}
	for in, want := range cases {
		got, err := ParseMemoryLimit(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"lots", "GB", "-1MB", "12TB"} {
		_, err := ParseMemoryLimit(bad)
		assert.Error(t, err, bad)
	}
}
