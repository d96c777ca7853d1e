package pipeline

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/thundernet/internal/detector"
	"github.com/MeKo-Tech/thundernet/internal/testutil"
)

// scene draws a red and a blue rectangle on grey.
func scene(w, h int) *image.RGBA { return testutil.SceneImage(w, h) }

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := NewBuilder().WithModelsDir(t.TempDir()).WithThreads(2).Build()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Close()) })
	return p
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, BackboneReference, cfg.Backbone)
	assert.Equal(t, 320, cfg.Transform.MinSize)
	assert.Equal(t, detector.DefaultConfig().NumClasses, cfg.Detector.NumClasses)
	assert.Positive(t, cfg.Parallel.MaxWorkers)
	assert.False(t, cfg.GPU.UseGPU)
}

func TestBuilderSetters(t *testing.T) {
	cfg := NewBuilder().
		WithModelsDir("/m").
		WithBackbone("snet146").
		WithBackboneModelPath("/m/x.onnx").
		WithLabels("/m/voc.yaml").
		WithNumClasses(21).
		WithScoreThreshold(0.3).
		WithSoftNMS("", 0.4, 0.6).
		WithMaxDetections(50).
		WithInputSize(256, 512).
		WithSeed(9).
		WithThreads(3).
		WithWarmupIterations(1).
		WithParallelWorkers(5).
		WithGPU(true).
		WithGPUDevice(1).
		WithGPUMemoryLimit(1 << 20).
		Config()

	assert.Equal(t, "/m", cfg.ModelsDir)
	assert.Equal(t, "snet146", cfg.Backbone)
	assert.Equal(t, "/m/x.onnx", cfg.BackboneModelPath)
	assert.Equal(t, "/m/voc.yaml", cfg.LabelsPath)
	assert.Equal(t, 21, cfg.Detector.NumClasses)
	assert.InDelta(t, 0.3, cfg.Detector.BoxScoreThresh, 1e-12)
	assert.Equal(t, detector.NMSMethodLinear, cfg.Detector.BoxNMSMethod)
	assert.InDelta(t, 0.4, cfg.Detector.BoxNMSThresh, 1e-12)
	assert.InDelta(t, 0.6, cfg.Detector.BoxSoftNMSSigma, 1e-12)
	assert.Equal(t, 50, cfg.Detector.BoxDetectionsPerImg)
	assert.Equal(t, 256, cfg.Transform.MinSize)
	assert.Equal(t, 512, cfg.Transform.MaxSize)
	assert.Equal(t, uint64(9), cfg.Detector.Seed)
	assert.Equal(t, 3, cfg.NumThreads)
	assert.Equal(t, 3, cfg.Detector.PoolWorkers)
	assert.Equal(t, 1, cfg.WarmupIterations)
	assert.Equal(t, 5, cfg.Parallel.MaxWorkers)
	assert.True(t, cfg.GPU.UseGPU)
	assert.Equal(t, 1, cfg.GPU.DeviceID)
	assert.Equal(t, uint64(1<<20), cfg.GPU.GPUMemLimit)

	hard := NewBuilder().WithSoftNMS("gaussian", 0, 0).WithNMS(0.6).Config()
	assert.Equal(t, detector.NMSMethodHard, hard.Detector.BoxNMSMethod)
	assert.InDelta(t, 0.6, hard.Detector.BoxNMSThresh, 1e-12)
}

func TestBuilderValidate(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		builder *Builder
		errText string
	}{
		{"missing onnx model", NewBuilder().WithModelsDir(dir).WithBackbone("snet49"), "backbone model not found"},
		{"unknown variant", NewBuilder().WithModelsDir(dir).WithBackbone("vgg16"), "unknown backbone variant"},
		{"missing labels", NewBuilder().WithLabels(filepath.Join(dir, "nope.yaml")), "labels not found"},
		{"bad transform", NewBuilder().WithInputSize(640, 320), "transform"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.builder.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errText)

			p, err := tt.builder.Build()
			assert.Error(t, err)
			assert.Nil(t, p)
		})
	}

	assert.NoError(t, NewBuilder().Validate())
}

func TestBuildWithLabels(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "toy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: toy\nclasses: [box, ball]\n"), 0o600))

	_, err := NewBuilder().WithLabels(path).Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "label file has 3 classes")

	p, err := NewBuilder().WithLabels(path).WithNumClasses(3).Build()
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Close()) }()
	assert.Equal(t, "ball", p.Labels.Name(2))
	assert.Equal(t, "toy", p.Info()["labels"])
}

func TestBuildWithWarmup(t *testing.T) {
	p, err := NewBuilder().WithWarmupIterations(2).Build()
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Close()) }()
	assert.Zero(t, p.Profiler.ImagesProcessed.Load())
}

func TestInfo(t *testing.T) {
	p := newTestPipeline(t)
	info := p.Info()
	assert.Equal(t, BackboneReference, info["backbone"])
	assert.Equal(t, 2, info["num_classes"])
	assert.Equal(t, "generic", info["labels"])
	ch, ok := info["channels"].(map[string]int)
	require.True(t, ok)
	assert.Equal(t, 245, ch["out"])
	assert.Contains(t, info, "profile")
}

func TestClose(t *testing.T) {
	p, err := NewBuilder().Build()
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err = p.ProcessImage(scene(64, 64))
	assert.ErrorIs(t, err, errNotInitialized)

	var nilPipeline *Pipeline
	assert.NoError(t, nilPipeline.Close())
}
