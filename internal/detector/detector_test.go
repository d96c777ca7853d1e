package detector

import (
	"bytes"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/MeKo-Tech/thundernet/internal/backbone"
	"github.com/MeKo-Tech/thundernet/internal/nn"
	"github.com/MeKo-Tech/thundernet/internal/tensor"
	"github.com/MeKo-Tech/thundernet/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReferenceDetector(t *testing.T, cfg Config, opts ...Option) *Detector {
	t.Helper()
	bb, err := backbone.NewReference(backbone.DefaultReferenceConfig())
	require.NoError(t, err)
	d, err := NewDetector(bb, cfg, opts...)
	require.NoError(t, err)
	return d
}

func TestDetectorZeroImageEndToEnd(t *testing.T) {
	d := newReferenceDetector(t, DefaultConfig())
	img := tensor.New(3, 320, 320)
	defer img.Release()

	out, err := d.Forward(img, utils.Size{})
	require.NoError(t, err)
	assert.Equal(t, testImage, out.Image)
	assert.Len(t, out.Anchors, 20*20*15)
	require.NotNil(t, out.Proposals)
	require.NotNil(t, out.Detections)
	assert.LessOrEqual(t, len(out.Proposals), 100)
	assert.LessOrEqual(t, len(out.Detections), 100)

	for _, det := range out.Detections {
		assert.GreaterOrEqual(t, det.Score, 0.0)
		assert.LessOrEqual(t, det.Score, 1.0)
		assert.Positive(t, det.Label)
		assert.Less(t, det.Label, 2)
		assert.GreaterOrEqual(t, det.Box.MinX, 0.0)
		assert.GreaterOrEqual(t, det.Box.MinY, 0.0)
		assert.LessOrEqual(t, det.Box.MaxX, 320.0)
		assert.LessOrEqual(t, det.Box.MaxY, 320.0)
	}
	if len(out.Proposals) > 0 {
		r, c := out.ClassLogits.Dims()
		assert.Equal(t, len(out.Proposals), r)
		assert.Equal(t, 2, c)
		_, c = out.BoxDeltas.Dims()
		assert.Equal(t, 8, c)
		assert.InDelta(t, 1.0, sum(out.ClassScores(0)), 1e-12)
	}
	assert.Len(t, out.Timings, 7)
	_, ok := out.Timings.Get(StagePooling)
	assert.True(t, ok)
}

func sum(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x
	}
	return s
}

func TestDetectorDeterministicAndConcurrent(t *testing.T) {
	cfg := smallConfig()
	bb := &stubBackbone{out: 49, mid: 8, high: 16, seed: 3}
	d, err := NewDetector(bb, cfg)
	require.NoError(t, err)

	img := tensor.New(3, 128, 128)
	want, err := d.Forward(img, utils.Size{Width: 120, Height: 110})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*Output, 6)
	errs := make([]error, 6)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = d.Forward(img, utils.Size{Width: 120, Height: 110})
		}()
	}
	wg.Wait()
	for i, got := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, want.Proposals, got.Proposals)
		assert.Equal(t, want.Detections, got.Detections)
	}
	for _, p := range want.Proposals {
		assert.LessOrEqual(t, p.Box.MaxX, 120.0)
		assert.LessOrEqual(t, p.Box.MaxY, 110.0)
	}
}

func TestDetectorTrainingModeUsesTrainingBudget(t *testing.T) {
	cfg := smallConfig()
	cfg.Mode = ModeTraining
	cfg.PreNMSTopN = TopN{Training: 7, Inference: 500}
	cfg.PostNMSTopN = TopN{Training: 7, Inference: 500}
	d, err := NewDetector(&stubBackbone{out: 49, mid: 8, high: 16, seed: 1}, cfg)
	require.NoError(t, err)

	out, err := d.Forward(tensor.New(3, 128, 128), utils.Size{})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out.Proposals), 7)
	assert.Equal(t, ModeTraining, d.Config().Mode)
}

func TestNewDetectorConfigurationErrors(t *testing.T) {
	good := func() *stubBackbone { return &stubBackbone{out: 49, mid: 8, high: 16} }
	rng := nn.NewRand(1)
	wrongHead, err := NewRegionHead(50, 32, rng)
	require.NoError(t, err)
	pred, err := NewPredictor(32, 3, rng)
	require.NoError(t, err)
	wrongPred, err := NewPredictor(64, 3, rng)
	require.NoError(t, err)

	cases := map[string]struct {
		bb     backbone.Backbone
		mutate func(*Config)
		opts   []Option
	}{
		"nil backbone":               {bb: nil},
		"missing out channels":       {bb: &stubBackbone{out: 0, mid: 8, high: 16}},
		"fused width mismatch":       {bb: &stubBackbone{out: 98, mid: 8, high: 16}},
		"not divisible by bins":      {bb: &stubBackbone{out: 50, mid: 8, high: 16}, mutate: func(c *Config) { c.FusedChannels = 50 }},
		"missing mid channels":       {bb: &stubBackbone{out: 49, mid: 0, high: 16}},
		"num classes unset":          {bb: good(), mutate: func(c *Config) { c.NumClasses = 0 }},
		"both classes and predictor": {bb: good(), opts: []Option{WithRegionPredictor(pred)}},
		"head width mismatch":        {bb: good(), opts: []Option{WithRegionHead(wrongHead)}},
		"predictor mismatch": {
			bb:     good(),
			mutate: func(c *Config) { c.NumClasses = 0 },
			opts:   []Option{WithRegionPredictor(wrongPred)},
		},
		"invalid config": {bb: good(), mutate: func(c *Config) { c.PooledSize = -1 }},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := smallConfig()
			if c.mutate != nil {
				c.mutate(&cfg)
			}
			_, err := NewDetector(c.bb, cfg, c.opts...)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfiguration), "got %v", err)
		})
	}
}

func TestNewDetectorWithCustomStages(t *testing.T) {
	rng := nn.NewRand(2)
	pred, err := NewPredictor(32, 4, rng)
	require.NoError(t, err)
	anchors, err := NewAnchorGenerator([][]float64{{24, 48}}, [][]float64{{1}})
	require.NoError(t, err)

	cfg := smallConfig()
	cfg.NumClasses = 0
	d, err := NewDetector(&stubBackbone{out: 49, mid: 8, high: 16}, cfg,
		WithRegionPredictor(pred), WithAnchorGenerator(anchors))
	require.NoError(t, err)
	assert.Equal(t, 4, d.NumClasses())

	out, err := d.Forward(tensor.New(3, 64, 64), utils.Size{})
	require.NoError(t, err)
	assert.Len(t, out.Anchors, 4*4*2)
	for _, det := range out.Detections {
		assert.Less(t, det.Label, 4)
	}
}

func TestDetectorForwardShapeErrors(t *testing.T) {
	cfg := smallConfig()
	d, err := NewDetector(&stubBackbone{out: 49, mid: 8, high: 16, gotMid: 9}, cfg)
	require.NoError(t, err)
	_, err = d.Forward(tensor.New(3, 64, 64), utils.Size{})
	require.ErrorIs(t, err, ErrShapeMismatch)

	d, err = NewDetector(&stubBackbone{out: 49, mid: 8, high: 16}, cfg)
	require.NoError(t, err)
	_, err = d.Forward(tensor.New(3, 64, 64), utils.Size{Width: 65, Height: 64})
	require.ErrorIs(t, err, ErrShapeMismatch)

	ref := newReferenceDetector(t, DefaultConfig())
	_, err = ref.Forward(tensor.New(3, 100, 100), utils.Size{})
	require.ErrorIs(t, err, backbone.ErrInputSize)
}

func TestDetectorTargets(t *testing.T) {
	cfg := smallConfig()
	d, err := NewDetector(&stubBackbone{out: 49, mid: 8, high: 16, seed: 5}, cfg)
	require.NoError(t, err)
	out, err := d.Forward(tensor.New(3, 128, 128), utils.Size{})
	require.NoError(t, err)

	gt := []GroundTruth{{Box: utils.Box{MinX: 16, MinY: 16, MaxX: 80, MaxY: 80}, Label: 1}}
	targets := d.Targets(out, gt)
	assert.Len(t, targets.AnchorMatches, len(out.Anchors))
	assert.Len(t, targets.AnchorDeltas, len(out.Anchors))
	assert.NotEmpty(t, targets.AnchorPositives, "best anchor is always matched")
	assert.LessOrEqual(t, len(targets.AnchorPositives)+len(targets.AnchorNegatives), cfg.RPNBatchSizePerImage)
	assert.Len(t, targets.RegionLabels, len(out.Proposals))
	for i, m := range targets.RegionMatches {
		switch {
		case m >= 0:
			assert.Equal(t, 1, targets.RegionLabels[i])
		case m == BelowLowThreshold:
			assert.Equal(t, 0, targets.RegionLabels[i])
		}
	}
}

func TestDetectorForwardImageSmallerThanInput(t *testing.T) {
	d := newReferenceDetector(t, DefaultConfig())
	tests := []struct {
		name  string
		h, w  int
		image utils.Size
	}{
		{"wide strip padded", 64, 320, utils.Size{Width: 320, Height: 41}},
		{"short extent", 320, 320, utils.Size{Width: 320, Height: 200}},
		{"narrow extent", 320, 320, utils.Size{Width: 150, Height: 320}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := tensor.New(3, tt.h, tt.w)
			defer img.Release()

			out, err := d.Forward(img, tt.image)
			require.NoError(t, err)
			assert.Equal(t, tt.image, out.Image)
			assert.Equal(t, utils.Size{Width: tt.w, Height: tt.h}, out.Input)
			for _, p := range out.Proposals {
				assert.LessOrEqual(t, p.Box.MaxX, float64(tt.image.Width))
				assert.LessOrEqual(t, p.Box.MaxY, float64(tt.image.Height))
			}
			for _, det := range out.Detections {
				assert.LessOrEqual(t, det.Box.MaxX, float64(tt.image.Width))
				assert.LessOrEqual(t, det.Box.MaxY, float64(tt.image.Height))
			}
		})
	}
}

func TestDetectorForwardLogsMapStats(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	d, err := NewDetector(&stubBackbone{out: 49, mid: 8, high: 16, seed: 3}, smallConfig())
	require.NoError(t, err)
	_, err = d.Forward(tensor.New(3, 128, 128), utils.Size{})
	require.NoError(t, err)

	for _, key := range []string{"fused_min", "fused_max", "gated_mean", "proposals"} {
		assert.Contains(t, buf.String(), `"`+key+`"`)
	}
}
