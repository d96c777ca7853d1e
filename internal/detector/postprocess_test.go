package detector

import (
	"math"
	"testing"

	"github.com/MeKo-Tech/thundernet/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func defaultPostProcessor(t *testing.T, mutate func(*PostProcessConfig)) *PostProcessor {
	t.Helper()
	cfg := PostProcessConfig{
		ScoreThresh:        0.05,
		NMSThresh:          0.5,
		NMSMethod:          NMSMethodHard,
		SoftNMSSigma:       0.5,
		MinSize:            1e-2,
		DetectionsPerImage: 100,
		BoxWeights:         RegionBoxWeights,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	pp, err := NewPostProcessor(cfg)
	require.NoError(t, err)
	return pp
}

func TestSoftmax(t *testing.T) {
	p := Softmax([]float64{1000, 1000, 1000 - math.Log(2)})
	assert.InDelta(t, 0.4, p[0], 1e-12)
	assert.InDelta(t, 0.4, p[1], 1e-12)
	assert.InDelta(t, 0.2, p[2], 1e-12)
	assert.Empty(t, Softmax(nil))
}

func TestPostProcessDropsBackgroundAndLowScores(t *testing.T) {
	pp := defaultPostProcessor(t, nil)
	proposals := []Proposal{
		{Box: utils.Box{MinX: 10, MinY: 10, MaxX: 50, MaxY: 60}, Score: 0.9},
		{Box: utils.Box{MinX: 100, MinY: 100, MaxX: 150, MaxY: 150}, Score: 0.8},
	}
	logits := mat.NewDense(2, 3, []float64{
		0, 5, 0,
		10, 0, 0,
	})
	deltas := mat.NewDense(2, 12, nil)

	dets := pp.Process(logits, deltas, proposals, testImage)
	require.Len(t, dets, 1)
	assert.Equal(t, 1, dets[0].Label)
	assert.Equal(t, proposals[0].Box, dets[0].Box)
	assert.InDelta(t, Softmax([]float64{0, 5, 0})[1], dets[0].Score, 1e-12)
}

func TestPostProcessAppliesClassDeltasAndClips(t *testing.T) {
	pp := defaultPostProcessor(t, nil)
	proposals := []Proposal{{Box: utils.Box{MinX: 280, MinY: 0, MaxX: 320, MaxY: 40}}}
	logits := mat.NewDense(1, 2, []float64{-5, 5})
	deltas := mat.NewDense(1, 8, []float64{
		3, 3, 3, 3, // background, ignored
		5, 0, 0, 0, // half a width to the right
	})

	dets := pp.Process(logits, deltas, proposals, testImage)
	require.Len(t, dets, 1)
	assert.Equal(t, utils.Box{MinX: 300, MinY: 0, MaxX: 320, MaxY: 40}, dets[0].Box)

	// a full width to the right leaves the image; the clipped box is degenerate
	deltas.Set(0, 4, 10)
	dets = pp.Process(logits, deltas, proposals, testImage)
	assert.Empty(t, dets)
}

func TestPostProcessPerClassNMSAndCap(t *testing.T) {
	box := utils.Box{MinX: 10, MinY: 10, MaxX: 60, MaxY: 60}
	proposals := []Proposal{{Box: box}, {Box: box}, {Box: utils.Box{MinX: 200, MinY: 200, MaxX: 260, MaxY: 260}}}
	logits := mat.NewDense(3, 3, []float64{
		0, 3, 2.9,
		0, 2, 0,
		0, 1, -5,
	})
	deltas := mat.NewDense(3, 12, nil)

	dets := defaultPostProcessor(t, nil).Process(logits, deltas, proposals, testImage)
	// class 1: proposals 0 and 1 overlap fully and 1 wins; proposal 2 survives.
	// class 2: proposal 0 suppresses proposal 1, proposal 2 is below threshold.
	require.Len(t, dets, 3)
	for i := 1; i < len(dets); i++ {
		assert.GreaterOrEqual(t, dets[i-1].Score, dets[i].Score)
	}
	labels := map[int]int{}
	for _, d := range dets {
		labels[d.Label]++
		assert.GreaterOrEqual(t, d.Score, 0.0)
		assert.LessOrEqual(t, d.Score, 1.0)
	}
	assert.Equal(t, map[int]int{1: 2, 2: 1}, labels)

	capped := defaultPostProcessor(t, func(c *PostProcessConfig) { c.DetectionsPerImage = 1 }).
		Process(logits, deltas, proposals, testImage)
	require.Len(t, capped, 1)
	assert.Equal(t, dets[0], capped[0])
}

func TestPostProcessSoftNMSKeepsDecayedDuplicates(t *testing.T) {
	box := utils.Box{MinX: 10, MinY: 10, MaxX: 60, MaxY: 60}
	proposals := []Proposal{{Box: box}, {Box: box.Scale(1, 1.1)}}
	logits := mat.NewDense(2, 2, []float64{0, 4, 0, 3.5})
	deltas := mat.NewDense(2, 8, nil)

	hard := defaultPostProcessor(t, nil).Process(logits, deltas, proposals, testImage)
	assert.Len(t, hard, 1)

	soft := defaultPostProcessor(t, func(c *PostProcessConfig) {
		c.NMSMethod = NMSMethodGaussian
		c.ScoreThresh = 0.01
	}).Process(logits, deltas, proposals, testImage)
	require.Len(t, soft, 2)
	assert.Less(t, soft[1].Score, Softmax([]float64{0, 3.5})[1])
}

func TestPostProcessEmpty(t *testing.T) {
	pp := defaultPostProcessor(t, nil)
	dets := pp.Process(&mat.Dense{}, &mat.Dense{}, nil, testImage)
	require.NotNil(t, dets)
	assert.Empty(t, dets)

	// everything below threshold
	dets = pp.Process(mat.NewDense(1, 2, []float64{10, -10}), mat.NewDense(1, 8, nil),
		[]Proposal{{Box: utils.Box{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}}}, testImage)
	require.NotNil(t, dets)
	assert.Empty(t, dets)
}

func TestNewPostProcessorValidates(t *testing.T) {
	_, err := NewPostProcessor(PostProcessConfig{NMSMethod: "box", DetectionsPerImage: 1})
	require.ErrorIs(t, err, ErrConfiguration)
	_, err = NewPostProcessor(PostProcessConfig{NMSMethod: NMSMethodHard})
	require.ErrorIs(t, err, ErrConfiguration)
}
