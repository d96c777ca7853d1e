package transform

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/thundernet/internal/detector"
	"github.com/MeKo-Tech/thundernet/internal/utils"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	return img
}

func TestDefault(t *testing.T) {
	tr := Default()
	require.NoError(t, tr.Validate())
	assert.Equal(t, 320, tr.MinSize)
	assert.Equal(t, 320, tr.MaxSize)
	assert.Equal(t, 32, tr.SizeDivisible)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Transform)
	}{
		{"zero min", func(tr *Transform) { tr.MinSize = 0 }},
		{"min above max", func(tr *Transform) { tr.MinSize = 400 }},
		{"negative divisor", func(tr *Transform) { tr.SizeDivisible = -1 }},
		{"zero std", func(tr *Transform) { tr.Std[1] = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := Default()
			tt.mutate(&tr)
			assert.Error(t, tr.Validate())
		})
	}
}

func TestApply_ResizeAndPad(t *testing.T) {
	tr := Default()
	img := solid(640, 480, color.RGBA{R: 255, A: 255})
	boxes := []utils.Box{utils.NewBox(64, 48, 320, 240)}

	input, resizedBoxes, resized, err := tr.Apply(img, boxes)
	require.NoError(t, err)
	defer input.Release()

	assert.Equal(t, utils.Size{Width: 320, Height: 240}, resized)
	assert.Equal(t, 3, input.C)
	assert.Equal(t, 256, input.H)
	assert.Equal(t, 320, input.W)

	require.Len(t, resizedBoxes, 1)
	assert.InDelta(t, 32, resizedBoxes[0].MinX, 1e-9)
	assert.InDelta(t, 24, resizedBoxes[0].MinY, 1e-9)
	assert.InDelta(t, 160, resizedBoxes[0].MaxX, 1e-9)
	assert.InDelta(t, 120, resizedBoxes[0].MaxY, 1e-9)

	assert.InDelta(t, (1-0.485)/0.229, input.At(0, 10, 10), 1e-6)
	assert.InDelta(t, (0-0.456)/0.224, input.At(1, 10, 10), 1e-6)
	// padding rows stay zero
	assert.Zero(t, input.At(0, 250, 10))
}

func TestApply_Errors(t *testing.T) {
	_, _, _, err := Default().Apply(nil, nil)
	assert.Error(t, err)

	_, _, _, err = Default().Apply(image.NewRGBA(image.Rect(0, 0, 0, 0)), nil)
	assert.Error(t, err)

	bad := Default()
	bad.MaxSize = 0
	_, _, _, err = bad.Apply(solid(8, 8, color.White), nil)
	assert.Error(t, err)
}

func TestApply_NoBoxes(t *testing.T) {
	input, boxes, _, err := Default().Apply(solid(320, 320, color.Black), nil)
	require.NoError(t, err)
	defer input.Release()
	assert.NotNil(t, boxes)
	assert.Empty(t, boxes)
}

func TestPostprocessDetections(t *testing.T) {
	dets := []detector.Detection{{Label: 3, Score: 0.9, Box: utils.NewBox(10, 20, 30, 40)}}
	got := PostprocessDetections(dets, utils.Size{Width: 320, Height: 240}, utils.Size{Width: 640, Height: 480})
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].Label)
	assert.InDelta(t, 0.9, got[0].Score, 1e-12)
	assert.Equal(t, utils.NewBox(20, 40, 60, 80), got[0].Box)
	// input untouched
	assert.Equal(t, utils.NewBox(10, 20, 30, 40), dets[0].Box)
}

func TestProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	tr := Default()

	properties.Property("resized size respects min and max", prop.ForAll(
		func(w, h int) bool {
			s := tr.ResizedSize(utils.Size{Width: w, Height: h})
			return max(s.Width, s.Height) <= tr.MaxSize && s.Width >= 1 && s.Height >= 1
		},
		gen.IntRange(1, 4000), gen.IntRange(1, 4000),
	))

	properties.Property("postprocess inverts the box resize", prop.ForAll(
		func(w, h int, x, y float64) bool {
			original := utils.Size{Width: w, Height: h}
			resized := tr.ResizedSize(original)
			box := utils.NewBox(x*float64(w), y*float64(h), float64(w), float64(h))
			back := Postprocess(ResizeBoxes([]utils.Box{box}, original, resized), resized, original)[0]
			const eps = 1e-6
			return math.Abs(back.MinX-box.MinX) < eps && math.Abs(back.MinY-box.MinY) < eps &&
				math.Abs(back.MaxX-box.MaxX) < eps && math.Abs(back.MaxY-box.MaxY) < eps
		},
		gen.IntRange(16, 2000), gen.IntRange(16, 2000),
		gen.Float64Range(0, 0.9), gen.Float64Range(0, 0.9),
	))

	properties.TestingRun(t)
}
