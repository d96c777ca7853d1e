package testutil

import (
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/thundernet/internal/utils"
)

// ImageSize represents common image dimensions.
type ImageSize struct {
	Width  int
	Height int
}

var (
	// Common test image sizes.
	SmallSize  = ImageSize{160, 120}
	MediumSize = ImageSize{320, 240}
	LargeSize  = ImageSize{640, 480}
)

// SceneObject is a filled rectangle standing in for an object.
type SceneObject struct {
	Box   utils.Box
	Color color.Color
}

// SceneConfig describes a synthetic scene.
type SceneConfig struct {
	Size       ImageSize
	Background color.Color
	Objects    []SceneObject
	Blur       float64 // gaussian sigma, 0 disables
}

// DefaultSceneConfig returns a gray scene with a red and a blue object.
func DefaultSceneConfig() SceneConfig {
	w, h := float64(MediumSize.Width), float64(MediumSize.Height)
	return SceneConfig{
		Size:       MediumSize,
		Background: color.Gray{Y: 128},
		Objects: []SceneObject{
			{Box: utils.NewBox(w/8, h/8, w/2, h/2), Color: color.RGBA{R: 220, A: 255}},
			{Box: utils.NewBox(w/2, h/3, w-w/8, h-h/8), Color: color.RGBA{B: 200, A: 255}},
		},
	}
}

// GenerateScene renders cfg and returns the image with the object boxes,
// clipped to the image.
func GenerateScene(cfg SceneConfig) (*image.RGBA, []utils.Box) {
	img := image.NewRGBA(image.Rect(0, 0, cfg.Size.Width, cfg.Size.Height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: cfg.Background}, image.Point{}, draw.Src)

	boxes := make([]utils.Box, 0, len(cfg.Objects))
	for _, obj := range cfg.Objects {
		b := obj.Box.Clip(float64(cfg.Size.Width), float64(cfg.Size.Height))
		draw.Draw(img, b.ToRect(img.Bounds()), &image.Uniform{C: obj.Color}, image.Point{}, draw.Src)
		boxes = append(boxes, b)
	}

	if cfg.Blur > 0 {
		blurred := imaging.Blur(img, cfg.Blur)
		draw.Draw(img, img.Bounds(), blurred, blurred.Bounds().Min, draw.Src)
	}
	return img, boxes
}

// SceneImage renders the default objects scaled to w×h.
func SceneImage(w, h int) *image.RGBA {
	cfg := DefaultSceneConfig()
	sx := float64(w) / float64(cfg.Size.Width)
	sy := float64(h) / float64(cfg.Size.Height)
	for i := range cfg.Objects {
		cfg.Objects[i].Box = cfg.Objects[i].Box.Scale(sx, sy)
	}
	cfg.Size = ImageSize{w, h}
	img, _ := GenerateScene(cfg)
	return img
}

// RandomScene places n random objects; the same seed gives the same scene.
func RandomScene(seed uint64, size ImageSize, n int) (*image.RGBA, []utils.Box) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	cfg := SceneConfig{Size: size, Background: color.Gray{Y: uint8(64 + rng.IntN(128))}}

	for range n {
		bw := float64(size.Width) * (0.1 + 0.3*rng.Float64())
		bh := float64(size.Height) * (0.1 + 0.3*rng.Float64())
		x := rng.Float64() * (float64(size.Width) - bw)
		y := rng.Float64() * (float64(size.Height) - bh)
		cfg.Objects = append(cfg.Objects, SceneObject{
			Box:   utils.NewBox(x, y, x+bw, y+bh),
			Color: color.RGBA{R: uint8(rng.IntN(256)), G: uint8(rng.IntN(256)), B: uint8(rng.IntN(256)), A: 255},
		})
	}
	return GenerateScene(cfg)
}

// SaveImage writes img as PNG or JPEG depending on the extension.
func SaveImage(t *testing.T, img image.Image, path string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	f, err := os.Create(path) //nolint:gosec // G304: test output path
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		require.NoError(t, jpeg.Encode(f, img, &jpeg.Options{Quality: 95}))
	default:
		require.NoError(t, png.Encode(f, img))
	}
}

// WriteScenes saves n random scenes under dir and returns their paths.
func WriteScenes(t *testing.T, dir string, n int, size ImageSize) []string {
	t.Helper()

	paths := make([]string, n)
	for i := range n {
		img, _ := RandomScene(uint64(i+1), size, 2)
		paths[i] = filepath.Join(dir, "scene_"+string(rune('a'+i))+".png")
		SaveImage(t, img, paths[i])
	}
	return paths
}
