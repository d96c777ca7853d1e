package pipeline

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/MeKo-Tech/thundernet/internal/utils"
)

// Palette colours boxes by class label.
var Palette = []color.Color{
	color.RGBA{R: 230, G: 25, B: 75, A: 255},
	color.RGBA{R: 60, G: 180, B: 75, A: 255},
	color.RGBA{R: 0, G: 130, B: 200, A: 255},
	color.RGBA{R: 245, G: 130, B: 48, A: 255},
	color.RGBA{R: 145, G: 30, B: 180, A: 255},
	color.RGBA{R: 70, G: 240, B: 240, A: 255},
}

// RenderOverlay draws detection boxes and "class score" captions over a copy
// of img.
func RenderOverlay(img image.Image, res *ImageResult, thickness int) *image.RGBA {
	if img == nil {
		return nil
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	if res == nil {
		return dst
	}
	if thickness <= 0 {
		thickness = 2
	}
	for _, d := range res.Detections {
		col := Palette[d.Label%len(Palette)]
		rect := d.Box.Box().ToRect(dst.Bounds())
		utils.DrawRect(dst, rect, col, thickness)
		utils.DrawLabel(dst, rect.Min, fmt.Sprintf("%s %.2f", d.Class, d.Score), col)
	}
	return dst
}
