package utils

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/MeKo-Tech/thundernet/internal/tensor"
	"github.com/disintegration/imaging"
)

// ImageProcessingError represents errors that can occur during image processing.
type ImageProcessingError struct {
	Operation string
	Err       error
}

func (e *ImageProcessingError) Error() string {
	return fmt.Sprintf("image processing error in %s: %v", e.Operation, e.Err)
}

func (e *ImageProcessingError) Unwrap() error { return e.Err }

// ScaleToFit returns the factor that brings the short side of a w×h image to
// minSize without letting the long side exceed maxSize.
func ScaleToFit(w, h, minSize, maxSize int) float64 {
	short := float64(min(w, h))
	long := float64(max(w, h))
	scale := float64(minSize) / short
	if long*scale > float64(maxSize) {
		scale = float64(maxSize) / long
	}
	return scale
}

// ResizeImage resizes img to exactly width×height with a linear filter.
func ResizeImage(img image.Image, width, height int) (image.Image, error) {
	if img == nil {
		return nil, &ImageProcessingError{Operation: "resize", Err: errors.New("input image is nil")}
	}
	if width <= 0 || height <= 0 {
		return nil, &ImageProcessingError{
			Operation: "resize",
			Err:       fmt.Errorf("invalid target dimensions: %dx%d", width, height),
		}
	}
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img, nil
	}
	return imaging.Resize(img, width, height, imaging.Linear), nil
}

// ImageToTensor converts img to a 3×H×W map with values in [0, 1] normalised
// per channel as (v - mean) / std.
func ImageToTensor(img image.Image, mean, std [3]float64) (*tensor.FeatureMap, error) {
	if img == nil {
		return nil, &ImageProcessingError{Operation: "normalize", Err: errors.New("input image is nil")}
	}
	for i, s := range std {
		if s == 0 || math.IsNaN(s) {
			return nil, &ImageProcessingError{Operation: "normalize", Err: fmt.Errorf("std[%d] must be non-zero", i)}
		}
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, &ImageProcessingError{Operation: "normalize", Err: errors.New("empty image")}
	}
	nrgba := imaging.Clone(img)
	out := tensor.New(3, h, w)
	plane := w * h
	for y := range h {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+w*4]
		for x := range w {
			i := y*w + x
			for c := range 3 {
				v := float64(row[x*4+c]) / 255.0
				out.Data[c*plane+i] = (v - mean[c]) / std[c]
			}
		}
	}
	return out, nil
}

// PadToMultiple returns f zero-padded on the bottom/right so both spatial
// dimensions are multiples of m. f itself is returned when no padding is needed.
func PadToMultiple(f *tensor.FeatureMap, m int) *tensor.FeatureMap {
	if m <= 1 {
		return f
	}
	h := (f.H + m - 1) / m * m
	w := (f.W + m - 1) / m * m
	if h == f.H && w == f.W {
		return f
	}
	out := tensor.New(f.C, h, w)
	for c := range f.C {
		for y := range f.H {
			copy(out.Data[(c*h+y)*w:(c*h+y)*w+f.W], f.Data[(c*f.H+y)*f.W:(c*f.H+y+1)*f.W])
		}
	}
	return out
}
