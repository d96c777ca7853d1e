// Package transform turns decoded images into detector inputs and maps
// detections back onto the original image.
package transform

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/MeKo-Tech/thundernet/internal/detector"
	"github.com/MeKo-Tech/thundernet/internal/tensor"
	"github.com/MeKo-Tech/thundernet/internal/utils"
)

// ImageNet normalisation statistics.
var (
	DefaultMean = [3]float64{0.485, 0.456, 0.406}
	DefaultStd  = [3]float64{0.229, 0.224, 0.225}
)

// Transform resizes so the short side reaches MinSize without the long side
// exceeding MaxSize, normalises per channel and zero-pads to SizeDivisible.
type Transform struct {
	MinSize       int
	MaxSize       int
	Mean          [3]float64
	Std           [3]float64
	SizeDivisible int
}

// Default returns the 320×320 configuration ThunderNet is trained with.
func Default() Transform {
	return Transform{
		MinSize:       320,
		MaxSize:       320,
		Mean:          DefaultMean,
		Std:           DefaultStd,
		SizeDivisible: 32,
	}
}

// Validate checks the sizes and statistics.
func (t Transform) Validate() error {
	if t.MinSize <= 0 || t.MaxSize <= 0 {
		return fmt.Errorf("min/max size must be positive, got %d/%d", t.MinSize, t.MaxSize)
	}
	if t.MinSize > t.MaxSize {
		return fmt.Errorf("min size %d exceeds max size %d", t.MinSize, t.MaxSize)
	}
	if t.SizeDivisible < 0 {
		return fmt.Errorf("size divisible must be non-negative, got %d", t.SizeDivisible)
	}
	for i, s := range t.Std {
		if s <= 0 {
			return fmt.Errorf("std[%d] must be positive, got %g", i, s)
		}
	}
	return nil
}

// ResizedSize is the size img of the given size is scaled to.
func (t Transform) ResizedSize(original utils.Size) utils.Size {
	scale := utils.ScaleToFit(original.Width, original.Height, t.MinSize, t.MaxSize)
	return utils.Size{
		Width:  max(1, int(math.Floor(float64(original.Width)*scale))),
		Height: max(1, int(math.Floor(float64(original.Height)*scale))),
	}
}

// Apply returns the padded network input, the boxes mapped into the resized
// frame and the unpadded resized size, which is what Detector.Forward
// expects as its image size.
func (t Transform) Apply(img image.Image, boxes []utils.Box) (*tensor.FeatureMap, []utils.Box, utils.Size, error) {
	if img == nil {
		return nil, nil, utils.Size{}, errors.New("input image is nil")
	}
	if err := t.Validate(); err != nil {
		return nil, nil, utils.Size{}, fmt.Errorf("invalid transform: %w", err)
	}
	b := img.Bounds()
	original := utils.Size{Width: b.Dx(), Height: b.Dy()}
	if original.Width == 0 || original.Height == 0 {
		return nil, nil, utils.Size{}, &utils.ImageProcessingError{Operation: "transform", Err: errors.New("empty image")}
	}

	resized := t.ResizedSize(original)
	scaled, err := utils.ResizeImage(img, resized.Width, resized.Height)
	if err != nil {
		return nil, nil, utils.Size{}, err
	}
	normalized, err := utils.ImageToTensor(scaled, t.Mean, t.Std)
	if err != nil {
		return nil, nil, utils.Size{}, err
	}
	input := utils.PadToMultiple(normalized, t.SizeDivisible)
	if input != normalized {
		normalized.Release()
	}
	return input, ResizeBoxes(boxes, original, resized), resized, nil
}

// ResizeBoxes rescales boxes from one image size to another.
func ResizeBoxes(boxes []utils.Box, from, to utils.Size) []utils.Box {
	out := make([]utils.Box, len(boxes))
	if from.Width == 0 || from.Height == 0 {
		copy(out, boxes)
		return out
	}
	sx := float64(to.Width) / float64(from.Width)
	sy := float64(to.Height) / float64(from.Height)
	for i, b := range boxes {
		out[i] = b.Scale(sx, sy)
	}
	return out
}

// Postprocess maps boxes predicted on the resized image back to the original.
func Postprocess(boxes []utils.Box, resized, original utils.Size) []utils.Box {
	return ResizeBoxes(boxes, resized, original)
}

// PostprocessDetections is Postprocess applied to detections; labels and
// scores are kept.
func PostprocessDetections(dets []detector.Detection, resized, original utils.Size) []detector.Detection {
	boxes := make([]utils.Box, len(dets))
	for i, d := range dets {
		boxes[i] = d.Box
	}
	boxes = Postprocess(boxes, resized, original)
	out := make([]detector.Detection, len(dets))
	for i, d := range dets {
		d.Box = boxes[i]
		out[i] = d
	}
	return out
}
