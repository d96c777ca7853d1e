package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/MeKo-Tech/thundernet/internal/common"
	"github.com/MeKo-Tech/thundernet/internal/detector"
	"github.com/MeKo-Tech/thundernet/internal/transform"
	"github.com/MeKo-Tech/thundernet/internal/utils"
)

// ProcessImage detects objects in a single image.
func (p *Pipeline) ProcessImage(img image.Image) (*ImageResult, error) {
	return p.ProcessImageContext(context.Background(), img)
}

// ProcessImageContext is like ProcessImage but returns early when ctx is
// done before the forward pass starts.
func (p *Pipeline) ProcessImageContext(ctx context.Context, img image.Image) (*ImageResult, error) {
	if p == nil || p.Detector == nil {
		return nil, errNotInitialized
	}
	if img == nil {
		return nil, errors.New("input image is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	original := utils.Size{Width: bounds.Dx(), Height: bounds.Dy()}
	slog.Debug("Starting image processing", "width", original.Width, "height", original.Height)
	total := common.NewNamedTimer("total")

	t := common.NewNamedTimer("transform")
	input, _, resized, err := p.Transform.Apply(img, nil)
	if err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}
	defer input.Release()
	transformDur := t.Stop()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t = common.NewNamedTimer("detect")
	out, err := p.Detector.Forward(input, resized)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	detectDur := t.Stop()

	dets := transform.PostprocessDetections(out.Detections, resized, original)
	res := &ImageResult{
		Width:      original.Width,
		Height:     original.Height,
		Input:      out.Input,
		Proposals:  len(out.Proposals),
		Detections: p.toResults(dets),
	}
	res.Processing.TransformNs = transformDur.Nanoseconds()
	res.Processing.DetectionNs = detectDur.Nanoseconds()
	res.Processing.TotalNs = total.Stop().Nanoseconds()
	res.Processing.StagesMs = out.Timings.Milliseconds()

	if p.Profiler != nil {
		p.Profiler.Record(res)
	}
	slog.Debug("Image processed", "detections", len(res.Detections), "proposals", res.Proposals,
		"total_ms", res.Processing.TotalNs/int64(time.Millisecond))
	return res, nil
}

func (p *Pipeline) toResults(dets []detector.Detection) []DetectionResult {
	out := make([]DetectionResult, len(dets))
	for i, d := range dets {
		out[i] = DetectionResult{
			Label: d.Label,
			Class: p.Labels.Name(d.Label),
			Score: d.Score,
			Box:   boxResult(d.Box),
		}
	}
	return out
}

// ProcessImages processes multiple images sequentially.
func (p *Pipeline) ProcessImages(images []image.Image) ([]*ImageResult, error) {
	return p.ProcessImagesContext(context.Background(), images)
}

// ProcessImagesContext processes images in order, checking ctx between
// images. It stops at the first error.
func (p *Pipeline) ProcessImagesContext(ctx context.Context, images []image.Image) ([]*ImageResult, error) {
	if len(images) == 0 {
		return nil, errors.New("no images provided")
	}
	results := make([]*ImageResult, len(images))
	for i, img := range images {
		res, err := p.ProcessImageContext(ctx, img)
		if err != nil {
			return results, fmt.Errorf("image %d: %w", i, err)
		}
		results[i] = res
	}
	return results, nil
}

// Warmup runs n forward passes on a blank image at the transform's size.
func (p *Pipeline) Warmup(n int) error {
	if p == nil || p.Detector == nil {
		return errNotInitialized
	}
	blank := image.NewRGBA(image.Rect(0, 0, p.Transform.MaxSize, p.Transform.MaxSize))
	for i := range n {
		if _, err := p.ProcessImage(blank); err != nil {
			return fmt.Errorf("warmup iteration %d: %w", i, err)
		}
	}
	if p.Profiler != nil {
		p.Profiler.Reset()
	}
	return nil
}
