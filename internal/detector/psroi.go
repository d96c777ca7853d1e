package detector

import (
	"fmt"
	"math"
	"runtime"

	"github.com/MeKo-Tech/thundernet/internal/tensor"
	"github.com/MeKo-Tech/thundernet/internal/utils"
	"github.com/sourcegraph/conc/pool"
)

// RegionPooler is position-sensitive ROI align. Output channel c at bin
// (i, j) samples input channel (c·ph + i)·pw + j, so the input width must be
// divisible by ph·pw.
type RegionPooler struct {
	outH          int
	outW          int
	samplingRatio int
	workers       int
}

// NewRegionPooler creates a pooler with an outH×outW grid. samplingRatio <= 0
// selects ceil(roi/bins) samples per bin axis. workers <= 0 uses GOMAXPROCS.
func NewRegionPooler(outH, outW, samplingRatio, workers int) (*RegionPooler, error) {
	if outH <= 0 || outW <= 0 {
		return nil, configErrorf("pooled_size", "must be positive, got %dx%d", outH, outW)
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &RegionPooler{outH: outH, outW: outW, samplingRatio: samplingRatio, workers: workers}, nil
}

// OutputSize returns (ph, pw).
func (p *RegionPooler) OutputSize() (int, int) { return p.outH, p.outW }

// OutChannels returns the pooled width for an inC-channel input.
func (p *RegionPooler) OutChannels(inC int) int { return inC / (p.outH * p.outW) }

// InferScale returns the power of two closest to featureSize/imageSize.
func InferScale(featureSize, imageSize int) float64 {
	approx := float64(featureSize) / float64(imageSize)
	return math.Exp2(math.Round(math.Log2(approx)))
}

// Pool extracts one region feature per box. Boxes are in input pixels and are
// mapped to the feature frame with a scale inferred from g and input, the
// padded network input size (not the valid image extent inside it).
// Output order matches input order.
func (p *RegionPooler) Pool(g *tensor.FeatureMap, boxes []utils.Box, input utils.Size) ([]*tensor.FeatureMap, error) {
	cells := p.outH * p.outW
	if g.C%cells != 0 {
		return nil, &ShapeError{Stage: "psroi", Got: g.Shape().String(),
			Want: fmt.Sprintf("channels divisible by %d", cells)}
	}
	if input.Width <= 0 || input.Height <= 0 {
		return nil, &ShapeError{Stage: "psroi", Got: input.String(), Want: "positive input size"}
	}
	sy := InferScale(g.H, input.Height)
	sx := InferScale(g.W, input.Width)
	if sx != sy {
		return nil, &ShapeError{Stage: "psroi", Got: fmt.Sprintf("scales %v/%v", sx, sy),
			Want: "equal horizontal and vertical scale"}
	}

	out := make([]*tensor.FeatureMap, len(boxes))
	if len(boxes) < 2 || p.workers == 1 {
		for i, b := range boxes {
			out[i] = p.PoolBox(g, b, sx)
		}
		return out, nil
	}
	wp := pool.New().WithMaxGoroutines(p.workers)
	for i, b := range boxes {
		wp.Go(func() {
			out[i] = p.PoolBox(g, b, sx)
		})
	}
	wp.Wait()
	return out, nil
}

// PoolBox pools a single box given in image pixels at the given scale.
func (p *RegionPooler) PoolBox(g *tensor.FeatureMap, box utils.Box, scale float64) *tensor.FeatureMap {
	ph, pw := p.outH, p.outW
	outC := g.C / (ph * pw)
	out := tensor.New(outC, ph, pw)

	startX := box.MinX*scale - 0.5
	startY := box.MinY*scale - 0.5
	roiW := box.MaxX*scale - 0.5 - startX
	roiH := box.MaxY*scale - 0.5 - startY
	binW := roiW / float64(pw)
	binH := roiH / float64(ph)

	gridH, gridW := p.samplingRatio, p.samplingRatio
	if p.samplingRatio <= 0 {
		gridH = max(1, int(math.Ceil(roiH/float64(ph))))
		gridW = max(1, int(math.Ceil(roiW/float64(pw))))
	}
	count := float64(gridH * gridW)

	for c := range outC {
		for i := range ph {
			y0 := startY + float64(i)*binH
			for j := range pw {
				x0 := startX + float64(j)*binW
				plane := g.Channel((c*ph+i)*pw + j)
				var sum float64
				for iy := range gridH {
					y := y0 + (float64(iy)+0.5)*binH/float64(gridH)
					for ix := range gridW {
						x := x0 + (float64(ix)+0.5)*binW/float64(gridW)
						sum += bilinear(plane, g.H, g.W, y, x)
					}
				}
				out.Set(c, i, j, sum/count)
			}
		}
	}
	return out
}

// bilinear samples plane at (y, x); points more than one cell outside the
// map contribute zero.
func bilinear(plane []float64, h, w int, y, x float64) float64 {
	if y < -1 || y > float64(h) || x < -1 || x > float64(w) {
		return 0
	}
	y = max(y, 0)
	x = max(x, 0)

	yLow, xLow := int(y), int(x)
	var yHigh, xHigh int
	if yLow >= h-1 {
		yLow, yHigh = h-1, h-1
		y = float64(yLow)
	} else {
		yHigh = yLow + 1
	}
	if xLow >= w-1 {
		xLow, xHigh = w-1, w-1
		x = float64(xLow)
	} else {
		xHigh = xLow + 1
	}

	ly, lx := y-float64(yLow), x-float64(xLow)
	hy, hx := 1-ly, 1-lx
	return hy*hx*plane[yLow*w+xLow] +
		hy*lx*plane[yLow*w+xHigh] +
		ly*hx*plane[yHigh*w+xLow] +
		ly*lx*plane[yHigh*w+xHigh]
}
