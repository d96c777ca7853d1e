package detector

import (
	"math"

	"github.com/MeKo-Tech/thundernet/internal/utils"
)

// AnchorGenerator places a fixed set of base anchors at every cell of a
// feature grid. Base anchors are centred on the origin and listed tier by
// tier; within a tier ratios vary slowest and sizes fastest.
type AnchorGenerator struct {
	base []utils.Box
}

// NewAnchorGenerator builds base anchors from one size tuple and one
// aspect-ratio tuple (height/width) per tier.
func NewAnchorGenerator(sizes, ratios [][]float64) (*AnchorGenerator, error) {
	if len(sizes) == 0 {
		return nil, configErrorf("anchor_sizes", "at least one tier is required")
	}
	if len(sizes) != len(ratios) {
		return nil, configErrorf("aspect_ratios", "got %d tiers, anchor sizes have %d", len(ratios), len(sizes))
	}
	var base []utils.Box
	for tier := range sizes {
		if len(sizes[tier]) == 0 || len(ratios[tier]) == 0 {
			return nil, configErrorf("anchor_sizes", "tier %d is empty", tier)
		}
		for _, r := range ratios[tier] {
			if !(r > 0) || math.IsInf(r, 0) {
				return nil, configErrorf("aspect_ratios", "ratio %v in tier %d must be positive", r, tier)
			}
			hRatio := math.Sqrt(r)
			wRatio := 1 / hRatio
			for _, s := range sizes[tier] {
				if !(s > 0) || math.IsInf(s, 0) {
					return nil, configErrorf("anchor_sizes", "size %v in tier %d must be positive", s, tier)
				}
				ws := wRatio * s
				hs := hRatio * s
				base = append(base, utils.Box{
					MinX: math.RoundToEven(-ws / 2),
					MinY: math.RoundToEven(-hs / 2),
					MaxX: math.RoundToEven(ws / 2),
					MaxY: math.RoundToEven(hs / 2),
				})
			}
		}
	}
	return &AnchorGenerator{base: base}, nil
}

// NumAnchors returns the number of anchors per grid cell.
func (g *AnchorGenerator) NumAnchors() int { return len(g.base) }

// BaseAnchors returns a copy of the origin-centred anchors.
func (g *AnchorGenerator) BaseAnchors() []utils.Box {
	out := make([]utils.Box, len(g.base))
	copy(out, g.base)
	return out
}

// GridAnchors converts grid cells to image pixels and returns the anchors of
// an h×w feature grid computed for an input of the given size, enumerated
// (y, x, anchor).
func (g *AnchorGenerator) GridAnchors(h, w int, input utils.Size) []utils.Box {
	strideY := float64(input.Height / h)
	strideX := float64(input.Width / w)
	out := make([]utils.Box, 0, h*w*len(g.base))
	for y := range h {
		sy := float64(y) * strideY
		for x := range w {
			sx := float64(x) * strideX
			for _, b := range g.base {
				out = append(out, utils.Box{
					MinX: b.MinX + sx,
					MinY: b.MinY + sy,
					MaxX: b.MaxX + sx,
					MaxY: b.MaxY + sy,
				})
			}
		}
	}
	return out
}
