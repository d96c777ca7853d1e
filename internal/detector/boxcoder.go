package detector

import (
	"math"

	"github.com/MeKo-Tech/thundernet/internal/utils"
)

// Delta is a box regression vector (dx, dy, dw, dh).
type Delta [4]float64

// Default coder weights.
var (
	RPNBoxWeights    = [4]float64{1, 1, 1, 1}
	RegionBoxWeights = [4]float64{10, 10, 5, 5}
)

// BoxCoder converts between boxes and deltas relative to a reference box,
// with centre offsets in linear space and sizes in log space.
type BoxCoder struct {
	Weights [4]float64
	// ClipDelta caps dw and dh before exponentiation.
	ClipDelta float64
}

// NewBoxCoder returns a coder with the usual log(1000/16) clamp.
func NewBoxCoder(weights [4]float64) BoxCoder {
	return BoxCoder{Weights: weights, ClipDelta: math.Log(1000.0 / 16)}
}

// Encode returns the deltas that take ref onto target. ref must have a
// positive width and height.
func (c BoxCoder) Encode(ref, target utils.Box) Delta {
	wx, wy, ww, wh := c.Weights[0], c.Weights[1], c.Weights[2], c.Weights[3]
	rw, rh := ref.Width(), ref.Height()
	rcx, rcy := ref.MinX+0.5*rw, ref.MinY+0.5*rh
	tw, th := target.Width(), target.Height()
	tcx, tcy := target.MinX+0.5*tw, target.MinY+0.5*th
	return Delta{
		wx * (tcx - rcx) / rw,
		wy * (tcy - rcy) / rh,
		ww * math.Log(tw/rw),
		wh * math.Log(th/rh),
	}
}

// Decode applies d to ref.
func (c BoxCoder) Decode(d Delta, ref utils.Box) utils.Box {
	rw, rh := ref.Width(), ref.Height()
	rcx, rcy := ref.MinX+0.5*rw, ref.MinY+0.5*rh

	dx := d[0] / c.Weights[0]
	dy := d[1] / c.Weights[1]
	dw := math.Min(d[2]/c.Weights[2], c.ClipDelta)
	dh := math.Min(d[3]/c.Weights[3], c.ClipDelta)

	cx := dx*rw + rcx
	cy := dy*rh + rcy
	hw := 0.5 * math.Exp(dw) * rw
	hh := 0.5 * math.Exp(dh) * rh
	return utils.Box{MinX: cx - hw, MinY: cy - hh, MaxX: cx + hw, MaxY: cy + hh}
}

// DecodeAll decodes deltas[i] against refs[i].
func (c BoxCoder) DecodeAll(deltas []Delta, refs []utils.Box) []utils.Box {
	out := make([]utils.Box, len(refs))
	for i := range refs {
		out[i] = c.Decode(deltas[i], refs[i])
	}
	return out
}
