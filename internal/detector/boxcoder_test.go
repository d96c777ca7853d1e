package detector

import (
	"math"
	"testing"

	"github.com/MeKo-Tech/thundernet/internal/utils"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func boxClose(a, b utils.Box, tol float64) bool {
	return math.Abs(a.MinX-b.MinX) <= tol && math.Abs(a.MinY-b.MinY) <= tol &&
		math.Abs(a.MaxX-b.MaxX) <= tol && math.Abs(a.MaxY-b.MaxY) <= tol
}

func genBox() gopter.Gen {
	return gopter.CombineGens(
		gen.Float64Range(-100, 400),
		gen.Float64Range(-100, 400),
		gen.Float64Range(1, 50),
		gen.Float64Range(1, 50),
	).Map(func(vals []interface{}) utils.Box {
		x, ok := vals[0].(float64)
		if !ok {
			panic("expected float64")
		}
		y, ok := vals[1].(float64)
		if !ok {
			panic("expected float64")
		}
		w, ok := vals[2].(float64)
		if !ok {
			panic("expected float64")
		}
		h, ok := vals[3].(float64)
		if !ok {
			panic("expected float64")
		}
		return utils.Box{MinX: x, MinY: y, MaxX: x + w, MaxY: y + h}
	})
}

func TestBoxCoderRoundTrip(t *testing.T) {
	properties := gopter.NewProperties(nil)

	for _, weights := range [][4]float64{RPNBoxWeights, RegionBoxWeights} {
		coder := NewBoxCoder(weights)
		properties.Property("decode(encode(box)) reproduces box", prop.ForAll(
			func(anchor, box utils.Box) bool {
				d := coder.Encode(anchor, box)
				return boxClose(coder.Decode(d, anchor), box, 1e-6)
			},
			genBox(), genBox(),
		))
		properties.Property("zero deltas reproduce the anchor", prop.ForAll(
			func(anchor utils.Box) bool {
				return boxClose(coder.Decode(Delta{}, anchor), anchor, 1e-9)
			},
			genBox(),
		))
	}

	properties.TestingRun(t)
}

func TestBoxCoderEncodeKnownValues(t *testing.T) {
	coder := NewBoxCoder(RegionBoxWeights)
	anchor := utils.Box{MinX: 0, MinY: 0, MaxX: 10, MaxY: 20}
	box := utils.Box{MinX: 5, MinY: 0, MaxX: 15, MaxY: 40}
	d := coder.Encode(anchor, box)
	assert.InDelta(t, 10*0.5, d[0], 1e-12)
	assert.InDelta(t, 10*0.5, d[1], 1e-12)
	assert.InDelta(t, 0, d[2], 1e-12)
	assert.InDelta(t, 5*math.Log(2), d[3], 1e-12)
}

func TestBoxCoderClampsSizeDeltas(t *testing.T) {
	coder := NewBoxCoder(RPNBoxWeights)
	anchor := utils.Box{MinX: 0, MinY: 0, MaxX: 16, MaxY: 16}
	out := coder.Decode(Delta{0, 0, 50, 50}, anchor)
	assert.InDelta(t, 1000, out.Width(), 1e-9)
	assert.InDelta(t, 1000, out.Height(), 1e-9)
	assert.False(t, math.IsInf(out.MaxX, 0))
}
