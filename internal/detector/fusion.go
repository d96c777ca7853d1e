package detector

import (
	"fmt"
	"math/rand/v2"

	"github.com/MeKo-Tech/thundernet/internal/nn"
	"github.com/MeKo-Tech/thundernet/internal/tensor"
)

// ContextFusion is the context enhancement module: it sums a projection of
// the mid map, an upsampled projection of the high map and a projected global
// average of the high map.
type ContextFusion struct {
	mid    *nn.Conv1x1
	high   *nn.Conv1x1
	global *nn.Conv1x1
}

// NewContextFusion builds the three 1×1 projections into outC channels.
func NewContextFusion(midC, highC, outC int, rng *rand.Rand) (*ContextFusion, error) {
	if midC <= 0 {
		return nil, configErrorf("mid_channels", "must be positive, got %d", midC)
	}
	if highC <= 0 {
		return nil, configErrorf("high_channels", "must be positive, got %d", highC)
	}
	if outC <= 0 {
		return nil, configErrorf("fused_channels", "must be positive, got %d", outC)
	}
	mid, err := nn.NewConv1x1(midC, outC, true, rng)
	if err != nil {
		return nil, err
	}
	high, err := nn.NewConv1x1(highC, outC, true, rng)
	if err != nil {
		return nil, err
	}
	global, err := nn.NewConv1x1(highC, outC, true, rng)
	if err != nil {
		return nil, err
	}
	return &ContextFusion{mid: mid, high: high, global: global}, nil
}

// OutChannels returns the fused width.
func (f *ContextFusion) OutChannels() int { return f.mid.OutChannels() }

// Forward fuses mid and high into a map with mid's spatial size.
func (f *ContextFusion) Forward(mid, high *tensor.FeatureMap) (*tensor.FeatureMap, error) {
	if mid.C != f.mid.InChannels() {
		return nil, &ShapeError{Stage: "fusion.mid", Got: mid.Shape().String(),
			Want: fmt.Sprintf("%d channels", f.mid.InChannels())}
	}
	if high.C != f.high.InChannels() {
		return nil, &ShapeError{Stage: "fusion.high", Got: high.Shape().String(),
			Want: fmt.Sprintf("%d channels", f.high.InChannels())}
	}
	if mid.H%high.H != 0 || mid.W%high.W != 0 {
		return nil, &ShapeError{Stage: "fusion.upsample", Got: high.Shape().String(),
			Want: fmt.Sprintf("spatial size dividing %dx%d", mid.H, mid.W)}
	}

	out, err := f.mid.Forward(mid)
	if err != nil {
		return nil, err
	}

	lat, err := f.high.Forward(high)
	if err != nil {
		out.Release()
		return nil, err
	}
	up, err := tensor.UpsampleNearest(lat, mid.H, mid.W)
	lat.Release()
	if err != nil {
		out.Release()
		return nil, err
	}
	err = tensor.AddInPlace(out, up)
	up.Release()
	if err != nil {
		out.Release()
		return nil, err
	}

	pooled := tensor.GlobalAvgPool(high)
	glb, err := f.global.Forward(pooled)
	pooled.Release()
	if err != nil {
		out.Release()
		return nil, err
	}
	err = tensor.AddInPlace(out, glb)
	glb.Release()
	if err != nil {
		out.Release()
		return nil, err
	}
	return out, nil
}
