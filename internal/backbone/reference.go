package backbone

import (
	"fmt"

	"github.com/MeKo-Tech/thundernet/internal/nn"
	"github.com/MeKo-Tech/thundernet/internal/tensor"
)

// Stride constants of the Mid and High outputs.
const (
	MidStride  = 16
	HighStride = 32
)

// ReferenceConfig sizes a Reference backbone.
type ReferenceConfig struct {
	MidChannels  int
	HighChannels int
	OutChannels  int
	Seed         uint64
}

// DefaultReferenceConfig mirrors the SNet49 contract: C4 with 120 channels,
// C5 with 512 channels and a 245-wide final map.
func DefaultReferenceConfig() ReferenceConfig {
	return ReferenceConfig{
		MidChannels:  120,
		HighChannels: 512,
		OutChannels:  245,
		Seed:         1,
	}
}

// Reference is a deterministic stand-in backbone for model-less runs and
// tests: average pooling to strides 16 and 32 followed by seeded 1×1
// projections with ReLU.
type Reference struct {
	cfg   ReferenceConfig
	mid   *nn.Conv1x1
	high  *nn.Conv1x1
	final *nn.Conv1x1
}

// NewReference builds a Reference backbone.
func NewReference(cfg ReferenceConfig) (*Reference, error) {
	rng := nn.NewRand(cfg.Seed)
	mid, err := nn.NewConv1x1(3, cfg.MidChannels, true, rng)
	if err != nil {
		return nil, fmt.Errorf("mid projection: %w", err)
	}
	high, err := nn.NewConv1x1(cfg.MidChannels, cfg.HighChannels, true, rng)
	if err != nil {
		return nil, fmt.Errorf("high projection: %w", err)
	}
	final, err := nn.NewConv1x1(cfg.HighChannels, cfg.OutChannels, true, rng)
	if err != nil {
		return nil, fmt.Errorf("final projection: %w", err)
	}
	return &Reference{cfg: cfg, mid: mid, high: high, final: final}, nil
}

func (r *Reference) OutChannels() int  { return r.cfg.OutChannels }
func (r *Reference) MidChannels() int  { return r.cfg.MidChannels }
func (r *Reference) HighChannels() int { return r.cfg.HighChannels }

// Forward requires a 3-channel input whose sides are multiples of 32.
func (r *Reference) Forward(img *tensor.FeatureMap) (Features, error) {
	if img.C != 3 || img.H%HighStride != 0 || img.W%HighStride != 0 {
		return Features{}, fmt.Errorf("%w: got %s, need 3 channels and sides divisible by %d",
			ErrInputSize, img.Shape(), HighStride)
	}
	pooled, err := tensor.AvgPool(img, MidStride)
	if err != nil {
		return Features{}, err
	}
	mid, err := r.mid.Forward(pooled)
	pooled.Release()
	if err != nil {
		return Features{}, err
	}
	tensor.ReLUInPlace(mid)

	down, err := tensor.AvgPool(mid, HighStride/MidStride)
	if err != nil {
		mid.Release()
		return Features{}, err
	}
	high, err := r.high.Forward(down)
	down.Release()
	if err != nil {
		mid.Release()
		return Features{}, err
	}
	tensor.ReLUInPlace(high)

	final, err := r.final.Forward(high)
	if err != nil {
		mid.Release()
		high.Release()
		return Features{}, err
	}
	return Features{Final: final, Mid: mid, High: high}, nil
}

var _ Backbone = (*Reference)(nil)
