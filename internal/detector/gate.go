package detector

import (
	"fmt"
	"math/rand/v2"

	"github.com/MeKo-Tech/thundernet/internal/nn"
	"github.com/MeKo-Tech/thundernet/internal/tensor"
)

// SpatialGate is the spatial attention module: the proposal feature is
// projected to the fused width, normalised and squashed into (0, 1), then
// multiplied into the fused map.
type SpatialGate struct {
	conv *nn.Conv1x1
	bn   *nn.BatchNorm
}

// NewSpatialGate builds a gate from proposalC to fusedC channels.
func NewSpatialGate(proposalC, fusedC int, rng *rand.Rand) (*SpatialGate, error) {
	if proposalC <= 0 || fusedC <= 0 {
		return nil, configErrorf("spatial_gate", "channels must be positive, got %d -> %d", proposalC, fusedC)
	}
	conv, err := nn.NewConv1x1(proposalC, fusedC, false, rng)
	if err != nil {
		return nil, err
	}
	return &SpatialGate{conv: conv, bn: nn.NewBatchNorm(fusedC)}, nil
}

// BatchNorm exposes the normalisation parameters for loading weights.
func (g *SpatialGate) BatchNorm() *nn.BatchNorm { return g.bn }

// Gate returns sigmoid(bn(conv(p))).
func (g *SpatialGate) Gate(p *tensor.FeatureMap) (*tensor.FeatureMap, error) {
	if p.C != g.conv.InChannels() {
		return nil, &ShapeError{Stage: "gate", Got: p.Shape().String(),
			Want: fmt.Sprintf("%d channels", g.conv.InChannels())}
	}
	out, err := g.conv.Forward(p)
	if err != nil {
		return nil, err
	}
	if _, err := g.bn.ForwardInPlace(out); err != nil {
		out.Release()
		return nil, err
	}
	return tensor.SigmoidInPlace(out), nil
}

// Forward returns fused ⊙ Gate(p).
func (g *SpatialGate) Forward(fused, p *tensor.FeatureMap) (*tensor.FeatureMap, error) {
	if !fused.SameSpatial(p) {
		return nil, &ShapeError{Stage: "gate", Got: p.Shape().String(),
			Want: fmt.Sprintf("spatial size %dx%d", fused.H, fused.W)}
	}
	gate, err := g.Gate(p)
	if err != nil {
		return nil, err
	}
	defer gate.Release()
	if gate.C != fused.C {
		return nil, &ShapeError{Stage: "gate", Got: fused.Shape().String(),
			Want: fmt.Sprintf("%d channels", gate.C)}
	}
	return tensor.Mul(fused, gate)
}
