package detector

import (
	"fmt"
	"math/rand/v2"

	"github.com/MeKo-Tech/thundernet/internal/nn"
	"github.com/MeKo-Tech/thundernet/internal/tensor"
	"gonum.org/v1/gonum/mat"
)

// RegionHead flattens pooled regions and maps them through fc6 + ReLU.
type RegionHead struct {
	fc6 *nn.Linear
}

// NewRegionHead creates a head with a randomly initialised in→rep layer.
func NewRegionHead(in, rep int, rng *rand.Rand) (*RegionHead, error) {
	fc6, err := nn.NewLinear(in, rep, rng)
	if err != nil {
		return nil, &ConfigError{Field: "representation_size", Reason: err.Error()}
	}
	return &RegionHead{fc6: fc6}, nil
}

// RegionHeadFrom wraps an explicit fc6 layer.
func RegionHeadFrom(fc6 *nn.Linear) *RegionHead { return &RegionHead{fc6: fc6} }

// InFeatures returns the flattened region width the head expects.
func (h *RegionHead) InFeatures() int { return h.fc6.In() }

// Representation returns the width of the head output.
func (h *RegionHead) Representation() int { return h.fc6.Out() }

// Forward maps R regions to an R×rep matrix. Zero regions yield an empty
// matrix.
func (h *RegionHead) Forward(regions []*tensor.FeatureMap) (*mat.Dense, error) {
	if len(regions) == 0 {
		return &mat.Dense{}, nil
	}
	x, err := flattenRegions(regions, h.InFeatures())
	if err != nil {
		return nil, err
	}
	y, err := h.fc6.Forward(x)
	if err != nil {
		return nil, err
	}
	return nn.ReLU(y), nil
}

// flattenRegions stacks regions row-wise into an R×in matrix.
func flattenRegions(regions []*tensor.FeatureMap, in int) (*mat.Dense, error) {
	data := make([]float64, 0, len(regions)*in)
	for i, r := range regions {
		if r.Len() != in {
			return nil, &ShapeError{Stage: "region_head", Got: fmt.Sprintf("region %d of shape %s", i, r.Shape()),
				Want: fmt.Sprintf("%d features", in)}
		}
		data = append(data, r.Data...)
	}
	return mat.NewDense(len(regions), in, data), nil
}

// Predictor produces class logits and per-class box deltas. Deltas for class
// k occupy columns 4k..4k+3; the background columns are ignored downstream.
type Predictor struct {
	cls *nn.Linear
	reg *nn.Linear
}

// NewPredictor creates randomly initialised rep→numClasses and
// rep→4·numClasses layers.
func NewPredictor(rep, numClasses int, rng *rand.Rand) (*Predictor, error) {
	cls, err := nn.NewLinear(rep, numClasses, rng)
	if err != nil {
		return nil, &ConfigError{Field: "num_classes", Reason: err.Error()}
	}
	reg, err := nn.NewLinear(rep, 4*numClasses, rng)
	if err != nil {
		return nil, &ConfigError{Field: "num_classes", Reason: err.Error()}
	}
	return &Predictor{cls: cls, reg: reg}, nil
}

// PredictorFrom wraps explicit layers.
func PredictorFrom(cls, reg *nn.Linear) (*Predictor, error) {
	if cls.In() != reg.In() {
		return nil, configErrorf("predictor", "class and box layers take %d and %d inputs", cls.In(), reg.In())
	}
	if reg.Out() != 4*cls.Out() {
		return nil, configErrorf("predictor", "box layer has %d outputs, want %d", reg.Out(), 4*cls.Out())
	}
	return &Predictor{cls: cls, reg: reg}, nil
}

// NumClasses returns the number of classes including background.
func (p *Predictor) NumClasses() int { return p.cls.Out() }

// InFeatures returns the representation width the predictor expects.
func (p *Predictor) InFeatures() int { return p.cls.In() }

// Forward returns R×numClasses logits and R×4·numClasses deltas.
func (p *Predictor) Forward(x *mat.Dense) (*mat.Dense, *mat.Dense, error) {
	if x.IsEmpty() {
		return &mat.Dense{}, &mat.Dense{}, nil
	}
	scores, err := p.cls.Forward(x)
	if err != nil {
		return nil, nil, err
	}
	deltas, err := p.reg.Forward(x)
	if err != nil {
		return nil, nil, err
	}
	return scores, deltas, nil
}
