// Package nn holds the parametrised layers the detector stages are built
// from. Weights are read-only after construction, so a layer may be shared by
// concurrent forward passes.
package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/MeKo-Tech/thundernet/internal/tensor"
	"gonum.org/v1/gonum/mat"
)

// NewRand returns a deterministic source for weight initialisation.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// uniform fills dst from U(-bound, bound).
func uniform(rng *rand.Rand, dst []float64, bound float64) {
	for i := range dst {
		dst[i] = (rng.Float64()*2 - 1) * bound
	}
}

// Conv1x1 mixes channels independently at every spatial location.
// Weight is out×in.
type Conv1x1 struct {
	Weight *mat.Dense
	Bias   []float64 // nil when the layer has no bias
}

// NewConv1x1 creates a 1×1 convolution with U(-1/√in, 1/√in) weights.
func NewConv1x1(in, out int, bias bool, rng *rand.Rand) (*Conv1x1, error) {
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("invalid 1x1 conv channels %d -> %d", in, out)
	}
	bound := 1 / math.Sqrt(float64(in))
	w := make([]float64, out*in)
	uniform(rng, w, bound)
	c := &Conv1x1{Weight: mat.NewDense(out, in, w)}
	if bias {
		c.Bias = make([]float64, out)
		uniform(rng, c.Bias, bound)
	}
	return c, nil
}

// InChannels returns the expected input width.
func (c *Conv1x1) InChannels() int {
	_, in := c.Weight.Dims()
	return in
}

// OutChannels returns the produced channel width.
func (c *Conv1x1) OutChannels() int {
	out, _ := c.Weight.Dims()
	return out
}

// Forward computes W·x (+ b) treating x as an in×(H·W) matrix.
func (c *Conv1x1) Forward(x *tensor.FeatureMap) (*tensor.FeatureMap, error) {
	outC, inC := c.Weight.Dims()
	if x.C != inC {
		return nil, fmt.Errorf("1x1 conv expects %d input channels, got %d", inC, x.C)
	}
	plane := x.Plane()
	out := tensor.New(outC, x.H, x.W)
	src := mat.NewDense(inC, plane, x.Data)
	dst := mat.NewDense(outC, plane, out.Data)
	dst.Mul(c.Weight, src)
	if c.Bias != nil {
		for o, b := range c.Bias {
			ch := out.Channel(o)
			for i := range ch {
				ch[i] += b
			}
		}
	}
	return out, nil
}

// DepthwiseConv applies one k×k filter per channel, stride 1, zero padding
// k/2 so the spatial size is preserved.
type DepthwiseConv struct {
	Channels int
	Kernel   int
	Weight   []float64 // Channels×Kernel×Kernel
}

// NewDepthwiseConv creates a bias-free depthwise convolution with odd kernel size.
func NewDepthwiseConv(channels, kernel int, rng *rand.Rand) (*DepthwiseConv, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("invalid depthwise channels %d", channels)
	}
	if kernel <= 0 || kernel%2 == 0 {
		return nil, fmt.Errorf("depthwise kernel must be odd and positive, got %d", kernel)
	}
	w := make([]float64, channels*kernel*kernel)
	uniform(rng, w, 1/float64(kernel))
	return &DepthwiseConv{Channels: channels, Kernel: kernel, Weight: w}, nil
}

// Forward convolves every channel of x with its own filter.
func (d *DepthwiseConv) Forward(x *tensor.FeatureMap) (*tensor.FeatureMap, error) {
	if x.C != d.Channels {
		return nil, fmt.Errorf("depthwise conv expects %d channels, got %d", d.Channels, x.C)
	}
	k, pad := d.Kernel, d.Kernel/2
	out := tensor.New(x.C, x.H, x.W)
	for c := range x.C {
		src := x.Channel(c)
		dst := out.Channel(c)
		w := d.Weight[c*k*k : (c+1)*k*k]
		for y := range x.H {
			for xx := range x.W {
				var sum float64
				for ky := range k {
					sy := y + ky - pad
					if sy < 0 || sy >= x.H {
						continue
					}
					for kx := range k {
						sx := xx + kx - pad
						if sx < 0 || sx >= x.W {
							continue
						}
						sum += w[ky*k+kx] * src[sy*x.W+sx]
					}
				}
				dst[y*x.W+xx] = sum
			}
		}
	}
	return out, nil
}

// BatchNorm normalises each channel with frozen running statistics.
type BatchNorm struct {
	Gamma []float64
	Beta  []float64
	Mean  []float64
	Var   []float64
	Eps   float64
}

// NewBatchNorm returns an identity-initialised batch norm (γ=1, β=0, μ=0, σ²=1).
func NewBatchNorm(channels int) *BatchNorm {
	bn := &BatchNorm{
		Gamma: make([]float64, channels),
		Beta:  make([]float64, channels),
		Mean:  make([]float64, channels),
		Var:   make([]float64, channels),
		Eps:   1e-5,
	}
	for i := range channels {
		bn.Gamma[i] = 1
		bn.Var[i] = 1
	}
	return bn
}

// Channels returns the number of normalised channels.
func (b *BatchNorm) Channels() int { return len(b.Gamma) }

// ForwardInPlace normalises x and returns it.
func (b *BatchNorm) ForwardInPlace(x *tensor.FeatureMap) (*tensor.FeatureMap, error) {
	if x.C != len(b.Gamma) {
		return nil, fmt.Errorf("batch norm expects %d channels, got %d", len(b.Gamma), x.C)
	}
	for c := range x.C {
		scale := b.Gamma[c] / math.Sqrt(b.Var[c]+b.Eps)
		shift := b.Beta[c] - b.Mean[c]*scale
		ch := x.Channel(c)
		for i, v := range ch {
			ch[i] = v*scale + shift
		}
	}
	return x, nil
}

// Linear is a fully connected layer y = x·W + b with W stored in×out.
type Linear struct {
	Weight *mat.Dense
	Bias   []float64
}

// NewLinear creates a fully connected layer with U(-1/√in, 1/√in) parameters.
func NewLinear(in, out int, rng *rand.Rand) (*Linear, error) {
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("invalid linear dims %d -> %d", in, out)
	}
	bound := 1 / math.Sqrt(float64(in))
	w := make([]float64, in*out)
	uniform(rng, w, bound)
	b := make([]float64, out)
	uniform(rng, b, bound)
	return &Linear{Weight: mat.NewDense(in, out, w), Bias: b}, nil
}

// LinearFrom wraps explicit parameters; weight must be in×out and bias of
// length out (nil means zero bias).
func LinearFrom(weight *mat.Dense, bias []float64) (*Linear, error) {
	if weight == nil {
		return nil, errors.New("nil weight")
	}
	_, out := weight.Dims()
	if bias == nil {
		bias = make([]float64, out)
	}
	if len(bias) != out {
		return nil, fmt.Errorf("bias length %d does not match %d outputs", len(bias), out)
	}
	return &Linear{Weight: weight, Bias: bias}, nil
}

// In returns the input width.
func (l *Linear) In() int {
	in, _ := l.Weight.Dims()
	return in
}

// Out returns the output width.
func (l *Linear) Out() int {
	_, out := l.Weight.Dims()
	return out
}

// Forward maps an n×in batch to n×out.
func (l *Linear) Forward(x mat.Matrix) (*mat.Dense, error) {
	n, in := x.Dims()
	if in != l.In() {
		return nil, fmt.Errorf("linear expects %d inputs, got %d", l.In(), in)
	}
	var y mat.Dense
	y.Mul(x, l.Weight)
	for i := range n {
		row := y.RawRowView(i)
		for j, b := range l.Bias {
			row[j] += b
		}
	}
	return &y, nil
}

// ReLU clamps negative entries of m to zero in place.
func ReLU(m *mat.Dense) *mat.Dense {
	r, _ := m.Dims()
	for i := range r {
		row := m.RawRowView(i)
		for j, v := range row {
			if v < 0 {
				row[j] = 0
			}
		}
	}
	return m
}
