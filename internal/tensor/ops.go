package tensor

import (
	"fmt"
	"math"
)

// sigmoidCeil and sigmoidFloor keep gate values inside the open interval (0, 1)
// even where float64 exp saturates.
var (
	sigmoidCeil  = math.Nextafter(1, 0)
	sigmoidFloor = math.SmallestNonzeroFloat64
)

// Sigmoid returns the logistic function of v, clamped to (0, 1).
func Sigmoid(v float64) float64 {
	s := 1 / (1 + math.Exp(-v))
	if s >= 1 {
		return sigmoidCeil
	}
	if s <= 0 || math.IsNaN(s) {
		return sigmoidFloor
	}
	return s
}

// SigmoidInPlace applies Sigmoid to every element of f.
func SigmoidInPlace(f *FeatureMap) *FeatureMap {
	for i, v := range f.Data {
		f.Data[i] = Sigmoid(v)
	}
	return f
}

// ReLUInPlace clamps negative elements of f to zero.
func ReLUInPlace(f *FeatureMap) *FeatureMap {
	for i, v := range f.Data {
		if v < 0 {
			f.Data[i] = 0
		}
	}
	return f
}

// Add returns a + b. b may have the same shape as a, or be C×1×1, in which
// case it is broadcast over every spatial location of a.
func Add(a, b *FeatureMap) (*FeatureMap, error) {
	out := a.Clone()
	if err := AddInPlace(out, b); err != nil {
		out.Release()
		return nil, err
	}
	return out, nil
}

// AddInPlace accumulates b into a with the same broadcasting rules as Add.
func AddInPlace(a, b *FeatureMap) error {
	if a.C != b.C {
		return fmt.Errorf("channel mismatch: %s + %s", a.Shape(), b.Shape())
	}
	switch {
	case a.SameSpatial(b):
		for i, v := range b.Data {
			a.Data[i] += v
		}
	case b.H == 1 && b.W == 1:
		p := a.Plane()
		for c := range a.C {
			v := b.Data[c]
			ch := a.Data[c*p : (c+1)*p]
			for i := range ch {
				ch[i] += v
			}
		}
	default:
		return fmt.Errorf("cannot broadcast %s onto %s", b.Shape(), a.Shape())
	}
	return nil
}

// Mul returns the elementwise product of two maps of identical shape.
func Mul(a, b *FeatureMap) (*FeatureMap, error) {
	if a.Shape() != b.Shape() {
		return nil, fmt.Errorf("shape mismatch: %s * %s", a.Shape(), b.Shape())
	}
	out := New(a.C, a.H, a.W)
	for i := range out.Data {
		out.Data[i] = a.Data[i] * b.Data[i]
	}
	return out, nil
}

// UpsampleNearest resizes f to h×w with nearest-neighbour sampling. Both
// target dimensions must be positive integer multiples of the source ones.
func UpsampleNearest(f *FeatureMap, h, w int) (*FeatureMap, error) {
	if h <= 0 || w <= 0 || h%f.H != 0 || w%f.W != 0 {
		return nil, fmt.Errorf("cannot upsample %dx%d to %dx%d by an integer factor", f.H, f.W, h, w)
	}
	fy, fx := h/f.H, w/f.W
	out := New(f.C, h, w)
	for c := range f.C {
		src := f.Channel(c)
		dst := out.Channel(c)
		for y := range h {
			row := src[(y/fy)*f.W : (y/fy+1)*f.W]
			for x := range w {
				dst[y*w+x] = row[x/fx]
			}
		}
	}
	return out, nil
}

// GlobalAvgPool averages every channel of f down to a C×1×1 map.
func GlobalAvgPool(f *FeatureMap) *FeatureMap {
	out := New(f.C, 1, 1)
	n := float64(f.Plane())
	for c := range f.C {
		var sum float64
		for _, v := range f.Channel(c) {
			sum += v
		}
		out.Data[c] = sum / n
	}
	return out
}

// AvgPool downsamples f by averaging non-overlapping k×k windows. H and W
// must be divisible by k.
func AvgPool(f *FeatureMap, k int) (*FeatureMap, error) {
	if k <= 0 || f.H%k != 0 || f.W%k != 0 {
		return nil, fmt.Errorf("cannot average-pool %dx%d with window %d", f.H, f.W, k)
	}
	oh, ow := f.H/k, f.W/k
	out := New(f.C, oh, ow)
	norm := 1 / float64(k*k)
	for c := range f.C {
		src := f.Channel(c)
		dst := out.Channel(c)
		for y := range oh {
			for x := range ow {
				var sum float64
				for dy := range k {
					row := (y*k + dy) * f.W
					for dx := range k {
						sum += src[row+x*k+dx]
					}
				}
				dst[y*ow+x] = sum * norm
			}
		}
	}
	return out, nil
}

// Stats returns min, max and mean of f, for debug logging.
func Stats(f *FeatureMap) (float64, float64, float64) {
	if f == nil || len(f.Data) == 0 {
		return 0, 0, 0
	}
	lo, hi := f.Data[0], f.Data[0]
	var sum float64
	for _, v := range f.Data {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
		sum += v
	}
	return lo, hi, sum / float64(len(f.Data))
}
