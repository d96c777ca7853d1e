// Package tensor provides the C×H×W feature map used between detector stages
// together with the parameter-free operations applied to it.
package tensor

import (
	"errors"
	"fmt"

	"github.com/MeKo-Tech/thundernet/internal/mempool"
)

// Shape describes a channels × height × width grid.
type Shape struct {
	C int
	H int
	W int
}

// Size returns the number of elements of the shape.
func (s Shape) Size() int { return s.C * s.H * s.W }

func (s Shape) String() string { return fmt.Sprintf("[%d, %d, %d]", s.C, s.H, s.W) }

// FeatureMap is a dense C×H×W grid stored row-major: Data[c*H*W + y*W + x].
// Maps returned by New draw their storage from the shared buffer pool and
// should be Released by their final consumer.
type FeatureMap struct {
	C    int
	H    int
	W    int
	Data []float64

	pooled bool
}

// New allocates a zeroed feature map of the given shape.
func New(c, h, w int) *FeatureMap {
	if c <= 0 || h <= 0 || w <= 0 {
		panic(fmt.Sprintf("tensor: invalid feature map shape [%d, %d, %d]", c, h, w))
	}
	return &FeatureMap{C: c, H: h, W: w, Data: mempool.GetFloat64Zeroed(c * h * w), pooled: true}
}

// FromData wraps an existing buffer without copying.
func FromData(c, h, w int, data []float64) (*FeatureMap, error) {
	if c <= 0 || h <= 0 || w <= 0 {
		return nil, fmt.Errorf("invalid feature map shape [%d, %d, %d]", c, h, w)
	}
	if data == nil {
		return nil, errors.New("nil data")
	}
	if len(data) != c*h*w {
		return nil, fmt.Errorf("unexpected data length: got %d, want %d", len(data), c*h*w)
	}
	return &FeatureMap{C: c, H: h, W: w, Data: data}, nil
}

// Full returns a feature map with every element set to v.
func Full(c, h, w int, v float64) *FeatureMap {
	f := New(c, h, w)
	for i := range f.Data {
		f.Data[i] = v
	}
	return f
}

// Shape returns the shape of the map.
func (f *FeatureMap) Shape() Shape { return Shape{C: f.C, H: f.H, W: f.W} }

// Plane returns H*W.
func (f *FeatureMap) Plane() int { return f.H * f.W }

// Len returns the number of elements.
func (f *FeatureMap) Len() int { return f.C * f.H * f.W }

// At returns the element at (c, y, x).
func (f *FeatureMap) At(c, y, x int) float64 { return f.Data[(c*f.H+y)*f.W+x] }

// Set stores v at (c, y, x).
func (f *FeatureMap) Set(c, y, x int, v float64) { f.Data[(c*f.H+y)*f.W+x] = v }

// Channel returns the H*W slice backing channel c.
func (f *FeatureMap) Channel(c int) []float64 {
	p := f.Plane()
	return f.Data[c*p : (c+1)*p]
}

// SameSpatial reports whether two maps share H and W.
func (f *FeatureMap) SameSpatial(o *FeatureMap) bool { return f.H == o.H && f.W == o.W }

// Clone returns a deep copy backed by a pooled buffer.
func (f *FeatureMap) Clone() *FeatureMap {
	out := &FeatureMap{C: f.C, H: f.H, W: f.W, Data: mempool.GetFloat64(f.Len()), pooled: true}
	copy(out.Data, f.Data)
	return out
}

// Release hands pooled storage back. The map must not be used afterwards.
// Releasing a map created by FromData only drops the reference.
func (f *FeatureMap) Release() {
	if f == nil {
		return
	}
	if f.pooled {
		mempool.PutFloat64(f.Data)
	}
	f.Data = nil
	f.pooled = false
}
