package onnx

import (
	"errors"
	"fmt"

	"github.com/MeKo-Tech/thundernet/internal/tensor"
)

// Tensor is a float32 NCHW buffer in the layout ONNX Runtime expects.
type Tensor struct {
	Data  []float32
	Shape []int64
}

// FromFeatureMap converts a C×H×W map to a [1, C, H, W] float32 tensor.
func FromFeatureMap(f *tensor.FeatureMap) (Tensor, error) {
	if f == nil {
		return Tensor{}, errors.New("nil feature map")
	}
	data := make([]float32, f.Len())
	for i, v := range f.Data[:f.Len()] {
		data[i] = float32(v)
	}
	return Tensor{Data: data, Shape: []int64{1, int64(f.C), int64(f.H), int64(f.W)}}, nil
}

// ToFeatureMap converts a [1, C, H, W] float32 buffer to a pooled feature map.
func ToFeatureMap(data []float32, shape []int64) (*tensor.FeatureMap, error) {
	if err := VerifyImageTensor(Tensor{Data: data, Shape: shape}); err != nil {
		return nil, err
	}
	if shape[0] != 1 {
		return nil, fmt.Errorf("expected batch size 1, got %d", shape[0])
	}
	f := tensor.New(int(shape[1]), int(shape[2]), int(shape[3]))
	for i, v := range data {
		f.Data[i] = float64(v)
	}
	return f, nil
}

// ValidateNCHW ensures a shape is [N, C, H, W] with positive dimensions.
func ValidateNCHW(shape []int64) error {
	if len(shape) != 4 {
		return fmt.Errorf("shape rank %d != 4", len(shape))
	}
	for i, v := range shape {
		if v <= 0 {
			return fmt.Errorf("dimension %d must be > 0, got %d", i, v)
		}
	}
	return nil
}

// VerifyImageTensor checks the data length against the NCHW shape.
func VerifyImageTensor(t Tensor) error {
	if err := ValidateNCHW(t.Shape); err != nil {
		return err
	}
	n, c, h, w := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	if expected := int(n * c * h * w); len(t.Data) != expected {
		return fmt.Errorf("tensor data length %d != expected %d for shape %v", len(t.Data), expected, t.Shape)
	}
	return nil
}
