package onnx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/thundernet/internal/tensor"
)

func TestFeatureMapRoundTrip(t *testing.T) {
	f := tensor.New(2, 3, 4)
	for i := range f.Len() {
		f.Data[i] = float64(i) * 0.5
	}

	ten, err := FromFeatureMap(f)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4}, ten.Shape)
	require.NoError(t, VerifyImageTensor(ten))

	back, err := ToFeatureMap(ten.Data, ten.Shape)
	require.NoError(t, err)
	assert.Equal(t, f.Shape(), back.Shape())
	assert.InDeltaSlice(t, f.Data[:f.Len()], back.Data[:back.Len()], 1e-6)
}

func TestFromFeatureMapNil(t *testing.T) {
	_, err := FromFeatureMap(nil)
	assert.Error(t, err)
}

func TestToFeatureMapErrors(t *testing.T) {
	tests := []struct {
		name  string
		data  []float32
		shape []int64
	}{
		{"rank", make([]float32, 6), []int64{1, 2, 3}},
		{"zero dim", nil, []int64{1, 0, 3, 3}},
		{"length", make([]float32, 5), []int64{1, 1, 2, 3}},
		{"batch", make([]float32, 12), []int64{2, 1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ToFeatureMap(tt.data, tt.shape)
			assert.Error(t, err)
		})
	}
}
