package backbone

import (
	"testing"

	"github.com/MeKo-Tech/thundernet/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReferenceShapes(t *testing.T) {
	bb, err := NewReference(DefaultReferenceConfig())
	require.NoError(t, err)
	assert.Equal(t, 245, bb.OutChannels())
	assert.Equal(t, 120, bb.MidChannels())
	assert.Equal(t, 512, bb.HighChannels())

	img := tensor.Full(3, 320, 320, 0.5)
	defer img.Release()
	feats, err := bb.Forward(img)
	require.NoError(t, err)
	defer feats.Release()

	assert.Equal(t, tensor.Shape{C: 120, H: 20, W: 20}, feats.Mid.Shape())
	assert.Equal(t, tensor.Shape{C: 512, H: 10, W: 10}, feats.High.Shape())
	assert.Equal(t, tensor.Shape{C: 245, H: 10, W: 10}, feats.Final.Shape())
	for _, v := range feats.Mid.Data {
		assert.GreaterOrEqual(t, v, 0.0)
	}
}

func TestReferenceDeterministic(t *testing.T) {
	a, err := NewReference(DefaultReferenceConfig())
	require.NoError(t, err)
	b, err := NewReference(DefaultReferenceConfig())
	require.NoError(t, err)

	img := tensor.Full(3, 64, 96, -0.25)
	fa, err := a.Forward(img)
	require.NoError(t, err)
	fb, err := b.Forward(img)
	require.NoError(t, err)
	assert.Equal(t, fa.High.Data, fb.High.Data)
}

func TestReferenceRejectsBadInput(t *testing.T) {
	bb, err := NewReference(DefaultReferenceConfig())
	require.NoError(t, err)

	_, err = bb.Forward(tensor.New(3, 50, 64))
	require.ErrorIs(t, err, ErrInputSize)
	_, err = bb.Forward(tensor.New(1, 64, 64))
	require.ErrorIs(t, err, ErrInputSize)

	_, err = NewReference(ReferenceConfig{MidChannels: 0, HighChannels: 8, OutChannels: 8})
	require.Error(t, err)
}
