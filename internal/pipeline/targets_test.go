package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/thundernet/internal/detector"
	"github.com/MeKo-Tech/thundernet/internal/testutil"
)

func TestAssignTargets(t *testing.T) {
	p := newTestPipeline(t)
	img, boxes := testutil.RandomScene(3, testutil.MediumSize, 2)
	gt := make([]detector.GroundTruth, len(boxes))
	for i, b := range boxes {
		gt[i] = detector.GroundTruth{Box: b, Label: 1}
	}

	s, err := p.AssignTargets(context.Background(), img, gt)
	require.NoError(t, err)
	assert.Equal(t, 2, s.GroundTruth)
	assert.Positive(t, s.Anchors)
	assert.Positive(t, s.AnchorPositives, "every annotation keeps its best anchor")
	assert.LessOrEqual(t, s.AnchorPositives+s.AnchorNegatives, p.Config().Detector.RPNBatchSizePerImage)
	assert.LessOrEqual(t, s.RegionPositives+s.RegionNegatives, s.Proposals)
	assert.LessOrEqual(t, s.CoveredGroundTruth, s.GroundTruth)
	assert.GreaterOrEqual(t, s.Recall(), 0.0)
	assert.LessOrEqual(t, s.Recall(), 1.0)
}

func TestAssignTargets_NoAnnotations(t *testing.T) {
	p := newTestPipeline(t)

	s, err := p.AssignTargets(context.Background(), scene(320, 240), nil)
	require.NoError(t, err)
	assert.Zero(t, s.AnchorPositives)
	assert.Zero(t, s.RegionPositives)
	assert.Zero(t, s.CoveredGroundTruth)
	assert.Zero(t, s.Recall())
}

func TestAssignTargets_Errors(t *testing.T) {
	var nilPipeline *Pipeline
	_, err := nilPipeline.AssignTargets(context.Background(), scene(32, 32), nil)
	require.Error(t, err)

	p := newTestPipeline(t)
	_, err = p.AssignTargets(context.Background(), nil, nil)
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.AssignTargets(ctx, scene(32, 32), nil)
	require.ErrorIs(t, err, context.Canceled)
}
