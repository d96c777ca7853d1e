package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"

	"github.com/MeKo-Tech/thundernet/internal/detector"
	"github.com/MeKo-Tech/thundernet/internal/utils"
)

// TargetSummary counts how anchors and proposals of one image match its
// annotations under the detector's fg/bg IoU thresholds.
type TargetSummary struct {
	GroundTruth     int `json:"ground_truth"`
	Anchors         int `json:"anchors"`
	AnchorPositives int `json:"anchor_positives"`
	AnchorNegatives int `json:"anchor_negatives"`
	Proposals       int `json:"proposals"`
	RegionPositives int `json:"region_positives"`
	RegionNegatives int `json:"region_negatives"`
	RegionIgnored   int `json:"region_ignored"`
	// CoveredGroundTruth is the number of annotations matched by at least one
	// foreground proposal.
	CoveredGroundTruth int `json:"covered_ground_truth"`
}

// Recall is CoveredGroundTruth / GroundTruth, or 0 without annotations.
func (s TargetSummary) Recall() float64 {
	if s.GroundTruth == 0 {
		return 0
	}
	return float64(s.CoveredGroundTruth) / float64(s.GroundTruth)
}

// AssignTargets runs a forward pass on img and matches its anchors and
// proposals against gt, given in original image pixels.
func (p *Pipeline) AssignTargets(ctx context.Context, img image.Image, gt []detector.GroundTruth) (*TargetSummary, error) {
	if p == nil || p.Detector == nil {
		return nil, errNotInitialized
	}
	if img == nil {
		return nil, errors.New("input image is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	boxes := make([]utils.Box, len(gt))
	for i, g := range gt {
		boxes[i] = g.Box
	}
	input, scaled, resized, err := p.Transform.Apply(img, boxes)
	if err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}
	defer input.Release()

	out, err := p.Detector.Forward(input, resized)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}

	resizedGT := make([]detector.GroundTruth, len(gt))
	for i, g := range gt {
		resizedGT[i] = detector.GroundTruth{Box: scaled[i], Label: g.Label}
	}
	t := p.Detector.Targets(out, resizedGT)

	s := &TargetSummary{
		GroundTruth:     len(gt),
		Anchors:         len(out.Anchors),
		AnchorPositives: len(t.AnchorPositives),
		AnchorNegatives: len(t.AnchorNegatives),
		Proposals:       len(out.Proposals),
		RegionPositives: len(t.RegionPositives),
		RegionNegatives: len(t.RegionNegatives),
	}
	covered := make(map[int]bool, len(gt))
	for i, m := range t.RegionMatches {
		switch {
		case m >= 0:
			covered[m] = true
		case t.RegionLabels[i] < 0:
			s.RegionIgnored++
		}
	}
	s.CoveredGroundTruth = len(covered)

	slog.Debug("Targets assigned", "ground_truth", s.GroundTruth, "anchor_pos", s.AnchorPositives,
		"region_pos", s.RegionPositives, "covered", s.CoveredGroundTruth)
	return s, nil
}
