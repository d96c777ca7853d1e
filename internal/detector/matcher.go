package detector

import (
	"math/rand/v2"

	"github.com/MeKo-Tech/thundernet/internal/utils"
)

// Match results for predictions that are not assigned to a ground-truth box.
const (
	BelowLowThreshold = -1
	BetweenThresholds = -2
)

// Matcher assigns every prediction to its best ground-truth box. A match
// with IoU >= High is kept, IoU < Low becomes BelowLowThreshold and
// anything in between becomes BetweenThresholds.
type Matcher struct {
	High float64
	Low  float64
	// AllowLowQuality restores the best prediction(s) of every ground-truth
	// box even when they fall below High.
	AllowLowQuality bool
}

// Match returns, per prediction, the index of the matched ground-truth box
// or one of the negative match codes.
func (m Matcher) Match(gt, preds []utils.Box) []int {
	matches := make([]int, len(preds))
	if len(gt) == 0 {
		for i := range matches {
			matches[i] = BelowLowThreshold
		}
		return matches
	}

	quality := make([][]float64, len(gt))
	for g := range gt {
		quality[g] = make([]float64, len(preds))
		for p := range preds {
			quality[g][p] = utils.IoU(gt[g], preds[p])
		}
	}

	best := make([]float64, len(preds))
	original := make([]int, len(preds))
	for p := range preds {
		bi, bv := 0, quality[0][p]
		for g := 1; g < len(gt); g++ {
			if quality[g][p] > bv {
				bi, bv = g, quality[g][p]
			}
		}
		best[p] = bv
		original[p] = bi
		switch {
		case bv < m.Low:
			matches[p] = BelowLowThreshold
		case bv < m.High:
			matches[p] = BetweenThresholds
		default:
			matches[p] = bi
		}
	}

	if m.AllowLowQuality {
		for g := range gt {
			var top float64
			for _, v := range quality[g] {
				top = max(top, v)
			}
			if top == 0 {
				continue
			}
			for p, v := range quality[g] {
				if v == top {
					matches[p] = original[p]
				}
			}
		}
	}
	return matches
}

// BalancedSampler picks a fixed-size mix of positives and negatives.
type BalancedSampler struct {
	BatchSizePerImage int
	PositiveFraction  float64
}

// Sample returns positive and negative prediction indices drawn at random
// from matches (as produced by Matcher.Match).
func (s BalancedSampler) Sample(matches []int, rng *rand.Rand) ([]int, []int) {
	var pos, neg []int
	for i, m := range matches {
		switch {
		case m >= 0:
			pos = append(pos, i)
		case m == BelowLowThreshold:
			neg = append(neg, i)
		}
	}
	numPos := min(int(float64(s.BatchSizePerImage)*s.PositiveFraction), len(pos))
	numNeg := min(s.BatchSizePerImage-numPos, len(neg))
	return pick(pos, numPos, rng), pick(neg, numNeg, rng)
}

func pick(idx []int, n int, rng *rand.Rand) []int {
	out := make([]int, 0, n)
	for _, p := range rng.Perm(len(idx))[:n] {
		out = append(out, idx[p])
	}
	return out
}

// EncodeTargets returns regression targets of every prediction towards its
// matched ground-truth box; unmatched predictions get a zero delta.
func EncodeTargets(coder BoxCoder, preds, gt []utils.Box, matches []int) []Delta {
	out := make([]Delta, len(preds))
	for i, m := range matches {
		if m >= 0 {
			out[i] = coder.Encode(preds[i], gt[m])
		}
	}
	return out
}

// GroundTruth is an annotated box with its class label.
type GroundTruth struct {
	Box   utils.Box `json:"box" yaml:"box"`
	Label int       `json:"label" yaml:"label"`
}

// Targets summarises the assignment of anchors and proposals to annotations.
type Targets struct {
	AnchorMatches   []int
	AnchorPositives []int
	AnchorNegatives []int
	AnchorDeltas    []Delta
	RegionMatches   []int
	RegionLabels    []int // 0 for background, -1 for ignored
	RegionPositives []int
	RegionNegatives []int
	RegionDeltas    []Delta
}
