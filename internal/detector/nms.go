package detector

import (
	"math"
	"slices"

	"github.com/MeKo-Tech/thundernet/internal/mempool"
	"github.com/MeKo-Tech/thundernet/internal/utils"
)

const (
	NMSMethodHard     = "hard"
	NMSMethodLinear   = "linear"
	NMSMethodGaussian = "gaussian"
)

func validNMSMethod(m string) bool {
	switch m {
	case NMSMethodHard, NMSMethodLinear, NMSMethodGaussian:
		return true
	}
	return false
}

// rankByScore returns indices ordered by descending score. Equal scores keep
// their original order.
func rankByScore(scores []float64) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		switch {
		case scores[a] > scores[b]:
			return -1
		case scores[a] < scores[b]:
			return 1
		}
		return 0
	})
	return idx
}

// NMS performs greedy non-maximum suppression and returns the indices of the
// kept boxes by descending score. A box is suppressed when its IoU with an
// already kept box exceeds iouThreshold.
func NMS(boxes []utils.Box, scores []float64, iouThreshold float64) []int {
	order := rankByScore(scores)
	suppressed := mempool.GetBool(len(boxes))
	defer mempool.PutBool(suppressed)
	kept := make([]int, 0, len(boxes))

	for i, a := range order {
		if suppressed[a] {
			continue
		}
		kept = append(kept, a)
		for _, b := range order[i+1:] {
			if suppressed[b] {
				continue
			}
			if utils.IoU(boxes[a], boxes[b]) > iouThreshold {
				suppressed[b] = true
			}
		}
	}
	return kept
}

// BatchedNMS runs NMS independently per label, so boxes of different classes
// never suppress each other. The result is ordered by descending score.
func BatchedNMS(boxes []utils.Box, scores []float64, labels []int, iouThreshold float64) []int {
	groups := groupByLabel(labels)
	kept := make([]int, 0, len(boxes))
	for _, members := range groups {
		kept = append(kept, nmsSubset(boxes, scores, members, iouThreshold)...)
	}
	return sortIndicesByScore(kept, scores)
}

func nmsSubset(boxes []utils.Box, scores []float64, members []int, iouThreshold float64) []int {
	sub := make([]utils.Box, len(members))
	subScores := make([]float64, len(members))
	for i, m := range members {
		sub[i] = boxes[m]
		subScores[i] = scores[m]
	}
	local := NMS(sub, subScores, iouThreshold)
	out := make([]int, len(local))
	for i, l := range local {
		out[i] = members[l]
	}
	return out
}

// groupByLabel buckets indices by label in order of first appearance.
func groupByLabel(labels []int) [][]int {
	pos := make(map[int]int)
	var groups [][]int
	for i, l := range labels {
		g, ok := pos[l]
		if !ok {
			g = len(groups)
			pos[l] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}
	return groups
}

// sortIndicesByScore orders idx by descending score, ties by index.
func sortIndicesByScore(idx []int, scores []float64) []int {
	slices.SortFunc(idx, func(a, b int) int {
		switch {
		case scores[a] > scores[b]:
			return -1
		case scores[a] < scores[b]:
			return 1
		}
		return a - b
	})
	return idx
}

// SoftNMS decays the scores of overlapping boxes instead of dropping them.
// It returns the indices whose decayed score is at least scoreThresh,
// ordered by descending decayed score, together with the decayed scores
// (indexed like the input).
func SoftNMS(boxes []utils.Box, scores []float64, method string,
	iouThreshold, sigma, scoreThresh float64,
) ([]int, []float64) {
	decayed := slices.Clone(scores)
	order := rankByScore(scores)

	for i := range order {
		// bring the highest remaining score to position i
		best := i
		for j := i + 1; j < len(order); j++ {
			if decayed[order[j]] > decayed[order[best]] {
				best = j
			}
		}
		order[i], order[best] = order[best], order[i]

		for j := i + 1; j < len(order); j++ {
			iou := utils.IoU(boxes[order[i]], boxes[order[j]])
			decayed[order[j]] *= softNMSWeight(iou, iouThreshold, sigma, method)
		}
	}

	kept := make([]int, 0, len(order))
	for _, o := range order {
		if decayed[o] >= scoreThresh {
			kept = append(kept, o)
		}
	}
	return kept, decayed
}

// BatchedSoftNMS applies SoftNMS per label.
func BatchedSoftNMS(boxes []utils.Box, scores []float64, labels []int, method string,
	iouThreshold, sigma, scoreThresh float64,
) ([]int, []float64) {
	decayed := slices.Clone(scores)
	kept := make([]int, 0, len(boxes))
	for _, members := range groupByLabel(labels) {
		sub := make([]utils.Box, len(members))
		subScores := make([]float64, len(members))
		for i, m := range members {
			sub[i] = boxes[m]
			subScores[i] = scores[m]
		}
		local, localScores := SoftNMS(sub, subScores, method, iouThreshold, sigma, scoreThresh)
		for i, m := range members {
			decayed[m] = localScores[i]
		}
		for _, l := range local {
			kept = append(kept, members[l])
		}
	}
	return sortIndicesByScore(kept, decayed), decayed
}

func softNMSWeight(iou, iouThreshold, sigma float64, method string) float64 {
	switch method {
	case NMSMethodLinear:
		if iou > iouThreshold {
			return 1.0 - iou
		}
		return 1.0
	case NMSMethodGaussian:
		return math.Exp(-(iou * iou) / sigma)
	default:
		if iou > iouThreshold {
			return 0.0
		}
		return 1.0
	}
}
