package detector

import (
	"math"

	"github.com/MeKo-Tech/thundernet/internal/utils"
	"gonum.org/v1/gonum/mat"
)

// Detection is a final labelled box. Label 0 is background and never
// reported.
type Detection struct {
	Label int       `json:"label"`
	Score float64   `json:"score"`
	Box   utils.Box `json:"box"`
}

// PostProcessConfig controls the conversion of head outputs into detections.
type PostProcessConfig struct {
	ScoreThresh        float64
	NMSThresh          float64
	NMSMethod          string
	SoftNMSSigma       float64
	MinSize            float64
	DetectionsPerImage int
	BoxWeights         [4]float64
}

// PostProcessor decodes region head outputs against their proposals.
type PostProcessor struct {
	cfg   PostProcessConfig
	coder BoxCoder
}

// NewPostProcessor validates cfg and returns a post-processor.
func NewPostProcessor(cfg PostProcessConfig) (*PostProcessor, error) {
	if !validNMSMethod(cfg.NMSMethod) {
		return nil, configErrorf("box_nms_method", "unknown method %q", cfg.NMSMethod)
	}
	if cfg.DetectionsPerImage <= 0 {
		return nil, configErrorf("box_detections_per_img", "must be positive, got %d", cfg.DetectionsPerImage)
	}
	return &PostProcessor{cfg: cfg, coder: NewBoxCoder(cfg.BoxWeights)}, nil
}

// Softmax returns the row-wise softmax of logits.
func Softmax(logits []float64) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	peak := math.Inf(-1)
	for _, v := range logits {
		peak = math.Max(peak, v)
	}
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(v - peak)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Process turns R×K logits and R×4K deltas for R proposals into at most
// DetectionsPerImage detections clipped to image, ordered by descending score.
func (pp *PostProcessor) Process(logits, deltas *mat.Dense, proposals []Proposal, image utils.Size) []Detection {
	if logits.IsEmpty() || len(proposals) == 0 {
		return []Detection{}
	}
	_, numClasses := logits.Dims()
	w, h := float64(image.Width), float64(image.Height)

	var (
		boxes  []utils.Box
		scores []float64
		labels []int
	)
	for r, prop := range proposals {
		probs := Softmax(logits.RawRowView(r))
		row := deltas.RawRowView(r)
		for k := 1; k < numClasses; k++ {
			score := probs[k]
			if score <= pp.cfg.ScoreThresh {
				continue
			}
			d := Delta{row[4*k], row[4*k+1], row[4*k+2], row[4*k+3]}
			b := pp.coder.Decode(d, prop.Box).Clip(w, h)
			if b.IsDegenerate() || b.Width() < pp.cfg.MinSize || b.Height() < pp.cfg.MinSize {
				continue
			}
			boxes = append(boxes, b)
			scores = append(scores, score)
			labels = append(labels, k)
		}
	}

	var kept []int
	switch pp.cfg.NMSMethod {
	case NMSMethodLinear, NMSMethodGaussian:
		kept, scores = BatchedSoftNMS(boxes, scores, labels, pp.cfg.NMSMethod,
			pp.cfg.NMSThresh, pp.cfg.SoftNMSSigma, pp.cfg.ScoreThresh)
	default:
		kept = BatchedNMS(boxes, scores, labels, pp.cfg.NMSThresh)
	}
	if len(kept) > pp.cfg.DetectionsPerImage {
		kept = kept[:pp.cfg.DetectionsPerImage]
	}
	out := make([]Detection, len(kept))
	for i, k := range kept {
		out[i] = Detection{Label: labels[k], Score: scores[k], Box: boxes[k]}
	}
	return out
}
