package detector

import (
	"fmt"
	"math"
	"strings"
)

// Mode selects the proposal budgets used by a detector.
type Mode int

const (
	ModeInference Mode = iota
	ModeTraining
)

func (m Mode) String() string {
	if m == ModeTraining {
		return "training"
	}
	return "inference"
}

// ParseMode accepts "training"/"train" and "inference"/"test"/"eval".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "inference", "test", "eval":
		return ModeInference, nil
	case "training", "train":
		return ModeTraining, nil
	default:
		return ModeInference, fmt.Errorf("unknown mode %q", s)
	}
}

// TopN holds a mode-dependent count.
type TopN struct {
	Training  int
	Inference int
}

// For returns the count for mode m.
func (t TopN) For(m Mode) int {
	if m == ModeTraining {
		return t.Training
	}
	return t.Inference
}

// Config enumerates the construction-time options of a Detector.
type Config struct {
	Mode Mode
	Seed uint64 // weight initialisation seed

	// NumClasses includes the background class. Leave 0 when a region
	// predictor is supplied with WithRegionPredictor.
	NumClasses    int
	FusedChannels int // CEM width, must equal the backbone's out channels

	// Anchors: one size tuple and one aspect-ratio tuple per tier.
	AnchorSizes  [][]float64
	AspectRatios [][]float64

	// Proposal network
	RPNChannels          int // proposal feature width
	RPNKernel            int // depthwise kernel
	PreNMSTopN           TopN
	PostNMSTopN          TopN
	RPNNMSThresh         float64
	RPNMinSize           float64
	RPNFgIoUThresh       float64
	RPNBgIoUThresh       float64
	RPNBatchSizePerImage int
	RPNPositiveFraction  float64

	// Region stage
	PooledSize           int
	SamplingRatio        int // <= 0 selects adaptive sampling
	PoolWorkers          int // 0 means GOMAXPROCS
	RepresentationSize   int
	BoxScoreThresh       float64
	BoxNMSThresh         float64
	BoxNMSMethod         string
	BoxSoftNMSSigma      float64
	BoxMinSize           float64
	BoxDetectionsPerImg  int
	BoxFgIoUThresh       float64
	BoxBgIoUThresh       float64
	BoxBatchSizePerImage int
	BoxPositiveFraction  float64
	BBoxRegWeights       [4]float64
}

// DefaultConfig returns the ThunderNet defaults for a two-class detector.
func DefaultConfig() Config {
	sizes := [][]float64{{32}, {64}, {128}, {256}, {512}}
	ratios := make([][]float64, len(sizes))
	for i := range ratios {
		ratios[i] = []float64{0.5, 1.0, 2.0}
	}
	return Config{
		Mode:          ModeInference,
		Seed:          1,
		NumClasses:    2,
		FusedChannels: 245,

		AnchorSizes:  sizes,
		AspectRatios: ratios,

		RPNChannels:          256,
		RPNKernel:            5,
		PreNMSTopN:           TopN{Training: 2000, Inference: 100},
		PostNMSTopN:          TopN{Training: 2000, Inference: 1000},
		RPNNMSThresh:         0.7,
		RPNMinSize:           1e-3,
		RPNFgIoUThresh:       0.7,
		RPNBgIoUThresh:       0.3,
		RPNBatchSizePerImage: 256,
		RPNPositiveFraction:  0.5,

		PooledSize:           7,
		SamplingRatio:        2,
		RepresentationSize:   1024,
		BoxScoreThresh:       0.05,
		BoxNMSThresh:         0.5,
		BoxNMSMethod:         NMSMethodHard,
		BoxSoftNMSSigma:      0.5,
		BoxMinSize:           1e-2,
		BoxDetectionsPerImg:  100,
		BoxFgIoUThresh:       0.5,
		BoxBgIoUThresh:       0.5,
		BoxBatchSizePerImage: 512,
		BoxPositiveFraction:  0.25,
		BBoxRegWeights:       [4]float64{10, 10, 5, 5},
	}
}

// Validate checks the options that do not depend on the backbone.
func (c Config) Validate() error {
	if c.Mode != ModeInference && c.Mode != ModeTraining {
		return configErrorf("mode", "unknown mode %d", int(c.Mode))
	}
	if c.NumClasses != 0 && c.NumClasses < 2 {
		return configErrorf("num_classes", "must include background and at least one class, got %d", c.NumClasses)
	}
	if c.RPNChannels <= 0 {
		return configErrorf("rpn_channels", "must be positive, got %d", c.RPNChannels)
	}
	if c.RPNKernel <= 0 || c.RPNKernel%2 == 0 {
		return configErrorf("rpn_kernel", "must be odd and positive, got %d", c.RPNKernel)
	}
	if err := checkTopN("pre_nms_top_n", c.PreNMSTopN); err != nil {
		return err
	}
	if err := checkTopN("post_nms_top_n", c.PostNMSTopN); err != nil {
		return err
	}
	for field, v := range map[string]float64{
		"rpn_nms_thresh":    c.RPNNMSThresh,
		"rpn_fg_iou_thresh": c.RPNFgIoUThresh,
		"rpn_bg_iou_thresh": c.RPNBgIoUThresh,
		"box_nms_thresh":    c.BoxNMSThresh,
		"box_score_thresh":  c.BoxScoreThresh,
		"box_fg_iou_thresh": c.BoxFgIoUThresh,
		"box_bg_iou_thresh": c.BoxBgIoUThresh,
	} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return configErrorf(field, "must be in [0, 1], got %v", v)
		}
	}
	if c.RPNBgIoUThresh > c.RPNFgIoUThresh {
		return configErrorf("rpn_bg_iou_thresh", "exceeds foreground threshold %v", c.RPNFgIoUThresh)
	}
	if c.BoxBgIoUThresh > c.BoxFgIoUThresh {
		return configErrorf("box_bg_iou_thresh", "exceeds foreground threshold %v", c.BoxFgIoUThresh)
	}
	if c.PooledSize <= 0 {
		return configErrorf("pooled_size", "must be positive, got %d", c.PooledSize)
	}
	if c.RepresentationSize <= 0 {
		return configErrorf("representation_size", "must be positive, got %d", c.RepresentationSize)
	}
	if c.BoxDetectionsPerImg <= 0 {
		return configErrorf("box_detections_per_img", "must be positive, got %d", c.BoxDetectionsPerImg)
	}
	if !validNMSMethod(c.BoxNMSMethod) {
		return configErrorf("box_nms_method", "unknown method %q", c.BoxNMSMethod)
	}
	if c.BoxNMSMethod == NMSMethodGaussian && c.BoxSoftNMSSigma <= 0 {
		return configErrorf("box_soft_nms_sigma", "must be positive for gaussian soft-NMS")
	}
	for i, w := range c.BBoxRegWeights {
		if w <= 0 {
			return configErrorf("bbox_reg_weights", "weight %d must be positive, got %v", i, w)
		}
	}
	return nil
}

func checkTopN(field string, t TopN) error {
	if t.Training <= 0 || t.Inference <= 0 {
		return configErrorf(field, "training and inference counts must be positive, got %d/%d",
			t.Training, t.Inference)
	}
	return nil
}
