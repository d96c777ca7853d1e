// Package detector implements the ThunderNet two-stage detection graph:
// context fusion, the proposal network, spatial gating, position-sensitive
// region pooling and the per-region head with its post-processing.
package detector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MeKo-Tech/thundernet/internal/backbone"
	"github.com/MeKo-Tech/thundernet/internal/common"
	"github.com/MeKo-Tech/thundernet/internal/nn"
	"github.com/MeKo-Tech/thundernet/internal/tensor"
	"github.com/MeKo-Tech/thundernet/internal/utils"
	"gonum.org/v1/gonum/mat"
)

// Stage names used in Output.Timings.
const (
	StageBackbone    = "backbone"
	StageFusion      = "fusion"
	StageProposals   = "proposals"
	StageGate        = "gate"
	StagePooling     = "pooling"
	StageHead        = "head"
	StagePostprocess = "postprocess"
)

type options struct {
	anchors   *AnchorGenerator
	head      *RegionHead
	predictor *Predictor
}

// Option customises a Detector at construction.
type Option func(*options)

// WithAnchorGenerator replaces the generator built from the anchor tables.
func WithAnchorGenerator(g *AnchorGenerator) Option {
	return func(o *options) { o.anchors = g }
}

// WithRegionHead replaces the randomly initialised fc6 head.
func WithRegionHead(h *RegionHead) Option {
	return func(o *options) { o.head = h }
}

// WithRegionPredictor supplies the class/box predictor. Config.NumClasses
// must then be 0.
func WithRegionPredictor(p *Predictor) Option {
	return func(o *options) { o.predictor = p }
}

// Detector owns every stage of the graph. All stages are immutable after
// construction, so one Detector may serve concurrent Forward calls.
type Detector struct {
	cfg       Config
	backbone  backbone.Backbone
	fusion    *ContextFusion
	rpn       *ProposalNet
	gate      *SpatialGate
	pooler    *RegionPooler
	head      *RegionHead
	predictor *Predictor
	post      *PostProcessor
}

// NewDetector validates cfg against the backbone and builds all stages.
func NewDetector(bb backbone.Backbone, cfg Config, opts ...Option) (*Detector, error) {
	if bb == nil {
		return nil, configErrorf("backbone", "missing")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	outC := bb.OutChannels()
	if outC <= 0 {
		return nil, configErrorf("backbone.out_channels", "missing or non-positive (%d)", outC)
	}
	if cfg.FusedChannels != outC {
		return nil, configErrorf("fused_channels", "%d does not match backbone out channels %d", cfg.FusedChannels, outC)
	}
	cells := cfg.PooledSize * cfg.PooledSize
	if outC%cells != 0 {
		return nil, configErrorf("fused_channels", "%d is not divisible by %d pooled cells", outC, cells)
	}
	switch {
	case cfg.NumClasses == 0 && o.predictor == nil:
		return nil, configErrorf("num_classes", "set num_classes or supply a region predictor")
	case cfg.NumClasses != 0 && o.predictor != nil:
		return nil, configErrorf("num_classes", "must be unset when a region predictor is supplied")
	}

	rng := nn.NewRand(cfg.Seed)
	fusion, err := NewContextFusion(bb.MidChannels(), bb.HighChannels(), outC, rng)
	if err != nil {
		return nil, err
	}

	anchors := o.anchors
	if anchors == nil {
		if anchors, err = NewAnchorGenerator(cfg.AnchorSizes, cfg.AspectRatios); err != nil {
			return nil, err
		}
	}
	rpnHead, err := NewRPNHead(outC, cfg.RPNChannels, cfg.RPNKernel, anchors.NumAnchors(), rng)
	if err != nil {
		return nil, err
	}
	rpn, err := NewProposalNet(rpnHead, anchors, ProposalConfig{
		PreNMSTopN:  cfg.PreNMSTopN.For(cfg.Mode),
		PostNMSTopN: cfg.PostNMSTopN.For(cfg.Mode),
		NMSThresh:   cfg.RPNNMSThresh,
		MinSize:     cfg.RPNMinSize,
	})
	if err != nil {
		return nil, err
	}

	gate, err := NewSpatialGate(cfg.RPNChannels, outC, rng)
	if err != nil {
		return nil, err
	}
	pooler, err := NewRegionPooler(cfg.PooledSize, cfg.PooledSize, cfg.SamplingRatio, cfg.PoolWorkers)
	if err != nil {
		return nil, err
	}

	head := o.head
	if head == nil {
		if head, err = NewRegionHead(outC, cfg.RepresentationSize, rng); err != nil {
			return nil, err
		}
	}
	if head.InFeatures() != outC {
		return nil, configErrorf("region_head", "expects %d inputs, pooled regions have %d", head.InFeatures(), outC)
	}
	predictor := o.predictor
	if predictor == nil {
		if predictor, err = NewPredictor(head.Representation(), cfg.NumClasses, rng); err != nil {
			return nil, err
		}
	}
	if predictor.InFeatures() != head.Representation() {
		return nil, configErrorf("region_predictor", "expects %d inputs, head produces %d",
			predictor.InFeatures(), head.Representation())
	}

	post, err := NewPostProcessor(PostProcessConfig{
		ScoreThresh:        cfg.BoxScoreThresh,
		NMSThresh:          cfg.BoxNMSThresh,
		NMSMethod:          cfg.BoxNMSMethod,
		SoftNMSSigma:       cfg.BoxSoftNMSSigma,
		MinSize:            cfg.BoxMinSize,
		DetectionsPerImage: cfg.BoxDetectionsPerImg,
		BoxWeights:         cfg.BBoxRegWeights,
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("Detector initialized",
		"mode", cfg.Mode.String(),
		"fused_channels", outC,
		"anchors_per_location", anchors.NumAnchors(),
		"num_classes", predictor.NumClasses(),
		"pooled_size", cfg.PooledSize)

	return &Detector{
		cfg:       cfg,
		backbone:  bb,
		fusion:    fusion,
		rpn:       rpn,
		gate:      gate,
		pooler:    pooler,
		head:      head,
		predictor: predictor,
		post:      post,
	}, nil
}

// Config returns the construction configuration.
func (d *Detector) Config() Config { return d.cfg }

// NumClasses returns the number of classes including background.
func (d *Detector) NumClasses() int { return d.predictor.NumClasses() }

// Output is the result of one forward pass. Boxes are in the pixel frame of
// the network input.
type Output struct {
	Image     utils.Size  `json:"image"`
	Input     utils.Size  `json:"input"`
	Anchors   []utils.Box `json:"-"`
	Proposals []Proposal  `json:"proposals"`
	// ClassLogits is R×K and BoxDeltas R×4K for the R proposals.
	ClassLogits *mat.Dense          `json:"-"`
	BoxDeltas   *mat.Dense          `json:"-"`
	Detections  []Detection         `json:"detections"`
	Timings     common.StageTimings `json:"timings"`
}

// ClassScores returns the softmax class probabilities of proposal r.
func (o *Output) ClassScores(r int) []float64 {
	return Softmax(o.ClassLogits.RawRowView(r))
}

// Forward runs the full graph on a normalised 3×H×W input. image is the
// valid (unpadded) extent inside img; the zero Size means all of img.
func (d *Detector) Forward(img *tensor.FeatureMap, image utils.Size) (*Output, error) {
	input := utils.Size{Width: img.W, Height: img.H}
	if image == (utils.Size{}) {
		image = input
	}
	if image.Width <= 0 || image.Height <= 0 || image.Width > input.Width || image.Height > input.Height {
		return nil, &ShapeError{Stage: "input", Got: image.String(), Want: "extent within " + input.String()}
	}

	var timings common.StageTimings
	t := common.NewNamedTimer(StageBackbone)
	feats, err := d.backbone.Forward(img)
	if err != nil {
		return nil, fmt.Errorf("backbone forward: %w", err)
	}
	defer feats.Release()
	timings.Record(t)
	if feats.Final != nil && feats.Final.C != d.backbone.OutChannels() {
		return nil, &ShapeError{Stage: "backbone", Got: feats.Final.Shape().String(),
			Want: fmt.Sprintf("%d channels", d.backbone.OutChannels())}
	}

	t = common.NewNamedTimer(StageFusion)
	fused, err := d.fusion.Forward(feats.Mid, feats.High)
	if err != nil {
		return nil, err
	}
	defer fused.Release()
	timings.Record(t)

	t = common.NewNamedTimer(StageProposals)
	prop, err := d.rpn.Forward(fused, input, image)
	if err != nil {
		return nil, err
	}
	defer prop.Release()
	timings.Record(t)

	t = common.NewNamedTimer(StageGate)
	gated, err := d.gate.Forward(fused, prop.Feature)
	if err != nil {
		return nil, err
	}
	defer gated.Release()
	timings.Record(t)

	t = common.NewNamedTimer(StagePooling)
	boxes := make([]utils.Box, len(prop.Proposals))
	for i, p := range prop.Proposals {
		boxes[i] = p.Box
	}
	regions, err := d.pooler.Pool(gated, boxes, input)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, r := range regions {
			r.Release()
		}
	}()
	timings.Record(t)

	t = common.NewNamedTimer(StageHead)
	rep, err := d.head.Forward(regions)
	if err != nil {
		return nil, err
	}
	logits, deltas, err := d.predictor.Forward(rep)
	if err != nil {
		return nil, err
	}
	timings.Record(t)

	t = common.NewNamedTimer(StagePostprocess)
	dets := d.post.Process(logits, deltas, prop.Proposals, image)
	timings.Record(t)

	if slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		attrs := []any{"proposals", len(prop.Proposals), "detections", len(dets)}
		attrs = append(attrs, mapStats("fused", fused)...)
		attrs = append(attrs, mapStats("gated", gated)...)
		slog.Debug("Detector forward", append(attrs, timings.LogAttrs()...)...)
	}

	return &Output{
		Image:       image,
		Input:       input,
		Anchors:     prop.Anchors,
		Proposals:   prop.Proposals,
		ClassLogits: logits,
		BoxDeltas:   deltas,
		Detections:  dets,
		Timings:     timings,
	}, nil
}

// mapStats returns min/max/mean log attributes of f under prefix.
func mapStats(prefix string, f *tensor.FeatureMap) []any {
	lo, hi, mean := tensor.Stats(f)
	return []any{prefix + "_min", lo, prefix + "_max", hi, prefix + "_mean", mean}
}

// Targets assigns the anchors and proposals of out to the annotations gt
// and samples balanced training batches from them.
func (d *Detector) Targets(out *Output, gt []GroundTruth) *Targets {
	gtBoxes := make([]utils.Box, len(gt))
	for i, g := range gt {
		gtBoxes[i] = g.Box
	}
	rng := nn.NewRand(d.cfg.Seed)

	anchorMatcher := Matcher{High: d.cfg.RPNFgIoUThresh, Low: d.cfg.RPNBgIoUThresh, AllowLowQuality: true}
	anchorMatches := anchorMatcher.Match(gtBoxes, out.Anchors)
	anchorPos, anchorNeg := BalancedSampler{
		BatchSizePerImage: d.cfg.RPNBatchSizePerImage,
		PositiveFraction:  d.cfg.RPNPositiveFraction,
	}.Sample(anchorMatches, rng)

	props := make([]utils.Box, len(out.Proposals))
	for i, p := range out.Proposals {
		props[i] = p.Box
	}
	regionMatcher := Matcher{High: d.cfg.BoxFgIoUThresh, Low: d.cfg.BoxBgIoUThresh}
	regionMatches := regionMatcher.Match(gtBoxes, props)
	labels := make([]int, len(regionMatches))
	for i, m := range regionMatches {
		switch {
		case m >= 0:
			labels[i] = gt[m].Label
		case m == BetweenThresholds:
			labels[i] = -1
		}
	}
	regionPos, regionNeg := BalancedSampler{
		BatchSizePerImage: d.cfg.BoxBatchSizePerImage,
		PositiveFraction:  d.cfg.BoxPositiveFraction,
	}.Sample(regionMatches, rng)

	return &Targets{
		AnchorMatches:   anchorMatches,
		AnchorPositives: anchorPos,
		AnchorNegatives: anchorNeg,
		AnchorDeltas:    EncodeTargets(NewBoxCoder(RPNBoxWeights), out.Anchors, gtBoxes, anchorMatches),
		RegionMatches:   regionMatches,
		RegionLabels:    labels,
		RegionPositives: regionPos,
		RegionNegatives: regionNeg,
		RegionDeltas:    EncodeTargets(NewBoxCoder(d.cfg.BBoxRegWeights), props, gtBoxes, regionMatches),
	}
}
