package detector

import (
	"fmt"
	"math/rand/v2"

	"github.com/MeKo-Tech/thundernet/internal/nn"
	"github.com/MeKo-Tech/thundernet/internal/tensor"
	"github.com/MeKo-Tech/thundernet/internal/utils"
)

// Proposal is a candidate region in input-image pixels with its objectness
// probability.
type Proposal struct {
	Box   utils.Box `json:"box"`
	Score float64   `json:"score"`
}

// RPNHead computes the proposal feature and per-anchor outputs.
type RPNHead struct {
	dw   *nn.DepthwiseConv
	bn0  *nn.BatchNorm
	conv *nn.Conv1x1
	bn1  *nn.BatchNorm
	cls  *nn.Conv1x1
	bbox *nn.Conv1x1
}

// RPNOutput holds the head results for one image. Objectness is A×H×W and
// Deltas is 4A×H×W with channel a*4+k holding component k of anchor a.
type RPNOutput struct {
	Feature    *tensor.FeatureMap
	Objectness *tensor.FeatureMap
	Deltas     *tensor.FeatureMap
}

// Release frees all three maps.
func (o RPNOutput) Release() {
	o.Feature.Release()
	o.Objectness.Release()
	o.Deltas.Release()
}

// NewRPNHead builds depthwise k×k → BN → ReLU → 1×1 to featC → BN → ReLU,
// then 1×1 heads for numAnchors objectness logits and 4·numAnchors deltas.
func NewRPNHead(inC, featC, kernel, numAnchors int, rng *rand.Rand) (*RPNHead, error) {
	if numAnchors <= 0 {
		return nil, configErrorf("anchors", "need at least one anchor per location")
	}
	dw, err := nn.NewDepthwiseConv(inC, kernel, rng)
	if err != nil {
		return nil, &ConfigError{Field: "rpn_kernel", Reason: err.Error()}
	}
	conv, err := nn.NewConv1x1(inC, featC, true, rng)
	if err != nil {
		return nil, &ConfigError{Field: "rpn_channels", Reason: err.Error()}
	}
	cls, err := nn.NewConv1x1(featC, numAnchors, true, rng)
	if err != nil {
		return nil, err
	}
	bbox, err := nn.NewConv1x1(featC, 4*numAnchors, true, rng)
	if err != nil {
		return nil, err
	}
	return &RPNHead{
		dw:   dw,
		bn0:  nn.NewBatchNorm(inC),
		conv: conv,
		bn1:  nn.NewBatchNorm(featC),
		cls:  cls,
		bbox: bbox,
	}, nil
}

// NumAnchors returns A.
func (h *RPNHead) NumAnchors() int { return h.cls.OutChannels() }

// FeatureChannels returns the width of the proposal feature.
func (h *RPNHead) FeatureChannels() int { return h.conv.OutChannels() }

// Forward runs the head on the fused map.
func (h *RPNHead) Forward(fused *tensor.FeatureMap) (RPNOutput, error) {
	if fused.C != h.dw.Channels {
		return RPNOutput{}, &ShapeError{Stage: "rpn", Got: fused.Shape().String(),
			Want: fmt.Sprintf("%d channels", h.dw.Channels)}
	}
	x, err := h.dw.Forward(fused)
	if err != nil {
		return RPNOutput{}, err
	}
	if _, err := h.bn0.ForwardInPlace(x); err != nil {
		x.Release()
		return RPNOutput{}, err
	}
	tensor.ReLUInPlace(x)
	feat, err := h.conv.Forward(x)
	x.Release()
	if err != nil {
		return RPNOutput{}, err
	}
	if _, err := h.bn1.ForwardInPlace(feat); err != nil {
		feat.Release()
		return RPNOutput{}, err
	}
	tensor.ReLUInPlace(feat)

	obj, err := h.cls.Forward(feat)
	if err != nil {
		feat.Release()
		return RPNOutput{}, err
	}
	deltas, err := h.bbox.Forward(feat)
	if err != nil {
		feat.Release()
		obj.Release()
		return RPNOutput{}, err
	}
	return RPNOutput{Feature: feat, Objectness: obj, Deltas: deltas}, nil
}

// flattenRPN lists logits and deltas in (y, x, anchor) order.
func flattenRPN(obj, deltas *tensor.FeatureMap) ([]float64, []Delta) {
	a := obj.C
	n := obj.H * obj.W * a
	logits := make([]float64, 0, n)
	ds := make([]Delta, 0, n)
	for y := range obj.H {
		for x := range obj.W {
			for k := range a {
				logits = append(logits, obj.At(k, y, x))
				ds = append(ds, Delta{
					deltas.At(4*k, y, x),
					deltas.At(4*k+1, y, x),
					deltas.At(4*k+2, y, x),
					deltas.At(4*k+3, y, x),
				})
			}
		}
	}
	return logits, ds
}

// ProposalConfig holds the filtering budget for one mode.
type ProposalConfig struct {
	PreNMSTopN  int
	PostNMSTopN int
	NMSThresh   float64
	MinSize     float64
}

// ProposalNet turns the fused map into ranked proposals.
type ProposalNet struct {
	head    *RPNHead
	anchors *AnchorGenerator
	coder   BoxCoder
	cfg     ProposalConfig
}

// NewProposalNet wires a head and an anchor generator that must agree on
// the number of anchors per location.
func NewProposalNet(head *RPNHead, anchors *AnchorGenerator, cfg ProposalConfig) (*ProposalNet, error) {
	if head.NumAnchors() != anchors.NumAnchors() {
		return nil, configErrorf("anchors", "head predicts %d anchors per location, generator has %d",
			head.NumAnchors(), anchors.NumAnchors())
	}
	if cfg.PreNMSTopN <= 0 || cfg.PostNMSTopN <= 0 {
		return nil, configErrorf("proposal_top_n", "must be positive, got %d/%d", cfg.PreNMSTopN, cfg.PostNMSTopN)
	}
	return &ProposalNet{head: head, anchors: anchors, coder: NewBoxCoder(RPNBoxWeights), cfg: cfg}, nil
}

// Head returns the RPN head.
func (p *ProposalNet) Head() *RPNHead { return p.head }

// ProposalResult is the output of ProposalNet.Forward.
type ProposalResult struct {
	RPNOutput
	Anchors   []utils.Box
	Proposals []Proposal
}

// Forward runs the head, decodes every anchor and filters the boxes. input
// is the size of the (padded) tensor fed to the backbone and image the valid
// region inside it used for clipping.
func (p *ProposalNet) Forward(fused *tensor.FeatureMap, input, image utils.Size) (*ProposalResult, error) {
	out, err := p.head.Forward(fused)
	if err != nil {
		return nil, err
	}
	anchors := p.anchors.GridAnchors(fused.H, fused.W, input)
	logits, deltas := flattenRPN(out.Objectness, out.Deltas)
	boxes := p.coder.DecodeAll(deltas, anchors)
	return &ProposalResult{
		RPNOutput: out,
		Anchors:   anchors,
		Proposals: p.Filter(boxes, logits, image),
	}, nil
}

// Filter ranks decoded boxes by logit, keeps the pre-NMS top-N, clips them
// to the image, drops boxes smaller than MinSize (and all degenerate boxes),
// suppresses overlaps and keeps the post-NMS top-N. Equal logits keep their
// enumeration order. The result is never nil.
func (p *ProposalNet) Filter(boxes []utils.Box, logits []float64, image utils.Size) []Proposal {
	return FilterProposals(boxes, logits, image, p.cfg)
}

// FilterProposals is ProposalNet.Filter with an explicit budget.
func FilterProposals(boxes []utils.Box, logits []float64, image utils.Size, cfg ProposalConfig) []Proposal {
	order := rankByScore(logits)
	if len(order) > cfg.PreNMSTopN {
		order = order[:cfg.PreNMSTopN]
	}

	w, h := float64(image.Width), float64(image.Height)
	cand := make([]utils.Box, 0, len(order))
	scores := make([]float64, 0, len(order))
	for _, i := range order {
		b := boxes[i].Clip(w, h)
		if b.IsDegenerate() || b.Width() < cfg.MinSize || b.Height() < cfg.MinSize {
			continue
		}
		cand = append(cand, b)
		scores = append(scores, tensor.Sigmoid(logits[i]))
	}

	kept := NMS(cand, scores, cfg.NMSThresh)
	if len(kept) > cfg.PostNMSTopN {
		kept = kept[:cfg.PostNMSTopN]
	}
	out := make([]Proposal, len(kept))
	for i, k := range kept {
		out[i] = Proposal{Box: cand[k], Score: scores[k]}
	}
	return out
}
