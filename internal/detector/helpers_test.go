package detector

import (
	"math/rand/v2"

	"github.com/MeKo-Tech/thundernet/internal/backbone"
	"github.com/MeKo-Tech/thundernet/internal/nn"
	"github.com/MeKo-Tech/thundernet/internal/tensor"
)

func randomMap(rng *rand.Rand, c, h, w int, scale float64) *tensor.FeatureMap {
	f := tensor.New(c, h, w)
	for i := range f.Data {
		f.Data[i] = (rng.Float64()*2 - 1) * scale
	}
	return f
}

// stubBackbone returns fixed-size random features and declares arbitrary
// channel counts.
type stubBackbone struct {
	out, mid, high int
	// actual channel counts produced; zero means the declared ones
	gotMid, gotHigh int
	seed            uint64
}

func (s *stubBackbone) OutChannels() int  { return s.out }
func (s *stubBackbone) MidChannels() int  { return s.mid }
func (s *stubBackbone) HighChannels() int { return s.high }

func (s *stubBackbone) Forward(img *tensor.FeatureMap) (backbone.Features, error) {
	rng := nn.NewRand(s.seed)
	mid, high := s.mid, s.high
	if s.gotMid != 0 {
		mid = s.gotMid
	}
	if s.gotHigh != 0 {
		high = s.gotHigh
	}
	return backbone.Features{
		Final: randomMap(rng, max(s.out, 1), img.H/32, img.W/32, 1),
		Mid:   randomMap(rng, mid, img.H/16, img.W/16, 1),
		High:  randomMap(rng, high, img.H/32, img.W/32, 1),
	}, nil
}

// smallConfig keeps forward passes cheap: a 49-channel fused map pooled to
// 7×7 gives one position-sensitive channel.
func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.FusedChannels = 49
	cfg.RPNChannels = 16
	cfg.RepresentationSize = 32
	return cfg
}
