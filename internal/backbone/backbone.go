// Package backbone defines the feature extractor contract the detector is
// built on, plus the implementations shipped with the repository.
package backbone

import (
	"errors"

	"github.com/MeKo-Tech/thundernet/internal/tensor"
)

// ErrInputSize is returned when an input image does not match the strides
// a backbone needs.
var ErrInputSize = errors.New("backbone: unsupported input size")

// Features are the three maps a backbone produces for one image. Mid sits at
// stride 16 and High at stride 32 relative to the input.
type Features struct {
	Final *tensor.FeatureMap
	Mid   *tensor.FeatureMap
	High  *tensor.FeatureMap
}

// Release returns the pooled storage of all three maps.
func (f Features) Release() {
	f.Final.Release()
	f.Mid.Release()
	f.High.Release()
}

// Backbone maps a normalised 3×H×W image to multi-scale features. Channel
// counts are fixed for the lifetime of the value; implementations must be
// safe for concurrent Forward calls.
type Backbone interface {
	// OutChannels is the width of the final feature map. A value <= 0 means
	// the backbone does not declare it.
	OutChannels() int
	MidChannels() int
	HighChannels() int
	Forward(img *tensor.FeatureMap) (Features, error)
}
