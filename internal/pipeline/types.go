package pipeline

import "github.com/MeKo-Tech/thundernet/internal/utils"

// BoxResult is an axis-aligned box in original image pixels.
type BoxResult struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func boxResult(b utils.Box) BoxResult {
	return BoxResult{X1: b.MinX, Y1: b.MinY, X2: b.MaxX, Y2: b.MaxY}
}

// Box converts back to a utils.Box.
func (b BoxResult) Box() utils.Box { return utils.Box{MinX: b.X1, MinY: b.Y1, MaxX: b.X2, MaxY: b.Y2} }

// DetectionResult is one detected object.
type DetectionResult struct {
	Label int       `json:"label"`
	Class string    `json:"class"`
	Score float64   `json:"score"`
	Box   BoxResult `json:"box"`
}

// ImageResult is the per-image detection output.
type ImageResult struct {
	Width      int               `json:"width"`
	Height     int               `json:"height"`
	Input      utils.Size        `json:"input"`
	Proposals  int               `json:"proposals"`
	Detections []DetectionResult `json:"detections"`
	Processing struct {
		TransformNs int64              `json:"transform_ns"`
		DetectionNs int64              `json:"detection_ns"`
		TotalNs     int64              `json:"total_ns"`
		StagesMs    map[string]float64 `json:"stages_ms,omitempty"`
	} `json:"processing"`
}
