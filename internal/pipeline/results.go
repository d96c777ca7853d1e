package pipeline

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// ToJSONImage serializes a single ImageResult to pretty JSON.
func ToJSONImage(res *ImageResult) (string, error) {
	if res == nil {
		return "", errors.New("nil result")
	}
	b, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ToJSONImages serializes multiple results to pretty JSON.
func ToJSONImages(results []*ImageResult) (string, error) {
	b, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ToPlainTextImage writes one line per detection: class, score and box.
func ToPlainTextImage(res *ImageResult) (string, error) {
	if res == nil {
		return "", errors.New("nil result")
	}
	lines := make([]string, 0, len(res.Detections))
	for _, d := range res.Detections {
		lines = append(lines, fmt.Sprintf("%s %.3f [%.1f, %.1f, %.1f, %.1f]",
			d.Class, d.Score, d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2))
	}
	return strings.Join(lines, "\n"), nil
}

// CSVHeader is the header row written by ToCSVImage.
var CSVHeader = []string{"label", "class", "score", "x1", "y1", "x2", "y2"}

// ToCSVImage exports detections as CSV with header.
func ToCSVImage(res *ImageResult) (string, error) {
	if res == nil {
		return "", errors.New("nil result")
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(CSVHeader)
	for _, d := range res.Detections {
		_ = w.Write([]string{
			strconv.Itoa(d.Label),
			d.Class,
			strconv.FormatFloat(d.Score, 'f', 4, 64),
			strconv.FormatFloat(d.Box.X1, 'f', 1, 64),
			strconv.FormatFloat(d.Box.Y1, 'f', 1, 64),
			strconv.FormatFloat(d.Box.X2, 'f', 1, 64),
			strconv.FormatFloat(d.Box.Y2, 'f', 1, 64),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// SortDetectionsTopLeft orders detections by y1 then x1 for readable output.
func SortDetectionsTopLeft(res *ImageResult) {
	slices.SortStableFunc(res.Detections, func(a, b DetectionResult) int {
		if a.Box.Y1 != b.Box.Y1 {
			if a.Box.Y1 < b.Box.Y1 {
				return -1
			}
			return 1
		}
		switch {
		case a.Box.X1 < b.Box.X1:
			return -1
		case a.Box.X1 > b.Box.X1:
			return 1
		}
		return 0
	})
}

// ValidateImageResult performs consistency checks: boxes inside the image,
// positive extents and scores in [0, 1].
func ValidateImageResult(res *ImageResult) error {
	if res == nil {
		return errors.New("nil result")
	}
	if res.Width <= 0 || res.Height <= 0 {
		return fmt.Errorf("invalid image size %dx%d", res.Width, res.Height)
	}
	const eps = 1e-6
	w, h := float64(res.Width), float64(res.Height)
	for i, d := range res.Detections {
		b := d.Box
		if math.IsNaN(d.Score) || d.Score < 0 || d.Score > 1 {
			return fmt.Errorf("detection %d score out of range", i)
		}
		if b.X2 <= b.X1 || b.Y2 <= b.Y1 {
			return fmt.Errorf("detection %d has non-positive size", i)
		}
		if b.X1 < -eps || b.Y1 < -eps || b.X2 > w+eps || b.Y2 > h+eps {
			return fmt.Errorf("detection %d exceeds image bounds", i)
		}
	}
	return nil
}
