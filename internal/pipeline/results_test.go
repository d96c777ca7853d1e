package pipeline

import (
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult() *ImageResult {
	return &ImageResult{
		Width:  100,
		Height: 80,
		Detections: []DetectionResult{
			{Label: 1, Class: "cat", Score: 0.9, Box: BoxResult{X1: 50, Y1: 10, X2: 90, Y2: 60}},
			{Label: 2, Class: "dog", Score: 0.6, Box: BoxResult{X1: 5, Y1: 10, X2: 30, Y2: 40}},
		},
	}
}

func TestToJSONImage(t *testing.T) {
	s, err := ToJSONImage(sampleResult())
	require.NoError(t, err)

	var decoded ImageResult
	require.NoError(t, json.Unmarshal([]byte(s), &decoded))
	assert.Equal(t, sampleResult().Detections, decoded.Detections)
	assert.Contains(t, s, `"class": "cat"`)

	_, err = ToJSONImage(nil)
	assert.Error(t, err)

	all, err := ToJSONImages([]*ImageResult{sampleResult(), nil})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(all, "["))
}

func TestToPlainTextImage(t *testing.T) {
	s, err := ToPlainTextImage(sampleResult())
	require.NoError(t, err)
	lines := strings.Split(s, "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "cat 0.900 [50.0, 10.0, 90.0, 60.0]", lines[0])

	s, err = ToPlainTextImage(&ImageResult{})
	require.NoError(t, err)
	assert.Empty(t, s)

	_, err = ToPlainTextImage(nil)
	assert.Error(t, err)
}

func TestToCSVImage(t *testing.T) {
	s, err := ToCSVImage(sampleResult())
	require.NoError(t, err)

	rows, err := csv.NewReader(strings.NewReader(s)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, CSVHeader, rows[0])
	assert.Equal(t, []string{"2", "dog", "0.6000", "5.0", "10.0", "30.0", "40.0"}, rows[2])

	_, err = ToCSVImage(nil)
	assert.Error(t, err)
}

func TestSortDetectionsTopLeft(t *testing.T) {
	res := sampleResult()
	SortDetectionsTopLeft(res)
	assert.Equal(t, "dog", res.Detections[0].Class)
	assert.Equal(t, "cat", res.Detections[1].Class)
}

func TestValidateImageResult(t *testing.T) {
	require.NoError(t, ValidateImageResult(sampleResult()))
	assert.Error(t, ValidateImageResult(nil))

	tests := []struct {
		name   string
		mutate func(*ImageResult)
	}{
		{"zero size", func(r *ImageResult) { r.Width = 0 }},
		{"score", func(r *ImageResult) { r.Detections[0].Score = 1.5 }},
		{"inverted", func(r *ImageResult) { r.Detections[0].Box.X2 = 40 }},
		{"outside", func(r *ImageResult) { r.Detections[1].Box.Y2 = 81 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := sampleResult()
			tt.mutate(r)
			assert.Error(t, ValidateImageResult(r))
		})
	}
}
