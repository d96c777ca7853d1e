package cmd

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/thundernet/internal/testutil"
)

func detectArgs(extra ...string) []string {
	return append(append([]string{"detect"}, fastArgs...), extra...)
}

func TestDetect_Text(t *testing.T) {
	paths := testutil.WriteScenes(t, t.TempDir(), 2, testutil.SmallSize)

	out, err := runCLI(t, detectArgs(paths...)...)
	require.NoError(t, err, out)

	for _, p := range paths {
		assert.Contains(t, out, p+": ")
	}
	assert.Contains(t, out, "detection(s) in 160x120")
}

func TestDetect_JSONToFile(t *testing.T) {
	paths := testutil.WriteScenes(t, t.TempDir(), 2, testutil.SmallSize)
	outFile := filepath.Join(t.TempDir(), "results.json")

	_, err := runCLI(t, detectArgs(append([]string{"--format", "json", "--output", outFile}, paths...)...)...)
	require.NoError(t, err)

	data, err := os.ReadFile(outFile)
	require.NoError(t, err)

	var results []fileResult
	require.NoError(t, json.Unmarshal(data, &results))
	require.Len(t, results, 2)
	for i, r := range results {
		assert.Equal(t, paths[i], r.File)
		assert.Empty(t, r.Error)
		require.NotNil(t, r.Result)
		assert.Equal(t, 160, r.Result.Width)
		assert.Equal(t, 120, r.Result.Height)
		assert.LessOrEqual(t, len(r.Result.Detections), 100)
		for j := 1; j < len(r.Result.Detections); j++ {
			assert.GreaterOrEqual(t, r.Result.Detections[j-1].Score, r.Result.Detections[j].Score)
		}
	}
}

func TestDetect_CSV(t *testing.T) {
	paths := testutil.WriteScenes(t, t.TempDir(), 1, testutil.SmallSize)

	out, err := runCLI(t, detectArgs(append([]string{"--format", "csv", "--score-thresh", "0"}, paths...)...)...)
	require.NoError(t, err)

	rows, err := csv.NewReader(strings.NewReader(out)).ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.Equal(t, []string{"file", "label", "class", "score", "x1", "y1", "x2", "y2"}, rows[0])
	for _, row := range rows[1:] {
		assert.Equal(t, paths[0], row[0])
	}
}

func TestDetect_PartialFailure(t *testing.T) {
	dir := t.TempDir()
	paths := testutil.WriteScenes(t, dir, 1, testutil.SmallSize)
	missing := filepath.Join(dir, "missing.png")

	out, err := runCLI(t, detectArgs(paths[0], missing)...)
	require.NoError(t, err)
	assert.Contains(t, out, missing+": error:")
	assert.Contains(t, out, paths[0]+": ")
}

func TestDetect_AllFail(t *testing.T) {
	dir := t.TempDir()
	_, err := runCLI(t, detectArgs(filepath.Join(dir, "a.png"), filepath.Join(dir, "b.txt"))...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 image(s) failed")
}

func TestDetect_Overlay(t *testing.T) {
	paths := testutil.WriteScenes(t, t.TempDir(), 1, testutil.SmallSize)
	overlayDir := filepath.Join(t.TempDir(), "overlays")

	_, err := runCLI(t, detectArgs(append([]string{"--overlay-dir", overlayDir}, paths...)...)...)
	require.NoError(t, err)

	base := strings.TrimSuffix(filepath.Base(paths[0]), ".png")
	assert.FileExists(t, filepath.Join(overlayDir, base+"_overlay.png"))
}

func TestDetect_InvalidOptions(t *testing.T) {
	paths := testutil.WriteScenes(t, t.TempDir(), 1, testutil.SmallSize)

	tests := map[string][]string{
		"format":       {"--format", "xml"},
		"nms method":   {"--nms-method", "fuzzy"},
		"score":        {"--score-thresh", "2"},
		"backbone":     {"--backbone", "snet999"},
		"missing onnx": {"--backbone", "snet146"},
	}
	for name, flags := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := runCLI(t, detectArgs(append(flags, paths...)...)...)
			assert.Error(t, err)
		})
	}
}

func TestDetect_NoArgs(t *testing.T) {
	_, err := runCLI(t, "detect")
	assert.Error(t, err)
}

func TestDetect_FlagsOverrideConfigFile(t *testing.T) {
	paths := testutil.WriteScenes(t, t.TempDir(), 1, testutil.SmallSize)
	cfgPath := filepath.Join(t.TempDir(), "thundernet.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("detector:\n  box_score_thresh: 0.2\n  nms_method: linear\n"), 0o600))

	_, err := runCLI(t, append([]string{"--config", cfgPath}, detectArgs(append([]string{"--score-thresh", "0.4"}, paths...)...)...)...)
	require.NoError(t, err)

	cfg, err := GetConfig()
	require.NoError(t, err)
	assert.InDelta(t, 0.4, cfg.Detector.BoxScoreThresh, 1e-12)
	assert.Equal(t, "linear", cfg.Detector.NMSMethod)
	assert.Equal(t, 128, cfg.Transform.MinSize)
}

func TestDetect_Directory(t *testing.T) {
	dir := t.TempDir()
	top := testutil.WriteScenes(t, dir, 1, testutil.SmallSize)
	nested := testutil.WriteScenes(t, filepath.Join(dir, "nested"), 1, testutil.SmallSize)

	out, err := runCLI(t, detectArgs(dir)...)
	require.NoError(t, err, out)
	assert.Contains(t, out, top[0]+": ")
	assert.NotContains(t, out, nested[0])

	out, err = runCLI(t, detectArgs("--recursive", dir)...)
	require.NoError(t, err, out)
	assert.Contains(t, out, top[0]+": ")
	assert.Contains(t, out, nested[0]+": ")
}

func TestDetect_EmptyDirectory(t *testing.T) {
	_, err := runCLI(t, detectArgs(t.TempDir())...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no input images found")
}
