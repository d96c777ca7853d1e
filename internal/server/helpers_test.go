package server

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/thundernet/internal/pipeline"
)

// mockPipeline returns one fixed detection per image.
type mockPipeline struct {
	err    error
	block  bool
	closed bool
	calls  int
}

func (m *mockPipeline) ProcessImageContext(ctx context.Context, img image.Image) (*pipeline.ImageResult, error) {
	m.calls++
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.err != nil {
		return nil, m.err
	}
	b := img.Bounds()
	res := &pipeline.ImageResult{Width: b.Dx(), Height: b.Dy(), Proposals: 12}
	res.Detections = []pipeline.DetectionResult{{
		Label: 1, Class: "cat", Score: 0.9,
		Box: pipeline.BoxResult{X1: 2, Y1: 2, X2: 10, Y2: 12},
	}}
	return res, nil
}

func (m *mockPipeline) Info() map[string]any { return map[string]any{"backbone": "mock"} }

func (m *mockPipeline) Close() error {
	m.closed = true
	return nil
}

var errMockFailure = errors.New("mock failure")

func newTestServer(p detectorPipeline) *Server {
	return New(Config{CORSOrigin: "*", MaxUploadMB: 1, TimeoutSec: 5, OverlayEnabled: true, OverlayThickness: 1}, p, "")
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{uint8(x * 7), uint8(y * 5), 90, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartRequest(t *testing.T, target, field string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if field != "" {
		fw, err := mw.CreateFormFile(field, "image.png")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}
