package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MeKo-Tech/thundernet/internal/models"
	"github.com/MeKo-Tech/thundernet/internal/pipeline"
	"github.com/MeKo-Tech/thundernet/internal/utils"
	"github.com/MeKo-Tech/thundernet/internal/version"
)

const (
	formatJSON    = "json"
	formatText    = "text"
	formatCSV     = "csv"
	formatOverlay = "overlay"
)

// healthHandler returns server health status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: version.Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
		Ready:   s.pipeline != nil,
		Memory:  pipeline.GetMemStats(),
	})
}

// infoHandler reports the pipeline configuration and known model files.
func (s *Server) infoHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := models.ListAvailableModels()
	list := make([]ModelInfo, len(infos))
	for i, info := range infos {
		path := models.ResolveModelPath(s.modelsDir, info.Type, info.Filename)
		_, err := os.Stat(path)
		list[i] = ModelInfo{
			Name:        info.Name,
			Path:        path,
			Type:        info.Type,
			Description: info.Description,
			Available:   err == nil,
		}
	}

	resp := InfoResponse{Models: list}
	if s.pipeline != nil {
		resp.Pipeline = s.pipeline.Info()
	}
	writeJSON(w, http.StatusOK, resp)
}

// detectHandler runs detection on an uploaded image. The image is read from
// the multipart field "image" or, for other content types, the raw body.
func (s *Server) detectHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.pipeline == nil {
		detectRequestsTotal.WithLabelValues("error").Inc()
		s.writeErrorResponse(w, "detection pipeline not initialized", http.StatusServiceUnavailable)
		return
	}

	img, status, err := s.readImage(w, r)
	if err != nil {
		detectRequestsTotal.WithLabelValues("error").Inc()
		s.writeErrorResponse(w, err.Error(), status)
		return
	}

	format := requestFormat(r)
	if format == formatOverlay && !s.overlayEnabled {
		detectRequestsTotal.WithLabelValues("error").Inc()
		s.writeErrorResponse(w, "overlay output disabled", http.StatusForbidden)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	start := time.Now()
	res, err := s.pipeline.ProcessImageContext(ctx, img)
	if err != nil {
		detectRequestsTotal.WithLabelValues("error").Inc()
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		slog.Error("Detection failed", "error", err)
		s.writeErrorResponse(w, fmt.Sprintf("detection failed: %v", err), status)
		return
	}

	detectRequestsTotal.WithLabelValues("success").Inc()
	detectDuration.Observe(time.Since(start).Seconds())
	proposalsPerImage.Observe(float64(res.Proposals))
	detectionsPerImage.Observe(float64(len(res.Detections)))

	s.writeDetectResponse(w, format, img, res)
}

// readImage decodes the request image, returning an HTTP status on failure.
func (s *Server) readImage(w http.ResponseWriter, r *http.Request) (image.Image, int, error) {
	limit := s.maxUploadMB * 1024 * 1024
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	var src io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(limit); err != nil {
			if isTooLarge(err) {
				return nil, http.StatusRequestEntityTooLarge, errors.New("file too large")
			}
			return nil, http.StatusBadRequest, errors.New("failed to parse form data")
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			return nil, http.StatusBadRequest, errors.New("no image file provided")
		}
		defer func() { _ = file.Close() }()
		uploadSizeBytes.Observe(float64(header.Size))
		src = file
	} else {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			if isTooLarge(err) {
				return nil, http.StatusRequestEntityTooLarge, errors.New("file too large")
			}
			return nil, http.StatusBadRequest, errors.New("failed to read request body")
		}
		if len(data) == 0 {
			return nil, http.StatusBadRequest, errors.New("no image provided")
		}
		uploadSizeBytes.Observe(float64(len(data)))
		src = bytes.NewReader(data)
	}

	img, _, err := utils.DecodeImage(src)
	if err != nil {
		if isTooLarge(err) {
			return nil, http.StatusRequestEntityTooLarge, errors.New("file too large")
		}
		return nil, http.StatusBadRequest, errors.New("invalid image format")
	}
	return img, http.StatusOK, nil
}

// isTooLarge matches body-limit errors; multipart parsing does not always
// keep the *http.MaxBytesError in the chain.
func isTooLarge(err error) bool {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) || errors.Is(err, multipart.ErrMessageTooLarge) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "body too large")
}

// requestFormat reads "format" from the form or query; overlay=1 is a
// shorthand for format=overlay.
func requestFormat(r *http.Request) string {
	format := strings.ToLower(r.FormValue("format"))
	if r.FormValue("overlay") == "1" {
		format = formatOverlay
	}
	if format == "" {
		format = formatJSON
	}
	return format
}

func (s *Server) writeDetectResponse(w http.ResponseWriter, format string, img image.Image, res *pipeline.ImageResult) {
	switch format {
	case formatText:
		out, err := pipeline.ToPlainTextImage(res)
		if err != nil {
			s.writeErrorResponse(w, fmt.Sprintf("formatting failed: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, out)
	case formatCSV:
		out, err := pipeline.ToCSVImage(res)
		if err != nil {
			s.writeErrorResponse(w, fmt.Sprintf("formatting failed: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		_, _ = io.WriteString(w, out)
	case formatOverlay:
		ov := pipeline.RenderOverlay(img, res, s.overlayThickness)
		if ov == nil {
			s.writeErrorResponse(w, "overlay failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		if err := png.Encode(w, ov); err != nil {
			slog.Error("Failed to encode overlay", "error", err)
		}
	case formatJSON:
		writeJSON(w, http.StatusOK, DetectResponse{Success: true, Result: res})
	default:
		s.writeErrorResponse(w, fmt.Sprintf("unknown format %q", format), http.StatusBadRequest)
	}
}

// writeErrorResponse writes a JSON error response.
func (s *Server) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, statusCode, DetectResponse{Success: false, Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
