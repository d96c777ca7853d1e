package backbone

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/yalue/onnxruntime_go"

	"github.com/MeKo-Tech/thundernet/internal/models"
	"github.com/MeKo-Tech/thundernet/internal/onnx"
	"github.com/MeKo-Tech/thundernet/internal/tensor"
)

// ONNXConfig configures an exported SNet backbone.
type ONNXConfig struct {
	ModelPath string
	InputName string
	// Output names in the order final, mid (C4), high (C5).
	FinalOutput string
	MidOutput   string
	HighOutput  string
	Session     onnx.SessionConfig
}

// DefaultONNXConfig uses the default backbone variant and the output names
// written by the export script.
func DefaultONNXConfig(modelsDir string) ONNXConfig {
	path, _ := models.GetBackboneModelPath(modelsDir, models.DefaultVariant)
	return ONNXConfig{
		ModelPath:   path,
		InputName:   "image",
		FinalOutput: "features",
		MidOutput:   "c4",
		HighOutput:  "c5",
		Session:     onnx.SessionConfig{GPU: onnx.DefaultGPUConfig()},
	}
}

// ONNX runs a backbone exported to ONNX with three outputs.
type ONNX struct {
	cfg     ONNXConfig
	mu      sync.RWMutex
	session *onnxruntime_go.DynamicAdvancedSession

	outC, midC, highC int
}

// NewONNX loads the model and reads the channel widths of its outputs.
func NewONNX(cfg ONNXConfig) (*ONNX, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("model path cannot be empty")
	}
	if err := models.ValidateModelExists(cfg.ModelPath); err != nil {
		return nil, err
	}
	if err := onnx.InitEnvironment(cfg.Session.LibraryPath, cfg.Session.GPU.UseGPU); err != nil {
		return nil, err
	}

	_, outputs, err := onnx.ModelIO(cfg.ModelPath)
	if err != nil {
		return nil, err
	}
	widths := make(map[string]int, len(outputs))
	for _, o := range outputs {
		if len(o.Dimensions) == 4 && o.Dimensions[1] > 0 {
			widths[o.Name] = int(o.Dimensions[1])
		}
	}
	names := []string{cfg.FinalOutput, cfg.MidOutput, cfg.HighOutput}
	for _, n := range names {
		if _, ok := widths[n]; !ok {
			return nil, fmt.Errorf("model %s has no static 4D output %q", cfg.ModelPath, n)
		}
	}

	session, err := onnx.NewSession(cfg.ModelPath, []string{cfg.InputName}, names, cfg.Session)
	if err != nil {
		return nil, err
	}
	b := &ONNX{
		cfg:     cfg,
		session: session,
		outC:    widths[cfg.FinalOutput],
		midC:    widths[cfg.MidOutput],
		highC:   widths[cfg.HighOutput],
	}
	slog.Info("Loaded ONNX backbone", "model", cfg.ModelPath,
		"out", b.outC, "mid", b.midC, "high", b.highC)
	return b, nil
}

func (b *ONNX) OutChannels() int  { return b.outC }
func (b *ONNX) MidChannels() int  { return b.midC }
func (b *ONNX) HighChannels() int { return b.highC }

// Forward runs the session on one image. The input must have three channels
// and sides divisible by 32.
func (b *ONNX) Forward(img *tensor.FeatureMap) (Features, error) {
	if img.C != 3 || img.H%HighStride != 0 || img.W%HighStride != 0 {
		return Features{}, fmt.Errorf("%w: got %s, need 3 channels and sides divisible by %d",
			ErrInputSize, img.Shape(), HighStride)
	}
	in, err := onnx.FromFeatureMap(img)
	if err != nil {
		return Features{}, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.session == nil {
		return Features{}, errors.New("backbone session is closed")
	}

	input, err := onnxruntime_go.NewTensor(onnxruntime_go.NewShape(in.Shape...), in.Data)
	if err != nil {
		return Features{}, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer func() {
		if err := input.Destroy(); err != nil {
			slog.Warn("Failed to destroy input tensor", "error", err)
		}
	}()

	outputs := []onnxruntime_go.Value{nil, nil, nil}
	if err := b.session.Run([]onnxruntime_go.Value{input}, outputs); err != nil {
		return Features{}, fmt.Errorf("inference failed: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o == nil {
				continue
			}
			if err := o.Destroy(); err != nil {
				slog.Warn("Failed to destroy output tensor", "error", err)
			}
		}
	}()

	maps := make([]*tensor.FeatureMap, len(outputs))
	for i, o := range outputs {
		ft, ok := o.(*onnxruntime_go.Tensor[float32])
		if !ok {
			releaseAll(maps)
			return Features{}, fmt.Errorf("expected float32 tensor, got %T", o)
		}
		m, err := onnx.ToFeatureMap(ft.GetData(), ft.GetShape())
		if err != nil {
			releaseAll(maps)
			return Features{}, fmt.Errorf("output %d: %w", i, err)
		}
		maps[i] = m
	}
	return Features{Final: maps[0], Mid: maps[1], High: maps[2]}, nil
}

// Close releases the session. Forward fails afterwards.
func (b *ONNX) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return nil
	}
	err := b.session.Destroy()
	b.session = nil
	return err
}

func releaseAll(maps []*tensor.FeatureMap) {
	for _, m := range maps {
		if m != nil {
			m.Release()
		}
	}
}
