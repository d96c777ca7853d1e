package onnx

import (
	"fmt"
	"log/slog"

	"github.com/yalue/onnxruntime_go"
)

// SessionConfig configures a model session.
type SessionConfig struct {
	LibraryPath string
	NumThreads  int // 0 lets ONNX Runtime decide
	GPU         GPUConfig
}

// InitEnvironment loads the shared library and initialises the runtime once
// per process.
func InitEnvironment(libraryPath string, useGPU bool) error {
	if onnxruntime_go.IsInitialized() {
		return nil
	}
	if err := SetONNXLibraryPath(libraryPath, useGPU); err != nil {
		return fmt.Errorf("failed to set ONNX Runtime library path: %w", err)
	}
	if err := onnxruntime_go.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX Runtime: %w", err)
	}
	return nil
}

// ModelIO returns the input and output descriptions of a model file.
func ModelIO(modelPath string) ([]onnxruntime_go.InputOutputInfo, []onnxruntime_go.InputOutputInfo, error) {
	inputs, outputs, err := onnxruntime_go.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get model input/output info: %w", err)
	}
	return inputs, outputs, nil
}

// NewSession creates a dynamic session bound to the named inputs and
// outputs.
func NewSession(modelPath string, inputs, outputs []string, cfg SessionConfig,
) (*onnxruntime_go.DynamicAdvancedSession, error) {
	if err := ValidateGPUConfig(cfg.GPU); err != nil {
		return nil, err
	}
	if err := InitEnvironment(cfg.LibraryPath, cfg.GPU.UseGPU); err != nil {
		return nil, err
	}
	opts, err := onnxruntime_go.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer func() {
		if err := opts.Destroy(); err != nil {
			slog.Warn("Failed to destroy session options", "error", err)
		}
	}()

	if err := ConfigureSessionForGPU(opts, cfg.GPU); err != nil {
		return nil, fmt.Errorf("failed to configure GPU: %w", err)
	}
	if cfg.NumThreads > 0 {
		if err := opts.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			return nil, fmt.Errorf("failed to set thread count: %w", err)
		}
	}

	session, err := onnxruntime_go.NewDynamicAdvancedSession(modelPath, inputs, outputs, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	slog.Debug("ONNX session created", "model", modelPath, "inputs", inputs, "outputs", outputs,
		"gpu", cfg.GPU.UseGPU)
	return session, nil
}
