// Package models resolves the on-disk locations of backbone models and label
// files.
package models

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Backbone model files. Each exports the C4, C5 and final SNet maps as three
// outputs.
const (
	BackboneSNet49  = "snet49.onnx"
	BackboneSNet146 = "snet146.onnx"
	BackboneSNet535 = "snet535.onnx"
)

// Label files.
const (
	LabelsVOC  = "voc.yaml"
	LabelsCOCO = "coco.yaml"
)

// Directory layout below the models root.
const (
	TypeBackbone = "backbone"
	TypeLabels   = "labels"
)

// DefaultModelsDir is relative to the project root.
const DefaultModelsDir = "models"

// EnvModelsDir overrides the models directory.
const EnvModelsDir = "THUNDERNET_MODELS_DIR"

// DefaultVariant is the backbone used when none is configured.
const DefaultVariant = "snet49"

func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", errors.New("could not find project root (go.mod not found)")
}

// ModelInfo describes a shipped model or data file.
type ModelInfo struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Filename    string `json:"filename"`
}

// GetModelsDir picks, in order, the explicit directory, $THUNDERNET_MODELS_DIR
// and <project root>/models.
func GetModelsDir(modelsDir string) string {
	if modelsDir != "" {
		return modelsDir
	}
	if envDir := os.Getenv(EnvModelsDir); envDir != "" {
		return envDir
	}
	if projectRoot, err := findProjectRoot(); err == nil {
		return filepath.Join(projectRoot, DefaultModelsDir)
	}
	return DefaultModelsDir
}

// ResolveModelPath prefers <dir>/<type>/<file> and falls back to the flat
// <dir>/<file> layout.
func ResolveModelPath(modelsDir, modelType, filename string) string {
	baseDir := GetModelsDir(modelsDir)
	if modelType != "" {
		organized := filepath.Join(baseDir, modelType, filename)
		if _, err := os.Stat(organized); err == nil {
			return organized
		}
	}
	return filepath.Join(baseDir, filename)
}

// BackboneFilename maps a variant name such as "snet146" to its file.
func BackboneFilename(variant string) (string, error) {
	switch strings.ToLower(variant) {
	case "", "snet49":
		return BackboneSNet49, nil
	case "snet146":
		return BackboneSNet146, nil
	case "snet535":
		return BackboneSNet535, nil
	default:
		return "", fmt.Errorf("unknown backbone variant %q", variant)
	}
}

// GetBackboneModelPath returns the model path for a backbone variant.
func GetBackboneModelPath(modelsDir, variant string) (string, error) {
	filename, err := BackboneFilename(variant)
	if err != nil {
		return "", err
	}
	return ResolveModelPath(modelsDir, TypeBackbone, filename), nil
}

// GetLabelsPath returns the path of a label file.
func GetLabelsPath(modelsDir, filename string) string {
	return ResolveModelPath(modelsDir, TypeLabels, filename)
}

// ValidateModelExists checks that a model file is present.
func ValidateModelExists(modelPath string) error {
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		return fmt.Errorf("model file not found: %s", modelPath)
	}
	return nil
}

// ListAvailableModels lists every known model and label file.
func ListAvailableModels() []ModelInfo {
	return []ModelInfo{
		{Name: "snet49", Type: TypeBackbone, Description: "SNet49 backbone (C4 120, C5 512)", Filename: BackboneSNet49},
		{Name: "snet146", Type: TypeBackbone, Description: "SNet146 backbone (C4 264, C5 528)", Filename: BackboneSNet146},
		{Name: "snet535", Type: TypeBackbone, Description: "SNet535 backbone (C4 496, C5 992)", Filename: BackboneSNet535},
		{Name: "voc", Type: TypeLabels, Description: "Pascal VOC class names", Filename: LabelsVOC},
		{Name: "coco", Type: TypeLabels, Description: "COCO class names", Filename: LabelsCOCO},
	}
}
