package detector

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks defects found while building a detector.
	ErrConfiguration = errors.New("configuration error")
	// ErrShapeMismatch marks feature maps a stage cannot consume.
	ErrShapeMismatch = errors.New("shape mismatch")
)

// ConfigError describes an invalid construction parameter.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

func configErrorf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ShapeError describes an incompatible feature map seen at forward time.
type ShapeError struct {
	Stage string
	Got   string
	Want  string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("shape mismatch in %s: got %s, want %s", e.Stage, e.Got, e.Want)
}

func (e *ShapeError) Unwrap() error { return ErrShapeMismatch }
