// Package common provides shared utilities including stage timing.
package common

import (
	"fmt"
	"strings"
	"time"
)

// Timer measures the wall time of one named stage.
type Timer struct {
	start    time.Time
	name     string
	duration time.Duration
}

// NewNamedTimer starts a timer for the given stage.
func NewNamedTimer(name string) *Timer {
	return &Timer{
		name:  name,
		start: time.Now(),
	}
}

// Stop stops the timer and returns the elapsed duration.
func (t *Timer) Stop() time.Duration {
	t.duration = time.Since(t.start)
	return t.duration
}

// Duration returns the recorded duration (only valid after Stop()).
func (t *Timer) Duration() time.Duration {
	return t.duration
}

// Name returns the stage name.
func (t *Timer) Name() string {
	return t.name
}

func (t *Timer) String() string {
	return fmt.Sprintf("%s: %v", t.name, t.duration)
}

// StageTiming is one entry of StageTimings.
type StageTiming struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration_ns"`
}

// StageTimings keeps per-stage durations in execution order.
type StageTimings []StageTiming

// Record stops t and appends it.
func (s *StageTimings) Record(t *Timer) {
	*s = append(*s, StageTiming{Stage: t.Name(), Duration: t.Stop()})
}

// Get returns the duration of the named stage.
func (s StageTimings) Get(stage string) (time.Duration, bool) {
	for _, st := range s {
		if st.Stage == stage {
			return st.Duration, true
		}
	}
	return 0, false
}

// Total sums all recorded stages.
func (s StageTimings) Total() time.Duration {
	var total time.Duration
	for _, st := range s {
		total += st.Duration
	}
	return total
}

// Milliseconds returns stage → elapsed milliseconds.
func (s StageTimings) Milliseconds() map[string]float64 {
	out := make(map[string]float64, len(s))
	for _, st := range s {
		out[st.Stage] = float64(st.Duration) / float64(time.Millisecond)
	}
	return out
}

// LogAttrs flattens the timings into slog key/value pairs.
func (s StageTimings) LogAttrs() []any {
	attrs := make([]any, 0, 2*len(s))
	for _, st := range s {
		attrs = append(attrs, st.Stage+"_ms", float64(st.Duration)/float64(time.Millisecond))
	}
	return attrs
}

func (s StageTimings) String() string {
	parts := make([]string, 0, len(s))
	for _, st := range s {
		parts = append(parts, fmt.Sprintf("%s=%v", st.Stage, st.Duration))
	}
	return strings.Join(parts, " ")
}
