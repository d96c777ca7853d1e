// Package benchmark times detection end to end on synthetic scenes.
package benchmark

import (
	"context"
	"encoding/csv"
	"fmt"
	"image"
	"io"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MeKo-Tech/thundernet/internal/detector"
	"github.com/MeKo-Tech/thundernet/internal/pipeline"
	"github.com/MeKo-Tech/thundernet/internal/testutil"
	"github.com/MeKo-Tech/thundernet/internal/utils"
)

// Timer provides simple timing utilities for benchmarking.
type Timer struct {
	start    time.Time
	name     string
	duration time.Duration
}

// NewTimer creates a new timer with the given name.
func NewTimer(name string) *Timer {
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

func (t *Timer) String() string {
	return fmt.Sprintf("%s: %v", t.name, t.duration)
}

// MemoryStats holds memory usage statistics.
type MemoryStats struct {
	AllocBytes      uint64
	TotalAllocBytes uint64
	SysBytes        uint64
	NumGC           uint32
	GCCPUFraction   float64
}

// GetMemoryStats returns current memory statistics.
func GetMemoryStats() MemoryStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return MemoryStats{
		AllocBytes:      m.Alloc,
		TotalAllocBytes: m.TotalAlloc,
		SysBytes:        m.Sys,
		NumGC:           m.NumGC,
		GCCPUFraction:   m.GCCPUFraction,
	}
}

func (m MemoryStats) String() string {
	return fmt.Sprintf("Alloc: %d KB, Total: %d KB, Sys: %d KB, GC: %d (%.2f%% CPU)",
		m.AllocBytes/1024, m.TotalAllocBytes/1024, m.SysBytes/1024, m.NumGC, m.GCCPUFraction*100)
}

// Result holds the outcome of one named benchmark.
type Result struct {
	Name         string
	Duration     time.Duration
	MemoryBefore MemoryStats
	MemoryAfter  MemoryStats
	Iterations   int
	Error        error
}

// Average is the mean duration per iteration.
func (r Result) Average() time.Duration {
	if r.Iterations <= 0 {
		return 0
	}
	return r.Duration / time.Duration(r.Iterations)
}

// AllocatedKB is the cumulative allocation during the run.
func (r Result) AllocatedKB() uint64 {
	return (r.MemoryAfter.TotalAllocBytes - r.MemoryBefore.TotalAllocBytes) / 1024
}

func (r Result) String() string {
	if r.Error != nil {
		return fmt.Sprintf("%s: ERROR - %v", r.Name, r.Error)
	}
	return fmt.Sprintf("%s: %d iterations, avg: %v, total: %v, alloc: %d KB",
		r.Name, r.Iterations, r.Average(), r.Duration, r.AllocatedKB())
}

// Benchmark is a named function timed by a Suite.
type Benchmark struct {
	Name string
	Func func() error
}

// Suite manages multiple benchmarks.
type Suite struct {
	benchmarks []Benchmark
	results    []Result
	mu         sync.Mutex
}

// NewSuite creates an empty suite.
func NewSuite() *Suite {
	return &Suite{}
}

// Add registers a benchmark.
func (s *Suite) Add(name string, fn func() error) {
	s.benchmarks = append(s.benchmarks, Benchmark{Name: name, Func: fn})
}

// Run runs a single benchmark with the specified number of iterations.
func (s *Suite) Run(name string, iterations int) Result {
	for _, b := range s.benchmarks {
		if b.Name == name {
			return runBenchmark(b, iterations)
		}
	}
	return Result{Name: name, Error: fmt.Errorf("benchmark '%s' not found", name)}
}

// RunAll runs all benchmarks in registration order.
func (s *Suite) RunAll(iterations int) []Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.results = make([]Result, 0, len(s.benchmarks))
	for _, b := range s.benchmarks {
		s.results = append(s.results, runBenchmark(b, iterations))
	}
	return s.results
}

// Results returns the last RunAll results.
func (s *Suite) Results() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results
}

// WriteResults prints one line per result.
func (s *Suite) WriteResults(w io.Writer) error {
	for _, r := range s.Results() {
		if _, err := fmt.Fprintln(w, r.String()); err != nil {
			return err
		}
	}
	return nil
}

func runBenchmark(b Benchmark, iterations int) Result {
	runtime.GC()
	before := GetMemoryStats()

	timer := NewTimer(b.Name)
	var err error
	done := 0
	for range iterations {
		if err = b.Func(); err != nil {
			break
		}
		done++
	}
	duration := timer.Stop()

	return Result{
		Name:         b.Name,
		Duration:     duration,
		MemoryBefore: before,
		MemoryAfter:  GetMemoryStats(),
		Iterations:   done,
		Error:        err,
	}
}

// Scene is a named synthetic input size.
type Scene struct {
	Name string
	Size testutil.ImageSize
}

// DefaultScenes covers the small, medium and large test sizes.
func DefaultScenes() []Scene {
	return []Scene{
		{"small", testutil.SmallSize},
		{"medium", testutil.MediumSize},
		{"large", testutil.LargeSize},
	}
}

// DetectorOptions configures a DetectorBenchmark.
type DetectorOptions struct {
	Base       pipeline.Config
	NMSMethods []string // empty uses Base's method
	Scenes     []Scene  // empty uses DefaultScenes
	Objects    int      // objects per scene
	Iterations int
	Timeout    time.Duration // per image, 0 disables
}

// CaseResult is one (NMS method, scene) measurement. Targets matches the
// scene's known objects against anchors and proposals; it is nil when the
// case failed.
type CaseResult struct {
	Method        string
	Scene         Scene
	Result        Result
	AvgProposals  float64
	AvgDetections float64
	Targets       *pipeline.TargetSummary
}

// ImagesPerSec is the throughput of the case.
func (c CaseResult) ImagesPerSec() float64 {
	if c.Result.Duration <= 0 {
		return 0
	}
	return float64(c.Result.Iterations) / c.Result.Duration.Seconds()
}

func (c CaseResult) String() string {
	if c.Result.Error != nil {
		return fmt.Sprintf("%s/%s: ERROR - %v", c.Method, c.Scene.Name, c.Result.Error)
	}
	line := fmt.Sprintf("%s/%s (%dx%d): avg %v, %.1f img/s, %.0f proposals, %.1f detections, alloc %d KB",
		c.Method, c.Scene.Name, c.Scene.Size.Width, c.Scene.Size.Height, c.Result.Average(),
		c.ImagesPerSec(), c.AvgProposals, c.AvgDetections, c.Result.AllocatedKB())
	if c.Targets != nil {
		line += fmt.Sprintf(", anchors +%d/-%d, regions +%d/-%d, recall %.2f",
			c.Targets.AnchorPositives, c.Targets.AnchorNegatives,
			c.Targets.RegionPositives, c.Targets.RegionNegatives, c.Targets.Recall())
	}
	return line
}

// DetectorBenchmark measures full detection latency per NMS method and scene size.
type DetectorBenchmark struct {
	opts    DetectorOptions
	results []CaseResult
}

// NewDetectorBenchmark fills option defaults.
func NewDetectorBenchmark(opts DetectorOptions) *DetectorBenchmark {
	if len(opts.NMSMethods) == 0 {
		opts.NMSMethods = []string{opts.Base.Detector.BoxNMSMethod}
	}
	if len(opts.Scenes) == 0 {
		opts.Scenes = DefaultScenes()
	}
	if opts.Objects <= 0 {
		opts.Objects = 3
	}
	if opts.Iterations <= 0 {
		opts.Iterations = 3
	}
	return &DetectorBenchmark{opts: opts}
}

// Run builds one pipeline per NMS method and times every scene on it.
// A pipeline that fails to build is reported and the remaining methods still run.
func (b *DetectorBenchmark) Run(ctx context.Context) ([]CaseResult, error) {
	b.results = b.results[:0]

	for _, method := range b.opts.NMSMethods {
		cfg := b.opts.Base
		cfg.Detector.BoxNMSMethod = method

		p, err := pipeline.NewBuilderFromConfig(cfg).Build()
		if err != nil {
			for _, sc := range b.opts.Scenes {
				b.results = append(b.results, CaseResult{Method: method, Scene: sc,
					Result: Result{Name: caseName(method, sc), Error: fmt.Errorf("build pipeline: %w", err)}})
			}
			continue
		}

		for i, sc := range b.opts.Scenes {
			if err := ctx.Err(); err != nil {
				_ = p.Close()
				return b.results, err
			}
			img, boxes := testutil.RandomScene(uint64(i+1), sc.Size, b.opts.Objects)
			b.results = append(b.results, b.runCase(ctx, p, method, sc, img, boxes))
		}
		if err := p.Close(); err != nil {
			return b.results, fmt.Errorf("close pipeline: %w", err)
		}
	}
	return b.results, nil
}

func (b *DetectorBenchmark) runCase(ctx context.Context, p *pipeline.Pipeline, method string, sc Scene,
	img image.Image, boxes []utils.Box,
) CaseResult {
	// Warmup
	_, _ = p.ProcessImageContext(ctx, img)

	var proposals, detections int
	suite := NewSuite()
	name := caseName(method, sc)
	suite.Add(name, func() error {
		runCtx := ctx
		if b.opts.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, b.opts.Timeout)
			defer cancel()
		}
		res, err := p.ProcessImageContext(runCtx, img)
		if err != nil {
			return err
		}
		proposals += res.Proposals
		detections += len(res.Detections)
		return nil
	})

	r := suite.Run(name, b.opts.Iterations)
	cr := CaseResult{Method: method, Scene: sc, Result: r}
	if r.Iterations > 0 {
		cr.AvgProposals = float64(proposals) / float64(r.Iterations)
		cr.AvgDetections = float64(detections) / float64(r.Iterations)
	}
	if r.Error == nil {
		gt := make([]detector.GroundTruth, len(boxes))
		for i, box := range boxes {
			gt[i] = detector.GroundTruth{Box: box, Label: 1}
		}
		if t, err := p.AssignTargets(ctx, img, gt); err == nil {
			cr.Targets = t
		}
	}
	return cr
}

func caseName(method string, sc Scene) string {
	return method + "_" + sc.Name
}

// Results returns the results of the last Run.
func (b *DetectorBenchmark) Results() []CaseResult {
	return b.results
}

// WriteReport prints system information followed by one line per case.
func (b *DetectorBenchmark) WriteReport(w io.Writer) error {
	var sb strings.Builder
	sb.WriteString(strings.Repeat("=", 60) + "\n")
	sb.WriteString("Detection benchmark\n")
	sb.WriteString(strings.Repeat("=", 60) + "\n")
	fmt.Fprintf(&sb, "GOOS/GOARCH: %s/%s, CPUs: %d, Go: %s\n", runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), runtime.Version())
	fmt.Fprintf(&sb, "Backbone: %s, iterations: %d\n\n", b.opts.Base.Backbone, b.opts.Iterations)

	if len(b.results) == 0 {
		sb.WriteString("No benchmark results available\n")
	}
	for _, r := range b.results {
		sb.WriteString("  " + r.String() + "\n")
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

// CSVHeader lists the WriteCSV columns.
var CSVHeader = []string{"method", "scene", "width", "height", "iterations", "avg_ms", "images_per_sec",
	"avg_proposals", "avg_detections", "alloc_kb", "anchor_pos", "region_pos", "recall", "error"}

// WriteCSV writes one row per case.
func (b *DetectorBenchmark) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, r := range b.results {
		errText := ""
		if r.Result.Error != nil {
			errText = r.Result.Error.Error()
		}
		var anchorPos, regionPos, recall string
		if r.Targets != nil {
			anchorPos = strconv.Itoa(r.Targets.AnchorPositives)
			regionPos = strconv.Itoa(r.Targets.RegionPositives)
			recall = strconv.FormatFloat(r.Targets.Recall(), 'f', 2, 64)
		}
		row := []string{
			r.Method, r.Scene.Name,
			strconv.Itoa(r.Scene.Size.Width), strconv.Itoa(r.Scene.Size.Height),
			strconv.Itoa(r.Result.Iterations),
			strconv.FormatFloat(float64(r.Result.Average().Microseconds())/1000, 'f', 3, 64),
			strconv.FormatFloat(r.ImagesPerSec(), 'f', 2, 64),
			strconv.FormatFloat(r.AvgProposals, 'f', 1, 64),
			strconv.FormatFloat(r.AvgDetections, 'f', 2, 64),
			strconv.FormatUint(r.Result.AllocatedKB(), 10),
			anchorPos, regionPos, recall,
			errText,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
