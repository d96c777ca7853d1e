package cmd

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MeKo-Tech/thundernet/internal/batch"
	"github.com/MeKo-Tech/thundernet/internal/config"
	"github.com/MeKo-Tech/thundernet/internal/pipeline"
	"github.com/MeKo-Tech/thundernet/internal/utils"
)

const (
	outputFormatJSON = "json"
	outputFormatCSV  = "csv"
	outputFormatText = "text"
)

// fileResult is one input file with its result or error.
type fileResult struct {
	File   string                `json:"file"`
	Error  string                `json:"error,omitempty"`
	Result *pipeline.ImageResult `json:"result,omitempty"`

	img image.Image
}

// detectCmd represents the detect command.
var detectCmd = &cobra.Command{
	Use:   "detect [images or directories...]",
	Short: "Detect objects in image files",
	Long: `Detect objects in one or more image files. Directories are scanned for
supported images; use --recursive to descend into subdirectories.

Supported formats: JPEG, PNG, BMP

Examples:
  thundernet detect photo.jpg
  thundernet detect *.png --format json --output results.json
  thundernet detect photo.jpg --backbone snet146 --labels models/labels/voc.yaml --num-classes 21
  thundernet detect photo.jpg --nms-method gaussian --overlay-dir overlays/
  thundernet detect photos/ -r --exclude '*_thumb.*'`,
	Args: cobra.MinimumNArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		keys := map[string]string{
			"output.format":            "format",
			"output.file":              "output",
			"output.overlay_dir":       "overlay-dir",
			"output.overlay_thickness": "overlay-thickness",
			"parallel.max_workers":     "workers",
		}
		for k, v := range pipelineFlagKeys {
			keys[k] = v
		}
		return bindFlags(cmd.Flags(), keys)
	},
	RunE: runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)

	d := config.DefaultConfig()
	detectCmd.Flags().StringP("format", "f", d.Output.Format, "output format: text, json or csv")
	detectCmd.Flags().StringP("output", "o", "", "write results to file instead of stdout")
	detectCmd.Flags().String("overlay-dir", "", "write PNG overlays with drawn detections to this directory")
	detectCmd.Flags().Int("overlay-thickness", d.Output.OverlayThickness, "overlay box line thickness")
	detectCmd.Flags().IntP("workers", "w", d.Parallel.MaxWorkers, "parallel workers")
	detectCmd.Flags().Bool("progress", false, "show a progress bar on stderr")
	detectCmd.Flags().Bool("sort-position", false, "list detections top-left first instead of by score")
	detectCmd.Flags().BoolP("recursive", "r", false, "descend into subdirectories")
	detectCmd.Flags().StringSlice("include", nil, "only process files whose name matches one of these glob patterns")
	detectCmd.Flags().StringSlice("exclude", nil, "skip files whose name matches one of these glob patterns")
	addPipelineFlags(detectCmd.Flags())
}

func runDetect(cmd *cobra.Command, args []string) error {
	cfg, err := GetConfig()
	if err != nil {
		return err
	}

	paths, err := discoverInputs(cmd, args)
	if err != nil {
		return err
	}
	files, err := loadInputs(paths)
	if err != nil {
		return err
	}

	pl, err := pipeline.NewBuilderFromConfig(cfg.ToPipelineConfig()).Build()
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	defer func() {
		if err := pl.Close(); err != nil {
			slog.Warn("Failed to close pipeline", "error", err)
		}
	}()

	if err := processFiles(cmd, pl, cfg, files); err != nil {
		return err
	}

	if cfg.Output.OverlayDir != "" {
		if err := writeOverlays(cfg.Output.OverlayDir, cfg.Output.OverlayThickness, files); err != nil {
			return err
		}
	}

	if byPos, _ := cmd.Flags().GetBool("sort-position"); byPos {
		for _, f := range files {
			if f.Result != nil {
				pipeline.SortDetectionsTopLeft(f.Result)
			}
		}
	}

	out := cmd.OutOrStdout()
	if cfg.Output.File != "" {
		f, err := os.Create(cfg.Output.File) //nolint:gosec // G304: output path chosen by the user
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer func() { _ = f.Close() }()
		out = f
	}
	if err := writeResults(out, cfg.Output.Format, files); err != nil {
		return err
	}

	failed := 0
	for _, f := range files {
		if f.Error != "" {
			failed++
		}
	}
	if failed == len(files) {
		return fmt.Errorf("all %d image(s) failed", failed)
	}
	return nil
}

func discoverInputs(cmd *cobra.Command, args []string) ([]string, error) {
	var opts batch.DiscoverOptions
	opts.Recursive, _ = cmd.Flags().GetBool("recursive")
	opts.IncludePatterns, _ = cmd.Flags().GetStringSlice("include")
	opts.ExcludePatterns, _ = cmd.Flags().GetStringSlice("exclude")

	paths, err := batch.DiscoverImages(args, opts)
	if err != nil {
		return nil, err
	}
	slog.Debug("Discovered inputs", "args", len(args), "images", len(paths))
	return paths, nil
}

// loadInputs decodes every argument; files that fail keep their error.
func loadInputs(paths []string) ([]*fileResult, error) {
	if len(paths) == 0 {
		return nil, errors.New("no input images found")
	}
	files := make([]*fileResult, len(paths))
	for i, r := range utils.BatchLoadImages(paths) {
		files[i] = &fileResult{File: r.Path, img: r.Img}
		if r.Err != nil {
			files[i].Error = r.Err.Error()
			slog.Warn("Failed to load image", "file", r.Path, "error", r.Err)
		}
	}
	return files, nil
}

func processFiles(cmd *cobra.Command, pl *pipeline.Pipeline, cfg *config.Config, files []*fileResult) error {
	var (
		images []image.Image
		owners []*fileResult
	)
	for _, f := range files {
		if f.Error == "" {
			images = append(images, f.img)
			owners = append(owners, f)
		}
	}
	if len(images) == 0 {
		return nil
	}

	pc := pipeline.ParallelConfig{
		MaxWorkers: cfg.Parallel.MaxWorkers,
		ErrorHandler: func(i int, _ image.Image, err error) {
			owners[i].Error = err.Error()
		},
	}
	if show, _ := cmd.Flags().GetBool("progress"); show {
		pc.ProgressCallback = pipeline.NewConsoleProgressCallback(cmd.ErrOrStderr(), "Detecting")
	} else if cfg.Verbose {
		pc.ProgressCallback = pipeline.NewLogProgressCallback(slog.Default(), slog.LevelDebug)
	}

	memBefore := pipeline.GetMemStats()
	start := time.Now()
	results, err := pl.ProcessImagesParallelContext(cmd.Context(), images, pc)
	if results == nil && err != nil {
		return fmt.Errorf("detection failed: %w", err)
	}
	for i, res := range results {
		owners[i].Result = res
	}

	stats := pipeline.CalculateParallelStats(results, time.Since(start), min(pc.MaxWorkers, len(images)))
	memAfter := pipeline.GetMemStats()
	slog.Debug("Detection finished", "images", stats.TotalImages, "failed", stats.FailedImages,
		"throughput", stats.ThroughputPerSec, "duration", stats.TotalDuration,
		"memory", memAfter, "heap_growth_bytes", memAfter.HeapGrowth(memBefore), "gcs", memAfter.GCsSince(memBefore))
	return nil
}

func writeOverlays(dir string, thickness int, files []*fileResult) error {
	for _, f := range files {
		if f.Result == nil {
			continue
		}
		ov := pipeline.RenderOverlay(f.img, f.Result, thickness)
		if ov == nil {
			continue
		}
		base := strings.TrimSuffix(filepath.Base(f.File), filepath.Ext(f.File))
		path := filepath.Join(dir, base+"_overlay.png")
		if err := utils.SavePNG(path, ov); err != nil {
			return fmt.Errorf("save overlay %s: %w", path, err)
		}
	}
	return nil
}

func writeResults(w io.Writer, format string, files []*fileResult) error {
	switch format {
	case outputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(files)
	case outputFormatCSV:
		return writeCSV(w, files)
	case outputFormatText, "":
		return writeText(w, files)
	default:
		return fmt.Errorf("invalid output format: %s", format)
	}
}

func writeText(w io.Writer, files []*fileResult) error {
	for _, f := range files {
		if f.Error != "" {
			if _, err := fmt.Fprintf(w, "%s: error: %s\n", f.File, f.Error); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(w, "%s: %d detection(s) in %dx%d\n",
			f.File, len(f.Result.Detections), f.Result.Width, f.Result.Height); err != nil {
			return err
		}
		text, err := pipeline.ToPlainTextImage(f.Result)
		if err != nil {
			return err
		}
		for _, line := range strings.Split(text, "\n") {
			if line == "" {
				continue
			}
			if _, err := fmt.Fprintf(w, "  %s\n", line); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeCSV(w io.Writer, files []*fileResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(append([]string{"file"}, pipeline.CSVHeader...)); err != nil {
		return err
	}
	for _, f := range files {
		if f.Result == nil {
			continue
		}
		for _, d := range f.Result.Detections {
			row := slices.Concat([]string{f.File, strconv.Itoa(d.Label), d.Class}, formatFloats(4, d.Score),
				formatFloats(1, d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2))
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloats(prec int, vs ...float64) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = strconv.FormatFloat(v, 'f', prec, 64)
	}
	return out
}
