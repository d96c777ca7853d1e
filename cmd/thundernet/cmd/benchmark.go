package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MeKo-Tech/thundernet/internal/benchmark"
	"github.com/MeKo-Tech/thundernet/internal/testutil"
)

// benchmarkCmd times detection on synthetic scenes.
var benchmarkCmd = &cobra.Command{
	Use:   "benchmark",
	Short: "Measure detection latency on synthetic scenes",
	Long: `Run the configured detector on generated scenes of several sizes and
report latency, throughput and allocations. Pass several NMS methods to
compare them on the same inputs.

Examples:
  thundernet benchmark
  thundernet benchmark --nms-methods hard,gaussian --iterations 10
  thundernet benchmark --sizes small --format csv --output bench.csv`,
	Args: cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd.Flags(), pipelineFlagKeys)
	},
	RunE: runBenchmark,
}

func init() {
	rootCmd.AddCommand(benchmarkCmd)

	benchmarkCmd.Flags().IntP("iterations", "n", 3, "timed iterations per case")
	benchmarkCmd.Flags().StringSlice("nms-methods", nil, "NMS methods to compare (default: the configured method)")
	benchmarkCmd.Flags().StringSlice("sizes", []string{"small", "medium", "large"}, "scene sizes: small, medium, large")
	benchmarkCmd.Flags().Int("objects", 3, "objects per generated scene")
	benchmarkCmd.Flags().Duration("timeout", time.Minute, "per-image timeout (0 disables)")
	benchmarkCmd.Flags().StringP("format", "f", outputFormatText, "report format: text or csv")
	benchmarkCmd.Flags().StringP("output", "o", "", "write the report to file instead of stdout")
	addPipelineFlags(benchmarkCmd.Flags())
}

var sceneSizes = map[string]testutil.ImageSize{
	"small":  testutil.SmallSize,
	"medium": testutil.MediumSize,
	"large":  testutil.LargeSize,
}

func parseScenes(names []string) ([]benchmark.Scene, error) {
	scenes := make([]benchmark.Scene, 0, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		size, ok := sceneSizes[n]
		if !ok {
			return nil, fmt.Errorf("unknown scene size %q (want small, medium or large)", n)
		}
		scenes = append(scenes, benchmark.Scene{Name: n, Size: size})
	}
	return scenes, nil
}

func runBenchmark(cmd *cobra.Command, _ []string) error {
	cfg, err := GetConfig()
	if err != nil {
		return err
	}

	format, _ := cmd.Flags().GetString("format")
	if format != outputFormatText && format != outputFormatCSV {
		return fmt.Errorf("invalid report format: %s", format)
	}
	sizes, _ := cmd.Flags().GetStringSlice("sizes")
	scenes, err := parseScenes(sizes)
	if err != nil {
		return err
	}

	opts := benchmark.DetectorOptions{Base: cfg.ToPipelineConfig(), Scenes: scenes}
	opts.NMSMethods, _ = cmd.Flags().GetStringSlice("nms-methods")
	opts.Iterations, _ = cmd.Flags().GetInt("iterations")
	opts.Objects, _ = cmd.Flags().GetInt("objects")
	opts.Timeout, _ = cmd.Flags().GetDuration("timeout")

	b := benchmark.NewDetectorBenchmark(opts)
	if _, err := b.Run(cmd.Context()); err != nil {
		return fmt.Errorf("benchmark: %w", err)
	}

	out := cmd.OutOrStdout()
	if path, _ := cmd.Flags().GetString("output"); path != "" {
		f, err := os.Create(path) //nolint:gosec // G304: output path chosen by the user
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer func() { _ = f.Close() }()
		out = f
	}

	if format == outputFormatCSV {
		return b.WriteCSV(out)
	}
	return b.WriteReport(out)
}
