package cmd

import (
	"github.com/spf13/pflag"

	"github.com/MeKo-Tech/thundernet/internal/config"
)

// pipelineFlagKeys maps config keys to the flags added by addPipelineFlags.
var pipelineFlagKeys = map[string]string{
	"model.backbone":                "backbone",
	"model.backbone_path":           "backbone-model",
	"model.labels_path":             "labels",
	"model.library_path":            "onnx-library",
	"model.num_classes":             "num-classes",
	"model.seed":                    "seed",
	"model.num_threads":             "threads",
	"transform.min_size":            "min-size",
	"transform.max_size":            "max-size",
	"detector.box_score_thresh":     "score-thresh",
	"detector.box_nms_thresh":       "nms-thresh",
	"detector.nms_method":           "nms-method",
	"detector.soft_nms_sigma":       "soft-nms-sigma",
	"detector.detections_per_image": "max-detections",
	"detector.post_nms_top_n_test":  "proposals",
	"gpu.enabled":                   "gpu",
	"gpu.device":                    "gpu-device",
	"gpu.memory_limit":              "gpu-mem-limit",
	"warmup_iterations":             "warmup",
}

// addPipelineFlags registers the flags shared by detect and serve. Their
// defaults only show in help; unset flags fall back to the config.
func addPipelineFlags(fs *pflag.FlagSet) {
	d := config.DefaultConfig()

	fs.String("backbone", d.Model.Backbone, "backbone: reference, snet49, snet146 or snet535")
	fs.String("backbone-model", "", "override the backbone ONNX model path")
	fs.String("labels", "", "label file (YAML) with class names, background excluded")
	fs.String("onnx-library", "", "path to the ONNX Runtime shared library")
	fs.Int("num-classes", d.Model.NumClasses, "number of classes including background")
	fs.Uint64("seed", d.Model.Seed, "weight initialisation seed")
	fs.Int("threads", d.Model.NumThreads, "worker threads for inference (0 = auto)")
	fs.Int("min-size", d.Transform.MinSize, "shorter side after resize")
	fs.Int("max-size", d.Transform.MaxSize, "longer side cap after resize")
	fs.Float64("score-thresh", d.Detector.BoxScoreThresh, "minimum detection score (0..1)")
	fs.Float64("nms-thresh", d.Detector.BoxNMSThresh, "IoU threshold for per-class NMS (0..1)")
	fs.String("nms-method", d.Detector.NMSMethod, "NMS method: hard, linear or gaussian")
	fs.Float64("soft-nms-sigma", d.Detector.SoftNMSSigma, "sigma for gaussian soft-NMS")
	fs.Int("max-detections", d.Detector.DetectionsPerImage, "maximum detections per image")
	fs.Int("proposals", d.Detector.PostNMSTopNTest, "proposals kept after RPN NMS at inference")
	fs.Bool("gpu", d.GPU.Enabled, "run the ONNX backbone on CUDA")
	fs.Int("gpu-device", d.GPU.Device, "CUDA device id")
	fs.String("gpu-mem-limit", d.GPU.MemoryLimit, "GPU memory limit, e.g. 2GB, 512MB or auto")
	fs.Int("warmup", d.WarmupIterations, "warmup iterations before processing")
}
