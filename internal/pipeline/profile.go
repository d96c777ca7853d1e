package pipeline

import "sync/atomic"

// Profiler aggregates counters and timers across runs.
type Profiler struct {
	TransformTimeNs atomic.Int64
	DetectionTimeNs atomic.Int64
	ImagesProcessed atomic.Int64
	Proposals       atomic.Int64
	Detections      atomic.Int64
}

// Record adds one processed image.
func (p *Profiler) Record(res *ImageResult) {
	p.TransformTimeNs.Add(res.Processing.TransformNs)
	p.DetectionTimeNs.Add(res.Processing.DetectionNs)
	p.ImagesProcessed.Add(1)
	p.Proposals.Add(int64(res.Proposals))
	p.Detections.Add(int64(len(res.Detections)))
}

// Reset zeroes all counters.
func (p *Profiler) Reset() {
	p.TransformTimeNs.Store(0)
	p.DetectionTimeNs.Store(0)
	p.ImagesProcessed.Store(0)
	p.Proposals.Store(0)
	p.Detections.Store(0)
}

// Snapshot returns cumulative metrics in milliseconds.
func (p *Profiler) Snapshot() map[string]any {
	imgs := p.ImagesProcessed.Load()
	tr := p.TransformTimeNs.Load()
	det := p.DetectionTimeNs.Load()
	out := map[string]any{
		"images":             imgs,
		"proposals":          p.Proposals.Load(),
		"detections":         p.Detections.Load(),
		"transform_ms_total": tr / 1_000_000,
		"detect_ms_total":    det / 1_000_000,
	}
	if imgs > 0 {
		out["transform_ms_per_image"] = float64(tr) / 1_000_000.0 / float64(imgs)
		out["detect_ms_per_image"] = float64(det) / 1_000_000.0 / float64(imgs)
	}
	return out
}
