package pipeline

import (
	"log/slog"
	"runtime"
	"time"
)

// MemStats is a heap and scheduler snapshot. /health reports it and batch
// runs log it next to their throughput.
type MemStats struct {
	HeapAllocBytes uint64        `json:"heap_alloc_bytes"`
	HeapInuseBytes uint64        `json:"heap_inuse_bytes"`
	SysBytes       uint64        `json:"sys_bytes"`
	NumGC          uint32        `json:"num_gc"`
	GCPauseTotal   time.Duration `json:"gc_pause_total_ns"`
	Goroutines     int           `json:"goroutines"`
}

// GetMemStats reads the runtime statistics. It stops the world briefly, so
// call it per batch rather than per image.
func GetMemStats() MemStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemStats{
		HeapAllocBytes: m.HeapAlloc,
		HeapInuseBytes: m.HeapInuse,
		SysBytes:       m.Sys,
		NumGC:          m.NumGC,
		GCPauseTotal:   time.Duration(m.PauseTotalNs), //nolint:gosec // G115: pause totals stay far below MaxInt64
		Goroutines:     runtime.NumGoroutine(),
	}
}

// HeapGrowth is the change in live heap since before; negative after a collection.
func (m MemStats) HeapGrowth(before MemStats) int64 {
	return int64(m.HeapAllocBytes) - int64(before.HeapAllocBytes) //nolint:gosec // G115: heap sizes fit in int64
}

// GCsSince counts collections that ran after before was taken.
func (m MemStats) GCsSince(before MemStats) uint32 { return m.NumGC - before.NumGC }

// LogValue groups the snapshot for slog.
func (m MemStats) LogValue() slog.Value {
	const mb = 1 << 20
	return slog.GroupValue(
		slog.Float64("heap_alloc_mb", float64(m.HeapAllocBytes)/mb),
		slog.Float64("heap_inuse_mb", float64(m.HeapInuseBytes)/mb),
		slog.Float64("sys_mb", float64(m.SysBytes)/mb),
		slog.Any("num_gc", m.NumGC),
		slog.Duration("gc_pause_total", m.GCPauseTotal),
		slog.Int("goroutines", m.Goroutines),
	)
}
