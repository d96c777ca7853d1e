package mempool

import (
	"sync"
)

// A simple sized pool for []float64 and []bool buffers to reduce allocations
// across forward passes. Feature maps, pooled regions and NMS bookkeeping all
// draw from here.

var (
	float64Pools sync.Map // key: size class (int), value: *sync.Pool
	boolPools    sync.Map // key: size class (int), value: *sync.Pool
)

// sizeClass rounds n up to the next multiple of 1024 to reduce churn.
func sizeClass(n int) int {
	if n <= 1024 {
		return 1024
	}
	const step = 1024
	r := (n + step - 1) / step
	return r * step
}

func float64Pool(cls int) *sync.Pool {
	pAny, _ := float64Pools.LoadOrStore(cls, &sync.Pool{New: func() any { return make([]float64, cls) }})
	p, _ := pAny.(*sync.Pool)
	return p
}

func boolPool(cls int) *sync.Pool {
	pAny, _ := boolPools.LoadOrStore(cls, &sync.Pool{New: func() any { return make([]bool, cls) }})
	p, _ := pAny.(*sync.Pool)
	return p
}

// GetFloat64 retrieves a []float64 buffer of n elements from the pool.
// Contents are unspecified; use GetFloat64Zeroed when the caller accumulates.
// The caller should return it via PutFloat64 when done.
func GetFloat64(n int) []float64 {
	cls := sizeClass(n)
	p := float64Pool(cls)
	if p == nil {
		return make([]float64, n)
	}
	buf, ok := p.Get().([]float64)
	if !ok || cap(buf) < cls {
		buf = make([]float64, cls)
	}
	return buf[:n]
}

// GetFloat64Zeroed is GetFloat64 with the returned elements cleared.
func GetFloat64Zeroed(n int) []float64 {
	buf := GetFloat64(n)
	clear(buf)
	return buf
}

// PutFloat64 returns a buffer to the pool. It is safe to pass a nil slice.
func PutFloat64(buf []float64) {
	if buf == nil || cap(buf) < 1024 {
		return
	}
	cls := sizeClass(cap(buf))
	if cls != cap(buf) {
		// foreign slice with an odd capacity; round down so Get never over-reads
		cls -= 1024
	}
	p := float64Pool(cls)
	if p == nil {
		return
	}
	p.Put(buf[:cls]) //nolint:staticcheck
}

// GetBool retrieves a zeroed []bool buffer of n elements from the pool.
// The caller should return it via PutBool when done.
func GetBool(n int) []bool {
	cls := sizeClass(n)
	p := boolPool(cls)
	if p == nil {
		return make([]bool, n)
	}
	buf, ok := p.Get().([]bool)
	if !ok || cap(buf) < cls {
		buf = make([]bool, cls)
	}
	buf = buf[:n]
	clear(buf)
	return buf
}

// PutBool returns a buffer to the pool. It is safe to pass a nil slice.
func PutBool(buf []bool) {
	if buf == nil || cap(buf) < 1024 {
		return
	}
	cls := sizeClass(cap(buf))
	if cls != cap(buf) {
		cls -= 1024
	}
	p := boolPool(cls)
	if p == nil {
		return
	}
	p.Put(buf[:cls]) //nolint:staticcheck
}
