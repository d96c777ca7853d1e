package mempool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeClass(t *testing.T) {
	tests := []struct {
		name     string
		input    int
		expected int
	}{
		{name: "small size gets minimum", input: 1, expected: 1024},
		{name: "exactly 1024", input: 1024, expected: 1024},
		{name: "just over 1024", input: 1025, expected: 2048},
		{name: "odd number", input: 1500, expected: 2048},
		{name: "large size", input: 10000, expected: 10240},
		{name: "zero size", input: 0, expected: 1024},
		{name: "negative size", input: -1, expected: 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, sizeClass(tt.input))
		})
	}
}

func TestGetFloat64_LengthAndCapacity(t *testing.T) {
	for _, n := range []int{0, 1, 100, 1024, 4097, 245 * 20 * 20} {
		buf := GetFloat64(n)
		assert.Len(t, buf, n)
		assert.GreaterOrEqual(t, cap(buf), n)
		PutFloat64(buf)
	}
}

func TestGetFloat64Zeroed_ClearsReusedBuffer(t *testing.T) {
	buf := GetFloat64(2000)
	for i := range buf {
		buf[i] = 7
	}
	PutFloat64(buf)

	for range 10 {
		z := GetFloat64Zeroed(2000)
		for _, v := range z {
			require.Zero(t, v)
		}
		PutFloat64(z)
	}
}

func TestGetBool_AlwaysZeroed(t *testing.T) {
	buf := GetBool(1500)
	for i := range buf {
		buf[i] = true
	}
	PutBool(buf)

	again := GetBool(1500)
	for _, v := range again {
		require.False(t, v)
	}
	PutBool(again)
}

func TestPut_NilAndForeignSlices(t *testing.T) {
	assert.NotPanics(t, func() {
		PutFloat64(nil)
		PutBool(nil)
		PutFloat64(make([]float64, 10))
		PutFloat64(make([]float64, 1500))
		PutBool(make([]bool, 3000))
	})
	buf := GetFloat64(1400)
	assert.Len(t, buf, 1400)
}

func TestPool_ConcurrentUse(t *testing.T) {
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			for i := range 200 {
				n := 100 + (seed*37+i*13)%5000
				buf := GetFloat64Zeroed(n)
				for j := range buf {
					buf[j] = float64(seed)
				}
				flags := GetBool(n)
				flags[0] = true
				PutBool(flags)
				PutFloat64(buf)
			}
		}(w)
	}
	wg.Wait()
}
