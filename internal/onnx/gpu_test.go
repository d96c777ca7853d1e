package onnx

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultGPUConfig(t *testing.T) {
	cfg := DefaultGPUConfig()
	assert.False(t, cfg.UseGPU)
	assert.Zero(t, cfg.DeviceID)
	assert.Zero(t, cfg.GPUMemLimit)
	assert.Equal(t, "kNextPowerOfTwo", cfg.ArenaExtendStrategy)
	assert.Equal(t, "DEFAULT", cfg.CUDNNConvAlgoSearch)
	assert.True(t, cfg.DoCopyInDefaultStream)
}

func TestValidateGPUConfig(t *testing.T) {
	gpu := DefaultGPUConfig()
	gpu.UseGPU = true

	tests := []struct {
		name    string
		mutate  func(*GPUConfig)
		base    GPUConfig
		wantErr bool
	}{
		{name: "cpu ignores fields", base: GPUConfig{DeviceID: -3, ArenaExtendStrategy: "bogus"}},
		{name: "valid gpu", base: gpu},
		{name: "negative device", base: gpu, mutate: func(c *GPUConfig) { c.DeviceID = -1 }, wantErr: true},
		{name: "bad arena", base: gpu, mutate: func(c *GPUConfig) { c.ArenaExtendStrategy = "grow" }, wantErr: true},
		{name: "bad algo", base: gpu, mutate: func(c *GPUConfig) { c.CUDNNConvAlgoSearch = "FAST" }, wantErr: true},
		{name: "empty strings allowed", base: gpu, mutate: func(c *GPUConfig) {
			c.ArenaExtendStrategy, c.CUDNNConvAlgoSearch = "", ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.base
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			err := ValidateGPUConfig(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCUDASettings(t *testing.T) {
	cfg := DefaultGPUConfig()
	cfg.UseGPU = true
	cfg.DeviceID = 2
	cfg.GPUMemLimit = 1 << 30

	s := cudaSettings(cfg)
	assert.Equal(t, "2", s["device_id"])
	assert.Equal(t, "1073741824", s["gpu_mem_limit"])
	assert.Equal(t, "1", s["do_copy_in_default_stream"])

	cfg.GPUMemLimit = 0
	cfg.DoCopyInDefaultStream = false
	s = cudaSettings(cfg)
	assert.NotContains(t, s, "gpu_mem_limit")
	assert.Equal(t, "0", s["do_copy_in_default_stream"])
}

func TestGetSystemLibraryPaths(t *testing.T) {
	cpu := getSystemLibraryPaths(false)
	gpu := getSystemLibraryPaths(true)
	assert.Len(t, gpu, len(cpu)+1)
	assert.Contains(t, gpu[0], "gpu")
}

func TestFindProjectRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte("module x\n"), 0o600))
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o750))
	t.Chdir(nested)

	got, err := findProjectRoot()
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	gotResolved, err := filepath.EvalSymlinks(got)
	require.NoError(t, err)
	assert.Equal(t, want, gotResolved)
}

func TestGetLibraryName(t *testing.T) {
	name, err := getLibraryName()
	switch runtime.GOOS {
	case osLinux:
		require.NoError(t, err)
		assert.Equal(t, libLinux, name)
	case osDarwin:
		require.NoError(t, err)
		assert.Equal(t, libDarwin, name)
	case osWindows:
		require.NoError(t, err)
		assert.Equal(t, libWindows, name)
	default:
		assert.Error(t, err)
	}
}

func TestSetONNXLibraryPathExplicitMissing(t *testing.T) {
	err := SetONNXLibraryPath(filepath.Join(t.TempDir(), "missing.so"), false)
	assert.ErrorContains(t, err, "not found")
}
