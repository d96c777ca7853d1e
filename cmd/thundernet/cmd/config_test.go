package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/MeKo-Tech/thundernet/internal/config"
)

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thundernet.yaml")

	out, err := runCLI(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+path)
	assert.FileExists(t, path)

	_, err = runCLI(t, "config", "init", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = runCLI(t, "config", "init", "--force", path)
	require.NoError(t, err)
}

func TestConfigShow(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("log_level: warn\nserver:\n  port: 9191\n"), 0o600))

	out, err := runCLI(t, "--config", cfgPath, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "# config file: "+cfgPath)

	var cfg config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, config.DefaultConfig().Detector.AnchorSizes, cfg.Detector.AnchorSizes)
}

func TestConfigShow_Environment(t *testing.T) {
	t.Setenv("THUNDERNET_OUTPUT_FORMAT", "csv")
	out, err := runCLI(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "format: csv")
}

func TestConfigPaths(t *testing.T) {
	out, err := runCLI(t, "config", "paths")
	require.NoError(t, err)
	assert.Contains(t, out, "THUNDERNET")
	assert.Contains(t, out, "/etc/thundernet")
}
