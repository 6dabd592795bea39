package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 7, cfg.Memory.WorkingCapacity)
	assert.Equal(t, 8, cfg.Process.MaxConcurrent)
	assert.Equal(t, "round_robin", cfg.Database.LoadBalancing)
}

func TestLoadProjectOverridesGlobal(t *testing.T) {
	tmpHome := t.TempDir()
	oldHome := os.Getenv("HOME")
	oldXDG := os.Getenv("XDG_CONFIG_HOME")
	os.Setenv("HOME", tmpHome)
	os.Unsetenv("XDG_CONFIG_HOME")
	defer func() {
		os.Setenv("HOME", oldHome)
		os.Setenv("XDG_CONFIG_HOME", oldXDG)
	}()

	globalDir := filepath.Join(tmpHome, ".config", "agentmesh")
	require.NoError(t, os.MkdirAll(globalDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, "runtime.jsonc"), []byte(`{
		// global default
		"logLevel": "warn",
		"process": {"maxConcurrent": 2}
	}`), 0644))

	tmpProject := t.TempDir()
	projectDir := filepath.Join(tmpProject, ".agentmesh")
	require.NoError(t, os.MkdirAll(projectDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "runtime.jsonc"), []byte(`{
		"logLevel": "debug"
	}`), 0644))

	cfg, err := Load(tmpProject)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2, cfg.Process.MaxConcurrent)
}

func TestEnvOverride(t *testing.T) {
	os.Setenv("AGENTMESH_LOG_LEVEL", "trace")
	defer os.Unsetenv("AGENTMESH_LOG_LEVEL")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "trace", cfg.LogLevel)
}

func TestMergeConfigPreservesUnsetFields(t *testing.T) {
	target := Default()
	source := &Config{LogLevel: "debug"}

	mergeConfig(target, source)

	assert.Equal(t, "debug", target.LogLevel)
	assert.Equal(t, 8, target.Process.MaxConcurrent) // untouched default preserved
}
