// Package config provides layered configuration loading (defaults, global
// file, project file, environment) and standard data-path resolution for the
// runtime.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths contains the standard paths for runtime data.
type Paths struct {
	Data   string // ~/.local/share/agentmesh
	Config string // ~/.config/agentmesh
	Cache  string // ~/.cache/agentmesh
	State  string // ~/.local/state/agentmesh
}

// GetPaths returns the standard paths for runtime data.
func GetPaths() *Paths {
	return &Paths{
		Data:   filepath.Join(getEnvOrDefault("XDG_DATA_HOME", defaultDataHome()), "agentmesh"),
		Config: filepath.Join(getEnvOrDefault("XDG_CONFIG_HOME", defaultConfigHome()), "agentmesh"),
		Cache:  filepath.Join(getEnvOrDefault("XDG_CACHE_HOME", defaultCacheHome()), "agentmesh"),
		State:  filepath.Join(getEnvOrDefault("XDG_STATE_HOME", defaultStateHome()), "agentmesh"),
	}
}

// EnsurePaths creates all required directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Data, p.Config, p.Cache, p.State} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// DatabasePath returns the path to the default sqlite database file.
func (p *Paths) DatabasePath() string {
	return filepath.Join(p.Data, "runtime.db")
}

// ContentStorePath returns the path to the on-disk content blob store.
func (p *Paths) ContentStorePath() string {
	return filepath.Join(p.Data, "content")
}

// StoragePath returns the path to the directory-of-JSON-files store backing
// sessions, workspace indices, and the episodic/semantic/procedural memory
// tiers.
func (p *Paths) StoragePath() string {
	return filepath.Join(p.Data, "storage")
}

// PIDPath returns the path to the agent-process-registry PID file.
func (p *Paths) PIDPath() string {
	return filepath.Join(p.State, "agents.pid")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultDataHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "share")
}

func defaultConfigHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".config")
}

func defaultCacheHome() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("APPDATA"), "cache")
	}
	return filepath.Join(os.Getenv("HOME"), ".cache")
}

func defaultStateHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "state")
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	return filepath.Join(GetPaths().Config, "runtime.jsonc")
}

// ProjectConfigPath returns the path to the project-local config file.
func ProjectConfigPath(directory string) string {
	return filepath.Join(directory, ".agentmesh", "runtime.jsonc")
}
