package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tidwall/jsonc"
)

// Config is the runtime's merged configuration, assembled from defaults, the
// global config file, the project-local config file, and environment
// variables, in that priority order (lowest to highest).
type Config struct {
	Database     DatabaseConfig     `json:"database"`
	VFS          VFSConfig          `json:"vfs"`
	Lock         LockConfig         `json:"lock"`
	Memory       MemoryConfig       `json:"memory"`
	Consolidation ConsolidationConfig `json:"consolidation"`
	Process      ProcessConfig      `json:"process"`
	ToolServer   ToolServerConfig   `json:"toolServer"`
	LogLevel     string             `json:"logLevel"`
}

// DatabaseConfig configures the connection manager (component B).
type DatabaseConfig struct {
	Path            string        `json:"path"`
	MinConns        int           `json:"minConns"`
	MaxConns        int           `json:"maxConns"`
	IdleTimeout     time.Duration `json:"idleTimeout"`
	MaxLifetime     time.Duration `json:"maxLifetime"`
	LoadBalancing   string        `json:"loadBalancing"` // round_robin|least_loaded|random|sticky
	RetryMaxElapsed time.Duration `json:"retryMaxElapsed"`
	BreakerThreshold int          `json:"breakerThreshold"`
	BreakerCooldown time.Duration `json:"breakerCooldown"`
}

// VFSConfig configures the virtual filesystem (component E).
type VFSConfig struct {
	CacheCapacity int           `json:"cacheCapacity"`
	CacheTTL      time.Duration `json:"cacheTtl"`
	ContentDir    string        `json:"contentDir"`
}

// LockConfig configures the lock manager (component G).
type LockConfig struct {
	DefaultTimeout time.Duration `json:"defaultTimeout"`
	SweepInterval  time.Duration `json:"sweepInterval"`
	CycleCheckEvery int          `json:"cycleCheckEvery"` // edges between cycle searches; 1 = every edge
}

// MemoryConfig configures the memory tiers (component I).
type MemoryConfig struct {
	WorkingCapacity int     `json:"workingCapacity"`
	DecayLambda     float64 `json:"decayLambda"`
	ImportanceFloor float64 `json:"importanceFloor"`
}

// ConsolidationConfig configures the background consolidation loop
// (component J).
type ConsolidationConfig struct {
	CronExpr       string        `json:"cronExpr"`       // e.g. "*/15 * * * *"; empty disables cron scheduling
	FixedInterval  time.Duration `json:"fixedInterval"`  // fallback ticker cadence
	RetentionWindow time.Duration `json:"retentionWindow"`
	DecayAlpha     float64       `json:"decayAlpha"`
}

// ProcessConfig configures the process manager (component K).
type ProcessConfig struct {
	MaxConcurrent   int           `json:"maxConcurrent"`
	GracefulTimeout time.Duration `json:"gracefulTimeout"`
	AutoRestart     bool          `json:"autoRestart"`
	MaxRestarts     int           `json:"maxRestarts"`
	HealthInterval  time.Duration `json:"healthInterval"`
	MaxMemoryBytes  int64         `json:"maxMemoryBytes"`
	MaxCPUPercent   float64       `json:"maxCpuPercent"`
	MaxWallTime     time.Duration `json:"maxWallTime"`
}

// ToolServerConfig configures the tool-server pool (component L).
type ToolServerConfig struct {
	MaxOutstandingPerAgent int           `json:"maxOutstandingPerAgent"`
	CallTimeout            time.Duration `json:"callTimeout"`
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			MinConns:         1,
			MaxConns:         4,
			IdleTimeout:      5 * time.Minute,
			MaxLifetime:      time.Hour,
			LoadBalancing:    "round_robin",
			RetryMaxElapsed:  10 * time.Second,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		VFS: VFSConfig{
			CacheCapacity: 512,
			CacheTTL:      10 * time.Minute,
		},
		Lock: LockConfig{
			DefaultTimeout:  30 * time.Second,
			SweepInterval:   5 * time.Second,
			CycleCheckEvery: 1,
		},
		Memory: MemoryConfig{
			WorkingCapacity: 7,
			DecayLambda:     0.01,
			ImportanceFloor: 0.05,
		},
		Consolidation: ConsolidationConfig{
			FixedInterval:   15 * time.Minute,
			RetentionWindow: 72 * time.Hour,
			DecayAlpha:      0.1,
		},
		Process: ProcessConfig{
			MaxConcurrent:   8,
			GracefulTimeout: 5 * time.Second,
			AutoRestart:     true,
			MaxRestarts:     3,
			HealthInterval:  10 * time.Second,
		},
		ToolServer: ToolServerConfig{
			MaxOutstandingPerAgent: 16,
			CallTimeout:            30 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load assembles configuration in priority order: defaults, global config
// file, project-local config file, environment variables.
func Load(directory string) (*Config, error) {
	cfg := Default()

	paths := GetPaths()
	loadConfigFile(filepath.Join(paths.Config, "runtime.jsonc"), cfg)

	if directory != "" {
		loadConfigFile(ProjectConfigPath(directory), cfg)
	}

	applyEnvOverrides(cfg)

	if cfg.Database.Path == "" {
		cfg.Database.Path = paths.DatabasePath()
	}
	if cfg.VFS.ContentDir == "" {
		cfg.VFS.ContentDir = paths.ContentStorePath()
	}

	return cfg, nil
}

// loadConfigFile merges a single JSONC config file into cfg, if present.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = jsonc.ToJSON(data)

	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return err
	}

	mergeConfig(cfg, &fileCfg)
	return nil
}

// mergeConfig overlays the non-zero fields it names below from source onto
// target. Non-zero is judged field-by-field since Config has no natural
// "unset" sentinel. Fields not named here keep their default values even
// when the file sets them: Database.IdleTimeout, MaxLifetime,
// RetryMaxElapsed, BreakerThreshold and BreakerCooldown; VFS.CacheTTL;
// Lock.SweepInterval and CycleCheckEvery; Memory.DecayLambda and
// ImportanceFloor; Consolidation.FixedInterval, RetentionWindow and
// DecayAlpha; Process.AutoRestart; ToolServer.CallTimeout.
func mergeConfig(target, source *Config) {
	if source.Database.Path != "" {
		target.Database.Path = source.Database.Path
	}
	if source.Database.MaxConns != 0 {
		target.Database.MaxConns = source.Database.MaxConns
	}
	if source.Database.MinConns != 0 {
		target.Database.MinConns = source.Database.MinConns
	}
	if source.Database.LoadBalancing != "" {
		target.Database.LoadBalancing = source.Database.LoadBalancing
	}
	if source.VFS.CacheCapacity != 0 {
		target.VFS.CacheCapacity = source.VFS.CacheCapacity
	}
	if source.VFS.ContentDir != "" {
		target.VFS.ContentDir = source.VFS.ContentDir
	}
	if source.Lock.DefaultTimeout != 0 {
		target.Lock.DefaultTimeout = source.Lock.DefaultTimeout
	}
	if source.Memory.WorkingCapacity != 0 {
		target.Memory.WorkingCapacity = source.Memory.WorkingCapacity
	}
	if source.Consolidation.CronExpr != "" {
		target.Consolidation.CronExpr = source.Consolidation.CronExpr
	}
	if source.Process.MaxConcurrent != 0 {
		target.Process.MaxConcurrent = source.Process.MaxConcurrent
	}
	if source.Process.GracefulTimeout != 0 {
		target.Process.GracefulTimeout = source.Process.GracefulTimeout
	}
	if source.Process.MaxRestarts != 0 {
		target.Process.MaxRestarts = source.Process.MaxRestarts
	}
	if source.Process.HealthInterval != 0 {
		target.Process.HealthInterval = source.Process.HealthInterval
	}
	if source.Process.MaxMemoryBytes != 0 {
		target.Process.MaxMemoryBytes = source.Process.MaxMemoryBytes
	}
	if source.Process.MaxCPUPercent != 0 {
		target.Process.MaxCPUPercent = source.Process.MaxCPUPercent
	}
	if source.Process.MaxWallTime != 0 {
		target.Process.MaxWallTime = source.Process.MaxWallTime
	}
	if source.ToolServer.MaxOutstandingPerAgent != 0 {
		target.ToolServer.MaxOutstandingPerAgent = source.ToolServer.MaxOutstandingPerAgent
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}
}

// applyEnvOverrides applies environment variable overrides on top of file
// configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTMESH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AGENTMESH_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("AGENTMESH_MAX_CONCURRENT_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Process.MaxConcurrent = n
		}
	}
}
