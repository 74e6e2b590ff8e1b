// Package config provides configuration management for codetrace.
//
// Configuration controls:
//   - Capability mode (readonly vs full): whether interactive debugging is exposed
//   - Permission flags: run, debug and profile operations
//   - Language adapter settings: Lua state sizing, sandboxing and scope reuse; CEL cost limits
//   - Logging level and format
//   - Safety limits: concurrent executions, execution timeout and result retention
//
// Configuration can be loaded from a JSON or YAML file (chosen by extension)
// or use sensible defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ctagard/codetrace/internal/logging"
)

// CapabilityMode defines the level of capabilities exposed to hosts
type CapabilityMode string

const (
	ModeReadOnly CapabilityMode = "readonly" // run and profile only
	ModeFull     CapabilityMode = "full"     // debugging enabled
)

// Config holds the codetrace configuration
type Config struct {
	// Capability levels
	Mode         CapabilityMode `json:"mode" yaml:"mode"`
	AllowRun     bool           `json:"allowRun" yaml:"allowRun"`
	AllowDebug   bool           `json:"allowDebug" yaml:"allowDebug"`
	AllowProfile bool           `json:"allowProfile" yaml:"allowProfile"`

	Logging logging.Config `json:"logging" yaml:"logging"`

	// Language-specific adapter configs
	Adapters AdapterConfigs `json:"adapters" yaml:"adapters"`

	Limits  Limits        `json:"limits" yaml:"limits"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// AdapterConfigs holds configuration for each language adapter
type AdapterConfigs struct {
	Lua LuaConfig `json:"lua" yaml:"lua"`
	CEL CELConfig `json:"cel" yaml:"cel"`
}

// LuaConfig holds gopher-lua state settings
type LuaConfig struct {
	CallStackSize int `json:"callStackSize" yaml:"callStackSize"`
	RegistrySize  int `json:"registrySize" yaml:"registrySize"`
	// Sandbox leaves out the os, io and debug libraries
	Sandbox bool `json:"sandbox" yaml:"sandbox"`
	// KeepScope reuses one Lua state for all runs of a unit inside a group
	KeepScope bool `json:"keepScope" yaml:"keepScope"`
	// ChunkCacheSize is how many compiled chunks are kept by source
	// fingerprint; zero disables the cache
	ChunkCacheSize int `json:"chunkCacheSize" yaml:"chunkCacheSize"`
}

// CELConfig holds cel-go settings
type CELConfig struct {
	// CostLimit bounds the evaluation cost of each statement; zero means unlimited
	CostLimit uint64 `json:"costLimit" yaml:"costLimit"`
}

// Limits bounds resource usage
type Limits struct {
	MaxConcurrentRuns int           `json:"maxConcurrentRuns" yaml:"maxConcurrentRuns"`
	ExecutionTimeout  time.Duration `json:"executionTimeout" yaml:"executionTimeout"`
	ResultTTL         time.Duration `json:"resultTTL" yaml:"resultTTL"`
	MaxResults        int           `json:"maxResults" yaml:"maxResults"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Mode:         ModeFull,
		AllowRun:     true,
		AllowDebug:   true,
		AllowProfile: true,
		Logging: logging.Config{
			Level: "info",
		},
		Adapters: AdapterConfigs{
			Lua: LuaConfig{
				CallStackSize:  256,
				RegistrySize:   256 * 20,
				Sandbox:        true,
				ChunkCacheSize: 64,
			},
		},
		Limits: Limits{
			MaxConcurrentRuns: 4,
			ExecutionTimeout:  30 * time.Second,
			ResultTTL:         30 * time.Minute,
			MaxResults:        100,
		},
		Metrics: MetricsConfig{
			Address: "127.0.0.1:9464",
		},
	}
}

// LoadConfig loads configuration from a JSON or YAML file. Fields missing from
// the file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the mode and limits
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeReadOnly, ModeFull:
	default:
		return fmt.Errorf("invalid mode %q: expected %q or %q", c.Mode, ModeReadOnly, ModeFull)
	}
	if c.Limits.MaxConcurrentRuns < 0 {
		return fmt.Errorf("limits.maxConcurrentRuns must not be negative")
	}
	if c.Limits.ExecutionTimeout < 0 || c.Limits.ResultTTL < 0 {
		return fmt.Errorf("limits durations must not be negative")
	}
	if c.Adapters.Lua.CallStackSize < 0 || c.Adapters.Lua.RegistrySize < 0 || c.Adapters.Lua.ChunkCacheSize < 0 {
		return fmt.Errorf("adapters.lua sizes must not be negative")
	}
	return nil
}

// CanDebug returns true if interactive debugging is enabled
func (c *Config) CanDebug() bool {
	return c.Mode == ModeFull && c.AllowDebug
}

// CanRun returns true if plain executions are allowed
func (c *Config) CanRun() bool {
	return c.AllowRun
}

// CanProfile returns true if profiled executions are allowed
func (c *Config) CanProfile() bool {
	return c.AllowProfile
}
