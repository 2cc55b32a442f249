package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// KeepLoaded controls whether a model manager slot stays resident.
type KeepLoaded string

const (
	KeepLoadedAlways    KeepLoaded = "always"
	KeepLoadedOnDemand  KeepLoaded = "on_demand"
	KeepLoadedNever     KeepLoaded = "never"
)

// EvictionPolicy selects how the model manager picks a victim when over budget.
type EvictionPolicy string

const (
	EvictionLRU  EvictionPolicy = "lru"
	EvictionFIFO EvictionPolicy = "fifo"
)

// Config is the full on-disk configuration for fastsearchd.
type Config struct {
	Daemon     DaemonConfig               `yaml:"daemon" json:"daemon"`
	Models     map[string]ModelSlotConfig `yaml:"models" json:"models"`
	Memory     MemoryConfig               `yaml:"memory" json:"memory"`
	Compaction CompactionConfig          `yaml:"compaction" json:"compaction"`
}

// CompactionConfig configures background HNSW compaction. Not part of
// spec.md's wire-visible configuration; a supplemented, storage-layer-only
// concern (see internal/daemon's CompactionManager).
type CompactionConfig struct {
	Enabled         bool    `yaml:"enabled" json:"enabled"`
	OrphanThreshold float64 `yaml:"orphan_threshold" json:"orphan_threshold"`
	MinOrphanCount  int     `yaml:"min_orphan_count" json:"min_orphan_count"`
	IdleTimeout     string  `yaml:"idle_timeout" json:"idle_timeout"`
	Cooldown        string  `yaml:"cooldown" json:"cooldown"`
}

// DaemonConfig holds the socket, PID file, and logging settings.
type DaemonConfig struct {
	SocketPath string `yaml:"socket_path" json:"socket_path"`
	PIDPath    string `yaml:"pid_path" json:"pid_path"`
	LogLevel   string `yaml:"log_level" json:"log_level"`
}

// ModelSlotConfig configures one named model slot (embedder, reranker, ...).
type ModelSlotConfig struct {
	// Name is the opaque model identifier passed to the loader (e.g. an
	// Ollama tag or GGUF path).
	Name string `yaml:"name" json:"name"`

	// KeepLoaded controls eviction eligibility: always pins the slot,
	// never never registers it persistently, on_demand loads lazily and
	// is eligible for idle-unload and LRU eviction.
	KeepLoaded KeepLoaded `yaml:"keep_loaded" json:"keep_loaded"`

	// IdleTimeoutSeconds arms a delayed unload after this many seconds of
	// inactivity. Zero disables idle unload.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds" json:"idle_timeout_seconds"`
}

// MemoryConfig bounds the model manager's resident footprint.
type MemoryConfig struct {
	MaxRAMMB       int            `yaml:"max_ram_mb" json:"max_ram_mb"`
	EvictionPolicy EvictionPolicy `yaml:"eviction_policy" json:"eviction_policy"`
}

// defaultSocketPath and defaultPIDPath match the Python reference's defaults.
const (
	defaultSocketPath = "/tmp/fastsearch.sock"
	defaultPIDPath    = "/tmp/fastsearch.pid"
)

// NewConfig returns the built-in default configuration.
func NewConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			SocketPath: defaultSocketPath,
			PIDPath:    defaultPIDPath,
			LogLevel:   "INFO",
		},
		Models: map[string]ModelSlotConfig{
			"embedder": {
				Name:               "qwen3-embedding:0.6b",
				KeepLoaded:         KeepLoadedAlways,
				IdleTimeoutSeconds: 0,
			},
			"reranker": {
				Name:               "",
				KeepLoaded:         KeepLoadedOnDemand,
				IdleTimeoutSeconds: 300,
			},
		},
		Memory: MemoryConfig{
			MaxRAMMB:       4000,
			EvictionPolicy: EvictionLRU,
		},
		Compaction: CompactionConfig{
			Enabled:         true,
			OrphanThreshold: 0.2,
			MinOrphanCount:  100,
			IdleTimeout:     "30s",
			Cooldown:        "1h",
		},
	}
}

// UserConfigPath returns the default per-user config file location,
// following the Python reference's ~/.config/fastsearch/config.yaml.
func UserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "fastsearch", "config.yaml"), nil
}

// Load resolves and parses the configuration using the lookup order:
//  1. explicitPath, if non-empty
//  2. the FASTSEARCH_CONFIG environment variable
//  3. ~/.config/fastsearch/config.yaml
//  4. built-in defaults (no file required)
func Load(explicitPath string) (*Config, error) {
	cfg, _, err := LoadWithPath(explicitPath)
	return cfg, err
}

// LoadWithPath behaves like Load but also returns the resolved config file
// path that was read, or "" if none of the lookup candidates existed and
// only built-in defaults were used. Callers that need to watch the active
// config file (e.g. for reload-on-change) use this over Load.
func LoadWithPath(explicitPath string) (*Config, string, error) {
	path, err := resolvePath(explicitPath)
	if err != nil {
		return nil, "", err
	}

	cfg := NewConfig()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, "", err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, path, nil
}

// resolvePath applies the lookup order and returns the config file path to
// use, or "" if none of the candidates exist (defaults only).
func resolvePath(explicitPath string) (string, error) {
	if explicitPath != "" {
		if !fileExists(explicitPath) {
			return "", fmt.Errorf("config file not found: %s", explicitPath)
		}
		return explicitPath, nil
	}

	if envPath := os.Getenv("FASTSEARCH_CONFIG"); envPath != "" {
		if !fileExists(envPath) {
			return "", fmt.Errorf("config file not found: %s", envPath)
		}
		return envPath, nil
	}

	userPath, err := UserConfigPath()
	if err != nil {
		return "", err
	}
	if fileExists(userPath) {
		return userPath, nil
	}

	return "", nil
}

// mergeFile loads path as YAML and merges its non-zero fields over the
// receiver's current values (which start as defaults).
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith overlays non-zero fields from other onto c.
func (c *Config) mergeWith(other *Config) {
	if other.Daemon.SocketPath != "" {
		c.Daemon.SocketPath = other.Daemon.SocketPath
	}
	if other.Daemon.PIDPath != "" {
		c.Daemon.PIDPath = other.Daemon.PIDPath
	}
	if other.Daemon.LogLevel != "" {
		c.Daemon.LogLevel = other.Daemon.LogLevel
	}

	if len(other.Models) > 0 {
		if c.Models == nil {
			c.Models = make(map[string]ModelSlotConfig, len(other.Models))
		}
		for slot, cfg := range other.Models {
			c.Models[slot] = cfg
		}
	}

	if other.Memory.MaxRAMMB != 0 {
		c.Memory.MaxRAMMB = other.Memory.MaxRAMMB
	}
	if other.Memory.EvictionPolicy != "" {
		c.Memory.EvictionPolicy = other.Memory.EvictionPolicy
	}

	if other.Compaction.OrphanThreshold != 0 || other.Compaction.MinOrphanCount != 0 ||
		other.Compaction.IdleTimeout != "" || other.Compaction.Cooldown != "" {
		c.Compaction.Enabled = other.Compaction.Enabled
	}
	if other.Compaction.OrphanThreshold != 0 {
		c.Compaction.OrphanThreshold = other.Compaction.OrphanThreshold
	}
	if other.Compaction.MinOrphanCount != 0 {
		c.Compaction.MinOrphanCount = other.Compaction.MinOrphanCount
	}
	if other.Compaction.IdleTimeout != "" {
		c.Compaction.IdleTimeout = other.Compaction.IdleTimeout
	}
	if other.Compaction.Cooldown != "" {
		c.Compaction.Cooldown = other.Compaction.Cooldown
	}
}

// applyEnvOverrides applies FASTSEARCH_* environment overrides, which take
// precedence over any file-sourced configuration.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FASTSEARCH_SOCKET_PATH"); v != "" {
		c.Daemon.SocketPath = v
	}
	if v := os.Getenv("FASTSEARCH_PID_PATH"); v != "" {
		c.Daemon.PIDPath = v
	}
	if v := os.Getenv("FASTSEARCH_LOG_LEVEL"); v != "" {
		c.Daemon.LogLevel = v
	}
	if v := os.Getenv("FASTSEARCH_MAX_RAM_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Memory.MaxRAMMB = n
		}
	}
}

// Validate rejects a configuration that cannot be used to start the daemon.
func (c *Config) Validate() error {
	if c.Daemon.SocketPath == "" {
		return fmt.Errorf("daemon.socket_path must not be empty")
	}
	if c.Daemon.PIDPath == "" {
		return fmt.Errorf("daemon.pid_path must not be empty")
	}

	validLevels := map[string]bool{"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true}
	if !validLevels[strings.ToUpper(c.Daemon.LogLevel)] {
		return fmt.Errorf("daemon.log_level must be DEBUG, INFO, WARN, or ERROR, got %s", c.Daemon.LogLevel)
	}

	for slot, sc := range c.Models {
		switch sc.KeepLoaded {
		case KeepLoadedAlways, KeepLoadedOnDemand, KeepLoadedNever:
		default:
			return fmt.Errorf("models.%s.keep_loaded must be always, on_demand, or never, got %s", slot, sc.KeepLoaded)
		}
		if sc.IdleTimeoutSeconds < 0 {
			return fmt.Errorf("models.%s.idle_timeout_seconds must be non-negative, got %d", slot, sc.IdleTimeoutSeconds)
		}
	}

	if c.Memory.MaxRAMMB <= 0 {
		return fmt.Errorf("memory.max_ram_mb must be positive, got %d", c.Memory.MaxRAMMB)
	}
	switch c.Memory.EvictionPolicy {
	case EvictionLRU, EvictionFIFO:
	default:
		return fmt.Errorf("memory.eviction_policy must be lru or fifo, got %s", c.Memory.EvictionPolicy)
	}

	return nil
}

// WriteYAML writes the configuration to path, creating parent directories
// as needed. `fastsearchd config init` does not use it; that command writes
// the embedded configs.ConfigTemplate instead.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
