// Package config loads runtime configuration by merging a JSON config
// file, environment variables, and built-in defaults, in that priority
// order (file wins, then env, then default).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds the settings pkg/runtime needs to construct a Runtime:
// pool sizing, per-call resource ceilings, and where the compile cache
// persists to disk.
type Config struct {
	MaxInstances      int
	MinInstances      int
	DefaultTimeoutMS  int64
	MaxHostCalls      int
	MaxStateMutations int
	MaxEvents         int
	CompileCacheDir   string
	MaxCacheEntries   int
	EngineVersionTag  string
	MemoryLimitPages  uint32
	StackSizeBytes    uint32
}

// fileConfig maps to the JSON config file structure.
type fileConfig struct {
	MaxInstances      int    `json:"max_instances,omitempty"`
	MinInstances      int    `json:"min_instances,omitempty"`
	DefaultTimeoutMS  int64  `json:"default_timeout_ms,omitempty"`
	MaxHostCalls      int    `json:"max_host_calls,omitempty"`
	MaxStateMutations int    `json:"max_state_mutations,omitempty"`
	MaxEvents         int    `json:"max_events,omitempty"`
	CompileCacheDir   string `json:"compile_cache_dir,omitempty"`
	MaxCacheEntries   int    `json:"max_cache_entries,omitempty"`
	EngineVersionTag  string `json:"engine_version_tag,omitempty"`
	MemoryLimitPages  uint32 `json:"memory_limit_pages,omitempty"`
	StackSizeBytes    uint32 `json:"stack_size_bytes,omitempty"`
}

// defaultFileConfig is used only for writing the seed config.json; it
// omits the omitempty tags so every field appears in the output.
type defaultFileConfig struct {
	MaxInstances      int    `json:"max_instances"`
	MinInstances      int    `json:"min_instances"`
	DefaultTimeoutMS  int64  `json:"default_timeout_ms"`
	MaxHostCalls      int    `json:"max_host_calls"`
	MaxStateMutations int    `json:"max_state_mutations"`
	MaxEvents         int    `json:"max_events"`
	MaxCacheEntries   int    `json:"max_cache_entries"`
	EngineVersionTag  string `json:"engine_version_tag"`
	MemoryLimitPages  uint32 `json:"memory_limit_pages"`
	StackSizeBytes    uint32 `json:"stack_size_bytes"`
}

// resolveInt returns the first non-zero value from the provided ints.
func resolveInt(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

func resolveInt64(values ...int64) int64 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

func resolveString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Load reads configuration by merging config file, environment
// variables, and defaults. Priority: config file > env var > default.
func Load() (*Config, error) {
	if err := EnsureWorkspace(); err != nil {
		return nil, err
	}

	fc, err := readConfigFile()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		MaxInstances:      resolveInt(fc.MaxInstances, envInt("SANDBOXRT_MAX_INSTANCES"), 16),
		MinInstances:      resolveInt(fc.MinInstances, envInt("SANDBOXRT_MIN_INSTANCES"), 0),
		DefaultTimeoutMS:  resolveInt64(fc.DefaultTimeoutMS, envInt64("SANDBOXRT_TIMEOUT_MS"), 1000),
		MaxHostCalls:      resolveInt(fc.MaxHostCalls, envInt("SANDBOXRT_MAX_HOST_CALLS"), 1000),
		MaxStateMutations: resolveInt(fc.MaxStateMutations, envInt("SANDBOXRT_MAX_STATE_MUTATIONS"), 256),
		MaxEvents:         resolveInt(fc.MaxEvents, envInt("SANDBOXRT_MAX_EVENTS"), 256),
		CompileCacheDir:   resolveString(fc.CompileCacheDir, os.Getenv("SANDBOXRT_COMPILE_CACHE_DIR"), ""),
		MaxCacheEntries:   resolveInt(fc.MaxCacheEntries, envInt("SANDBOXRT_MAX_CACHE_ENTRIES"), 256),
		EngineVersionTag:  resolveString(fc.EngineVersionTag, os.Getenv("SANDBOXRT_ENGINE_VERSION_TAG"), "v1"),
		MemoryLimitPages:  uint32(resolveInt(int(fc.MemoryLimitPages), envInt("SANDBOXRT_MEMORY_LIMIT_PAGES"), 256)),
		StackSizeBytes:    uint32(resolveInt(int(fc.StackSizeBytes), envInt("SANDBOXRT_STACK_SIZE_BYTES"), 1<<20)),
	}

	if cfg.MaxInstances <= 0 {
		return nil, fmt.Errorf("config: max_instances must be positive, got %d", cfg.MaxInstances)
	}
	if cfg.MinInstances < 0 || cfg.MinInstances > cfg.MaxInstances {
		return nil, fmt.Errorf("config: min_instances must be between 0 and max_instances, got %d", cfg.MinInstances)
	}

	return cfg, nil
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0
	}
	return n
}

func envInt64(key string) int64 {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	var n int64
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0
	}
	return n
}

// HomeDir returns the sandboxrt home directory path (~/.sandboxrt or
// SANDBOXRT_HOME).
func HomeDir() (string, error) {
	homeDir := os.Getenv("SANDBOXRT_HOME")
	if homeDir == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("config: determine home directory: %w", err)
		}
		homeDir = filepath.Join(h, ".sandboxrt")
	}
	return homeDir, nil
}

// EnsureWorkspace creates the sandboxrt home directory, its
// subdirectories, and a default config.json if they do not already
// exist.
func EnsureWorkspace() error {
	homeDir, err := HomeDir()
	if err != nil {
		return err
	}

	dirs := []string{
		homeDir,
		filepath.Join(homeDir, "compile-cache"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create directory %s: %w", dir, err)
		}
	}

	configPath := filepath.Join(homeDir, "config.json")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Every seeded field is zero, which Load treats as unset, so a
		// freshly seeded file still lets env vars and built-in defaults
		// apply.
		seed := defaultFileConfig{}
		data, err := json.MarshalIndent(seed, "", "  ")
		if err != nil {
			return fmt.Errorf("config: marshal default config: %w", err)
		}
		data = append(data, '\n')
		if err := os.WriteFile(configPath, data, 0o644); err != nil {
			return fmt.Errorf("config: write default config %s: %w", configPath, err)
		}
	}

	return nil
}

// readConfigFile reads and parses the JSON config file. It returns a
// zero-value fileConfig if the file does not exist.
func readConfigFile() (fileConfig, error) {
	var fc fileConfig

	homeDir, err := HomeDir()
	if err != nil {
		return fc, err
	}

	path := filepath.Join(homeDir, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fc, nil
		}
		return fc, fmt.Errorf("config: read config file %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("config: parse config file %s: %w", path, err)
	}

	return fc, nil
}
