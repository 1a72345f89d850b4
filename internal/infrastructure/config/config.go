package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Locking strategies.
const (
	LockingFlock = "flock"
	LockingNone  = "none"
)

// Config holds all storage configuration.
type Config struct {
	Storage StorageConfig `toml:"storage"`
	System  SystemConfig  `toml:"system"`
	Logging LogConfig     `toml:"logging"`
}

// StorageConfig holds storage root configuration.
type StorageConfig struct {
	Root          string   `envconfig:"STORAGE_ROOT" toml:"root"`
	ParentRoot    string   `envconfig:"STORAGE_PARENT_ROOT" toml:"parent_root"`
	ReadOnly      bool     `envconfig:"STORAGE_READ_ONLY" toml:"read_only"`
	OpenFileLimit int      `envconfig:"STORAGE_OPEN_FILE_LIMIT" toml:"open_file_limit"`
	Clean         bool     `envconfig:"STORAGE_CLEAN" toml:"clean"`
	Locking       string   `envconfig:"STORAGE_LOCKING" toml:"locking"`
	InstallRoot   string   `envconfig:"STORAGE_INSTALL_ROOT" toml:"install_root"`
	Hooks         []string `envconfig:"STORAGE_HOOKS" toml:"hooks"`
	// FetchRate limits remote content fetches per second; 0 disables.
	FetchRate  float64 `envconfig:"STORAGE_FETCH_RATE" toml:"fetch_rate"`
	FetchBurst int     `envconfig:"STORAGE_FETCH_BURST" toml:"fetch_burst"`
}

// SystemConfig holds inputs for the system module record.
type SystemConfig struct {
	Content           string `envconfig:"STORAGE_SYSTEM_CONTENT" toml:"content"`
	Packages          string `envconfig:"STORAGE_SYSTEM_PACKAGES" toml:"packages"`
	PackagesExtra     string `envconfig:"STORAGE_SYSTEM_PACKAGES_EXTRA" toml:"packages_extra"`
	Capabilities      string `envconfig:"STORAGE_SYSTEM_CAPABILITIES" toml:"capabilities"`
	CapabilitiesExtra string `envconfig:"STORAGE_SYSTEM_CAPABILITIES_EXTRA" toml:"capabilities_extra"`
	VMProfile         string `envconfig:"STORAGE_VM_PROFILE" toml:"vm_profile"`
	RuntimeVersion    int    `envconfig:"STORAGE_RUNTIME_VERSION" toml:"runtime_version"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string   `envconfig:"LOG_LEVEL" toml:"level"`
	Development bool     `envconfig:"LOG_DEV" toml:"development"`
	Output      []string `envconfig:"LOG_OUTPUT" toml:"output"`
}

// Load builds configuration from defaults, the TOML file named by
// STORAGE_CONFIG_FILE (if set) and environment variables, in increasing
// order of precedence.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("STORAGE_CONFIG_FILE"))
}

// LoadFile is Load with an explicit config file path. An empty path skips
// the file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Root:          "storage",
			OpenFileLimit: 100,
			Locking:       LockingFlock,
			Hooks:         []string{},
			FetchBurst:    1,
		},
		System: SystemConfig{
			RuntimeVersion: 17,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Storage.Root == "" {
		return fmt.Errorf("invalid config: storage root is required")
	}
	if c.Storage.OpenFileLimit < 0 {
		return fmt.Errorf("invalid config: open file limit %d is negative", c.Storage.OpenFileLimit)
	}
	switch c.Storage.Locking {
	case LockingFlock, LockingNone:
	default:
		return fmt.Errorf("invalid config: unknown locking strategy %q", c.Storage.Locking)
	}
	if c.Storage.FetchRate < 0 || c.Storage.FetchBurst < 0 {
		return fmt.Errorf("invalid config: fetch rate and burst must not be negative")
	}
	if c.System.RuntimeVersion < 0 {
		return fmt.Errorf("invalid config: runtime version %d is negative", c.System.RuntimeVersion)
	}
	return nil
}
