package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the commsledger configuration.
type Config struct {
	Spool   SpoolConfig             `yaml:"spool"`
	Sources map[string]SourceConfig `yaml:"sources"`
}

// SpoolConfig controls the live spool-directory watcher.
type SpoolConfig struct {
	Dir             string `yaml:"dir"`
	DebounceSeconds int    `yaml:"debounce_seconds"`
}

// SourceConfig represents per-source ingestion configuration.
type SourceConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Options map[string]interface{} `yaml:"options,omitempty"`
}

// GetConfigDir returns the XDG-compliant config directory.
func GetConfigDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("COMMSLEDGER_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "commsledger"), nil
}

// GetDataDir returns the platform-specific data directory.
func GetDataDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("COMMSLEDGER_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Commsledger"), nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "commsledger"), nil
	}

	return filepath.Join(home, ".local", "share", "commsledger"), nil
}

// Load loads config from the config file.
func Load() (*Config, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(configDir, "config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default empty config
			return &Config{
				Sources: make(map[string]SourceConfig),
			}, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Sources == nil {
		cfg.Sources = make(map[string]SourceConfig)
	}

	return &cfg, nil
}

// SpoolDir resolves the watch directory, defaulting to <data>/spool.
func (c *Config) SpoolDir() (string, error) {
	if c.Spool.Dir != "" {
		return c.Spool.Dir, nil
	}
	dataDir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "spool"), nil
}

// Save saves the config to the config file.
func (c *Config) Save() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
