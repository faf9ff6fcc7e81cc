package mrbridge

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config holds the process-wide bridge settings.
type Config struct {
	// Native libraries. Empty paths use the standard search locations.
	LibraryPath       string `yaml:"library_path"`
	PluginLibraryPath string `yaml:"plugin_library_path"`
	SDKPath           string `yaml:"sdk_path"`

	// Frame pump
	RefreshRate float64 `yaml:"refresh_rate"`

	// Async factory
	Workers int `yaml:"workers"`

	// Logging
	LogLevel string `yaml:"log_level"`

	// Defaults for device audio sources opened by the CLI.
	DeviceAudio DeviceAudioInitConfig `yaml:"device_audio"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		RefreshRate: 60,
		Workers:     2,
		LogLevel:    "info",
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig and applies
// environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("MRWEBRTC_LIB_PATH"); v != "" {
		c.LibraryPath = v
	}
	if v := os.Getenv("MRWEBRTC_PLUGIN_LIB_PATH"); v != "" {
		c.PluginLibraryPath = v
	}
	if v := os.Getenv("MEDIA_SDK_LIB_PATH"); v != "" {
		c.SDKPath = v
	}
	if v := os.Getenv("MRBRIDGE_REFRESH_RATE"); v != "" {
		hz, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("MRBRIDGE_REFRESH_RATE: %w", err)
		}
		c.RefreshRate = hz
	}
	if v := os.Getenv("MRBRIDGE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.RefreshRate <= 0 || c.RefreshRate > 1000 {
		return fmt.Errorf("refresh_rate %v out of range (0, 1000]", c.RefreshRate)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	return nil
}

// YAML renders the configuration.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

var (
	configMu      sync.RWMutex
	currentConfig = DefaultConfig()
)

// CurrentConfig returns the process-wide configuration.
func CurrentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return currentConfig
}

// SetConfig replaces the process-wide configuration. Libraries already loaded
// and the running pump are not affected.
func SetConfig(c Config) {
	configMu.Lock()
	defer configMu.Unlock()
	currentConfig = c
}
