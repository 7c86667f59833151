// Package config handles daemon configuration file management.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Jdubz/blinky-time-sub003/internal/engine"
)

// Config represents the daemon configuration
type Config struct {
	// SocketPath is where the control socket is created
	SocketPath string `json:"socketPath"`

	// FrameRateHz is the nominal analysis frame rate (default: 60)
	FrameRateHz float64 `json:"frameRateHz"`

	// Profile names the tuning profile applied on startup; empty means
	// stock defaults
	Profile string `json:"profile"`

	// ProfilePath points at the YAML profile file; empty means
	// profiles.yaml next to the config
	ProfilePath string `json:"profilePath"`

	// Params holds the engine tuning knobs
	Params engine.Params `json:"params"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		SocketPath:  defaultSocketPath(),
		FrameRateHz: 60,
		Params:      engine.DefaultParams(),
	}
}

func defaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "rhythmd.sock")
	}
	return "/tmp/rhythmd.sock"
}

// Manager handles loading and saving configuration
type Manager struct {
	configDir  string
	configPath string
	config     *Config
}

// NewManager creates a new configuration manager
func NewManager(configDir string) *Manager {
	return &Manager{
		configDir:  configDir,
		configPath: filepath.Join(configDir, "config.json"),
		config:     DefaultConfig(),
	}
}

// Load reads the configuration from disk
func (m *Manager) Load() error {
	// Ensure config directory exists
	if err := os.MkdirAll(m.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Check if config file exists
	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		// Create default config
		m.config = DefaultConfig()
		return m.Save()
	}

	// Read existing config
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	// Parse JSON
	config := DefaultConfig() // Start with defaults
	if err := json.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	m.config = config
	return nil
}

// Save writes the configuration to disk
func (m *Manager) Save() error {
	// Ensure config directory exists
	if err := os.MkdirAll(m.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Marshal to JSON with indentation
	data, err := json.MarshalIndent(m.config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(m.configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Get returns the current configuration
func (m *Manager) Get() *Config {
	return m.config
}

// GetPath returns the config file path
func (m *Manager) GetPath() string {
	return m.configPath
}

// GetProfilePath returns the profile file path, defaulting to
// profiles.yaml in the config directory.
func (m *Manager) GetProfilePath() string {
	if m.config.ProfilePath != "" {
		return m.config.ProfilePath
	}
	return filepath.Join(m.configDir, "profiles.yaml")
}

// Update updates the configuration and saves it
func (m *Manager) Update(config *Config) error {
	m.config = config
	return m.Save()
}
