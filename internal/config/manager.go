package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/CamStreamer/internal/logger"
	"github.com/bryanchriswhite/CamStreamer/internal/mediaerr"
)

// Manager handles configuration
type Manager struct {
	configPath string
	config     Config
	mu         sync.RWMutex
}

// DefaultPath returns $HOME/.config/camstreamer/config.yaml
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "camstreamer", "config.yaml"), nil
}

// NewManager loads configFile, or the default path when empty. A missing
// file is created with defaults.
func NewManager(configFile string) (*Manager, error) {
	path := configFile
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	m := &Manager{configPath: path}

	if err := m.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logger.WithComponent("config").Info().
			Str("path", m.configPath).
			Msg("Config file not found, creating new config")
		m.config = Defaults()
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Str("device", m.config.Capture.Device).
		Str("mode", m.config.Capture.String()).
		Msg("Config loaded")
	return m, nil
}

// load reads the configuration from disk. Keys missing from the file keep
// their defaults.
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%s: %w", m.configPath, err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Save writes the current configuration to disk
func (m *Manager) Save() error {
	cfg := m.Get()

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Config saved")
	return nil
}

// Update validates and replaces the entire configuration, then saves it
func (m *Manager) Update(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return m.Save()
}

// Override applies fn to the in-memory configuration without saving it,
// for command-line flags. The result must validate.
func (m *Manager) Override(fn func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.config
	fn(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.config = cfg
	return nil
}

// view loads the current configuration into a fresh viper instance so
// keys can be addressed as "section.field".
func (m *Manager) view() (*viper.Viper, error) {
	cfg := m.Get()
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to load config view: %w", err)
	}
	return v, nil
}

// Value returns the value at a dotted key such as "capture.width"
func (m *Manager) Value(key string) (any, error) {
	v, err := m.view()
	if err != nil {
		return nil, err
	}
	if !v.IsSet(key) {
		return nil, mediaerr.Config("get config", "configuration key not found: %s", key)
	}
	return v.Get(key), nil
}

// Set parses value according to the type already stored at key,
// validates the result and saves it.
func (m *Manager) Set(key, value string) error {
	const op = "set config"

	v, err := m.view()
	if err != nil {
		return err
	}
	if !v.IsSet(key) {
		return mediaerr.Config(op, "configuration key not found: %s", key)
	}
	if _, isSection := v.Get(key).(map[string]any); isSection {
		return mediaerr.Config(op, "%s is a section, set one of its fields", key)
	}

	switch v.Get(key).(type) {
	case bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return mediaerr.Config(op, "invalid boolean for %s: %s (use: true or false)", key, value)
		}
		v.Set(key, b)
	case int, int64, uint64, float64:
		n, err := strconv.Atoi(value)
		if err != nil {
			return mediaerr.Config(op, "invalid number for %s: %s", key, value)
		}
		v.Set(key, n)
	default:
		v.Set(key, value)
	}

	data, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return mediaerr.Config(op, "%s: %v", key, err)
	}
	return m.Update(cfg)
}

// Path returns the path to the config file
func (m *Manager) Path() string {
	return m.configPath
}

// Dir returns the config directory path
func (m *Manager) Dir() string {
	return filepath.Dir(m.configPath)
}
