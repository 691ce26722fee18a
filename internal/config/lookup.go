package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Lookup reads a dotted key from the file on disk through viper, so that
// values written by hand are seen as the file has them.
func (m *Manager) Lookup(key string) (interface{}, error) {
	v := viper.New()
	v.SetConfigFile(m.configPath)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", m.configPath, err)
	}
	if !v.IsSet(key) {
		return nil, fmt.Errorf("config key %q is not set", key)
	}
	return v.Get(key), nil
}

// ApplyOverrides copies flag values bound into v over the loaded
// configuration. Only keys explicitly set on v are applied.
func (m *Manager) ApplyOverrides(v *viper.Viper) error {
	cfg := m.Get()
	changed := false

	if v.IsSet("server_port") {
		if port := v.GetInt("server_port"); port > 0 {
			cfg.ServerPort = port
			changed = true
		}
	}
	if v.IsSet("log_level") {
		if level := v.GetString("log_level"); level != "" {
			cfg.LogLevel = level
			changed = true
		}
	}

	if !changed {
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}
