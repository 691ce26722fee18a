package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/bryanchriswhite/screencopy/internal/logger"
	"gopkg.in/yaml.v3"
)

// Protocol names accepted in CompositorConfig.Protocols.
const (
	ProtocolImageCopy  = "ext-image-copy-capture"
	ProtocolScreencopy = "ext-screencopy"
)

// Config represents the application configuration
type Config struct {
	ServerPort int    `json:"server_port" yaml:"server_port"`
	LogLevel   string `json:"log_level" yaml:"log_level"`

	Capture    CaptureConfig    `json:"capture" yaml:"capture"`
	Compositor CompositorConfig `json:"compositor" yaml:"compositor"`
}

// CaptureConfig controls how frames are requested.
type CaptureConfig struct {
	Output        string `json:"output" yaml:"output"`
	RenderCursor  bool   `json:"render_cursor" yaml:"render_cursor"`
	CaptureCursor bool   `json:"capture_cursor" yaml:"capture_cursor"`
	EnableDmabuf  bool   `json:"enable_dmabuf" yaml:"enable_dmabuf"`
	// RateLimit caps captures per second; 0 uses the capturer's hint.
	RateLimit int  `json:"rate_limit" yaml:"rate_limit"`
	Immediate bool `json:"immediate" yaml:"immediate"`
}

// CompositorConfig describes the simulated compositor.
type CompositorConfig struct {
	Protocols       []string `json:"protocols" yaml:"protocols"`
	Width           int      `json:"width" yaml:"width"`
	Height          int      `json:"height" yaml:"height"`
	ShmFormat       uint32   `json:"shm_format" yaml:"shm_format"`
	DmabufFormat    uint32   `json:"dmabuf_format" yaml:"dmabuf_format"`
	FailureRate     float64  `json:"failure_rate" yaml:"failure_rate"`
	InvalidateRate  float64  `json:"invalidate_rate" yaml:"invalidate_rate"`
	DamageRects     int      `json:"damage_rects" yaml:"damage_rects"`
	CursorSupported bool     `json:"cursor_supported" yaml:"cursor_supported"`
}

// HasProtocol reports whether name is listed in Protocols.
func (c CompositorConfig) HasProtocol(name string) bool {
	for _, p := range c.Protocols {
		if p == name {
			return true
		}
	}
	return false
}

// Manager handles configuration
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex
}

// DefaultPath returns $HOME/.config/screencopy/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "screencopy", "config.yaml"), nil
}

// NewManager creates a new configuration manager. An empty configFile
// selects DefaultPath. A missing file is created with defaults.
func NewManager(configFile string) (*Manager, error) {
	actualConfigPath := configFile
	if actualConfigPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		actualConfigPath = p
	}

	m := &Manager{
		configPath: actualConfigPath,
	}

	if err := m.load(); err != nil {
		if os.IsNotExist(err) {
			logger.WithComponent("config").Info().
				Str("path", m.configPath).
				Msg("Config file not found, creating new config")
			m.config = Defaults()
			if err := m.Save(); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Strs("protocols", m.config.Compositor.Protocols).
		Msg("Config loaded")

	return m, nil
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		ServerPort: 8080,
		LogLevel:   "info",
		Capture: CaptureConfig{
			Output:       "HDMI-A-1",
			RenderCursor: true,
			EnableDmabuf: false,
			RateLimit:    30,
			Immediate:    false,
		},
		Compositor: CompositorConfig{
			Protocols:       []string{ProtocolImageCopy, ProtocolScreencopy},
			Width:           1920,
			Height:          1080,
			ShmFormat:       1,          // XRGB8888
			DmabufFormat:    0x34325258, // XR24
			FailureRate:     0.02,
			InvalidateRate:  0.01,
			DamageRects:     2,
			CursorSupported: true,
		},
	}
}

// load reads the configuration from disk
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	// Start from defaults so that keys missing from the file keep them.
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", m.configPath, err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.ServerPort < 0 || c.ServerPort > 65535 {
		return fmt.Errorf("server_port %d out of range", c.ServerPort)
	}
	if c.Capture.RateLimit < 0 {
		return fmt.Errorf("capture.rate_limit must not be negative")
	}
	if c.Compositor.Width <= 0 || c.Compositor.Height <= 0 {
		return fmt.Errorf("compositor size %dx%d is invalid", c.Compositor.Width, c.Compositor.Height)
	}
	for _, rate := range []float64{c.Compositor.FailureRate, c.Compositor.InvalidateRate} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("compositor rates must be within [0, 1]")
		}
	}
	if c.Compositor.FailureRate+c.Compositor.InvalidateRate > 1 {
		return fmt.Errorf("compositor failure_rate + invalidate_rate exceeds 1")
	}
	for _, p := range c.Compositor.Protocols {
		if p != ProtocolImageCopy && p != ProtocolScreencopy {
			return fmt.Errorf("unknown protocol %q", p)
		}
	}
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg := *m.config
	cfg.Compositor.Protocols = append([]string(nil), m.config.Compositor.Protocols...)
	return &cfg
}

// Save saves the current configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	if cfg == nil {
		cfg = Defaults()
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Saving config")

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("config_dir", configDir).
			Msg("Failed to create config directory")
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Msg("Failed to marshal config")
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Msg("Config saved successfully")
	return nil
}

// Update validates and replaces the entire configuration
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return m.Save()
}

// SetPort sets the server port
func (m *Manager) SetPort(port int) error {
	cfg := m.Get()
	cfg.ServerPort = port
	return m.Update(cfg)
}

// GetPort gets the server port
func (m *Manager) GetPort() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.ServerPort
}

// SetLogLevel sets the log level
func (m *Manager) SetLogLevel(level string) error {
	cfg := m.Get()
	cfg.LogLevel = level
	return m.Update(cfg)
}

// GetLogLevel gets the log level
func (m *Manager) GetLogLevel() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.LogLevel
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetConfigDir returns the config directory path
func (m *Manager) GetConfigDir() string {
	return filepath.Dir(m.configPath)
}

// Set assigns a dotted key such as "capture.rate_limit" from its string
// form and saves the result.
func (m *Manager) Set(key, value string) error {
	cfg := m.Get()
	if err := assign(cfg, key, value); err != nil {
		return err
	}
	return m.Update(cfg)
}

// Keys lists every key accepted by Set and Lookup.
func Keys() []string {
	return []string{
		"server_port",
		"log_level",
		"capture.output",
		"capture.render_cursor",
		"capture.capture_cursor",
		"capture.enable_dmabuf",
		"capture.rate_limit",
		"capture.immediate",
		"compositor.protocols",
		"compositor.width",
		"compositor.height",
		"compositor.shm_format",
		"compositor.dmabuf_format",
		"compositor.failure_rate",
		"compositor.invalidate_rate",
		"compositor.damage_rects",
		"compositor.cursor_supported",
	}
}

func assign(cfg *Config, key, value string) error {
	var err error
	switch key {
	case "server_port":
		cfg.ServerPort, err = strconv.Atoi(value)
	case "log_level":
		cfg.LogLevel = value
	case "capture.output":
		cfg.Capture.Output = value
	case "capture.render_cursor":
		cfg.Capture.RenderCursor, err = strconv.ParseBool(value)
	case "capture.capture_cursor":
		cfg.Capture.CaptureCursor, err = strconv.ParseBool(value)
	case "capture.enable_dmabuf":
		cfg.Capture.EnableDmabuf, err = strconv.ParseBool(value)
	case "capture.rate_limit":
		cfg.Capture.RateLimit, err = strconv.Atoi(value)
	case "capture.immediate":
		cfg.Capture.Immediate, err = strconv.ParseBool(value)
	case "compositor.protocols":
		cfg.Compositor.Protocols = splitList(value)
	case "compositor.width":
		cfg.Compositor.Width, err = strconv.Atoi(value)
	case "compositor.height":
		cfg.Compositor.Height, err = strconv.Atoi(value)
	case "compositor.shm_format":
		cfg.Compositor.ShmFormat, err = parseFormat(value)
	case "compositor.dmabuf_format":
		cfg.Compositor.DmabufFormat, err = parseFormat(value)
	case "compositor.failure_rate":
		cfg.Compositor.FailureRate, err = strconv.ParseFloat(value, 64)
	case "compositor.invalidate_rate":
		cfg.Compositor.InvalidateRate, err = strconv.ParseFloat(value, 64)
	case "compositor.damage_rects":
		cfg.Compositor.DamageRects, err = strconv.Atoi(value)
	case "compositor.cursor_supported":
		cfg.Compositor.CursorSupported, err = strconv.ParseBool(value)
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	if err != nil {
		return fmt.Errorf("invalid value %q for %s: %w", value, key, err)
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseFormat accepts decimal or 0x-prefixed fourcc codes.
func parseFormat(value string) (uint32, error) {
	v, err := strconv.ParseUint(value, 0, 32)
	return uint32(v), err
}
