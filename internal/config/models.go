package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bryanchriswhite/DeskLoop/internal/logger"
	"gopkg.in/yaml.v3"
)

// MaxFPSCeiling is the hard upper bound on playback rate. Config may lower it, never raise it.
const MaxFPSCeiling = 30

// maxRecentFiles bounds the recent file list kept for the UI
const maxRecentFiles = 10

// Fit modes accepted by playback.fit_mode
const (
	FitStretch = "stretch"
	FitFill    = "fill"
	FitFit     = "fit"
)

// Decoder backends accepted by playback.decoder
const (
	DecoderFFmpeg    = "ffmpeg"
	DecoderGStreamer = "gstreamer"
)

// Config represents the application configuration
type Config struct {
	LogLevel    string         `json:"log_level" yaml:"log_level"`
	ServerPort  int            `json:"server_port" yaml:"server_port"`
	Playback    PlaybackConfig `json:"playback" yaml:"playback"`
	Shell       ShellConfig    `json:"shell" yaml:"shell"`
	Preview     PreviewConfig  `json:"preview" yaml:"preview"`
	Preferences Preferences    `json:"preferences" yaml:"preferences"`
}

// PlaybackConfig holds the rendering and timing knobs read by the core
type PlaybackConfig struct {
	MaxFPS            int    `json:"max_fps" yaml:"max_fps"`
	FitMode           string `json:"fit_mode" yaml:"fit_mode"`
	Decoder           string `json:"decoder" yaml:"decoder"`
	OpenTimeoutMS     int    `json:"open_timeout_ms" yaml:"open_timeout_ms"`
	MissWarnSeconds   int    `json:"miss_warn_seconds" yaml:"miss_warn_seconds"`
	ReacquireAttempts int    `json:"reacquire_attempts" yaml:"reacquire_attempts"`
}

// ShellConfig tunes desktop shell introspection
type ShellConfig struct {
	IconViewClasses []string `json:"icon_view_classes" yaml:"icon_view_classes"`
	WatchDBus       bool     `json:"watch_dbus" yaml:"watch_dbus"`
}

// PreviewConfig controls the MJPEG preview stream
type PreviewConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Quality int  `json:"quality" yaml:"quality"`
}

// Preferences is data owned by the UI. The core never reads Volume, and
// Loop is always true since play-once does not exist.
type Preferences struct {
	Volume      int      `json:"volume" yaml:"volume"`
	Loop        bool     `json:"loop" yaml:"loop"`
	Autostart   bool     `json:"autostart" yaml:"autostart"`
	RecentFiles []string `json:"recent_files" yaml:"recent_files"`
	LastSource  string   `json:"last_source,omitempty" yaml:"last_source,omitempty"`
}

// DefaultIconViewClasses lists WM_CLASS values of known X11 desktop icon managers
var DefaultIconViewClasses = []string{
	"xfdesktop",
	"nautilus-desktop",
	"desktop_window",
	"caja",
	"nemo-desktop",
	"pcmanfm",
	"plasmashell",
	"spacefm",
}

// Manager handles configuration
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex
}

// DefaultPath returns $HOME/.config/deskloop/config.yaml
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "deskloop", "config.yaml"), nil
}

// NewManager creates a new configuration manager. An empty configFile uses DefaultPath.
func NewManager(configFile string) (*Manager, error) {
	actualConfigPath := configFile
	if actualConfigPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		actualConfigPath = p
	}

	if err := os.MkdirAll(filepath.Dir(actualConfigPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
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
		Int("max_fps", m.config.Playback.MaxFPS).
		Str("decoder", m.config.Playback.Decoder).
		Msg("Config loaded")

	return m, nil
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		LogLevel:   "info",
		ServerPort: 8787,
		Playback: PlaybackConfig{
			MaxFPS:            MaxFPSCeiling,
			FitMode:           FitStretch,
			Decoder:           DecoderFFmpeg,
			OpenTimeoutMS:     5000,
			MissWarnSeconds:   5,
			ReacquireAttempts: 3,
		},
		Shell: ShellConfig{
			IconViewClasses: append([]string(nil), DefaultIconViewClasses...),
			WatchDBus:       true,
		},
		Preview: PreviewConfig{
			Enabled: false,
			Quality: 75,
		},
		Preferences: Preferences{
			Volume:      50,
			Loop:        true,
			Autostart:   false,
			RecentFiles: []string{},
		},
	}
}

// Normalize fills zero values with defaults and clamps out-of-range values in place
func (c *Config) Normalize() {
	d := Defaults()

	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.ServerPort <= 0 {
		c.ServerPort = d.ServerPort
	}
	if c.Playback.MaxFPS <= 0 || c.Playback.MaxFPS > MaxFPSCeiling {
		c.Playback.MaxFPS = MaxFPSCeiling
	}
	if !ValidFitMode(c.Playback.FitMode) {
		c.Playback.FitMode = d.Playback.FitMode
	}
	if !ValidDecoder(c.Playback.Decoder) {
		c.Playback.Decoder = d.Playback.Decoder
	}
	if c.Playback.OpenTimeoutMS <= 0 {
		c.Playback.OpenTimeoutMS = d.Playback.OpenTimeoutMS
	}
	if c.Playback.MissWarnSeconds <= 0 {
		c.Playback.MissWarnSeconds = d.Playback.MissWarnSeconds
	}
	if c.Playback.ReacquireAttempts <= 0 {
		c.Playback.ReacquireAttempts = d.Playback.ReacquireAttempts
	}
	if len(c.Shell.IconViewClasses) == 0 {
		c.Shell.IconViewClasses = d.Shell.IconViewClasses
	}
	if c.Preview.Quality <= 0 || c.Preview.Quality > 100 {
		c.Preview.Quality = d.Preview.Quality
	}
	if c.Preferences.RecentFiles == nil {
		c.Preferences.RecentFiles = []string{}
	}
	c.Preferences.Loop = true
}

// ValidFitMode reports whether mode is a known fit mode
func ValidFitMode(mode string) bool {
	switch mode {
	case FitStretch, FitFill, FitFit:
		return true
	}
	return false
}

// ValidDecoder reports whether name is a known decoder backend
func ValidDecoder(name string) bool {
	switch name {
	case DecoderFFmpeg, DecoderGStreamer:
		return true
	}
	return false
}

// load reads the configuration from disk
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Normalize()

	m.mu.Lock()
	m.config = &cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return Defaults()
	}

	cfg := *m.config
	cfg.Shell.IconViewClasses = append([]string(nil), m.config.Shell.IconViewClasses...)
	cfg.Preferences.RecentFiles = append([]string{}, m.config.Preferences.RecentFiles...)
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

// Update replaces the entire configuration
func (m *Manager) Update(cfg *Config) error {
	c := *cfg
	c.Normalize()
	m.mu.Lock()
	m.config = &c
	m.mu.Unlock()
	return m.Save()
}

// SetLogLevel sets the log level
func (m *Manager) SetLogLevel(level string) error {
	if !logger.ValidLevel(level) {
		return fmt.Errorf("invalid log level: %s (use: debug, info, warn, error)", level)
	}
	m.mu.Lock()
	m.config.LogLevel = strings.ToLower(level)
	m.mu.Unlock()
	return m.Save()
}

// SetPort sets the control API port
func (m *Manager) SetPort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port number: %d", port)
	}
	m.mu.Lock()
	m.config.ServerPort = port
	m.mu.Unlock()
	return m.Save()
}

// RecordSource moves path to the front of the recent file list and remembers it as the last source
func (m *Manager) RecordSource(path string) error {
	m.mu.Lock()
	prefs := &m.config.Preferences
	recent := []string{path}
	for _, p := range prefs.RecentFiles {
		if p != path {
			recent = append(recent, p)
		}
	}
	if len(recent) > maxRecentFiles {
		recent = recent[:maxRecentFiles]
	}
	prefs.RecentFiles = recent
	prefs.LastSource = path
	m.mu.Unlock()
	return m.Save()
}

// Keys returns the dotted keys accepted by Value and SetValue
func Keys() []string {
	keys := make([]string, 0, len(setters))
	for k := range setters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Value returns a single configuration value by dotted key
func (m *Manager) Value(key string) (interface{}, error) {
	cfg := m.Get()
	switch key {
	case "log_level":
		return cfg.LogLevel, nil
	case "server_port":
		return cfg.ServerPort, nil
	case "playback.max_fps":
		return cfg.Playback.MaxFPS, nil
	case "playback.fit_mode":
		return cfg.Playback.FitMode, nil
	case "playback.decoder":
		return cfg.Playback.Decoder, nil
	case "playback.open_timeout_ms":
		return cfg.Playback.OpenTimeoutMS, nil
	case "playback.miss_warn_seconds":
		return cfg.Playback.MissWarnSeconds, nil
	case "playback.reacquire_attempts":
		return cfg.Playback.ReacquireAttempts, nil
	case "shell.icon_view_classes":
		return strings.Join(cfg.Shell.IconViewClasses, ","), nil
	case "shell.watch_dbus":
		return cfg.Shell.WatchDBus, nil
	case "preview.enabled":
		return cfg.Preview.Enabled, nil
	case "preview.quality":
		return cfg.Preview.Quality, nil
	case "preferences.volume":
		return cfg.Preferences.Volume, nil
	case "preferences.autostart":
		return cfg.Preferences.Autostart, nil
	case "preferences.last_source":
		return cfg.Preferences.LastSource, nil
	}
	return nil, fmt.Errorf("configuration key not found: %s", key)
}

var setters = map[string]func(c *Config, value string) error{
	"log_level": func(c *Config, v string) error {
		if !logger.ValidLevel(v) {
			return fmt.Errorf("invalid log level: %s (use: debug, info, warn, error)", v)
		}
		c.LogLevel = strings.ToLower(v)
		return nil
	},
	"server_port": func(c *Config, v string) error {
		return setInt(&c.ServerPort, v, 1, 65535)
	},
	"playback.max_fps": func(c *Config, v string) error {
		return setInt(&c.Playback.MaxFPS, v, 1, MaxFPSCeiling)
	},
	"playback.fit_mode": func(c *Config, v string) error {
		if !ValidFitMode(v) {
			return fmt.Errorf("invalid fit mode: %s (use: stretch, fill, fit)", v)
		}
		c.Playback.FitMode = v
		return nil
	},
	"playback.decoder": func(c *Config, v string) error {
		if !ValidDecoder(v) {
			return fmt.Errorf("invalid decoder: %s (use: ffmpeg, gstreamer)", v)
		}
		c.Playback.Decoder = v
		return nil
	},
	"playback.open_timeout_ms": func(c *Config, v string) error {
		return setInt(&c.Playback.OpenTimeoutMS, v, 100, 600000)
	},
	"playback.miss_warn_seconds": func(c *Config, v string) error {
		return setInt(&c.Playback.MissWarnSeconds, v, 1, 3600)
	},
	"playback.reacquire_attempts": func(c *Config, v string) error {
		return setInt(&c.Playback.ReacquireAttempts, v, 1, 100)
	},
	"shell.icon_view_classes": func(c *Config, v string) error {
		var classes []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				classes = append(classes, s)
			}
		}
		if len(classes) == 0 {
			return fmt.Errorf("icon_view_classes must not be empty")
		}
		c.Shell.IconViewClasses = classes
		return nil
	},
	"shell.watch_dbus": func(c *Config, v string) error {
		return setBool(&c.Shell.WatchDBus, v)
	},
	"preview.enabled": func(c *Config, v string) error {
		return setBool(&c.Preview.Enabled, v)
	},
	"preview.quality": func(c *Config, v string) error {
		return setInt(&c.Preview.Quality, v, 1, 100)
	},
	"preferences.volume": func(c *Config, v string) error {
		return setInt(&c.Preferences.Volume, v, 0, 100)
	},
	"preferences.autostart": func(c *Config, v string) error {
		return setBool(&c.Preferences.Autostart, v)
	},
}

// SetValue parses and stores a single configuration value by dotted key, then saves
func (m *Manager) SetValue(key, value string) error {
	set, ok := setters[key]
	if !ok {
		return fmt.Errorf("configuration key not found: %s", key)
	}

	m.mu.Lock()
	cfg := *m.config
	if err := set(&cfg, value); err != nil {
		m.mu.Unlock()
		return err
	}
	m.config = &cfg
	m.mu.Unlock()

	return m.Save()
}

func setInt(dst *int, v string, min, max int) error {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("invalid number: %s", v)
	}
	if n < min || n > max {
		return fmt.Errorf("value %d out of range [%d, %d]", n, min, max)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("invalid boolean: %s (use: true or false)", v)
	}
	*dst = b
	return nil
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}
