// Package config handles loading the todo config.toml file.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/harrisonrobin/todo/pkg/duetime"
)

const (
	appName    = "todo"
	configFile = "config.toml"

	// DirEnv overrides the config directory.
	DirEnv = "TODO_CONFIG_DIR"

	DefaultBaseURL  = "http://localhost:8000/api"
	DefaultCalendar = "Todos"
	DefaultTimeout  = "15s"
)

// Config represents the config.toml file.
type Config struct {
	// BaseURL is the API root, e.g. https://todo.example.com/api.
	BaseURL string `toml:"base_url"`
	// Timezone is an IANA zone used for due times. Empty means the system zone.
	Timezone string `toml:"timezone"`
	// DecodeMode is "local" or "preserve-offset".
	DecodeMode string `toml:"decode_mode"`
	LogLevel   string `toml:"log_level"`
	// Timeout bounds each API request, as a Go duration.
	Timeout string `toml:"timeout"`
	// Calendar is the Google calendar todos are mirrored to.
	Calendar string `toml:"calendar"`
}

// Default returns the config used when no file exists.
func Default() *Config {
	return &Config{
		BaseURL:    DefaultBaseURL,
		DecodeMode: duetime.ReinterpretLocal.String(),
		LogLevel:   log.InfoLevel.String(),
		Timeout:    DefaultTimeout,
		Calendar:   DefaultCalendar,
	}
}

// Dir returns the config directory, honoring TODO_CONFIG_DIR.
func Dir() (string, error) {
	if dir := os.Getenv(DirEnv); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", appName), nil
}

// Path returns the location of config.toml.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFile), nil
}

// Load reads config.toml from the config directory.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads the config at path. Keys missing from the file keep their
// defaults, and a missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	meta, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		log.Warn("unknown keys in config file", "path", path, "keys", undecoded)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to the config directory.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return SaveFile(path, cfg)
}

// SaveFile writes cfg to path, creating the directory if needed.
func SaveFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the values that are parsed later.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.Mode(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if _, err := c.RequestTimeout(); err != nil {
		return err
	}
	return nil
}

// Location returns the configured zone, or time.Local.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Mode returns the decode mode for due times.
func (c *Config) Mode() (duetime.Mode, error) {
	if c.DecodeMode == "" {
		return duetime.ReinterpretLocal, nil
	}
	return duetime.ParseMode(c.DecodeMode)
}

// Level returns the log level.
func (c *Config) Level() (log.Level, error) {
	if c.LogLevel == "" {
		return log.InfoLevel, nil
	}
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// RequestTimeout returns the per-request timeout. Zero disables it.
func (c *Config) RequestTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", c.Timeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid timeout %q: must not be negative", c.Timeout)
	}
	return d, nil
}

func (c *Config) fields() map[string]*string {
	return map[string]*string{
		"base_url":    &c.BaseURL,
		"timezone":    &c.Timezone,
		"decode_mode": &c.DecodeMode,
		"log_level":   &c.LogLevel,
		"timeout":     &c.Timeout,
		"calendar":    &c.Calendar,
	}
}

// Keys lists the settable keys in sorted order.
func Keys() []string {
	keys := make([]string, 0, 6)
	for k := range (&Config{}).fields() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the value of key.
func (c *Config) Get(key string) (string, error) {
	field, ok := c.fields()[key]
	if !ok {
		return "", fmt.Errorf("unknown config key %q (want one of %s)", key, strings.Join(Keys(), ", "))
	}
	return *field, nil
}

// Set assigns key and rejects values Validate would reject.
func (c *Config) Set(key, value string) error {
	field, ok := c.fields()[key]
	if !ok {
		return fmt.Errorf("unknown config key %q (want one of %s)", key, strings.Join(Keys(), ", "))
	}
	old := *field
	*field = strings.TrimSpace(value)
	if err := c.Validate(); err != nil {
		*field = old
		return err
	}
	return nil
}
