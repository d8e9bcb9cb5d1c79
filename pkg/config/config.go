package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Backends accepted by Config.Backend.
const (
	BackendGoBLE  = "goble"
	BackendTinyGo = "tinygo"
)

// Config holds application configuration
type Config struct {
	LogLevel       string        `yaml:"log_level" json:"log_level" default:"info"`
	LogFormat      string        `yaml:"log_format" json:"log_format" default:"text"` // text, json
	Backend        string        `yaml:"backend" json:"backend" default:"goble"`
	ScanDuration   time.Duration `yaml:"scan_duration" json:"scan_duration" default:"10s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" default:"30s"`
	EventBuffer    int           `yaml:"event_buffer" json:"event_buffer" default:"256"`
	CSV            CSVConfig     `yaml:"csv" json:"csv"`
}

// CSVConfig controls the experiment data logger.
type CSVConfig struct {
	BasePath     string `yaml:"base_path" json:"base_path" default:"./data"`
	LogHeartRate bool   `yaml:"log_heart_rate" json:"log_heart_rate"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file. Keys missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	switch c.Backend {
	case BackendGoBLE, BackendTinyGo:
	default:
		return fmt.Errorf("backend must be %q or %q, got %q", BackendGoBLE, BackendTinyGo, c.Backend)
	}

	if c.ScanDuration <= 0 {
		return fmt.Errorf("scan_duration must be > 0")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be > 0")
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("event_buffer must be > 0")
	}
	if c.CSV.BasePath == "" {
		return fmt.Errorf("csv.base_path must not be empty")
	}
	return nil
}

// NewLogger creates a configured logger instance writing to stderr.
// An unparsable level falls back to info.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
		return logger
	}

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
