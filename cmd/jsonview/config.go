package main

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the full jsonview server configuration.
type Config struct {
	Listen        string `yaml:"listen"`
	DBPath        string `yaml:"db_path"`
	LogLevel      string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat     string `yaml:"log_format"` // auto | text | json
	AuthPassword  string `yaml:"auth_password"`  // empty disables auth
	RetentionDays int    `yaml:"retention_days"` // 0 keeps checkpoints forever
}

// defaultConfig returns sane defaults.
func defaultConfig() *Config {
	return &Config{
		Listen:    ":8086",
		DBPath:    "jsonview.db",
		LogLevel:  "info",
		LogFormat: "auto",
	}
}

// loadConfig builds the configuration: defaults, merged with the YAML file at
// path when given, then environment overrides (LISTEN, DB_PATH, LOG_LEVEL,
// AUTH_PASSWORD, RETENTION_DAYS).
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.Listen = env("LISTEN", cfg.Listen)
	cfg.DBPath = env("DB_PATH", cfg.DBPath)
	cfg.LogLevel = env("LOG_LEVEL", cfg.LogLevel)
	cfg.AuthPassword = env("AUTH_PASSWORD", cfg.AuthPassword)
	if v := os.Getenv("RETENTION_DAYS"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("RETENTION_DAYS: %w", err)
		}
		cfg.RetentionDays = days
	}

	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("retention_days must be >= 0")
	}
	switch c.LogFormat {
	case "", "auto", "text", "json":
	default:
		return fmt.Errorf("unsupported log_format %q (use auto, text or json)", c.LogFormat)
	}
	return nil
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
