package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr  = ":8080"
	defaultDBPath      = "flowtask.db"
	defaultEngineURL   = "http://127.0.0.1:8188"
	defaultCORSOrigins = "*"

	envListenAddr  = "FLOWTASK_LISTEN_ADDR"
	envDBPath      = "FLOWTASK_DB_PATH"
	envLogLevel    = "FLOWTASK_LOG_LEVEL"
	envEngineURL   = "FLOWTASK_ENGINE_URL"
	envCORSOrigins = "FLOWTASK_CORS_ORIGINS"
	envConfigFile  = "FLOWTASK_CONFIG_FILE"
)

// Timings holds the intervals of the background loops.
type Timings struct {
	PersistInterval      time.Duration `yaml:"persist_interval"`
	CleanupInterval      time.Duration `yaml:"cleanup_interval"`
	Retention            time.Duration `yaml:"retention"`
	SchedulePollInterval time.Duration `yaml:"schedule_poll_interval"`
	ConnectWait          time.Duration `yaml:"connect_wait"`
}

// DefaultTimings returns the production intervals.
func DefaultTimings() Timings {
	return Timings{
		PersistInterval:      2 * time.Second,
		CleanupInterval:      time.Hour,
		Retention:            time.Hour,
		SchedulePollInterval: 15 * time.Second,
		ConnectWait:          3 * time.Second,
	}
}

// Config holds application configuration loaded from an optional YAML file
// and environment variables. Environment variables win.
type Config struct {
	ListenAddr  string
	DBPath      string
	LogLevel    slog.Level
	EngineURL   string
	CORSOrigins []string
	Timings     Timings
}

// fileConfig mirrors the YAML file layout.
type fileConfig struct {
	ListenAddr  string  `yaml:"listen_addr"`
	DBPath      string  `yaml:"db_path"`
	LogLevel    string  `yaml:"log_level"`
	EngineURL   string  `yaml:"engine_url"`
	CORSOrigins string  `yaml:"cors_origins"`
	Timings     Timings `yaml:"timings"`
}

// Load reads configuration with sensible defaults. A file named by
// FLOWTASK_CONFIG_FILE is applied first; a missing or malformed file is an
// error.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:  defaultListenAddr,
		DBPath:      defaultDBPath,
		LogLevel:    slog.LevelInfo,
		EngineURL:   defaultEngineURL,
		CORSOrigins: splitList(defaultCORSOrigins),
		Timings:     DefaultTimings(),
	}

	if path := os.Getenv(envConfigFile); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envEngineURL); v != "" {
		cfg.EngineURL = v
	}
	if v := os.Getenv(envCORSOrigins); v != "" {
		cfg.CORSOrigins = splitList(v)
	}

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.ListenAddr != "" {
		c.ListenAddr = fc.ListenAddr
	}
	if fc.DBPath != "" {
		c.DBPath = fc.DBPath
	}
	if fc.LogLevel != "" {
		c.LogLevel = parseLogLevel(fc.LogLevel)
	}
	if fc.EngineURL != "" {
		c.EngineURL = fc.EngineURL
	}
	if fc.CORSOrigins != "" {
		c.CORSOrigins = splitList(fc.CORSOrigins)
	}
	mergeDuration(&c.Timings.PersistInterval, fc.Timings.PersistInterval)
	mergeDuration(&c.Timings.CleanupInterval, fc.Timings.CleanupInterval)
	mergeDuration(&c.Timings.Retention, fc.Timings.Retention)
	mergeDuration(&c.Timings.SchedulePollInterval, fc.Timings.SchedulePollInterval)
	mergeDuration(&c.Timings.ConnectWait, fc.Timings.ConnectWait)
	return nil
}

func mergeDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for item := range strings.SplitSeq(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
