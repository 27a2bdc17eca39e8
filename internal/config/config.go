package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Advisor   AdvisorConfig   `yaml:"advisor"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Scanner   ScannerConfig   `yaml:"scanner"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`    // file path for sqlite, connection string for postgres
}

type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`
	TokenDuration string `yaml:"token_duration"` // e.g. "24h"
}

type AdvisorConfig struct {
	OpenAIAPIKey   string `yaml:"openai_api_key"`
	Model          string `yaml:"model"`
	RequestTimeout string `yaml:"request_timeout"`
	MaxSuggestions int    `yaml:"max_suggestions"` // cap per refresh, heuristic + llm combined
}

type SchedulerConfig struct {
	TickInterval           string `yaml:"tick_interval"`
	DefaultRefreshInterval string `yaml:"default_refresh_interval"`
	Workers                int    `yaml:"workers"`
}

type ScannerConfig struct {
	GitHubAPIBaseURL string `yaml:"github_api_base_url"`
	GitHubToken      string `yaml:"github_token"`
	MaxFiles         int    `yaml:"max_files"`
	MaxFileBytes     int64  `yaml:"max_file_bytes"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) ValidateServe() error {
	if c == nil {
		return fmt.Errorf("config is required")
	}
	if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "change-me-in-production" {
		return fmt.Errorf("PGSAGE_JWT_SECRET must be set to a non-default value")
	}
	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("PGSAGE_JWT_SECRET must be at least 16 characters (current length: %d)", len(c.Auth.JWTSecret))
	}
	return nil
}

// Duration helpers fall back to the given default on empty or bad input.

func (c *Config) TokenDuration() time.Duration {
	return parseDurationOr(c.Auth.TokenDuration, 24*time.Hour)
}

func (c *Config) AdvisorTimeout() time.Duration {
	return parseDurationOr(c.Advisor.RequestTimeout, 60*time.Second)
}

func (c *Config) SchedulerTick() time.Duration {
	return parseDurationOr(c.Scheduler.TickInterval, time.Minute)
}

func (c *Config) DefaultRefreshInterval() time.Duration {
	return parseDurationOr(c.Scheduler.DefaultRefreshInterval, 6*time.Hour)
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "pgsage.db",
		},
		Auth: AuthConfig{
			JWTSecret:     "change-me-in-production",
			TokenDuration: "24h",
		},
		Advisor: AdvisorConfig{
			Model:          "gpt-4o",
			RequestTimeout: "60s",
			MaxSuggestions: 50,
		},
		Scheduler: SchedulerConfig{
			TickInterval:           "1m",
			DefaultRefreshInterval: "6h",
			Workers:                2,
		},
		Scanner: ScannerConfig{
			GitHubAPIBaseURL: "https://api.github.com",
			MaxFiles:         400,
			MaxFileBytes:     256 << 10,
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PGSAGE_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PGSAGE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("PGSAGE_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("PGSAGE_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("PGSAGE_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("PGSAGE_TOKEN_DURATION"); v != "" {
		cfg.Auth.TokenDuration = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Advisor.OpenAIAPIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("PGSAGE_ADVISOR_MODEL"); v != "" {
		cfg.Advisor.Model = v
	}
	if v := os.Getenv("PGSAGE_ADVISOR_TIMEOUT"); v != "" {
		cfg.Advisor.RequestTimeout = v
	}
	if v := os.Getenv("PGSAGE_ADVISOR_MAX_SUGGESTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Advisor.MaxSuggestions = n
		}
	}
	if v := os.Getenv("PGSAGE_SCHEDULER_TICK"); v != "" {
		cfg.Scheduler.TickInterval = v
	}
	if v := os.Getenv("PGSAGE_DEFAULT_REFRESH_INTERVAL"); v != "" {
		cfg.Scheduler.DefaultRefreshInterval = v
	}
	if v := os.Getenv("PGSAGE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scheduler.Workers = n
		}
	}
	if v := os.Getenv("PGSAGE_GITHUB_API_URL"); v != "" {
		cfg.Scanner.GitHubAPIBaseURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("PGSAGE_GITHUB_TOKEN"); v != "" {
		cfg.Scanner.GitHubToken = strings.TrimSpace(v)
	}
	if v := os.Getenv("PGSAGE_SCANNER_MAX_FILES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scanner.MaxFiles = n
		}
	}
	if v := os.Getenv("PGSAGE_SCANNER_MAX_FILE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Scanner.MaxFileBytes = n
		}
	}
}
