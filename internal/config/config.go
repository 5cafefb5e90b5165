package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string `yaml:"port"`
	Env         string `yaml:"env"`
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
	RedisURL    string `yaml:"redis_url"`

	// TokenPublicKey verifies bearer tokens (base64 Ed25519).
	TokenPublicKey string `yaml:"token_public_key"`

	// Rate limiting
	RateLimitWhitelist []string `yaml:"rate_limit_whitelist"` // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     `yaml:"auto_block_enabled"`   // Enable auto-blocking after repeated violations

	// Push sessions
	SessionQueueSize int           `yaml:"session_queue_size"`
	WSWriteTimeout   time.Duration `yaml:"ws_write_timeout"`
	WSPingInterval   time.Duration `yaml:"ws_ping_interval"`

	AllowedOrigins []string `yaml:"allowed_origins"`
}

func defaults() *Config {
	return &Config{
		Port:             "8080",
		Env:              "development",
		SQLitePath:       "./data/chatd.db",
		SessionQueueSize: 64,
		WSWriteTimeout:   10 * time.Second,
		WSPingInterval:   30 * time.Second,
	}
}

// Load builds the configuration. A .env file is loaded if present, then the YAML
// file at path (optional), then environment variables override both.
func Load(path string) (*Config, error) {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := defaults()

	if path == "" {
		path = os.Getenv("CHATD_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Port, "PORT")
	setString(&c.Env, "ENV")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.SQLitePath, "SQLITE_PATH")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.TokenPublicKey, "TOKEN_PUBLIC_KEY")

	if v := os.Getenv("AUTO_BLOCK_ENABLED"); v != "" {
		c.AutoBlockEnabled = v == "true"
	}
	if v := os.Getenv("RATE_LIMIT_WHITELIST"); v != "" {
		c.RateLimitWhitelist = splitList(v)
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitList(v)
	}

	if v := os.Getenv("SESSION_QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SESSION_QUEUE_SIZE: %w", err)
		}
		c.SessionQueueSize = n
	}
	if err := setDuration(&c.WSWriteTimeout, "WS_WRITE_TIMEOUT"); err != nil {
		return err
	}
	return setDuration(&c.WSPingInterval, "WS_PING_INTERVAL")
}

// Validate checks required settings. Production needs Postgres and a token key.
func (c *Config) Validate() error {
	var errs []error
	if c.Env == "production" {
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required in production"))
		}
		if c.TokenPublicKey == "" {
			errs = append(errs, errors.New("TOKEN_PUBLIC_KEY is required in production"))
		}
	}
	if c.SessionQueueSize < 1 {
		errs = append(errs, errors.New("session queue size must be positive"))
	}
	if c.WSWriteTimeout <= 0 || c.WSPingInterval <= 0 {
		errs = append(errs, errors.New("websocket timeouts must be positive"))
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// UsePostgres reports whether the Postgres store is configured; otherwise SQLite is used.
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

// splitList parses comma-separated entries, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
