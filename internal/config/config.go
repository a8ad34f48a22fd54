package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration, loaded from an optional YAML
// file and overridable through AG_* environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Storage  StorageConfig  `yaml:"storage"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Pool     PoolConfig     `yaml:"pool"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Debug bool   `yaml:"debug"`
}

type AuthConfig struct {
	// APIKeys are the keys accepted on the proxy surface (/v1, /v1beta).
	APIKeys []string `yaml:"api_keys"`
	// AdminPasswordHash is a bcrypt hash guarding the management API.
	// Empty disables password auth (API keys still apply).
	AdminPasswordHash string `yaml:"admin_password_hash"`
	RateLimitRPS      int    `yaml:"rate_limit_rps"`
	RateLimitBurst    int    `yaml:"rate_limit_burst"`
}

type StorageConfig struct {
	// Backend selects the storage implementation: file, redis, postgres, mongodb.
	Backend       string `yaml:"backend"`
	Dir           string `yaml:"dir"`
	RedisURL      string `yaml:"redis_url"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
}

type UpstreamConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	UserAgent      string `yaml:"user_agent"`
}

type PoolConfig struct {
	StickyWindowSeconds      int    `yaml:"sticky_window_seconds"`
	RefreshIntervalSeconds   int    `yaml:"refresh_interval_seconds"`
	RefreshWindowSeconds     int    `yaml:"refresh_window_seconds"`
	QuotaIntervalSeconds     int    `yaml:"quota_interval_seconds"`
	QuotaInitialDelaySeconds int    `yaml:"quota_initial_delay_seconds"`
	FallbackProject          string `yaml:"fallback_project"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load reads the YAML file at path (a missing file is not an error),
// applies environment overrides, fills defaults and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AG_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("AG_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("AG_DEBUG"); v != "" {
		c.Server.Debug = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("AG_API_KEYS"); v != "" {
		c.Auth.APIKeys = splitNonEmpty(v)
	}
	if v := os.Getenv("AG_ADMIN_PASSWORD_HASH"); v != "" {
		c.Auth.AdminPasswordHash = v
	}
	if v := os.Getenv("AG_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("AG_STORAGE_DIR"); v != "" {
		c.Storage.Dir = v
	}
	if v := os.Getenv("AG_REDIS_URL"); v != "" {
		c.Storage.RedisURL = v
	}
	if v := os.Getenv("AG_POSTGRES_DSN"); v != "" {
		c.Storage.PostgresDSN = v
	}
	if v := os.Getenv("AG_MONGO_URI"); v != "" {
		c.Storage.MongoURI = v
	}
	if v := os.Getenv("AG_UPSTREAM_BASE_URL"); v != "" {
		c.Upstream.BaseURL = v
	}
	if v := os.Getenv("AG_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("AG_LOG_FILE"); v != "" {
		c.Logging.File = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Auth.RateLimitRPS == 0 {
		c.Auth.RateLimitRPS = 10
	}
	if c.Auth.RateLimitBurst == 0 {
		c.Auth.RateLimitBurst = 20
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "file"
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "./data"
	}
	if c.Storage.MongoDatabase == "" {
		c.Storage.MongoDatabase = "antigravity"
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://cloudcode-pa.googleapis.com"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 300
	}
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = "antigravity-proxy"
	}
	if c.Pool.StickyWindowSeconds == 0 {
		c.Pool.StickyWindowSeconds = 60
	}
	if c.Pool.RefreshIntervalSeconds == 0 {
		c.Pool.RefreshIntervalSeconds = 240
	}
	if c.Pool.RefreshWindowSeconds == 0 {
		c.Pool.RefreshWindowSeconds = 300
	}
	if c.Pool.QuotaIntervalSeconds == 0 {
		c.Pool.QuotaIntervalSeconds = 600
	}
	if c.Pool.QuotaInitialDelaySeconds == 0 {
		c.Pool.QuotaInitialDelaySeconds = 30
	}
	if c.Pool.FallbackProject == "" {
		c.Pool.FallbackProject = "bamboo-precept-lgxtn"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Storage.Backend {
	case "file", "redis", "postgres", "mongodb":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "redis" && c.Storage.RedisURL == "" {
		return fmt.Errorf("redis backend selected but redis_url is empty")
	}
	if c.Storage.Backend == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("postgres backend selected but postgres_dsn is empty")
	}
	if c.Storage.Backend == "mongodb" && c.Storage.MongoURI == "" {
		return fmt.Errorf("mongodb backend selected but mongo_uri is empty")
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.TimeoutSeconds) * time.Second
}

func (c *Config) StickyWindow() time.Duration {
	return time.Duration(c.Pool.StickyWindowSeconds) * time.Second
}

func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Pool.RefreshIntervalSeconds) * time.Second
}

func (c *Config) RefreshWindow() time.Duration {
	return time.Duration(c.Pool.RefreshWindowSeconds) * time.Second
}

func (c *Config) QuotaInterval() time.Duration {
	return time.Duration(c.Pool.QuotaIntervalSeconds) * time.Second
}

func (c *Config) QuotaInitialDelay() time.Duration {
	return time.Duration(c.Pool.QuotaInitialDelaySeconds) * time.Second
}

func splitNonEmpty(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
