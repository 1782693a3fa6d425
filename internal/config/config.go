package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration loaded from features.yaml
// with environment overrides merged on top.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Reasoning     ReasoningConfig     `mapstructure:"reasoning"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
	Documents     DocumentsConfig     `mapstructure:"documents"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	Port      int `mapstructure:"port"`       // public API + streaming
	AdminPort int `mapstructure:"admin_port"` // health, readiness, metrics
}

type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	Database        string `mapstructure:"database"`
	SSLMode         string `mapstructure:"sslmode"`
	MaxConnections  int    `mapstructure:"max_connections"`
	IdleConnections int    `mapstructure:"idle_connections"`
}

// DSN builds the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ReasoningConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	RequestsPerMin int    `mapstructure:"requests_per_min"`
	Burst          int    `mapstructure:"burst"`
}

// PipelineConfig holds the hot-reloadable pipeline tunables.
type PipelineConfig struct {
	SourceTimeoutSeconds int `mapstructure:"source_timeout_seconds"`
	MaxParallelSources   int `mapstructure:"max_parallel_sources"`
	CarryOverLimitChars  int `mapstructure:"carry_over_limit_chars"`
	PingIntervalSeconds  int `mapstructure:"ping_interval_seconds"`
	SessionIdleTTLMin    int `mapstructure:"session_idle_ttl_min"`
	WorkerCount          int `mapstructure:"worker_count"`
	QueueDepth           int `mapstructure:"queue_depth"`
}

func (p PipelineConfig) SourceTimeout() time.Duration {
	return time.Duration(p.SourceTimeoutSeconds) * time.Second
}

func (p PipelineConfig) PingInterval() time.Duration {
	return time.Duration(p.PingIntervalSeconds) * time.Second
}

func (p PipelineConfig) SessionIdleTTL() time.Duration {
	return time.Duration(p.SessionIdleTTLMin) * time.Minute
}

type DocumentsConfig struct {
	StorePath string `mapstructure:"store_path"` // SQLite extracted-text store
}

type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type ObservabilityConfig struct {
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
	Tracing struct {
		Enabled      bool   `mapstructure:"enabled"`
		ServiceName  string `mapstructure:"service_name"`
		OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	} `mapstructure:"tracing"`
}

// Defaults returns the built-in configuration used when no file is
// present. All values can be overridden by features.yaml or env vars.
func Defaults() *Config {
	c := &Config{}
	c.Server.Port = 8080
	c.Server.AdminPort = 8081
	c.Database.Host = "postgres"
	c.Database.Port = 5432
	c.Database.User = "beacon"
	c.Database.Password = "beacon"
	c.Database.Database = "beacon"
	c.Database.SSLMode = "disable"
	c.Database.MaxConnections = 25
	c.Database.IdleConnections = 5
	c.Redis.Addr = "redis:6379"
	c.Reasoning.BaseURL = "http://reasoning-service:8000"
	c.Reasoning.TimeoutSeconds = 30
	c.Reasoning.RequestsPerMin = 120
	c.Reasoning.Burst = 10
	c.Pipeline.SourceTimeoutSeconds = 30
	c.Pipeline.MaxParallelSources = 8
	c.Pipeline.CarryOverLimitChars = 2000
	c.Pipeline.PingIntervalSeconds = 30
	c.Pipeline.SessionIdleTTLMin = 30
	c.Pipeline.WorkerCount = 4
	c.Pipeline.QueueDepth = 64
	c.Documents.StorePath = "/app/data/documents.db"
	c.Observability.Metrics.Enabled = true
	c.Observability.Metrics.Port = 9090
	c.Observability.Logging.Level = "info"
	c.Observability.Tracing.ServiceName = "beacon-orchestrator"
	return c
}

// Path returns the config file path from CONFIG_PATH or the default.
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "/app/config/features.yaml"
}

// Load reads features.yaml (if present) over the defaults and applies
// env overrides. A missing file is not an error.
func Load() (*Config, error) {
	cfg := Defaults()

	path := Path()
	if raw, err := os.ReadFile(path); err == nil {
		// Probe the raw YAML first so a syntax error surfaces with
		// line information instead of a wrapped viper error.
		var probe map[string]interface{}
		if err := yaml.Unmarshal(raw, &probe); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	setInt("API_PORT", &cfg.Server.Port)
	setInt("ADMIN_PORT", &cfg.Server.AdminPort)
	setStr("POSTGRES_HOST", &cfg.Database.Host)
	setInt("POSTGRES_PORT", &cfg.Database.Port)
	setStr("POSTGRES_USER", &cfg.Database.User)
	setStr("POSTGRES_PASSWORD", &cfg.Database.Password)
	setStr("POSTGRES_DB", &cfg.Database.Database)
	setStr("POSTGRES_SSLMODE", &cfg.Database.SSLMode)
	setStr("REDIS_ADDR", &cfg.Redis.Addr)
	setStr("REDIS_PASSWORD", &cfg.Redis.Password)
	setStr("REASONING_SERVICE_URL", &cfg.Reasoning.BaseURL)
	setInt("REASONING_TIMEOUT_SECONDS", &cfg.Reasoning.TimeoutSeconds)
	setInt("SOURCE_TIMEOUT_SECONDS", &cfg.Pipeline.SourceTimeoutSeconds)
	setInt("MAX_PARALLEL_SOURCES", &cfg.Pipeline.MaxParallelSources)
	setInt("PIPELINE_WORKERS", &cfg.Pipeline.WorkerCount)
	setStr("DOCUMENT_STORE_PATH", &cfg.Documents.StorePath)
	setStr("JWT_SECRET", &cfg.Auth.JWTSecret)
	if v := os.Getenv("AUTH_ENABLED"); v != "" {
		cfg.Auth.Enabled = v == "1" || v == "true"
	}
	setInt("METRICS_PORT", &cfg.Observability.Metrics.Port)
	setStr("OTLP_ENDPOINT", &cfg.Observability.Tracing.OTLPEndpoint)
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = v == "1" || v == "true"
	}
}
