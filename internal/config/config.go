package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete companion gateway configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Auth          AuthConfig          `yaml:"auth" json:"auth"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit" json:"rate_limit"`
	Chat          ChatConfig          `yaml:"chat" json:"chat"`
	Agents        []AgentConfig       `yaml:"agents" json:"agents"`
	Billing       BillingConfig       `yaml:"billing" json:"billing"`
	Fleet         FleetConfig         `yaml:"fleet" json:"fleet"`
	Security      SecurityConfig      `yaml:"security" json:"security"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" json:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" json:"max_header_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level           string            `yaml:"level" json:"level"`
	Format          string            `yaml:"format" json:"format"` // json or text
	Output          string            `yaml:"output" json:"output"` // stdout, stderr, or file path
	RedactPatterns  []string          `yaml:"redact_patterns" json:"redact_patterns"`
	ComponentLevels map[string]string `yaml:"component_levels" json:"component_levels"`
}

// AuthConfig contains session token configuration.
type AuthConfig struct {
	Enabled            bool              `yaml:"enabled" json:"enabled"`
	CookieName         string            `yaml:"cookie_name" json:"cookie_name"`
	SigningAlgorithm   string            `yaml:"signing_algorithm" json:"signing_algorithm"` // HS256 or RS256
	PublicKeyFile      string            `yaml:"public_key_file" json:"public_key_file"`
	SharedSecret       string            `yaml:"shared_secret" json:"shared_secret"`
	Issuer             string            `yaml:"issuer" json:"issuer"`
	TokenTTL           time.Duration     `yaml:"token_ttl" json:"token_ttl"`
	ClockSkewTolerance time.Duration     `yaml:"clock_skew_tolerance" json:"clock_skew_tolerance"`
	// APIKeys maps issued API keys to the user ID they authenticate.
	// Used by the token issuance endpoint.
	APIKeys map[string]string `yaml:"api_keys" json:"api_keys"`
}

// RateLimitConfig contains request admission limiter configuration.
// The limiter state is process-local; limits are enforced per instance.
type RateLimitConfig struct {
	Enabled              bool    `yaml:"enabled" json:"enabled"`
	RefillPerMinute      float64 `yaml:"refill_per_minute" json:"refill_per_minute"`
	Burst                int     `yaml:"burst" json:"burst"`
	IdleEvictionSeconds  int     `yaml:"idle_eviction_seconds" json:"idle_eviction_seconds"`
	SweepIntervalSeconds int     `yaml:"sweep_interval_seconds" json:"sweep_interval_seconds"`
}

// ChatConfig contains chat completion proxy configuration.
type ChatConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	BaseURL    string        `yaml:"base_url" json:"base_url"`
	APIKey     string        `yaml:"api_key" json:"api_key"`
	Model      string        `yaml:"model" json:"model"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	MaxHistory int           `yaml:"max_history" json:"max_history"`
	HistoryTTL time.Duration `yaml:"history_ttl" json:"history_ttl"`
	Redis      RedisConfig   `yaml:"redis" json:"redis"`
}

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

// AgentConfig defines an assistant agent backend.
type AgentConfig struct {
	ID          string        `yaml:"id" json:"id"`
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description" json:"description"`
	BackendURL  string        `yaml:"backend_url" json:"backend_url"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
}

// BillingConfig contains billing webhook and usage recording configuration.
type BillingConfig struct {
	Enabled            bool          `yaml:"enabled" json:"enabled"`
	WebhookSecret      string        `yaml:"webhook_secret" json:"webhook_secret"`
	SignatureTolerance time.Duration `yaml:"signature_tolerance" json:"signature_tolerance"`
	UsageTable         string        `yaml:"usage_table" json:"usage_table"`
	AWSRegion          string        `yaml:"aws_region" json:"aws_region"`
}

// FleetConfig contains robot fleet simulator configuration.
type FleetConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	Robots       int           `yaml:"robots" json:"robots"`
	TickInterval time.Duration `yaml:"tick_interval" json:"tick_interval"`
	DefaultSpeed float64       `yaml:"default_speed" json:"default_speed"`
}

// SecurityConfig contains security header and request validation settings.
type SecurityConfig struct {
	AllowedOrigins     []string `yaml:"allowed_origins" json:"allowed_origins"`
	MaxRequestBodySize int64    `yaml:"max_request_body_size" json:"max_request_body_size"`
	EnableHSTS         bool     `yaml:"enable_hsts" json:"enable_hsts"`
	HSTSMaxAge         int      `yaml:"hsts_max_age" json:"hsts_max_age"`
	FrameOptions       string   `yaml:"frame_options" json:"frame_options"`
	ContentTypeNosniff bool     `yaml:"content_type_nosniff" json:"content_type_nosniff"`
	ReferrerPolicy     string   `yaml:"referrer_policy" json:"referrer_policy"`
}

// ObservabilityConfig contains metrics, health, and tracing configuration.
type ObservabilityConfig struct {
	MetricsEnabled  bool    `yaml:"metrics_enabled" json:"metrics_enabled"`
	MetricsPort     int     `yaml:"metrics_port" json:"metrics_port"`
	MetricsPath     string  `yaml:"metrics_path" json:"metrics_path"`
	HealthPath      string  `yaml:"health_path" json:"health_path"`
	ReadinessPath   string  `yaml:"readiness_path" json:"readiness_path"`
	LivenessPath    string  `yaml:"liveness_path" json:"liveness_path"`
	TracingEnabled  bool    `yaml:"tracing_enabled" json:"tracing_enabled"`
	TracingEndpoint string  `yaml:"tracing_endpoint" json:"tracing_endpoint"`
	SampleRate      float64 `yaml:"sample_rate" json:"sample_rate"`
}

var (
	globalConfig *Config
	configMu     sync.RWMutex
)

// Load loads configuration from file with environment variable overrides.
// Configuration is read once at process start; there is no hot reload.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}
	cfg.setDefaults()

	if configPath != "" {
		if err := loadFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	configMu.Lock()
	globalConfig = cfg
	configMu.Unlock()

	return cfg, nil
}

// Get returns the global configuration.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// setDefaults sets default values for configuration.
func (c *Config) setDefaults() {
	c.Server.HTTPPort = 8080
	c.Server.ReadTimeout = 30 * time.Second
	c.Server.WriteTimeout = 60 * time.Second
	c.Server.IdleTimeout = 120 * time.Second
	c.Server.MaxHeaderBytes = 1 << 20 // 1 MB
	c.Server.ShutdownTimeout = 30 * time.Second

	c.Logging.Level = "info"
	c.Logging.Format = "json"
	c.Logging.Output = "stdout"

	c.Auth.Enabled = false
	c.Auth.CookieName = "session_token"
	c.Auth.SigningAlgorithm = "HS256"
	c.Auth.Issuer = "companion-gateway"
	c.Auth.TokenTTL = 24 * time.Hour
	c.Auth.ClockSkewTolerance = 5 * time.Second

	c.RateLimit.Enabled = true
	c.RateLimit.RefillPerMinute = 60
	c.RateLimit.Burst = 20
	c.RateLimit.IdleEvictionSeconds = 3600
	c.RateLimit.SweepIntervalSeconds = 300

	c.Chat.Enabled = true
	c.Chat.BaseURL = "https://api.openai.com/v1"
	c.Chat.Model = "gpt-4o-mini"
	c.Chat.Timeout = 60 * time.Second
	c.Chat.MaxHistory = 20
	c.Chat.HistoryTTL = 24 * time.Hour
	c.Chat.Redis.Addr = "localhost:6379"

	c.Billing.SignatureTolerance = 5 * time.Minute
	c.Billing.AWSRegion = "us-east-1"
	c.Billing.UsageTable = "companion-usage"

	c.Fleet.Robots = 4
	c.Fleet.TickInterval = 250 * time.Millisecond
	c.Fleet.DefaultSpeed = 0.5

	c.Security.AllowedOrigins = []string{"*"}
	c.Security.MaxRequestBodySize = 1 << 20 // 1 MB
	c.Security.EnableHSTS = true
	c.Security.HSTSMaxAge = 31536000
	c.Security.FrameOptions = "DENY"
	c.Security.ContentTypeNosniff = true
	c.Security.ReferrerPolicy = "strict-origin-when-cross-origin"

	c.Observability.MetricsEnabled = true
	c.Observability.MetricsPort = 9090
	c.Observability.MetricsPath = "/metrics"
	c.Observability.HealthPath = "/_health"
	c.Observability.ReadinessPath = "/_health/ready"
	c.Observability.LivenessPath = "/_health/live"
	c.Observability.SampleRate = 1.0
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be 'json' or 'text')", c.Logging.Format)
	}

	if c.Auth.Enabled {
		switch c.Auth.SigningAlgorithm {
		case "HS256":
			if c.Auth.SharedSecret == "" {
				return fmt.Errorf("auth enabled with HS256 but shared secret not specified")
			}
		case "RS256":
			if c.Auth.PublicKeyFile == "" {
				return fmt.Errorf("auth enabled with RS256 but public key file not specified")
			}
		default:
			return fmt.Errorf("invalid signing algorithm: %s (must be 'HS256' or 'RS256')", c.Auth.SigningAlgorithm)
		}
		if c.Auth.TokenTTL <= 0 {
			return fmt.Errorf("token TTL must be positive")
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RefillPerMinute <= 0 {
			return fmt.Errorf("rate limit refill per minute must be positive")
		}
		if c.RateLimit.Burst <= 0 {
			return fmt.Errorf("rate limit burst must be positive")
		}
		if c.RateLimit.IdleEvictionSeconds <= 0 {
			return fmt.Errorf("rate limit idle eviction must be positive")
		}
		if c.RateLimit.SweepIntervalSeconds <= 0 {
			return fmt.Errorf("rate limit sweep interval must be positive")
		}
	}

	if c.Chat.Enabled {
		if c.Chat.BaseURL == "" {
			return fmt.Errorf("chat enabled but base URL not specified")
		}
		if c.Chat.Model == "" {
			return fmt.Errorf("chat enabled but model not specified")
		}
		if c.Chat.Redis.Addr == "" {
			return fmt.Errorf("chat enabled but redis address not specified")
		}
	}

	for i, agent := range c.Agents {
		if agent.ID == "" {
			return fmt.Errorf("agent %d: id is required", i)
		}
		if agent.BackendURL == "" {
			return fmt.Errorf("agent %d (%s): backend URL is required", i, agent.ID)
		}
	}

	if c.Billing.Enabled {
		if c.Billing.WebhookSecret == "" {
			return fmt.Errorf("billing enabled but webhook secret not specified")
		}
		if c.Billing.UsageTable == "" {
			return fmt.Errorf("billing enabled but usage table not specified")
		}
	}

	if c.Fleet.Enabled {
		if c.Fleet.Robots <= 0 {
			return fmt.Errorf("fleet enabled but robot count is not positive")
		}
		if c.Fleet.TickInterval <= 0 {
			return fmt.Errorf("fleet tick interval must be positive")
		}
	}

	return nil
}

// loadFromFile loads configuration from a YAML or JSON file.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
// Environment variables are prefixed with COMPANION_.
func applyEnvOverrides(cfg *Config) error {
	prefix := "COMPANION_"

	if val := os.Getenv(prefix + "HTTP_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid HTTP_PORT: %w", err)
		}
		cfg.Server.HTTPPort = port
	}

	if val := os.Getenv(prefix + "LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv(prefix + "LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
	if val := os.Getenv(prefix + "LOG_OUTPUT"); val != "" {
		cfg.Logging.Output = val
	}

	if val := os.Getenv(prefix + "AUTH_ENABLED"); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid AUTH_ENABLED: %w", err)
		}
		cfg.Auth.Enabled = enabled
	}
	if val := os.Getenv(prefix + "AUTH_SHARED_SECRET"); val != "" {
		cfg.Auth.SharedSecret = val
	}

	if val := os.Getenv(prefix + "RATELIMIT_ENABLED"); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid RATELIMIT_ENABLED: %w", err)
		}
		cfg.RateLimit.Enabled = enabled
	}
	if val := os.Getenv(prefix + "RATELIMIT_REFILL_PER_MINUTE"); val != "" {
		refill, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid RATELIMIT_REFILL_PER_MINUTE: %w", err)
		}
		cfg.RateLimit.RefillPerMinute = refill
	}
	if val := os.Getenv(prefix + "RATELIMIT_BURST"); val != "" {
		burst, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid RATELIMIT_BURST: %w", err)
		}
		cfg.RateLimit.Burst = burst
	}

	if val := os.Getenv(prefix + "CHAT_BASE_URL"); val != "" {
		cfg.Chat.BaseURL = val
	}
	if val := os.Getenv(prefix + "CHAT_API_KEY"); val != "" {
		cfg.Chat.APIKey = val
	}
	if val := os.Getenv(prefix + "CHAT_MODEL"); val != "" {
		cfg.Chat.Model = val
	}
	if val := os.Getenv(prefix + "REDIS_ADDR"); val != "" {
		cfg.Chat.Redis.Addr = val
	}
	if val := os.Getenv(prefix + "REDIS_PASSWORD"); val != "" {
		cfg.Chat.Redis.Password = val
	}

	if val := os.Getenv(prefix + "BILLING_WEBHOOK_SECRET"); val != "" {
		cfg.Billing.WebhookSecret = val
	}
	if val := os.Getenv(prefix + "AWS_REGION"); val != "" {
		cfg.Billing.AWSRegion = val
	}

	if val := os.Getenv(prefix + "METRICS_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid METRICS_PORT: %w", err)
		}
		cfg.Observability.MetricsPort = port
	}
	if val := os.Getenv(prefix + "TRACING_ENDPOINT"); val != "" {
		cfg.Observability.TracingEndpoint = val
		cfg.Observability.TracingEnabled = true
	}

	return nil
}
