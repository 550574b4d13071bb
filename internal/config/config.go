// Package config loads the gateway configuration from YAML and the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/support-gateway/internal/audit"
	"github.com/tributary-ai/support-gateway/internal/breaker"
	"github.com/tributary-ai/support-gateway/internal/compliance"
	"github.com/tributary-ai/support-gateway/internal/direct"
	"github.com/tributary-ai/support-gateway/internal/gateway"
	"github.com/tributary-ai/support-gateway/internal/managed"
	"github.com/tributary-ai/support-gateway/internal/middleware"
	"github.com/tributary-ai/support-gateway/internal/monitor"
	"github.com/tributary-ai/support-gateway/internal/policy"
	"github.com/tributary-ai/support-gateway/internal/providers/anthropic"
	"github.com/tributary-ai/support-gateway/internal/providers/openai"
	"github.com/tributary-ai/support-gateway/internal/registry"
	"github.com/tributary-ai/support-gateway/internal/security"
	"github.com/tributary-ai/support-gateway/internal/server"
	"github.com/tributary-ai/support-gateway/internal/types"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Logging    LoggingConfig     `yaml:"logging"`
	Gateway    GatewayConfig     `yaml:"gateway"`
	Providers  ProvidersConfig   `yaml:"providers"`
	Models     []types.ModelSpec `yaml:"models"`
	Cache      CacheConfig       `yaml:"cache"`
	Redis      RedisConfig       `yaml:"redis"`
	Policy     policy.Config     `yaml:"policy"`
	Monitor    monitor.Config    `yaml:"monitor"`
	Compliance compliance.Config `yaml:"compliance"`
	Security   SecurityConfig    `yaml:"security"`
	Audit      audit.Config      `yaml:"audit"`
	Flags      map[string]bool   `yaml:"flags"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr" or "file"

	// File settings apply when Output is "file"
	File FileLogConfig `yaml:"file"`
}

// FileLogConfig configures rotated file output
type FileLogConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// GatewayConfig is the operational surface of the routing layer
type GatewayConfig struct {
	Region     string        `yaml:"region"`
	MaxRetries int           `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"timeout"`

	EmergencyTimeout  time.Duration `yaml:"emergency_timeout"`
	CriticalTimeout   time.Duration `yaml:"critical_timeout"`
	BackgroundTimeout time.Duration `yaml:"background_timeout"`
	// MaxTimeout is the ceiling no class timeout may exceed; zero means the
	// slowest class. Classes above it fail fast with invalid_timeout.
	MaxTimeout        time.Duration `yaml:"max_timeout"`

	EnableCircuitBreaker   bool `yaml:"enable_circuit_breaker"`
	EnableHealthMonitoring bool `yaml:"enable_health_monitoring"`
	EnableComplianceChecks bool `yaml:"enable_compliance_checks"`

	HealthCheckInterval time.Duration       `yaml:"health_check_interval"`
	Breaker             breaker.Config      `yaml:"breaker"`
	Retry               managed.RetryConfig `yaml:"retry"`
	LatencyAlpha        float64             `yaml:"latency_alpha"`
}

// ProvidersConfig holds configuration for all providers. A provider without
// an API key is not registered.
type ProvidersConfig struct {
	OpenAI    *openai.OpenAIConfig       `yaml:"openai"`
	Anthropic *anthropic.AnthropicConfig `yaml:"anthropic"`
}

// CacheConfig selects and sizes the response cache
type CacheConfig struct {
	Backend          string        `yaml:"backend"` // "lru", "redis" or "none"
	Size             int           `yaml:"size"`
	TTL              time.Duration `yaml:"ttl"`
	Prefix           string        `yaml:"prefix"`
	CacheableClasses []string      `yaml:"cacheable_classes"`
}

// RedisConfig is shared by the redis cache and the shared rate limiter
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	APIKeys     []security.APIKey `yaml:"api_keys"`
	JWTSecret   string            `yaml:"jwt_secret"`
	JWTExpiry   time.Duration     `yaml:"jwt_expiry"`
	RequireAuth bool              `yaml:"require_auth"`
	PublicPaths []string          `yaml:"public_paths"`

	RateLimiting    security.RateLimitConfig `yaml:"rate_limiting"`
	// SharedRateLimit keeps the limiter state in Redis so replicas agree
	SharedRateLimit bool                     `yaml:"shared_rate_limit"`

	Validation middleware.ValidationConfig `yaml:"request_validation"`
	CORS       middleware.CORSConfig       `yaml:"cors"`
}

// envOverlay lists the environment variables that override the file
type envOverlay struct {
	Port          string         `env:"SUPPORT_GATEWAY_PORT"`
	LogLevel      string         `env:"SUPPORT_GATEWAY_LOG_LEVEL"`
	LogFormat     string         `env:"SUPPORT_GATEWAY_LOG_FORMAT"`
	LogOutput     string         `env:"SUPPORT_GATEWAY_LOG_OUTPUT"`
	Region        string         `env:"SUPPORT_GATEWAY_REGION"`
	MaxRetries    *int           `env:"SUPPORT_GATEWAY_MAX_RETRIES"`
	Timeout       *time.Duration `env:"SUPPORT_GATEWAY_TIMEOUT"`
	Compliance    *bool          `env:"SUPPORT_GATEWAY_ENABLE_COMPLIANCE_CHECKS"`
	CacheBackend  string         `env:"SUPPORT_GATEWAY_CACHE_BACKEND"`
	RedisAddr     string         `env:"SUPPORT_GATEWAY_REDIS_ADDR"`
	RedisPassword string         `env:"SUPPORT_GATEWAY_REDIS_PASSWORD"`
	JWTSecret     string         `env:"SUPPORT_GATEWAY_JWT_SECRET"`
	APIKeys       []string       `env:"SUPPORT_GATEWAY_API_KEYS" envSeparator:","`
	OpenAIKey     string         `env:"OPENAI_API_KEY"`
	AnthropicKey  string         `env:"ANTHROPIC_API_KEY"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := Default()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := config.loadFromEnv(); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	directDefaults := direct.DefaultConfig()
	managedDefaults := managed.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxHeaderBytes:  1 << 20, // 1MB
			MaxBodyBytes:    1 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			File: FileLogConfig{
				Path:       "logs/support-gateway.log",
				MaxSizeMB:  100,
				MaxBackups: 5,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Gateway: GatewayConfig{
			Region:                 managedDefaults.Region,
			MaxRetries:             managedDefaults.MaxRetries,
			Timeout:                managedDefaults.Timeout,
			EmergencyTimeout:       directDefaults.EmergencyTimeout,
			CriticalTimeout:        directDefaults.CriticalTimeout,
			BackgroundTimeout:      directDefaults.BackgroundTimeout,
			EnableCircuitBreaker:   true,
			EnableHealthMonitoring: false,
			EnableComplianceChecks: true,
			HealthCheckInterval:    directDefaults.HealthCheckInterval,
			Breaker:                breaker.DefaultConfig(),
			Retry:                  managedDefaults.Retry,
			LatencyAlpha:           gateway.DefaultConfig().LatencyAlpha,
		},
		Providers: ProvidersConfig{
			OpenAI:    &openai.OpenAIConfig{Timeout: 60 * time.Second},
			Anthropic: &anthropic.AnthropicConfig{Timeout: 60 * time.Second},
		},
		Cache: CacheConfig{
			Backend:          "lru",
			Size:             1024,
			TTL:              10 * time.Minute,
			Prefix:           "support-gateway:cache:",
			CacheableClasses: []string{string(types.OperationBackground)},
		},
		Policy: policy.Config{
			TaskPriorities: policy.DefaultPriorities(),
		},
		Monitor:    monitor.DefaultConfig(),
		Compliance: compliance.Config{ScanMetadata: true},
		Security: SecurityConfig{
			JWTExpiry:   24 * time.Hour,
			PublicPaths: []string{"/health", "/docs", "/metrics"},
			RateLimiting: security.RateLimitConfig{
				Enabled:           false,
				RequestsPerMinute: 60,
				BurstSize:         10,
				CleanupInterval:   5 * time.Minute,
			},
			Validation: middleware.ValidationConfig{
				Enabled:        true,
				MaxRequestSize: 10 << 20, // 10MB
			},
			CORS: middleware.CORSConfig{
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key", "X-Request-ID"},
			},
		},
		Audit: audit.Config{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: 10 * time.Second,
		},
		Flags: map[string]bool{},
	}
}

// loadFromFile loads configuration from YAML file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// loadFromEnv applies environment overrides on top of the file
func (c *Config) loadFromEnv() error {
	var overlay envOverlay
	if err := env.Parse(&overlay); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	setString(&c.Server.Port, overlay.Port)
	setString(&c.Logging.Level, overlay.LogLevel)
	setString(&c.Logging.Format, overlay.LogFormat)
	setString(&c.Logging.Output, overlay.LogOutput)
	setString(&c.Gateway.Region, overlay.Region)
	setString(&c.Cache.Backend, overlay.CacheBackend)
	setString(&c.Redis.Addr, overlay.RedisAddr)
	setString(&c.Redis.Password, overlay.RedisPassword)
	setString(&c.Security.JWTSecret, overlay.JWTSecret)

	if overlay.MaxRetries != nil {
		c.Gateway.MaxRetries = *overlay.MaxRetries
	}
	if overlay.Timeout != nil {
		c.Gateway.Timeout = *overlay.Timeout
	}
	if overlay.Compliance != nil {
		c.Gateway.EnableComplianceChecks = *overlay.Compliance
	}

	// env keys are operator keys; the file is where permissions are granted
	for _, key := range overlay.APIKeys {
		if key != "" {
			c.Security.APIKeys = append(c.Security.APIKeys, security.APIKey{Key: key})
		}
	}

	if overlay.OpenAIKey != "" {
		if c.Providers.OpenAI == nil {
			c.Providers.OpenAI = &openai.OpenAIConfig{}
		}
		c.Providers.OpenAI.APIKey = overlay.OpenAIKey
	}
	if overlay.AnthropicKey != "" {
		if c.Providers.Anthropic == nil {
			c.Providers.Anthropic = &anthropic.AnthropicConfig{}
		}
		c.Providers.Anthropic.APIKey = overlay.AnthropicKey
	}
	return nil
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	switch c.Logging.Output {
	case "stdout", "stderr":
	case "file":
		if c.Logging.File.Path == "" {
			return fmt.Errorf("logging.file.path is required for file output")
		}
	default:
		return fmt.Errorf("invalid log output: %s", c.Logging.Output)
	}

	directConfig := c.ToDirectConfig()
	if err := directConfig.Validate(); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	managedConfig := c.ToManagedConfig()
	if err := managedConfig.Validate(); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	if c.Gateway.MaxTimeout < 0 {
		return fmt.Errorf("gateway: max_timeout must not be negative, got %s", c.Gateway.MaxTimeout)
	}
	if c.Gateway.MaxTimeout > 0 && c.Gateway.MaxTimeout < c.Gateway.EmergencyTimeout {
		return fmt.Errorf("gateway: max_timeout %s is below emergency_timeout %s", c.Gateway.MaxTimeout, c.Gateway.EmergencyTimeout)
	}
	if c.Gateway.LatencyAlpha <= 0 || c.Gateway.LatencyAlpha > 1 {
		return fmt.Errorf("gateway: latency_alpha must be in (0,1], got %v", c.Gateway.LatencyAlpha)
	}

	switch c.Cache.Backend {
	case "lru", "none":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("cache: redis backend requires redis.addr")
		}
	default:
		return fmt.Errorf("cache: unknown backend %q", c.Cache.Backend)
	}
	if c.Cache.Backend != "none" && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache: ttl must be positive")
	}
	for _, class := range c.Cache.CacheableClasses {
		if string(types.ParseOperationClass(class)) != class {
			return fmt.Errorf("cache: unknown operation class %q", class)
		}
	}

	if c.Security.SharedRateLimit && c.Redis.Addr == "" {
		return fmt.Errorf("security: shared_rate_limit requires redis.addr")
	}
	if c.Security.RequireAuth && len(c.Security.APIKeys) == 0 && c.Security.JWTSecret == "" {
		return fmt.Errorf("security: require_auth needs api_keys or jwt_secret")
	}

	seen := make(map[string]bool, len(c.Models))
	for _, spec := range c.Models {
		if spec.Provider == "" || spec.ModelID == "" {
			return fmt.Errorf("models: provider and model_id are required")
		}
		if seen[spec.Key()] {
			return fmt.Errorf("models: duplicate entry %s", spec.Key())
		}
		seen[spec.Key()] = true
	}

	return nil
}

// EnabledProviders returns the names of providers that have an API key
func (c *Config) EnabledProviders() []string {
	var providers []string

	if c.Providers.OpenAI != nil && c.Providers.OpenAI.APIKey != "" {
		providers = append(providers, "openai")
	}
	if c.Providers.Anthropic != nil && c.Providers.Anthropic.APIKey != "" {
		providers = append(providers, "anthropic")
	}

	return providers
}

// ModelSpecs returns the configured model table, or the built-in one
func (c *Config) ModelSpecs() []types.ModelSpec {
	if len(c.Models) > 0 {
		return c.Models
	}
	return registry.DefaultSpecs()
}

// ToServerConfig converts to server.ServerConfig
func (c *Config) ToServerConfig() *server.ServerConfig {
	return &server.ServerConfig{
		Port:            c.Server.Port,
		ReadTimeout:     c.Server.ReadTimeout,
		WriteTimeout:    c.Server.WriteTimeout,
		ShutdownTimeout: c.Server.ShutdownTimeout,
		MaxHeaderBytes:  c.Server.MaxHeaderBytes,
		MaxBodyBytes:    c.Server.MaxBodyBytes,
	}
}

// ToDirectConfig converts to direct.Config. The standard class uses the
// gateway timeout.
func (c *Config) ToDirectConfig() direct.Config {
	cfg := direct.DefaultConfig()
	cfg.EmergencyTimeout = c.Gateway.EmergencyTimeout
	cfg.CriticalTimeout = c.Gateway.CriticalTimeout
	cfg.StandardTimeout = c.Gateway.Timeout
	cfg.BackgroundTimeout = c.Gateway.BackgroundTimeout
	cfg.MaxTimeout = c.Gateway.MaxTimeout
	if cfg.MaxTimeout == 0 {
		cfg.MaxTimeout = cfg.Budgets().Slowest()
	}
	cfg.EnableCircuitBreaker = c.Gateway.EnableCircuitBreaker
	cfg.EnableHealthMonitoring = c.Gateway.EnableHealthMonitoring
	if c.Gateway.HealthCheckInterval > 0 {
		cfg.HealthCheckInterval = c.Gateway.HealthCheckInterval
	}
	cfg.Breaker = c.Gateway.Breaker
	return cfg
}

// ToManagedConfig converts to managed.Config
func (c *Config) ToManagedConfig() managed.Config {
	cfg := managed.DefaultConfig()
	cfg.Region = c.Gateway.Region
	cfg.Timeout = c.Gateway.Timeout
	cfg.MaxRetries = c.Gateway.MaxRetries
	cfg.Retry = c.Gateway.Retry
	cfg.EnableCircuitBreaker = c.Gateway.EnableCircuitBreaker
	cfg.Breaker = c.Gateway.Breaker
	return cfg
}

// ToGatewayConfig converts to gateway.Config
func (c *Config) ToGatewayConfig() gateway.Config {
	cfg := gateway.DefaultConfig()
	cfg.EnableComplianceChecks = c.Gateway.EnableComplianceChecks
	cfg.LatencyAlpha = c.Gateway.LatencyAlpha
	cfg.Budgets = c.ToDirectConfig().Budgets()
	cfg.CacheableClasses = make([]types.OperationClass, 0, len(c.Cache.CacheableClasses))
	for _, class := range c.Cache.CacheableClasses {
		cfg.CacheableClasses = append(cfg.CacheableClasses, types.ParseOperationClass(class))
	}
	return cfg
}

// ToSecurityConfig converts to middleware.SecurityConfig. Authentication is
// configured whenever keys or a JWT secret exist, and enforced only when
// require_auth is set.
func (c *Config) ToSecurityConfig() *middleware.SecurityConfig {
	sc := &middleware.SecurityConfig{
		Validation: &c.Security.Validation,
		CORS:       &c.Security.CORS,
	}

	if len(c.Security.APIKeys) > 0 || c.Security.JWTSecret != "" || c.Security.RequireAuth {
		sc.Auth = &security.Config{
			APIKeys:     c.Security.APIKeys,
			JWTSecret:   c.Security.JWTSecret,
			JWTExpiry:   c.Security.JWTExpiry,
			RequireAuth: c.Security.RequireAuth,
			PublicPaths: c.Security.PublicPaths,
		}
	}

	rl := c.Security.RateLimiting
	if c.Security.SharedRateLimit {
		rl.RedisAddr = c.Redis.Addr
	}
	sc.RateLimit = &rl

	return sc
}

// SaveToFile saves the current configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
