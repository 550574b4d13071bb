package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/support-gateway/internal/security"
	"github.com/tributary-ai/support-gateway/internal/types"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)

	gw := cfg.Gateway
	assert.Equal(t, 3, gw.MaxRetries)
	assert.Equal(t, 30*time.Second, gw.Timeout)
	assert.Equal(t, 5*time.Second, gw.EmergencyTimeout)
	assert.Equal(t, 10*time.Second, gw.CriticalTimeout)
	assert.Equal(t, 30*time.Second, gw.BackgroundTimeout)
	assert.True(t, gw.EnableCircuitBreaker)
	assert.False(t, gw.EnableHealthMonitoring)
	assert.True(t, gw.EnableComplianceChecks)
	assert.Equal(t, 5, gw.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, gw.Breaker.Cooldown)

	assert.Equal(t, "lru", cfg.Cache.Backend)
	assert.Equal(t, 1024, cfg.Cache.Size)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)
	assert.NotEmpty(t, cfg.ModelSpecs())
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	t.Setenv("SUPPORT_GATEWAY_PORT", "9090")
	t.Setenv("SUPPORT_GATEWAY_LOG_LEVEL", "debug")
	t.Setenv("SUPPORT_GATEWAY_LOG_FORMAT", "text")
	t.Setenv("SUPPORT_GATEWAY_REGION", "eu-central-1")
	t.Setenv("SUPPORT_GATEWAY_MAX_RETRIES", "1")
	t.Setenv("SUPPORT_GATEWAY_TIMEOUT", "45s")
	t.Setenv("SUPPORT_GATEWAY_ENABLE_COMPLIANCE_CHECKS", "false")
	t.Setenv("SUPPORT_GATEWAY_API_KEYS", "sk-one-000001,sk-two-000002")
	t.Setenv("OPENAI_API_KEY", "test-openai-key")
	t.Setenv("ANTHROPIC_API_KEY", "test-anthropic-key")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "eu-central-1", cfg.Gateway.Region)
	assert.Equal(t, 1, cfg.Gateway.MaxRetries)
	assert.Equal(t, 45*time.Second, cfg.Gateway.Timeout)
	assert.False(t, cfg.Gateway.EnableComplianceChecks)
	assert.Equal(t, "test-openai-key", cfg.Providers.OpenAI.APIKey)
	assert.Equal(t, "test-anthropic-key", cfg.Providers.Anthropic.APIKey)
	assert.Equal(t, []string{"openai", "anthropic"}, cfg.EnabledProviders())

	require.Len(t, cfg.Security.APIKeys, 2)
	assert.Equal(t, "sk-two-000002", cfg.Security.APIKeys[1].Key)
}

func TestLoadConfig_FromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "7070"
gateway:
  region: us-east-1
  emergency_timeout: 2s
  breaker:
    failure_threshold: 3
cache:
  backend: redis
  cacheable_classes: [background, standard]
redis:
  addr: localhost:6379
models:
  - provider: openai
    model_id: gpt-4o-mini
    capabilities:
      supports_tools: true
      cost_per_1k_input: 0.1
flags:
  intelligent_routing: true
security:
  api_keys:
    - key: sk-admin-00000001
      permissions: [admin]
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "us-east-1", cfg.Gateway.Region)
	assert.Equal(t, 2*time.Second, cfg.Gateway.EmergencyTimeout)
	assert.Equal(t, 3, cfg.Gateway.Breaker.FailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.Gateway.CriticalTimeout, "unset keys keep defaults")
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.True(t, cfg.Flags["intelligent_routing"])

	require.Len(t, cfg.ModelSpecs(), 1)
	assert.Equal(t, 0.1, cfg.ModelSpecs()[0].Capabilities.CostPer1KInput)

	gw := cfg.ToGatewayConfig()
	assert.Equal(t, []types.OperationClass{types.OperationBackground, types.OperationStandard}, gw.CacheableClasses)

	sec := cfg.ToSecurityConfig()
	require.NotNil(t, sec.Auth)
	assert.Equal(t, []string{security.PermissionAdmin}, sec.Auth.APIKeys[0].Permissions)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Server.Port = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"file output without path", func(c *Config) { c.Logging.Output = "file"; c.Logging.File.Path = "" }},
		{"emergency slower than critical", func(c *Config) { c.Gateway.EmergencyTimeout = time.Minute }},
		{"negative retries", func(c *Config) { c.Gateway.MaxRetries = -1 }},
		{"zero timeout", func(c *Config) { c.Gateway.Timeout = 0 }},
		{"unknown backoff", func(c *Config) { c.Gateway.Retry.BackoffType = "random" }},
		{"latency alpha", func(c *Config) { c.Gateway.LatencyAlpha = 2 }},
		{"negative max timeout", func(c *Config) { c.Gateway.MaxTimeout = -time.Second }},
		{"max timeout below emergency", func(c *Config) { c.Gateway.MaxTimeout = time.Second }},
		{"redis cache without addr", func(c *Config) { c.Cache.Backend = "redis" }},
		{"unknown cache backend", func(c *Config) { c.Cache.Backend = "memcached" }},
		{"unknown cacheable class", func(c *Config) { c.Cache.CacheableClasses = []string{"whenever"} }},
		{"shared limiter without redis", func(c *Config) { c.Security.SharedRateLimit = true }},
		{"required auth without credentials", func(c *Config) { c.Security.RequireAuth = true }},
		{"duplicate model", func(c *Config) {
			spec := types.ModelSpec{Provider: "openai", ModelID: "gpt-4o"}
			c.Models = []types.ModelSpec{spec, spec}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestToDirectConfig(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Timeout = 20 * time.Second

	dc := cfg.ToDirectConfig()
	assert.Equal(t, 5*time.Second, dc.EmergencyTimeout)
	assert.Equal(t, 20*time.Second, dc.StandardTimeout)
	assert.Equal(t, 30*time.Second, dc.BackgroundTimeout)
	assert.Equal(t, 30*time.Second, dc.MaxTimeout, "ceiling covers the slowest class")
	assert.NoError(t, dc.Validate())
}

func TestToDirectConfig_MaxTimeoutCeiling(t *testing.T) {
	cfg := Default()
	cfg.Gateway.MaxTimeout = 15 * time.Second
	require.NoError(t, cfg.Validate())

	dc := cfg.ToDirectConfig()
	assert.Equal(t, 15*time.Second, dc.MaxTimeout)
	assert.Equal(t, 30*time.Second, dc.BackgroundTimeout, "classes above the ceiling are rejected per request")
}

func TestToGatewayConfig_Budgets(t *testing.T) {
	cfg := Default()
	cfg.Gateway.EmergencyTimeout = 2 * time.Second
	cfg.Gateway.Timeout = 20 * time.Second

	gc := cfg.ToGatewayConfig()
	assert.Equal(t, 2*time.Second, gc.Budgets.For(types.OperationEmergency))
	assert.Equal(t, 10*time.Second, gc.Budgets.For(types.OperationCritical))
	assert.Equal(t, 20*time.Second, gc.Budgets.For(types.OperationStandard))
	assert.Equal(t, 30*time.Second, gc.Budgets.For(types.OperationBackground))
}

func TestToManagedConfig(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Region = "ap-south-1"
	cfg.Gateway.MaxRetries = 5

	mc := cfg.ToManagedConfig()
	assert.Equal(t, "ap-south-1", mc.Region)
	assert.Equal(t, 5, mc.MaxRetries)
	assert.Equal(t, 30*time.Second, mc.Timeout)
	assert.True(t, mc.EnableCircuitBreaker)
}

func TestToSecurityConfig(t *testing.T) {
	cfg := Default()
	sec := cfg.ToSecurityConfig()
	assert.Nil(t, sec.Auth, "no credentials means no authenticator")
	require.NotNil(t, sec.RateLimit)
	assert.Empty(t, sec.RateLimit.RedisAddr)

	cfg.Redis.Addr = "redis:6379"
	cfg.Security.SharedRateLimit = true
	cfg.Security.JWTSecret = "secret"
	sec = cfg.ToSecurityConfig()
	require.NotNil(t, sec.Auth)
	assert.Equal(t, "secret", sec.Auth.JWTSecret)
	assert.Equal(t, "redis:6379", sec.RateLimit.RedisAddr)
}

func TestSaveToFile_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = "6060"
	cfg.Gateway.Region = "eu-north-1"

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "6060", loaded.Server.Port)
	assert.Equal(t, "eu-north-1", loaded.Gateway.Region)
	assert.Equal(t, cfg.Gateway.Breaker.Cooldown, loaded.Gateway.Breaker.Cooldown)
}

// Helper functions
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}
