// Package direct implements the direct provider path with per-class timeouts.
package direct

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/support-gateway/internal/breaker"
	"github.com/tributary-ai/support-gateway/internal/paths"
	"github.com/tributary-ai/support-gateway/internal/providers"
	"github.com/tributary-ai/support-gateway/internal/types"
)

// Config holds direct path configuration
type Config struct {
	EmergencyTimeout  time.Duration `yaml:"emergency_timeout"`
	CriticalTimeout   time.Duration `yaml:"critical_timeout"`
	StandardTimeout   time.Duration `yaml:"standard_timeout"`
	BackgroundTimeout time.Duration `yaml:"background_timeout"`

	// MaxTimeout is the ceiling no class timeout may exceed
	MaxTimeout time.Duration `yaml:"max_timeout"`

	EnableCircuitBreaker   bool           `yaml:"enable_circuit_breaker"`
	EnableHealthMonitoring bool           `yaml:"enable_health_monitoring"`
	HealthCheckInterval    time.Duration  `yaml:"health_check_interval"`
	HealthCheckTimeout     time.Duration  `yaml:"health_check_timeout"`
	Breaker                breaker.Config `yaml:"breaker"`
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		EmergencyTimeout:     5 * time.Second,
		CriticalTimeout:      10 * time.Second,
		StandardTimeout:      30 * time.Second,
		BackgroundTimeout:    30 * time.Second,
		MaxTimeout:           30 * time.Second,
		EnableCircuitBreaker: true,
		HealthCheckInterval:  30 * time.Second,
		HealthCheckTimeout:   5 * time.Second,
		Breaker:              breaker.DefaultConfig(),
	}
}

// Budgets returns the class timeouts as class budgets
func (c Config) Budgets() paths.Budgets {
	return paths.Budgets{
		Emergency:  c.EmergencyTimeout,
		Critical:   c.CriticalTimeout,
		Standard:   c.StandardTimeout,
		Background: c.BackgroundTimeout,
	}
}

// Validate checks that timeouts are positive and ordered by urgency
func (c *Config) Validate() error {
	ordered := []struct {
		name  string
		value time.Duration
	}{
		{"emergency_timeout", c.EmergencyTimeout},
		{"critical_timeout", c.CriticalTimeout},
		{"standard_timeout", c.StandardTimeout},
		{"background_timeout", c.BackgroundTimeout},
	}
	for i, t := range ordered {
		if t.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", t.name, t.value)
		}
		if i > 0 && t.value < ordered[i-1].value {
			return fmt.Errorf("%s (%s) must not be shorter than %s (%s)", t.name, t.value, ordered[i-1].name, ordered[i-1].value)
		}
	}
	if c.MaxTimeout <= 0 {
		return fmt.Errorf("max_timeout must be positive, got %s", c.MaxTimeout)
	}
	if c.EnableHealthMonitoring && c.HealthCheckInterval <= 0 {
		return fmt.Errorf("health_check_interval must be positive when health monitoring is enabled")
	}
	return nil
}

// Client dispatches straight to provider adapters
type Client struct {
	config  Config
	deps    paths.Deps
	logger  *logrus.Logger
	breaker *breaker.Breaker
	health  paths.Health

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New creates a direct client and starts the health monitor when enabled
func New(config Config, deps paths.Deps) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid direct client config: %w", err)
	}
	if err := deps.Validate(); err != nil {
		return nil, fmt.Errorf("invalid direct client deps: %w", err)
	}
	if config.HealthCheckTimeout <= 0 {
		config.HealthCheckTimeout = config.EmergencyTimeout
	}
	deps = deps.WithDefaults()

	c := &Client{
		config: config,
		deps:   deps,
		logger: deps.Logger,
		stop:   make(chan struct{}),
	}

	if config.EnableCircuitBreaker {
		bc := config.Breaker
		bc.OnStateChange = deps.BreakerReporter(types.PathDirect)
		c.breaker = breaker.New("direct", bc)
	}

	if config.EnableHealthMonitoring {
		c.wg.Add(1)
		go c.monitorHealth()
	}

	c.logger.WithFields(logrus.Fields{
		"emergency_timeout": config.EmergencyTimeout,
		"critical_timeout":  config.CriticalTimeout,
		"circuit_breaker":   config.EnableCircuitBreaker,
		"health_monitoring": config.EnableHealthMonitoring,
	}).Info("Direct access client initialized")

	return c, nil
}

// Kind implements paths.Path
func (c *Client) Kind() types.Path {
	return types.PathDirect
}

// TimeoutFor returns the bound applied to an operation class
func (c *Client) TimeoutFor(class types.OperationClass) time.Duration {
	return c.config.Budgets().For(class)
}

// Execute sends the request to the decided provider within the class timeout
func (c *Client) Execute(ctx context.Context, decision *types.RouteDecision, req *types.SupportOperationRequest) (*providers.Result, error) {
	if c.isClosed() {
		return nil, fmt.Errorf("direct client: %w", types.ErrClientClosed)
	}

	class := types.ParseOperationClass(string(req.Operation))
	timeout := c.TimeoutFor(class)
	if timeout > c.config.MaxTimeout {
		return nil, fmt.Errorf("%s timeout %s exceeds ceiling %s: %w", class, timeout, c.config.MaxTimeout, types.ErrInvalidTimeout)
	}

	adapter, spec, err := c.deps.Resolve(decision)
	if err != nil {
		return nil, err
	}
	if err := paths.Expired(ctx); err != nil {
		return nil, fmt.Errorf("direct %s: %w", spec.Key(), err)
	}

	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}

	res, latency, err := paths.Call(ctx, adapter, spec, req, timeout)
	if err != nil && paths.Abandoned(ctx) {
		// abandoned by the caller, not a path failure
		c.breaker.Release()
		return nil, fmt.Errorf("direct %s: %w", spec.Key(), err)
	}

	c.health.Observe(latency, err)
	if err != nil {
		c.breaker.RecordFailure()
		c.logger.WithError(err).WithFields(logrus.Fields{
			"request_id": req.ID,
			"provider":   spec.Provider,
			"model":      spec.ModelID,
			"class":      class,
			"latency_ms": latency.Milliseconds(),
			"timed_out":  errors.Is(err, types.ErrTimeout),
		}).Warn("Direct request failed")
		return nil, fmt.Errorf("direct %s: %w", spec.Key(), err)
	}

	c.breaker.RecordSuccess()
	c.logger.WithFields(logrus.Fields{
		"request_id": req.ID,
		"provider":   spec.Provider,
		"model":      spec.ModelID,
		"class":      class,
		"latency_ms": latency.Milliseconds(),
	}).Debug("Direct request completed")

	return res, nil
}

// PerformHealthCheck checks the adapters and returns the refreshed status.
// A passing check closes a breaker that is waiting for its trial.
func (c *Client) PerformHealthCheck(ctx context.Context) types.HealthStatus {
	if c.isClosed() {
		return c.Status()
	}

	latency, err := paths.CheckBreaker(ctx, c.breaker, c.deps.Adapters, c.config.HealthCheckTimeout)
	c.health.ObserveCheck(latency, err)
	if err != nil {
		c.logger.WithError(err).Warn("Direct path health check failed")
	}
	return c.Status()
}

// Status returns the current health without probing
func (c *Client) Status() types.HealthStatus {
	return c.health.Status(c.breaker, c.isClosed())
}

// Breaker exposes the path breaker for status reporting and resets
func (c *Client) Breaker() *breaker.Breaker {
	return c.breaker
}

// Destroy stops the health monitor. Every later call, including a second
// Destroy, reports ErrClientClosed.
func (c *Client) Destroy() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("direct client: %w", types.ErrClientClosed)
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stop)
	c.wg.Wait()

	c.logger.Info("Direct access client destroyed")
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Client) monitorHealth() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.PerformHealthCheck(context.Background())
		case <-c.stop:
			return
		}
	}
}

var _ paths.Path = (*Client)(nil)
