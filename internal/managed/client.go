// Package managed implements the managed broker path: a class-agnostic
// attempt timeout capped by the request deadline, retries with backoff and
// its own circuit breaker.
package managed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/support-gateway/internal/breaker"
	"github.com/tributary-ai/support-gateway/internal/paths"
	"github.com/tributary-ai/support-gateway/internal/providers"
	"github.com/tributary-ai/support-gateway/internal/types"
)

// RetryConfig controls retries on provider errors
type RetryConfig struct {
	BackoffType string        `yaml:"backoff_type"` // "linear", "exponential"
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// Config holds managed path configuration
type Config struct {
	Region               string         `yaml:"region"`
	Timeout              time.Duration  `yaml:"timeout"`
	MaxRetries           int            `yaml:"max_retries"`
	Retry                RetryConfig    `yaml:"retry"`
	EnableCircuitBreaker bool           `yaml:"enable_circuit_breaker"`
	HealthCheckTimeout   time.Duration  `yaml:"health_check_timeout"`
	Breaker              breaker.Config `yaml:"breaker"`
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		Region:     "eu-west-1",
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		Retry: RetryConfig{
			BackoffType: "exponential",
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    5 * time.Second,
		},
		EnableCircuitBreaker: true,
		HealthCheckTimeout:   5 * time.Second,
		Breaker:              breaker.DefaultConfig(),
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return fmt.Errorf("max_retries must be between 0 and 10, got %d", c.MaxRetries)
	}
	switch c.Retry.BackoffType {
	case "", "exponential", "linear":
	default:
		return fmt.Errorf("unknown backoff_type %q", c.Retry.BackoffType)
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	return nil
}

// Client sends requests through the managed broker path
type Client struct {
	config  Config
	deps    paths.Deps
	logger  *logrus.Logger
	breaker *breaker.Breaker
	health  paths.Health

	mu     sync.RWMutex
	closed bool
}

// New creates a managed client
func New(config Config, deps paths.Deps) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid managed client config: %w", err)
	}
	if err := deps.Validate(); err != nil {
		return nil, fmt.Errorf("invalid managed client deps: %w", err)
	}
	if config.HealthCheckTimeout <= 0 {
		config.HealthCheckTimeout = 5 * time.Second
	}
	deps = deps.WithDefaults()

	c := &Client{
		config: config,
		deps:   deps,
		logger: deps.Logger,
	}
	if config.EnableCircuitBreaker {
		bc := config.Breaker
		bc.OnStateChange = deps.BreakerReporter(types.PathManaged)
		c.breaker = breaker.New("managed", bc)
	}

	c.logger.WithFields(logrus.Fields{
		"region":      config.Region,
		"timeout":     config.Timeout,
		"max_retries": config.MaxRetries,
	}).Info("Managed broker client initialized")

	return c, nil
}

// Kind implements paths.Path
func (c *Client) Kind() types.Path {
	return types.PathManaged
}

// Execute dispatches with retries. Only provider errors are retried; a
// timeout, an open breaker or an eligibility failure ends the attempt loop.
// Each attempt is bounded by the configured timeout and by what is left of
// ctx's deadline, and no retry is scheduled past that deadline.
func (c *Client) Execute(ctx context.Context, decision *types.RouteDecision, req *types.SupportOperationRequest) (*providers.Result, error) {
	if c.isClosed() {
		return nil, fmt.Errorf("managed client: %w", types.ErrClientClosed)
	}

	adapter, spec, err := c.deps.Resolve(decision)
	if err != nil {
		return nil, err
	}

	var (
		attempt int
		lastErr error
	)
	operation := func() (*providers.Result, error) {
		attempt++
		if err := paths.Expired(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		if err := c.breaker.Allow(); err != nil {
			if lastErr != nil {
				err = fmt.Errorf("%w (after: %v)", err, lastErr)
			}
			return nil, backoff.Permanent(err)
		}

		timeout := paths.Remaining(ctx, c.config.Timeout)
		res, latency, err := paths.Call(ctx, adapter, spec, req, timeout)
		if err != nil && paths.Abandoned(ctx) {
			c.breaker.Release()
			return nil, backoff.Permanent(err)
		}

		c.health.Observe(latency, err)
		if err == nil {
			c.breaker.RecordSuccess()
			c.logger.WithFields(logrus.Fields{
				"request_id": req.ID,
				"provider":   spec.Provider,
				"model":      spec.ModelID,
				"attempts":   attempt,
				"latency_ms": latency.Milliseconds(),
			}).Debug("Managed request completed")
			return res, nil
		}

		c.breaker.RecordFailure()
		lastErr = err
		c.logger.WithError(err).WithFields(logrus.Fields{
			"request_id": req.ID,
			"provider":   spec.Provider,
			"model":      spec.ModelID,
			"attempt":    attempt,
			"timeout_ms": timeout.Milliseconds(),
		}).Warn("Managed request attempt failed")

		if !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(withDeadline(ctx, newBackOff(c.config.Retry))),
		backoff.WithMaxTries(uint(c.config.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, delay time.Duration) {
			c.logger.WithFields(logrus.Fields{
				"request_id": req.ID,
				"provider":   spec.Provider,
				"attempt":    attempt + 1,
				"delay_ms":   delay.Milliseconds(),
			}).Debug("Retrying request after backoff delay")
		}),
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, types.ErrTimeout) {
			err = fmt.Errorf("deadline passed between attempts: %w: %w", types.ErrTimeout, err)
		}
		return nil, fmt.Errorf("managed %s: %w", spec.Key(), err)
	}
	return res, nil
}

// PerformHealthCheck checks the adapters and returns the refreshed status
func (c *Client) PerformHealthCheck(ctx context.Context) types.HealthStatus {
	if c.isClosed() {
		return c.Status()
	}
	latency, err := paths.CheckBreaker(ctx, c.breaker, c.deps.Adapters, c.config.HealthCheckTimeout)
	c.health.ObserveCheck(latency, err)
	if err != nil {
		c.logger.WithError(err).Warn("Managed path health check failed")
	}
	return c.Status()
}

// Status returns the current health without probing
func (c *Client) Status() types.HealthStatus {
	return c.health.Status(c.breaker, c.isClosed())
}

// Breaker exposes the path breaker
func (c *Client) Breaker() *breaker.Breaker {
	return c.breaker
}

// Close marks the client closed; a second call reports ErrClientClosed
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("managed client: %w", types.ErrClientClosed)
	}
	c.closed = true
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// newBackOff builds the retry schedule. Delays are not jittered.
func newBackOff(cfg RetryConfig) backoff.BackOff {
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Duration(math.MaxInt64)
	}

	switch cfg.BackoffType {
	case "linear":
		return &linearBackOff{base: cfg.BaseDelay, max: maxDelay}
	default:
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.BaseDelay
		b.RandomizationFactor = 0
		b.Multiplier = 2
		b.MaxInterval = maxDelay
		b.Reset()
		return b
	}
}

// linearBackOff waits base, 2*base, 3*base ... capped at max
type linearBackOff struct {
	base, max time.Duration
	n         int64
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.n++
	delay := time.Duration(int64(l.base) * l.n)
	if delay > l.max || delay < 0 {
		return l.max
	}
	return delay
}

func (l *linearBackOff) Reset() {
	l.n = 0
}

// deadlineBackOff stops the schedule once a delay would outlast the deadline
type deadlineBackOff struct {
	backoff.BackOff
	deadline time.Time
}

func withDeadline(ctx context.Context, b backoff.BackOff) backoff.BackOff {
	deadline, ok := ctx.Deadline()
	if !ok {
		return b
	}
	return &deadlineBackOff{BackOff: b, deadline: deadline}
}

func (d *deadlineBackOff) NextBackOff() time.Duration {
	next := d.BackOff.NextBackOff()
	if next == backoff.Stop || time.Until(d.deadline) <= next {
		return backoff.Stop
	}
	return next
}

func retryable(err error) bool {
	return errors.Is(err, types.ErrProviderError) && !errors.Is(err, types.ErrTimeout)
}

var _ paths.Path = (*Client)(nil)
