package security

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/support-gateway/internal/audit"
)

// RateLimiter decides whether a keyed caller may proceed
type RateLimiter interface {
	Allow(ctx context.Context, key string) (*RateLimitResult, error)
	Reset(ctx context.Context, key string) error
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetTime  time.Time     `json:"reset_time"`
	RetryAfter time.Duration `json:"retry_after"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	BurstSize         int           `yaml:"burst_size"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`

	// RedisAddr switches to a shared fixed-window limiter
	RedisAddr string `yaml:"redis_addr"`
}

// InMemoryRateLimiter is a per-key token bucket
type InMemoryRateLimiter struct {
	config *RateLimitConfig
	logger *logrus.Logger
	now    func() time.Time

	mutex   sync.Mutex
	buckets map[string]*tokenBucket

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewInMemoryRateLimiter creates a limiter and starts its idle-bucket cleanup
func NewInMemoryRateLimiter(config *RateLimitConfig, logger *logrus.Logger) *InMemoryRateLimiter {
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 60
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.BurstSize == 0 {
		config.BurstSize = config.RequestsPerMinute
	}

	rl := &InMemoryRateLimiter{
		config:      config,
		logger:      logger,
		now:         time.Now,
		buckets:     make(map[string]*tokenBucket),
		stopCleanup: make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow takes one token from key's bucket
func (rl *InMemoryRateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	now := rl.now()
	result := &RateLimitResult{Limit: rl.config.BurstSize}
	if !rl.config.Enabled {
		result.Allowed = true
		result.Remaining = rl.config.BurstSize
		result.ResetTime = now
		return result, nil
	}

	perSecond := float64(rl.config.RequestsPerMinute) / 60

	rl.mutex.Lock()
	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = &tokenBucket{tokens: float64(rl.config.BurstSize), lastRefill: now}
		rl.buckets[key] = bucket
	}
	if elapsed := now.Sub(bucket.lastRefill).Seconds(); elapsed > 0 {
		bucket.tokens = math.Min(bucket.tokens+elapsed*perSecond, float64(rl.config.BurstSize))
		bucket.lastRefill = now
	}

	if bucket.tokens >= 1 {
		bucket.tokens--
		result.Allowed = true
	}
	tokens := bucket.tokens
	rl.mutex.Unlock()

	result.Remaining = int(tokens)
	refill := time.Duration((float64(rl.config.BurstSize) - tokens) / perSecond * float64(time.Second))
	result.ResetTime = now.Add(refill)
	if !result.Allowed {
		result.RetryAfter = time.Duration((1 - tokens) / perSecond * float64(time.Second))
		rl.logger.WithFields(logrus.Fields{
			"key":         maskKey(key),
			"retry_after": result.RetryAfter,
		}).Warn("Rate limit exceeded")
	}
	return result, nil
}

// Reset forgets key's bucket
func (rl *InMemoryRateLimiter) Reset(ctx context.Context, key string) error {
	rl.mutex.Lock()
	delete(rl.buckets, key)
	rl.mutex.Unlock()

	rl.logger.WithField("key", maskKey(key)).Info("Rate limit reset")
	return nil
}

// Len returns the number of tracked buckets
func (rl *InMemoryRateLimiter) Len() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	return len(rl.buckets)
}

func (rl *InMemoryRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup drops buckets that have been full for a while
func (rl *InMemoryRateLimiter) cleanup() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	cutoff := rl.now().Add(-2 * time.Minute)
	removed := 0
	for key, bucket := range rl.buckets {
		if bucket.lastRefill.Before(cutoff) {
			delete(rl.buckets, key)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.WithField("removed_buckets", removed).Debug("Rate limit cleanup completed")
	}
	return removed
}

// Stop stops the cleanup goroutine
func (rl *InMemoryRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// RedisRateLimiter counts requests per key in one-minute windows shared by
// every gateway replica
type RedisRateLimiter struct {
	client redis.UniversalClient
	config *RateLimitConfig
	prefix string
	logger *logrus.Logger
	now    func() time.Time
}

// NewRedisRateLimiter creates a limiter on client
func NewRedisRateLimiter(client redis.UniversalClient, config *RateLimitConfig, logger *logrus.Logger) *RedisRateLimiter {
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 60
	}
	return &RedisRateLimiter{
		client: client,
		config: config,
		prefix: "support-gateway:ratelimit:",
		logger: logger,
		now:    time.Now,
	}
}

// Allow increments key's counter for the current window
func (rl *RedisRateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	now := rl.now()
	windowStart := now.Truncate(time.Minute)
	reset := windowStart.Add(time.Minute)
	result := &RateLimitResult{Limit: rl.config.RequestsPerMinute, ResetTime: reset}

	if !rl.config.Enabled {
		result.Allowed = true
		result.Remaining = rl.config.RequestsPerMinute
		return result, nil
	}

	redisKey := fmt.Sprintf("%s%s:%d", rl.prefix, key, windowStart.Unix())
	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireAt(ctx, redisKey, reset.Add(time.Second))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("rate limit counter: %w", err)
	}

	count := int(incr.Val())
	result.Allowed = count <= rl.config.RequestsPerMinute
	if remaining := rl.config.RequestsPerMinute - count; remaining > 0 {
		result.Remaining = remaining
	}
	if !result.Allowed {
		result.RetryAfter = reset.Sub(now)
		rl.logger.WithFields(logrus.Fields{
			"key":         maskKey(key),
			"retry_after": result.RetryAfter,
		}).Warn("Rate limit exceeded")
	}
	return result, nil
}

// Reset deletes key's counter for the current window
func (rl *RedisRateLimiter) Reset(ctx context.Context, key string) error {
	redisKey := fmt.Sprintf("%s%s:%d", rl.prefix, key, rl.now().Truncate(time.Minute).Unix())
	if err := rl.client.Del(ctx, redisKey).Err(); err != nil {
		return fmt.Errorf("reset rate limit: %w", err)
	}
	return nil
}

// RateLimitMiddleware rejects callers over their limit with 429. Limiter
// errors fail open.
func RateLimitMiddleware(limiter RateLimiter, keyExtractor func(*http.Request) string, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyExtractor(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.WithError(err).Warn("Rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))

			if !result.Allowed {
				retry := int(math.Ceil(result.RetryAfter.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				writeError(w, http.StatusTooManyRequests, "rate_limit_error", "Rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// DefaultKeyExtractor keys by authenticated user, then by client address
func DefaultKeyExtractor(r *http.Request) string {
	if info, ok := AuthInfoFrom(r.Context()); ok {
		return "user:" + info.UserID
	}
	return "ip:" + audit.ClientIP(r)
}

// TenantKeyExtractor keys by tenant so one tenant cannot starve the others
func TenantKeyExtractor(r *http.Request) string {
	if tenant := audit.TenantFrom(r.Context()); tenant != "" {
		return "tenant:" + tenant
	}
	return DefaultKeyExtractor(r)
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****"
}
