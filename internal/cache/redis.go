package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tributary-ai/support-gateway/internal/types"
)

const defaultOpTimeout = 200 * time.Millisecond

// Redis shares cached responses between gateway replicas
type Redis struct {
	client    redis.UniversalClient
	prefix    string
	ttl       time.Duration
	opTimeout time.Duration
}

// NewRedis creates a Redis-backed cache. Every operation is bounded by a
// short timeout so a slow Redis degrades to a miss.
func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = "support-gateway:cache:"
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, opTimeout: defaultOpTimeout}
}

// Get implements Cache
func (c *Redis) Get(ctx context.Context, key string) (*types.SupportOperationResponse, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var resp types.SupportOperationResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false, fmt.Errorf("decode cached response: %w", err)
	}
	return &resp, true, nil
}

// Set implements Cache
func (c *Redis) Set(ctx context.Context, key string, resp *types.SupportOperationResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.client.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

var _ Cache = (*Redis)(nil)
