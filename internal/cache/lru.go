package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tributary-ai/support-gateway/internal/types"
)

const (
	DefaultSize = 1024
	DefaultTTL  = 10 * time.Minute
)

// LRU is an in-process cache with size and age bounds
type LRU struct {
	entries *expirable.LRU[string, *types.SupportOperationResponse]
}

// NewLRU creates an in-process cache. Zero values take the defaults.
func NewLRU(size int, ttl time.Duration) *LRU {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &LRU{entries: expirable.NewLRU[string, *types.SupportOperationResponse](size, nil, ttl)}
}

// Get returns a copy of the stored response
func (c *LRU) Get(_ context.Context, key string) (*types.SupportOperationResponse, bool, error) {
	resp, ok := c.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	return clone(resp), true, nil
}

// Set stores a copy of resp
func (c *LRU) Set(_ context.Context, key string, resp *types.SupportOperationResponse) error {
	c.entries.Add(key, clone(resp))
	return nil
}

// Len returns the number of live entries
func (c *LRU) Len() int {
	return c.entries.Len()
}

var _ Cache = (*LRU)(nil)
