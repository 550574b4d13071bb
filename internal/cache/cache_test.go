package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/support-gateway/internal/types"
)

func testResponse() *types.SupportOperationResponse {
	return &types.SupportOperationResponse{
		RequestID: "req-1",
		Provider:  "openai",
		ModelID:   "gpt-4o-mini",
		Text:      "Your order ships tomorrow.",
		ToolCalls: []types.ToolCall{{ID: "c1", Name: "lookup_order", Arguments: `{"id":1}`}},
		Usage:     types.Usage{InputTokens: 10, OutputTokens: 6, TotalTokens: 16},
		CostEuro:  0.0001,
		Success:   true,
	}
}

func TestKey(t *testing.T) {
	tools := []types.ToolSpec{{Name: "lookup_order", Parameters: map[string]interface{}{"b": 1, "a": 2}}}

	k1 := Key(types.OperationStandard, "where is my order", tools)
	k2 := Key(types.OperationStandard, "where is my order", tools)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64)

	assert.NotEqual(t, k1, Key(types.OperationBackground, "where is my order", tools))
	assert.NotEqual(t, k1, Key(types.OperationStandard, "where is my order?", tools))
	assert.NotEqual(t, k1, Key(types.OperationStandard, "where is my order", nil))
}

func TestLRU_GetSet(t *testing.T) {
	c := NewLRU(0, 0)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	resp := testResponse()
	require.NoError(t, c.Set(ctx, "k", resp))
	resp.ToolCalls[0].Name = "mutated"

	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "lookup_order", got.ToolCalls[0].Name, "stored value is a copy")
	got.Text = "changed"

	again, _, _ := c.Get(ctx, "k")
	assert.Equal(t, "Your order ships tomorrow.", again.Text)
}

func TestLRU_EvictsBySizeAndAge(t *testing.T) {
	ctx := context.Background()

	small := NewLRU(2, time.Hour)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, small.Set(ctx, k, testResponse()))
	}
	assert.Equal(t, 2, small.Len())
	_, ok, _ := small.Get(ctx, "a")
	assert.False(t, ok, "oldest entry evicted")

	short := NewLRU(10, 20*time.Millisecond)
	require.NoError(t, short.Set(ctx, "k", testResponse()))
	assert.Eventually(t, func() bool {
		_, ok, _ := short.Get(ctx, "k")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

// Requires a Redis server; set SUPPORT_GATEWAY_TEST_REDIS_ADDR to override localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("SUPPORT_GATEWAY_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedis_GetSet(t *testing.T) {
	client := setupTestRedis(t)
	prefix := "test:" + uuid.NewString() + ":"
	c := NewRedis(client, prefix, time.Minute)
	ctx := context.Background()
	defer client.Del(ctx, prefix+"k")

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", testResponse()))
	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testResponse(), got)

	ttl := client.TTL(ctx, prefix+"k").Val()
	assert.Greater(t, ttl, time.Duration(0))
}

func TestRedis_UnreachableIsError(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer client.Close()
	c := NewRedis(client, "", 0)

	_, ok, err := c.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Error(t, c.Set(context.Background(), "k", testResponse()))
}
