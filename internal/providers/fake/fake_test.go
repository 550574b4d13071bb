package fake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/support-gateway/internal/types"
)

var testSpec = types.ModelSpec{Provider: "fake", ModelID: "m1"}

func TestAdapter_ReplaysStepsThenRepeatsLast(t *testing.T) {
	boom := errors.New("boom")
	a := New("fake",
		Step{Text: "first"},
		Step{Err: boom},
		Step{Text: "last"},
	)
	ctx := context.Background()
	req := &types.SupportOperationRequest{Prompt: "hello"}

	res, err := a.Complete(ctx, testSpec, req)
	require.NoError(t, err)
	assert.Equal(t, "first", res.Text)
	assert.Greater(t, res.Usage.TotalTokens, 0, "usage is synthesised when not scripted")

	_, err = a.Complete(ctx, testSpec, req)
	assert.ErrorIs(t, err, boom)

	for i := 0; i < 3; i++ {
		res, err = a.Complete(ctx, testSpec, req)
		require.NoError(t, err)
		assert.Equal(t, "last", res.Text)
	}
	assert.Equal(t, 5, a.Calls())
	assert.Same(t, req, a.LastRequest())
}

func TestAdapter_LatencyHonoursContext(t *testing.T) {
	a := Succeed("fake", "slow", time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := a.Complete(ctx, testSpec, &types.SupportOperationRequest{Prompt: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestAdapter_SeededIsReproducible(t *testing.T) {
	outcomes := func() []bool {
		a := Seeded("fake", 42, 0.5, 0)
		out := make([]bool, 50)
		for i := range out {
			_, err := a.Complete(context.Background(), testSpec, &types.SupportOperationRequest{})
			out[i] = err == nil
		}
		return out
	}
	assert.Equal(t, outcomes(), outcomes())
}

func TestAdapter_HealthError(t *testing.T) {
	a := New("fake")
	assert.NoError(t, a.HealthCheck(context.Background()))

	a.SetHealthError(types.ErrProviderError)
	assert.ErrorIs(t, a.HealthCheck(context.Background()), types.ErrProviderError)
}
