package breaker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/support-gateway/internal/types"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type transitionLog struct {
	mu  sync.Mutex
	log []string
}

func (l *transitionLog) record(name string, from, to types.BreakerState) {
	l.mu.Lock()
	l.log = append(l.log, string(from)+"->"+string(to))
	l.mu.Unlock()
}

func createTestBreaker(t *testing.T, threshold int) (*Breaker, *testClock, *transitionLog) {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	transitions := &transitionLog{}
	b := New("direct", Config{
		FailureThreshold: threshold,
		Cooldown:         10 * time.Second,
		OnStateChange:    transitions.record,
		Now:              clock.Now,
	})
	return b, clock, transitions
}

func TestBreaker_OpensAfterExactlyNFailures(t *testing.T) {
	for _, n := range []int{1, 3, 5} {
		b, _, _ := createTestBreaker(t, n)

		for i := 0; i < n-1; i++ {
			require.NoError(t, b.Allow())
			b.RecordFailure()
			assert.Equal(t, types.BreakerClosed, b.State(), "still closed after %d of %d failures", i+1, n)
		}
		require.NoError(t, b.Allow())
		b.RecordFailure()
		assert.Equal(t, types.BreakerOpen, b.State())
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _, _ := createTestBreaker(t, 3)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, types.BreakerClosed, b.State(), "failures must be consecutive")
}

func TestBreaker_NeverDispatchesWhileOpen(t *testing.T) {
	b, clock, _ := createTestBreaker(t, 1)
	b.RecordFailure()

	for i := 0; i < 10; i++ {
		err := b.Allow()
		assert.ErrorIs(t, err, types.ErrCircuitOpen)
		clock.Advance(time.Second / 2)
	}
	assert.Equal(t, types.BreakerOpen, b.State())
}

func TestBreaker_HalfOpenAllowsExactlyOneTrial(t *testing.T) {
	b, clock, transitions := createTestBreaker(t, 1)
	b.RecordFailure()
	clock.Advance(10 * time.Second)

	var allowed int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() == nil {
				atomic.AddInt32(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), allowed)
	assert.Equal(t, types.BreakerHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, types.BreakerClosed, b.State())
	assert.NoError(t, b.Allow())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions.log)
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	b, clock, _ := createTestBreaker(t, 2)
	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(10 * time.Second)

	require.NoError(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, types.BreakerOpen, b.State())

	// Cooldown restarts from the failed trial
	clock.Advance(5 * time.Second)
	assert.ErrorIs(t, b.Allow(), types.ErrCircuitOpen)
	clock.Advance(5 * time.Second)
	assert.NoError(t, b.Allow())
}

func TestBreaker_NilIsAlwaysClosed(t *testing.T) {
	var b *Breaker
	assert.NoError(t, b.Allow())
	b.RecordFailure()
	b.RecordSuccess()
	assert.Equal(t, types.BreakerClosed, b.State())
	assert.Equal(t, types.BreakerClosed, b.Stats().State)
}

func TestBreaker_Reset(t *testing.T) {
	b, _, _ := createTestBreaker(t, 1)
	b.RecordFailure()
	b.Reset()

	assert.Equal(t, types.BreakerClosed, b.State())
	assert.Equal(t, 0, b.Stats().Failures)
}

func TestBreaker_ReleaseFreesTrial(t *testing.T) {
	b, clock, _ := createTestBreaker(t, 1)
	b.RecordFailure()
	clock.Advance(10 * time.Second)

	require.NoError(t, b.Allow())
	assert.ErrorIs(t, b.Allow(), types.ErrCircuitOpen)

	b.Release()
	assert.Equal(t, types.BreakerHalfOpen, b.State())
	assert.NoError(t, b.Allow(), "released slot admits the next trial")
}

func TestBreaker_ReadyAfterCooldown(t *testing.T) {
	b, clock, _ := createTestBreaker(t, 1)
	assert.True(t, b.Ready())

	b.RecordFailure()
	assert.False(t, b.Ready())
	assert.Equal(t, types.BreakerOpen, b.State())

	clock.Advance(10 * time.Second)
	assert.True(t, b.Ready())
	assert.Equal(t, types.BreakerOpen, b.State(), "ready does not transition")

	require.NoError(t, b.Allow())
	assert.False(t, b.Ready(), "trial in flight")

	var nilBreaker *Breaker
	assert.True(t, nilBreaker.Ready())
}

func TestBreaker_Trial(t *testing.T) {
	b, clock, transitions := createTestBreaker(t, 1)
	assert.False(t, b.Trial(func() error { return nil }), "closed breaker needs no trial")

	b.RecordFailure()
	assert.False(t, b.Trial(func() error { return nil }), "cooldown not elapsed")
	assert.Equal(t, types.BreakerOpen, b.State())

	clock.Advance(10 * time.Second)
	assert.True(t, b.Trial(func() error { return types.ErrProviderError }))
	assert.Equal(t, types.BreakerOpen, b.State())

	clock.Advance(10 * time.Second)
	assert.True(t, b.Trial(func() error { return nil }))
	assert.Equal(t, types.BreakerClosed, b.State())
	assert.Equal(t, []string{
		"closed->open", "open->half-open", "half-open->open", "open->half-open", "half-open->closed",
	}, transitions.log)
}
