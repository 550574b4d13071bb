package types

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, ""},
		{ErrNoEligibleModel, KindNoEligibleModel},
		{fmt.Errorf("gpt-4o: %w", ErrTimeout), KindTimeout},
		{fmt.Errorf("direct: %w", ErrCircuitOpen), KindCircuitOpen},
		{fmt.Errorf("rules credit_card: %w", ErrComplianceViolation), KindComplianceViolation},
		{fmt.Errorf("openai api call failed: %w: %w", ErrProviderError, errors.New("502")), KindProviderError},
		{ErrClientClosed, KindClientClosed},
		{ErrInvalidTimeout, KindInvalidRequest},
		{fmt.Errorf("nil request: %w", ErrInvalidRequest), KindInvalidRequest},
		{context.Canceled, KindInternal},
		{errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, KindOf(tt.err), "%v", tt.err)
	}
}

func TestKindOf_MostSpecificWins(t *testing.T) {
	// a fallback failure wraps both the primary and the alternate error
	err := fmt.Errorf("fallback failed: %w (primary: %w)", ErrCircuitOpen, ErrProviderError)
	assert.Equal(t, KindCircuitOpen, KindOf(err))
}

func TestFallbackEligible(t *testing.T) {
	assert.True(t, FallbackEligible(ErrTimeout))
	assert.True(t, FallbackEligible(ErrCircuitOpen))
	assert.True(t, FallbackEligible(fmt.Errorf("x: %w", ErrProviderError)))

	assert.False(t, FallbackEligible(nil))
	assert.False(t, FallbackEligible(ErrNoEligibleModel))
	assert.False(t, FallbackEligible(ErrComplianceViolation))
	assert.False(t, FallbackEligible(ErrClientClosed))
	assert.False(t, FallbackEligible(ErrInvalidRequest))
	assert.False(t, FallbackEligible(errors.New("boom")))
}
