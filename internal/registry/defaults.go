package registry

import (
	"time"

	"github.com/tributary-ai/support-gateway/internal/types"
)

// DefaultSpecs returns the built-in model table. Prices are EUR per 1k tokens.
func DefaultSpecs() []types.ModelSpec {
	return []types.ModelSpec{
		{
			Provider: "openai",
			ModelID:  "gpt-4o",
			Capabilities: types.Capabilities{
				ContextWindow:   128000,
				SupportsTools:   true,
				SupportsJSON:    true,
				SupportsVision:  true,
				DefaultLatency:  900 * time.Millisecond,
				CostPer1KInput:  0.0046,
				CostPer1KOutput: 0.0138,
			},
		},
		{
			Provider: "openai",
			ModelID:  "gpt-4o-mini",
			Capabilities: types.Capabilities{
				ContextWindow:   128000,
				SupportsTools:   true,
				SupportsJSON:    true,
				SupportsVision:  true,
				DefaultLatency:  500 * time.Millisecond,
				CostPer1KInput:  0.00014,
				CostPer1KOutput: 0.00055,
			},
		},
		{
			Provider: "anthropic",
			ModelID:  "claude-3-5-sonnet-20241022",
			Capabilities: types.Capabilities{
				ContextWindow:   200000,
				SupportsTools:   true,
				SupportsJSON:    false,
				SupportsVision:  true,
				DefaultLatency:  1200 * time.Millisecond,
				CostPer1KInput:  0.0028,
				CostPer1KOutput: 0.0138,
			},
		},
		{
			Provider: "anthropic",
			ModelID:  "claude-3-haiku-20240307",
			Capabilities: types.Capabilities{
				ContextWindow:   200000,
				SupportsTools:   true,
				SupportsJSON:    false,
				SupportsVision:  true,
				DefaultLatency:  600 * time.Millisecond,
				CostPer1KInput:  0.00023,
				CostPer1KOutput: 0.00115,
			},
		},
	}
}
