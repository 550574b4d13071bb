package types

import (
	"time"
)

// Capabilities describes what a model can do and what it costs
type Capabilities struct {
	ContextWindow   int           `json:"context_window" yaml:"context_window"`
	SupportsTools   bool          `json:"supports_tools" yaml:"supports_tools"`
	SupportsJSON    bool          `json:"supports_json" yaml:"supports_json"`
	SupportsVision  bool          `json:"supports_vision" yaml:"supports_vision"`
	DefaultLatency  time.Duration `json:"default_latency" yaml:"default_latency"`
	CostPer1KInput  float64       `json:"cost_per_1k_input" yaml:"cost_per_1k_input"`
	CostPer1KOutput float64       `json:"cost_per_1k_output" yaml:"cost_per_1k_output"`

	// Domains the model is tuned for. Empty means general purpose.
	Domains []string `json:"domains,omitempty" yaml:"domains,omitempty"`
}

// ModelSpec is one registry entry per (provider, model)
type ModelSpec struct {
	Provider     string       `json:"provider" yaml:"provider"`
	ModelID      string       `json:"model_id" yaml:"model_id"`
	Capabilities Capabilities `json:"capabilities" yaml:"capabilities"`
}

// Key returns the "provider/model" identifier of the spec
func (s ModelSpec) Key() string {
	return s.Provider + "/" + s.ModelID
}

// Clone returns a deep copy so callers never share the Domains slice
func (s ModelSpec) Clone() ModelSpec {
	out := s
	if s.Capabilities.Domains != nil {
		out.Capabilities.Domains = append([]string(nil), s.Capabilities.Domains...)
	}
	return out
}

// ServesDomain reports whether the spec is appropriate for a domain tag
func (s ModelSpec) ServesDomain(domain string) bool {
	if domain == "" || len(s.Capabilities.Domains) == 0 {
		return true
	}
	for _, d := range s.Capabilities.Domains {
		if d == domain {
			return true
		}
	}
	return false
}

// CapabilityUpdate carries a partial correction. Nil fields are left untouched.
type CapabilityUpdate struct {
	ContextWindow   *int           `json:"context_window,omitempty"`
	SupportsTools   *bool          `json:"supports_tools,omitempty"`
	SupportsJSON    *bool          `json:"supports_json,omitempty"`
	SupportsVision  *bool          `json:"supports_vision,omitempty"`
	DefaultLatency  *time.Duration `json:"default_latency,omitempty"`
	CostPer1KInput  *float64       `json:"cost_per_1k_input,omitempty"`
	CostPer1KOutput *float64       `json:"cost_per_1k_output,omitempty"`
}

// Apply merges the update into c
func (u CapabilityUpdate) Apply(c *Capabilities) {
	if u.ContextWindow != nil {
		c.ContextWindow = *u.ContextWindow
	}
	if u.SupportsTools != nil {
		c.SupportsTools = *u.SupportsTools
	}
	if u.SupportsJSON != nil {
		c.SupportsJSON = *u.SupportsJSON
	}
	if u.SupportsVision != nil {
		c.SupportsVision = *u.SupportsVision
	}
	if u.DefaultLatency != nil {
		c.DefaultLatency = *u.DefaultLatency
	}
	if u.CostPer1KInput != nil {
		c.CostPer1KInput = *u.CostPer1KInput
	}
	if u.CostPer1KOutput != nil {
		c.CostPer1KOutput = *u.CostPer1KOutput
	}
}

// BreakerState mirrors the circuit breaker state for status reporting
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// HealthStatus is the health of a routing path
type HealthStatus struct {
	IsHealthy           bool          `json:"is_healthy"`
	LastLatency         time.Duration `json:"last_latency"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	BreakerState        BreakerState  `json:"breaker_state"`
	// TrialReady is set when an open breaker has cooled down and admits a trial
	TrialReady          bool          `json:"trial_ready"`
	LastChecked         time.Time     `json:"last_checked"`
	LastError           string        `json:"last_error,omitempty"`
}

// Available reports whether a path should be offered new requests. An open
// breaker past its cooldown is offered so the trial can reach it.
func (h HealthStatus) Available() bool {
	return h.IsHealthy && (h.BreakerState != BreakerOpen || h.TrialReady)
}
