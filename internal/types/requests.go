package types

import (
	"strings"
	"time"
)

// OperationClass is the latency tier of a request
type OperationClass string

const (
	OperationEmergency  OperationClass = "emergency"
	OperationCritical   OperationClass = "critical"
	OperationStandard   OperationClass = "standard"
	OperationBackground OperationClass = "background"
)

// AllOperationClasses lists classes from tightest to loosest bound
var AllOperationClasses = []OperationClass{
	OperationEmergency,
	OperationCritical,
	OperationStandard,
	OperationBackground,
}

// ParseOperationClass maps a free-form operation label to a class.
// Unknown labels are standard.
func ParseOperationClass(s string) OperationClass {
	switch OperationClass(strings.ToLower(strings.TrimSpace(s))) {
	case OperationEmergency:
		return OperationEmergency
	case OperationCritical:
		return OperationCritical
	case OperationBackground:
		return OperationBackground
	default:
		return OperationStandard
	}
}

// Rank orders classes by urgency, 0 being the most urgent
func (c OperationClass) Rank() int {
	switch c {
	case OperationEmergency:
		return 0
	case OperationCritical:
		return 1
	case OperationStandard:
		return 2
	default:
		return 3
	}
}

// TimeCritical reports whether the class prefers the direct path
func (c OperationClass) TimeCritical() bool {
	return c == OperationEmergency || c == OperationCritical
}

// Path identifies how a request reaches a provider
type Path string

const (
	PathManaged Path = "managed"
	PathDirect  Path = "direct"
)

// Alternate returns the other path
func (p Path) Alternate() Path {
	if p == PathDirect {
		return PathManaged
	}
	return PathDirect
}

// BudgetTier biases scoring toward cost or latency
type BudgetTier string

const (
	BudgetLow      BudgetTier = "low"
	BudgetStandard BudgetTier = "standard"
	BudgetPremium  BudgetTier = "premium"
)

// ParseBudgetTier maps unknown or empty tiers to standard
func ParseBudgetTier(s string) BudgetTier {
	switch BudgetTier(strings.ToLower(strings.TrimSpace(s))) {
	case BudgetLow:
		return BudgetLow
	case BudgetPremium:
		return BudgetPremium
	default:
		return BudgetStandard
	}
}

// ToolSpec describes a function the model may call
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// SupportOperationRequest is the unified request accepted by the gateway
type SupportOperationRequest struct {
	ID          string            `json:"id,omitempty"`
	Operation   OperationClass    `json:"operation"`
	Priority    int               `json:"priority,omitempty"`
	Prompt      string            `json:"prompt"`
	Tools       []ToolSpec        `json:"tools,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature *float32          `json:"temperature,omitempty"`

	// Routing hints
	Domain           string     `json:"domain,omitempty"`
	Budget           BudgetTier `json:"budget,omitempty"`
	SLADeadlineMs    int64      `json:"sla_deadline_ms,omitempty"`
	MinContextWindow int        `json:"min_context_window,omitempty"`
	TenantID         string     `json:"tenant_id,omitempty"`

	ReceivedAt time.Time `json:"-"`
}

// RequiresTools reports whether the request carries tool specs
func (r *SupportOperationRequest) RequiresTools() bool {
	return len(r.Tools) > 0
}

// RouterContext derives the read-only routing context of the request
func (r *SupportOperationRequest) RouterContext() RouterInputContext {
	return RouterInputContext{
		Domain:           r.Domain,
		Budget:           ParseBudgetTier(string(r.Budget)),
		SLADeadlineMs:    r.SLADeadlineMs,
		RequireTools:     r.RequiresTools(),
		MinContextWindow: r.MinContextWindow,
		TenantID:         r.TenantID,
	}
}

// RouterInputContext is what the policy engine scores candidates against
type RouterInputContext struct {
	Domain           string     `json:"domain,omitempty"`
	Budget           BudgetTier `json:"budget"`
	SLADeadlineMs    int64      `json:"sla_deadline_ms,omitempty"`
	RequireTools     bool       `json:"require_tools"`
	MinContextWindow int        `json:"min_context_window,omitempty"`
	TenantID         string     `json:"tenant_id,omitempty"`
}
