package gateway

import (
	"time"

	"github.com/tributary-ai/support-gateway/internal/monitor"
	"github.com/tributary-ai/support-gateway/internal/types"
)

// ArmStatus is the current best arm for one learning context
type ArmStatus struct {
	Context    string  `json:"context"`
	Provider   string  `json:"provider"`
	Model      string  `json:"model"`
	Confidence float64 `json:"confidence"`
	Mean       float64 `json:"mean"`
}

// Status aggregates monitor, path and bandit state
type Status struct {
	Healthy     bool                              `json:"healthy"`
	Performance monitor.PerformanceStatus         `json:"performance"`
	Paths       map[types.Path]types.HealthStatus `json:"paths"`
	BestArms    []ArmStatus                       `json:"best_arms"`
	Models      int                               `json:"models"`
	GeneratedAt time.Time                         `json:"generated_at"`
}

// Status returns the aggregated gateway status. Healthy means at least one
// path is available.
func (g *Gateway) Status() Status {
	status := Status{
		Performance: g.deps.Monitor.GetPerformanceStatus(),
		Paths:       g.deps.Router.Status(),
		BestArms:    []ArmStatus{},
		Models:      g.deps.Registry.Len(),
		GeneratedAt: g.now(),
	}
	for _, h := range status.Paths {
		if h.Available() {
			status.Healthy = true
		}
	}

	for _, ctx := range g.deps.Bandit.Contexts() {
		arm, confidence, ok := g.deps.Bandit.BestArm(ctx)
		if !ok {
			continue
		}
		status.BestArms = append(status.BestArms, ArmStatus{
			Context:    ctx.Key(),
			Provider:   arm.Provider,
			Model:      arm.Model,
			Confidence: confidence,
			Mean:       g.deps.Bandit.Mean(arm, ctx),
		})
	}
	return status
}
