package policy

import (
	"fmt"
	"strings"

	"github.com/tributary-ai/support-gateway/internal/types"
)

// scored is one candidate during a decision
type scored struct {
	spec      types.ModelSpec
	score     float64
	rank      int
	affinity  float64
	cost      float64
	latency   float64
	bandit    float64
	slaMissed bool
}

// reasoning builds the human-readable justification of the winner
func (s scored) reasoning(rc types.RouterInputContext, override []string, considered int) []string {
	reasoning := []string{
		fmt.Sprintf("Selected %s among %d eligible models", s.spec.Key(), considered),
		fmt.Sprintf("Budget %s: cost score %.2f, latency score %.2f", rc.Budget, s.cost, s.latency),
	}
	if rc.Domain != "" {
		reasoning = append(reasoning, fmt.Sprintf("Domain %s affinity %.1f", rc.Domain, s.affinity))
	}
	reasoning = append(reasoning, fmt.Sprintf("Bandit win probability %.2f", s.bandit))
	if len(override) > 0 {
		reasoning = append(reasoning, fmt.Sprintf("Provider priority %s", strings.Join(override, " > ")))
	}
	if s.slaMissed {
		reasoning = append(reasoning, fmt.Sprintf("Default latency exceeds SLA of %dms", rc.SLADeadlineMs))
	}
	return reasoning
}
