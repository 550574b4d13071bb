// Package policy picks a provider and model for a request from the capability
// registry, budget weights, domain preferences and bandit feedback.
package policy

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/support-gateway/internal/bandit"
	"github.com/tributary-ai/support-gateway/internal/registry"
	"github.com/tributary-ai/support-gateway/internal/types"
)

const (
	affinityWeight = 0.4
	banditWeight   = 0.3
	slaPenalty     = 0.5
	overrideBonus  = 10.0

	// scores closer than this are ties
	scoreEpsilon = 1e-9
)

// Weights are the cost and latency weights of a budget tier
type Weights struct {
	Cost    float64
	Latency float64
}

// BudgetWeights returns the weights of a tier
func BudgetWeights(tier types.BudgetTier) Weights {
	switch tier {
	case types.BudgetLow:
		return Weights{Cost: 0.5, Latency: 0.1}
	case types.BudgetPremium:
		return Weights{Cost: 0.1, Latency: 0.5}
	default:
		return Weights{Cost: 0.3, Latency: 0.3}
	}
}

// Config holds policy configuration
type Config struct {
	// DomainPreferences maps a domain tag to its preferred provider
	DomainPreferences map[string]string `yaml:"domain_preferences"`

	// TaskPriorities maps classified task types to provider priority
	TaskPriorities PriorityTable `yaml:"task_priorities"`

	// Exploration gives the Thompson-sampled arm full bandit credit instead of
	// its posterior mean
	Exploration bool `yaml:"exploration"`
}

// Engine is safe for concurrent use
type Engine struct {
	registry   *registry.Registry
	bandit     *bandit.Bandit
	classifier TaskClassifier
	config     Config
	logger     *logrus.Logger
}

// NewEngine creates a policy engine. A nil classifier uses the keyword classifier.
func NewEngine(reg *registry.Registry, b *bandit.Bandit, classifier TaskClassifier, config Config, logger *logrus.Logger) *Engine {
	if classifier == nil {
		classifier = DefaultKeywordClassifier()
	}
	if config.TaskPriorities == nil {
		config.TaskPriorities = DefaultPriorities()
	}
	return &Engine{
		registry:   reg,
		bandit:     b,
		classifier: classifier,
		config:     config,
		logger:     logger,
	}
}

// OverrideFor classifies prompt and returns the provider priority of its task type
func (e *Engine) OverrideFor(prompt string) (TaskType, []string) {
	task := e.classifier.Classify(prompt)
	return task, e.config.TaskPriorities.PriorityFor(task)
}

// Decide filters the registry by hard constraints and returns the best scored
// candidate. Override lists provider ids in priority order and is applied
// before scoring. Fails with ErrNoEligibleModel when nothing survives.
func (e *Engine) Decide(rc types.RouterInputContext, tools []types.ToolSpec, override []string) (*types.RouteDecision, error) {
	if len(tools) > 0 {
		rc.RequireTools = true
	}
	rc.Budget = types.ParseBudgetTier(string(rc.Budget))

	specs := e.registry.List(rc)
	if len(specs) == 0 {
		e.logger.WithFields(logrus.Fields{
			"require_tools":      rc.RequireTools,
			"min_context_window": rc.MinContextWindow,
			"domain":             rc.Domain,
		}).Warn("No eligible model for routing context")
		return nil, fmt.Errorf("tools=%t min_context=%d domain=%q: %w",
			rc.RequireTools, rc.MinContextWindow, rc.Domain, types.ErrNoEligibleModel)
	}

	candidates := e.score(rc, specs, override)
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if math.Abs(a.score-b.score) > scoreEpsilon {
			return a.score > b.score
		}
		if a.spec.Capabilities.DefaultLatency != b.spec.Capabilities.DefaultLatency {
			return a.spec.Capabilities.DefaultLatency < b.spec.Capabilities.DefaultLatency
		}
		if a.spec.Provider != b.spec.Provider {
			return a.spec.Provider < b.spec.Provider
		}
		return a.spec.ModelID < b.spec.ModelID
	})

	winner := candidates[0]
	keys := make([]string, len(candidates))
	for i, c := range candidates {
		keys[i] = c.spec.Key()
	}

	decision := &types.RouteDecision{
		Provider:      winner.spec.Provider,
		ModelID:       winner.spec.ModelID,
		Justification: strings.Join(winner.reasoning(rc, override, len(candidates)), "; "),
		Score:         winner.score,
		Candidates:    keys,
	}

	e.logger.WithFields(logrus.Fields{
		"provider":   decision.Provider,
		"model":      decision.ModelID,
		"score":      decision.Score,
		"candidates": len(candidates),
		"budget":     rc.Budget,
	}).Debug("Route decided")

	return decision, nil
}

func (e *Engine) score(rc types.RouterInputContext, specs []types.ModelSpec, override []string) []scored {
	minCost, minLatency := -1.0, -1.0
	for _, spec := range specs {
		if c := unitCost(spec); c > 0 && (minCost < 0 || c < minCost) {
			minCost = c
		}
		if l := float64(spec.Capabilities.DefaultLatency); l > 0 && (minLatency < 0 || l < minLatency) {
			minLatency = l
		}
	}

	weights := BudgetWeights(rc.Budget)
	preferred, hasPreference := e.config.DomainPreferences[rc.Domain]
	ctx := bandit.ContextOf(rc)

	var sampled bandit.Arm
	explored := false
	if e.config.Exploration && e.bandit != nil {
		arms := make([]bandit.Arm, len(specs))
		for i, spec := range specs {
			arms[i] = bandit.ArmOf(spec)
		}
		sampled, explored = e.bandit.ChooseAmong(ctx, arms)
	}

	rank := make(map[string]int, len(override))
	for i, provider := range override {
		if _, seen := rank[provider]; !seen {
			rank[provider] = len(override) - i
		}
	}

	out := make([]scored, 0, len(specs))
	for _, spec := range specs {
		s := scored{spec: spec, affinity: 1.0, cost: 1.0, latency: 1.0, bandit: 0.5}

		if hasPreference && spec.Provider != preferred {
			s.affinity = 0.5
		}
		if c := unitCost(spec); c > 0 && minCost > 0 {
			s.cost = minCost / c
		}
		if l := float64(spec.Capabilities.DefaultLatency); l > 0 && minLatency > 0 {
			s.latency = minLatency / l
		}
		if e.bandit != nil {
			arm := bandit.ArmOf(spec)
			s.bandit = e.bandit.Mean(arm, ctx)
			if explored && arm == sampled {
				s.bandit = 1.0
			}
		}
		if rc.SLADeadlineMs > 0 && spec.Capabilities.DefaultLatency.Milliseconds() > rc.SLADeadlineMs {
			s.slaMissed = true
		}
		s.rank = rank[spec.Provider]

		s.score = affinityWeight*s.affinity +
			weights.Cost*s.cost +
			weights.Latency*s.latency +
			banditWeight*s.bandit +
			overrideBonus*float64(s.rank)
		if s.slaMissed {
			s.score -= slaPenalty
		}
		out = append(out, s)
	}
	return out
}

func unitCost(spec types.ModelSpec) float64 {
	return spec.Capabilities.CostPer1KInput + spec.Capabilities.CostPer1KOutput
}
