// Package gateway composes routing, dispatch, caching and learning into the
// single Execute entry point.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/tributary-ai/support-gateway/internal/audit"
	"github.com/tributary-ai/support-gateway/internal/bandit"
	"github.com/tributary-ai/support-gateway/internal/cache"
	"github.com/tributary-ai/support-gateway/internal/compliance"
	"github.com/tributary-ai/support-gateway/internal/hybrid"
	"github.com/tributary-ai/support-gateway/internal/monitor"
	"github.com/tributary-ai/support-gateway/internal/paths"
	"github.com/tributary-ai/support-gateway/internal/policy"
	"github.com/tributary-ai/support-gateway/internal/registry"
	"github.com/tributary-ai/support-gateway/internal/types"
)

// Config holds gateway configuration
type Config struct {
	// CacheableClasses are always served from cache when possible. Other
	// non time-critical classes are cached when metadata marks retrieval=true.
	CacheableClasses []types.OperationClass `yaml:"cacheable_classes"`

	EnableComplianceChecks bool `yaml:"enable_compliance_checks"`

	// LatencyAlpha is the smoothing factor for observed model latency
	LatencyAlpha float64 `yaml:"latency_alpha"`

	// Budgets bound each request end to end by its class, fallback included
	Budgets paths.Budgets `yaml:"budgets"`
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		CacheableClasses:       []types.OperationClass{types.OperationBackground},
		EnableComplianceChecks: true,
		LatencyAlpha:           0.2,
		Budgets:                paths.DefaultBudgets(),
	}
}

// Deps are the gateway collaborators. Cache and Compliance are optional.
type Deps struct {
	Registry   *registry.Registry
	Policy     *policy.Engine
	Bandit     *bandit.Bandit
	Router     *hybrid.Router
	Monitor    *monitor.Monitor
	Cache      cache.Cache
	Compliance compliance.Checker
	Audit      audit.Sink
	Logger     *logrus.Logger
}

// Gateway is safe for concurrent use
type Gateway struct {
	config Config
	deps   Deps
	logger *logrus.Logger
	flight singleflight.Group
	now    func() time.Time
}

// New creates a gateway
func New(config Config, deps Deps) (*Gateway, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("gateway: registry is required")
	case deps.Policy == nil:
		return nil, errors.New("gateway: policy engine is required")
	case deps.Bandit == nil:
		return nil, errors.New("gateway: bandit is required")
	case deps.Router == nil:
		return nil, errors.New("gateway: router is required")
	case deps.Monitor == nil:
		return nil, errors.New("gateway: monitor is required")
	}
	if deps.Compliance == nil {
		deps.Compliance = compliance.AllowAll{}
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if config.LatencyAlpha <= 0 || config.LatencyAlpha > 1 {
		config.LatencyAlpha = DefaultConfig().LatencyAlpha
	}

	return &Gateway{
		config: config,
		deps:   deps,
		logger: deps.Logger,
		now:    time.Now,
	}, nil
}

// Preview is the dry-run result of RouteOnly
type Preview struct {
	RequestID string               `json:"request_id"`
	Plan      hybrid.Plan          `json:"plan"`
	Decision  *types.RouteDecision `json:"decision"`
	TaskType  policy.TaskType      `json:"task_type"`
	Override  []string             `json:"override,omitempty"`
	Cacheable bool                 `json:"cacheable"`
}

// RouteOnly computes the path plan and model decision without dispatching
func (g *Gateway) RouteOnly(ctx context.Context, req *types.SupportOperationRequest) (*Preview, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request: %w", types.ErrInvalidRequest)
	}
	r := g.normalize(req)
	ctx = audit.WithRequestID(ctx, r.ID)

	plan, err := g.deps.Router.Route(ctx, r)
	if err != nil {
		return nil, err
	}
	task, override, decision, err := g.decide(r)
	if err != nil {
		return nil, err
	}
	decision.Path = plan.Selected

	return &Preview{
		RequestID: r.ID,
		Plan:      plan,
		Decision:  decision,
		TaskType:  task,
		Override:  override,
		Cacheable: g.cacheable(r),
	}, nil
}

// Execute runs one request end to end. It never returns nil and never
// panics; failures are reported in the response.
func (g *Gateway) Execute(ctx context.Context, req *types.SupportOperationRequest) (resp *types.SupportOperationResponse) {
	start := g.now()

	if req == nil {
		return g.failure(uuid.NewString(), start, fmt.Errorf("nil request: %w", types.ErrInvalidRequest))
	}
	r := g.normalize(req)
	ctx = audit.WithRequestID(ctx, r.ID)
	if r.TenantID != "" {
		ctx = audit.WithTenant(ctx, r.TenantID)
	}
	if budget := g.config.Budgets.For(r.Operation); budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	g.deps.Monitor.RecordRequestStart(r.ID, r.Operation)
	completion := monitor.Completion{}
	defer func() {
		if p := recover(); p != nil {
			g.logger.WithFields(logrus.Fields{
				"request_id": r.ID,
				"panic":      fmt.Sprint(p),
			}).Error("Recovered panic in gateway execute")
			resp = g.failure(r.ID, start, fmt.Errorf("internal error: %v", p))
			completion.Success = false
		}
		if _, err := g.deps.Monitor.RecordRequestComplete(r.ID, completion); err != nil {
			g.logger.WithError(err).WithField("request_id", r.ID).Debug("Latency monitor completion not recorded")
		}
	}()

	if err := g.checkCompliance(ctx, r); err != nil {
		return g.failure(r.ID, start, err)
	}

	plan, err := g.deps.Router.Route(ctx, r)
	if err != nil {
		return g.failure(r.ID, start, err)
	}

	_, _, decision, err := g.decide(r)
	if err != nil {
		failed := g.failure(r.ID, start, err)
		failed.Path = plan.Selected
		return failed
	}

	cacheable := g.cacheable(r)
	var key string
	if cacheable {
		key = cache.Key(r.Operation, r.Prompt, r.Tools)
		if hit := g.cacheLookup(ctx, key); hit != nil {
			hit.RequestID = r.ID
			hit.CacheHit = true
			hit.CostEuro = 0
			hit.FallbackUsed = false
			hit.LatencyMs = g.now().Sub(start).Milliseconds()
			completion = monitor.Completion{Provider: hit.Provider, Model: hit.ModelID, CacheHit: true, Tokens: hit.Usage.TotalTokens, Success: true}
			return hit
		}
	}

	var (
		result   *types.SupportOperationResponse
		followed bool
	)
	if cacheable {
		result, followed = g.dispatchShared(ctx, key, plan, decision, r, start)
	} else {
		result = g.dispatch(ctx, plan, decision, r, start)
	}

	resp = copyResponse(result)
	resp.RequestID = r.ID
	if followed && resp.Success {
		// served by a concurrent identical request
		resp.CacheHit = true
		resp.CostEuro = 0
		resp.LatencyMs = g.now().Sub(start).Milliseconds()
	}

	completion = monitor.Completion{
		Provider: resp.Provider,
		Model:    resp.ModelID,
		CacheHit: resp.CacheHit,
		Tokens:   resp.Usage.TotalTokens,
		Cost:     resp.CostEuro,
		Success:  resp.Success,
	}

	return resp
}

// dispatchShared collapses concurrent identical requests onto one dispatch.
// The shared dispatch keeps the first caller's deadline but not its
// cancellation, and every caller stops waiting when its own ctx is done.
// followed is true when the result was produced for another caller.
func (g *Gateway) dispatchShared(ctx context.Context, key string, plan hybrid.Plan, decision *types.RouteDecision, r *types.SupportOperationRequest, start time.Time) (result *types.SupportOperationResponse, followed bool) {
	leader := false
	ch := g.flight.DoChan(key, func() (interface{}, error) {
		leader = true
		sharedCtx, cancel := detach(ctx)
		defer cancel()

		out := g.dispatch(sharedCtx, plan, decision, r, start)
		if out.Success {
			if err := g.deps.Cache.Set(sharedCtx, key, copyResponse(out)); err != nil {
				g.logger.WithError(err).WithField("request_id", r.ID).Warn("Failed to store response in cache")
			}
		}
		return out, nil
	})

	select {
	case res := <-ch:
		return res.Val.(*types.SupportOperationResponse), !leader
	case <-ctx.Done():
		err := fmt.Errorf("request abandoned while awaiting shared dispatch: %w", ctx.Err())
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("request deadline passed while awaiting shared dispatch: %w: %w", types.ErrTimeout, ctx.Err())
		}
		failed := g.failure(r.ID, start, err)
		failed.Path = plan.Selected
		return failed, false
	}
}

// detach drops ctx's cancellation and keeps its values and deadline
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(detached, deadline)
	}
	return context.WithCancel(detached)
}

// dispatch sends the request along the plan and learns from the outcome
func (g *Gateway) dispatch(ctx context.Context, plan hybrid.Plan, decision *types.RouteDecision, r *types.SupportOperationRequest, start time.Time) *types.SupportOperationResponse {
	decideFn := func(path types.Path) (*types.RouteDecision, error) {
		d := *decision
		d.Path = path
		return &d, nil
	}

	out, err := g.deps.Router.Execute(ctx, plan, decideFn, r)
	elapsed := g.now().Sub(start)
	rc := r.RouterContext()
	arm := bandit.Arm{Provider: decision.Provider, Model: decision.ModelID}

	if err != nil {
		resp := g.failure(r.ID, start, err)
		resp.Provider = decision.Provider
		resp.ModelID = decision.ModelID
		if out != nil {
			resp.Path = out.Path
			resp.FallbackUsed = out.FallbackUsed
		}
		if dispatched(err) {
			g.deps.Bandit.Record(arm, bandit.ContextOf(rc), bandit.Outcome{Success: false, LatencyMs: float64(elapsed.Milliseconds())})
		}
		return resp
	}

	spec, specErr := g.deps.Registry.Get(decision.Provider, decision.ModelID)
	cost := 0.0
	if specErr == nil {
		cost = Cost(spec, out.Result.Usage)
	}

	resp := &types.SupportOperationResponse{
		RequestID:    r.ID,
		Provider:     decision.Provider,
		ModelID:      decision.ModelID,
		Path:         out.Path,
		Text:         out.Result.Text,
		ToolCalls:    out.Result.ToolCalls,
		LatencyMs:    elapsed.Milliseconds(),
		Usage:        out.Result.Usage,
		CostEuro:     cost,
		FallbackUsed: out.FallbackUsed,
		Success:      true,
	}
	if resp.ToolCalls == nil {
		resp.ToolCalls = []types.ToolCall{}
	}

	g.deps.Bandit.Record(arm, bandit.ContextOf(rc), bandit.Outcome{
		Success:   true,
		Cost:      cost,
		LatencyMs: float64(elapsed.Milliseconds()),
	})
	g.deps.Registry.ObserveLatency(decision.Provider, decision.ModelID, elapsed, g.config.LatencyAlpha)

	g.logger.WithFields(logrus.Fields{
		"request_id":    r.ID,
		"class":         r.Operation,
		"provider":      resp.Provider,
		"model":         resp.ModelID,
		"path":          resp.Path,
		"latency_ms":    resp.LatencyMs,
		"cost_euro":     resp.CostEuro,
		"fallback_used": resp.FallbackUsed,
	}).Info("Support operation completed")

	return resp
}

// Cost returns the EUR cost of usage at the spec's per-1k rates
func Cost(spec types.ModelSpec, usage types.Usage) float64 {
	return float64(usage.InputTokens)*spec.Capabilities.CostPer1KInput/1000 +
		float64(usage.OutputTokens)*spec.Capabilities.CostPer1KOutput/1000
}

func (g *Gateway) normalize(req *types.SupportOperationRequest) *types.SupportOperationRequest {
	r := *req
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Operation = types.ParseOperationClass(string(r.Operation))
	r.Budget = types.ParseBudgetTier(string(r.Budget))
	r.Prompt = compliance.Sanitize(r.Prompt)
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = g.now()
	}
	return &r
}

// decide classifies the prompt and asks the policy engine for a model,
// using the task type's provider priority as override
func (g *Gateway) decide(r *types.SupportOperationRequest) (policy.TaskType, []string, *types.RouteDecision, error) {
	task, override := g.deps.Policy.OverrideFor(r.Prompt)
	decision, err := g.deps.Policy.Decide(r.RouterContext(), r.Tools, override)
	return task, override, decision, err
}

func (g *Gateway) checkCompliance(ctx context.Context, r *types.SupportOperationRequest) error {
	if !g.config.EnableComplianceChecks {
		return nil
	}

	verdict, err := g.deps.Compliance.Check(ctx, r)
	if err != nil {
		// fail closed
		audit.Record(ctx, g.deps.Audit, g.logger, audit.ComplianceViolation, map[string]interface{}{
			"reason": "checker_error",
			"error":  err.Error(),
		})
		return fmt.Errorf("compliance check unavailable: %w: %w", types.ErrComplianceViolation, err)
	}
	if verdict.Allowed {
		return nil
	}

	rules := verdict.Rules()
	audit.Record(ctx, g.deps.Audit, g.logger, audit.ComplianceViolation, map[string]interface{}{
		"rules":     strings.Join(rules, ","),
		"operation": string(r.Operation),
	})
	return fmt.Errorf("rules %s: %w", strings.Join(rules, ","), types.ErrComplianceViolation)
}

func (g *Gateway) cacheable(r *types.SupportOperationRequest) bool {
	if g.deps.Cache == nil {
		return false
	}
	for _, class := range g.config.CacheableClasses {
		if class == r.Operation {
			return true
		}
	}
	return !r.Operation.TimeCritical() && strings.EqualFold(r.Metadata["retrieval"], "true")
}

func (g *Gateway) cacheLookup(ctx context.Context, key string) *types.SupportOperationResponse {
	hit, ok, err := g.deps.Cache.Get(ctx, key)
	if err != nil {
		g.logger.WithError(err).Warn("Cache lookup failed, treating as miss")
		return nil
	}
	if !ok || hit == nil {
		return nil
	}
	return hit
}

func (g *Gateway) failure(id string, start time.Time, err error) *types.SupportOperationResponse {
	return &types.SupportOperationResponse{
		RequestID: id,
		ToolCalls: []types.ToolCall{},
		LatencyMs: g.now().Sub(start).Milliseconds(),
		Success:   false,
		Error:     err.Error(),
		ErrorKind: types.KindOf(err),
	}
}

// dispatched reports whether the error came from an attempted provider call
func dispatched(err error) bool {
	switch types.KindOf(err) {
	case types.KindTimeout, types.KindProviderError:
		return true
	default:
		return false
	}
}

func copyResponse(resp *types.SupportOperationResponse) *types.SupportOperationResponse {
	out := *resp
	if resp.ToolCalls != nil {
		out.ToolCalls = append([]types.ToolCall(nil), resp.ToolCalls...)
	}
	return &out
}
