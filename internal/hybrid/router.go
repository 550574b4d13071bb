// Package hybrid chooses between the managed and direct paths and performs
// the single allowed fallback between them.
package hybrid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/support-gateway/internal/audit"
	"github.com/tributary-ai/support-gateway/internal/flags"
	"github.com/tributary-ai/support-gateway/internal/metrics"
	"github.com/tributary-ai/support-gateway/internal/paths"
	"github.com/tributary-ai/support-gateway/internal/providers"
	"github.com/tributary-ai/support-gateway/internal/types"
)

// Plan is the path choice for one request. It is fixed before dispatch.
type Plan struct {
	Class types.OperationClass `json:"class"`

	// Preferred is what the class asks for, Selected is what will be tried first
	Preferred types.Path `json:"preferred"`
	Selected  types.Path `json:"selected"`

	// AllowFallback permits one switch to the alternate path after a failure
	AllowFallback bool `json:"allow_fallback"`

	// PreDispatchFallback is set when Selected differs from Preferred
	// because the preferred path was unavailable
	PreDispatchFallback bool     `json:"pre_dispatch_fallback"`
	Intelligent         bool     `json:"intelligent"`
	Reasoning           []string `json:"reasoning"`
}

// DecisionFunc returns the provider/model decision for a path
type DecisionFunc func(path types.Path) (*types.RouteDecision, error)

// Outcome is the result of executing a plan
type Outcome struct {
	Result       *providers.Result
	Decision     *types.RouteDecision
	Path         types.Path
	FallbackUsed bool
	Attempts     int
}

// Router routes requests across the two paths
type Router struct {
	paths   map[types.Path]paths.Path
	flags   flags.Provider
	audit   audit.Sink
	metrics metrics.Sink
	logger  *logrus.Logger
}

// NewRouter creates a router. A nil flag provider disables intelligent routing.
func NewRouter(direct, managed paths.Path, flagProvider flags.Provider, auditSink audit.Sink, sink metrics.Sink, logger *logrus.Logger) *Router {
	if auditSink == nil {
		auditSink = audit.Nop{}
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Router{
		paths: map[types.Path]paths.Path{
			types.PathDirect:  direct,
			types.PathManaged: managed,
		},
		flags:   flagProvider,
		audit:   auditSink,
		metrics: sink,
		logger:  logger,
	}
}

// PreferredPath maps an operation class to its path
func PreferredPath(class types.OperationClass) types.Path {
	if class.TimeCritical() {
		return types.PathDirect
	}
	return types.PathManaged
}

// Route builds the plan for a request. Flags are consulted on every call.
func (r *Router) Route(ctx context.Context, req *types.SupportOperationRequest) (Plan, error) {
	if req == nil {
		return Plan{}, fmt.Errorf("nil request: %w", types.ErrInvalidRequest)
	}

	class := types.ParseOperationClass(string(req.Operation))
	plan := Plan{
		Class:       class,
		Intelligent: flags.IsEnabled(ctx, r.flags, flags.IntelligentRouting),
	}

	if !plan.Intelligent {
		plan.Preferred = types.PathManaged
		plan.Selected = types.PathManaged
		plan.Reasoning = append(plan.Reasoning, "intelligent routing disabled, using managed path")
		return plan, nil
	}

	plan.Preferred = PreferredPath(class)
	plan.Selected = plan.Preferred
	plan.AllowFallback = flags.IsEnabled(ctx, r.flags, flags.DirectFallback)
	plan.Reasoning = append(plan.Reasoning, fmt.Sprintf("%s class prefers %s path", class, plan.Preferred))

	if r.available(plan.Preferred) || !plan.AllowFallback {
		return plan, nil
	}

	alternate := plan.Preferred.Alternate()
	if r.available(alternate) {
		plan.Selected = alternate
		plan.PreDispatchFallback = true
		plan.AllowFallback = false
		plan.Reasoning = append(plan.Reasoning, fmt.Sprintf("%s path unavailable, switching to %s", plan.Preferred, alternate))
	}
	return plan, nil
}

// Execute runs the plan. The alternate path is tried at most once, and only
// for timeouts, open breakers and provider errors.
func (r *Router) Execute(ctx context.Context, plan Plan, decide DecisionFunc, req *types.SupportOperationRequest) (out *Outcome, err error) {
	start := time.Now()
	out = &Outcome{Path: plan.Selected, FallbackUsed: plan.PreDispatchFallback}

	defer func() {
		r.recordDecision(ctx, plan, out, err, time.Since(start))
	}()

	if plan.PreDispatchFallback {
		r.noteFallback(ctx, plan.Preferred, plan.Selected, "preferred path unavailable before dispatch")
	}

	res, decision, err := r.attempt(ctx, plan.Selected, decide, req)
	out.Attempts = 1
	out.Decision = decision
	if err == nil {
		out.Result = res
		return out, nil
	}

	if !plan.AllowFallback || !types.FallbackEligible(err) || ctx.Err() != nil {
		return out, err
	}

	alternate := plan.Selected.Alternate()
	r.noteFallback(ctx, plan.Selected, alternate, err.Error())

	res, decision, fbErr := r.attempt(ctx, alternate, decide, req)
	out.Attempts = 2
	out.Path = alternate
	out.FallbackUsed = true
	if decision != nil {
		out.Decision = decision
	}
	if fbErr != nil {
		return out, fmt.Errorf("fallback to %s failed: %w (primary %s: %v)", alternate, fbErr, plan.Selected, err)
	}
	out.Result = res
	return out, nil
}

// Status reports the health of both paths
func (r *Router) Status() map[types.Path]types.HealthStatus {
	status := make(map[types.Path]types.HealthStatus, len(r.paths))
	for kind, p := range r.paths {
		if p != nil {
			status[kind] = p.Status()
		}
	}
	return status
}

func (r *Router) attempt(ctx context.Context, kind types.Path, decide DecisionFunc, req *types.SupportOperationRequest) (*providers.Result, *types.RouteDecision, error) {
	p := r.paths[kind]
	if p == nil {
		return nil, nil, fmt.Errorf("%s path not configured: %w", kind, types.ErrCircuitOpen)
	}

	decision, err := decide(kind)
	if err != nil {
		return nil, nil, err
	}
	decision.Path = kind

	res, err := p.Execute(ctx, decision, req)
	return res, decision, err
}

func (r *Router) available(kind types.Path) bool {
	p := r.paths[kind]
	return p != nil && p.Status().Available()
}

func (r *Router) noteFallback(ctx context.Context, from, to types.Path, reason string) {
	r.metrics.IncFallback(from, to)
	r.logger.WithFields(logrus.Fields{
		"request_id": audit.RequestIDFrom(ctx),
		"from":       from,
		"to":         to,
		"reason":     reason,
	}).Warn("Falling back to alternate path")

	audit.Record(ctx, r.audit, r.logger, audit.PathFallback, map[string]interface{}{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	})
}

func (r *Router) recordDecision(ctx context.Context, plan Plan, out *Outcome, err error, elapsed time.Duration) {
	details := map[string]interface{}{
		"class":         string(plan.Class),
		"preferred":     string(plan.Preferred),
		"path":          string(out.Path),
		"intelligent":   plan.Intelligent,
		"fallback_used": out.FallbackUsed,
		"attempts":      out.Attempts,
		"duration_ms":   elapsed.Milliseconds(),
		"success":       err == nil,
	}
	if out.Decision != nil {
		details["provider"] = out.Decision.Provider
		details["model"] = out.Decision.ModelID
		details["justification"] = out.Decision.Justification
	}
	if err != nil {
		details["error_kind"] = string(types.KindOf(err))
	}
	audit.Record(ctx, r.audit, r.logger, audit.RoutingDecision, details)

	entry := r.logger.WithFields(logrus.Fields{
		"request_id":    audit.RequestIDFrom(ctx),
		"class":         plan.Class,
		"path":          out.Path,
		"fallback_used": out.FallbackUsed,
		"duration_ms":   elapsed.Milliseconds(),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		entry.WithError(err).Warn("Request routing failed")
		return
	}
	entry.Debug("Request routed")
}
