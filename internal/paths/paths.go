// Package paths holds what the direct and managed routing paths share:
// the Path contract, health tracking and the bounded adapter call.
package paths

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/support-gateway/internal/audit"
	"github.com/tributary-ai/support-gateway/internal/breaker"
	"github.com/tributary-ai/support-gateway/internal/metrics"
	"github.com/tributary-ai/support-gateway/internal/providers"
	"github.com/tributary-ai/support-gateway/internal/registry"
	"github.com/tributary-ai/support-gateway/internal/types"
)

// Path is one way of reaching a provider
type Path interface {
	Kind() types.Path
	Execute(ctx context.Context, decision *types.RouteDecision, req *types.SupportOperationRequest) (*providers.Result, error)
	Status() types.HealthStatus
	PerformHealthCheck(ctx context.Context) types.HealthStatus
}

// Budgets bounds each operation class. A zero value leaves the class unbounded.
type Budgets struct {
	Emergency  time.Duration `yaml:"emergency"`
	Critical   time.Duration `yaml:"critical"`
	Standard   time.Duration `yaml:"standard"`
	Background time.Duration `yaml:"background"`
}

// DefaultBudgets returns the documented class bounds
func DefaultBudgets() Budgets {
	return Budgets{
		Emergency:  5 * time.Second,
		Critical:   10 * time.Second,
		Standard:   30 * time.Second,
		Background: 30 * time.Second,
	}
}

// For returns the bound of a class; unknown classes are standard
func (b Budgets) For(class types.OperationClass) time.Duration {
	switch class {
	case types.OperationEmergency:
		return b.Emergency
	case types.OperationCritical:
		return b.Critical
	case types.OperationBackground:
		return b.Background
	default:
		return b.Standard
	}
}

// Slowest returns the largest class bound
func (b Budgets) Slowest() time.Duration {
	slowest := b.Emergency
	for _, d := range []time.Duration{b.Critical, b.Standard, b.Background} {
		if d > slowest {
			slowest = d
		}
	}
	return slowest
}

// Remaining caps limit at the time left before ctx's deadline
func Remaining(ctx context.Context, limit time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return limit
	}
	if left := time.Until(deadline); left < limit {
		return left
	}
	return limit
}

// Expired returns a timeout when ctx's deadline passed before dispatch, so
// the attempt is not charged to the path
func Expired(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("request deadline passed before dispatch: %w: %w", types.ErrTimeout, ctx.Err())
	}
	return nil
}

// Abandoned reports whether the caller gave up on the request. A passed
// deadline is a timeout, not abandonment.
func Abandoned(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

// Deps are the collaborators of a path client
type Deps struct {
	Adapters *providers.Set
	Registry *registry.Registry
	Audit    audit.Sink
	Metrics  metrics.Sink
	Logger   *logrus.Logger
}

// WithDefaults fills optional collaborators with no-op implementations
func (d Deps) WithDefaults() Deps {
	if d.Audit == nil {
		d.Audit = audit.Nop{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Nop{}
	}
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	return d
}

// Validate checks the required collaborators
func (d Deps) Validate() error {
	if d.Adapters == nil {
		return errors.New("adapter set is required")
	}
	if d.Registry == nil {
		return errors.New("registry is required")
	}
	return nil
}

// Resolve finds the adapter and current model spec for a decision
func (d Deps) Resolve(decision *types.RouteDecision) (providers.Adapter, types.ModelSpec, error) {
	if decision == nil {
		return nil, types.ModelSpec{}, fmt.Errorf("nil route decision: %w", types.ErrInvalidRequest)
	}
	spec, err := d.Registry.Get(decision.Provider, decision.ModelID)
	if err != nil {
		return nil, types.ModelSpec{}, fmt.Errorf("%w: %w", types.ErrNoEligibleModel, err)
	}
	adapter, err := d.Adapters.Get(decision.Provider)
	if err != nil {
		return nil, types.ModelSpec{}, err
	}
	return adapter, spec, nil
}

// BreakerReporter returns a breaker callback that audits transitions and
// updates the breaker gauge
func (d Deps) BreakerReporter(kind types.Path) func(name string, from, to types.BreakerState) {
	return func(name string, from, to types.BreakerState) {
		d.Logger.WithFields(logrus.Fields{
			"path": kind,
			"from": from,
			"to":   to,
		}).Warn("Circuit breaker state changed")

		d.Metrics.SetBreakerState(kind, to)
		audit.Record(context.Background(), d.Audit, d.Logger, audit.BreakerTransition, map[string]interface{}{
			"path":    string(kind),
			"breaker": name,
			"from":    string(from),
			"to":      string(to),
		})
	}
}

// Call runs one adapter completion bounded by timeout. The adapter runs in
// its own goroutine so a provider that ignores ctx cannot hold the caller
// past the bound; a panic in the adapter becomes a ProviderError.
//
// Errors are classified: any deadline yields ErrTimeout, a cancelled parent
// ctx is returned as is, anything else is a ProviderError. Callers check
// their own ctx to tell abandonment from path failure.
func Call(ctx context.Context, adapter providers.Adapter, spec types.ModelSpec, req *types.SupportOperationRequest, timeout time.Duration) (*providers.Result, time.Duration, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res *providers.Result
		err error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%s adapter panicked: %v: %w", adapter.Name(), r, types.ErrProviderError)}
			}
		}()
		res, err := adapter.Complete(callCtx, spec, req)
		done <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-callCtx.Done():
		out = outcome{err: callCtx.Err()}
	}
	latency := time.Since(start)

	if out.err == nil {
		if out.res == nil {
			return nil, latency, fmt.Errorf("%s returned no result: %w", adapter.Name(), types.ErrProviderError)
		}
		return out.res, latency, nil
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, latency, fmt.Errorf("caller deadline passed: %w: %w", types.ErrTimeout, ctx.Err())
	case ctx.Err() != nil:
		return nil, latency, ctx.Err()
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return nil, latency, fmt.Errorf("%s/%s exceeded %s: %w", spec.Provider, spec.ModelID, timeout, types.ErrTimeout)
	case errors.Is(out.err, types.ErrProviderError):
		return nil, latency, out.err
	default:
		return nil, latency, fmt.Errorf("%s/%s: %w: %w", spec.Provider, spec.ModelID, types.ErrProviderError, out.err)
	}
}

// Health tracks the observed health of a path
type Health struct {
	mu          sync.Mutex
	lastLatency time.Duration
	failures    int
	lastChecked time.Time
	lastError   string
	checkFailed bool
}

// Observe records the outcome of a dispatched request
func (h *Health) Observe(latency time.Duration, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastLatency = latency
	if err != nil {
		h.failures++
		h.lastError = err.Error()
		return
	}
	h.failures = 0
	h.lastError = ""
	h.checkFailed = false
}

// ObserveCheck records the outcome of an explicit health check
func (h *Health) ObserveCheck(latency time.Duration, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastLatency = latency
	h.lastChecked = time.Now()
	h.checkFailed = err != nil
	if err != nil {
		h.lastError = err.Error()
	}
}

// Status builds the health snapshot from the path breaker. A closed client
// or a failed trial is unhealthy.
func (h *Health) Status(b *breaker.Breaker, closed bool) types.HealthStatus {
	state := b.State()
	ready := state == types.BreakerOpen && b.Ready()

	h.mu.Lock()
	defer h.mu.Unlock()

	return types.HealthStatus{
		IsHealthy:           !closed && !h.checkFailed,
		LastLatency:         h.lastLatency,
		ConsecutiveFailures: h.failures,
		BreakerState:        state,
		TrialReady:          ready,
		LastChecked:         h.lastChecked,
		LastError:           h.lastError,
	}
}

// CheckBreaker runs the adapter health check. When the breaker is open past
// its cooldown the check itself is the half-open trial: passing closes the
// breaker, failing reopens it.
func CheckBreaker(ctx context.Context, b *breaker.Breaker, adapters *providers.Set, timeout time.Duration) (latency time.Duration, err error) {
	check := func() error {
		latency, err = CheckAdapters(ctx, adapters, timeout)
		return err
	}
	if !b.Trial(check) {
		_ = check()
	}
	return latency, err
}

// CheckAdapters checks every adapter and returns the latency of the slowest
// and an error when none answered
func CheckAdapters(ctx context.Context, adapters *providers.Set, timeout time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	names := adapters.Names()
	if len(names) == 0 {
		return 0, fmt.Errorf("no adapters registered: %w", types.ErrProviderError)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		healthy int
		errs    []error
	)
	for _, name := range names {
		adapter, err := adapters.Get(name)
		if err != nil {
			continue
		}
		wg.Add(1)
		go func(a providers.Adapter) {
			defer wg.Done()
			err := a.HealthCheck(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
				return
			}
			healthy++
		}(adapter)
	}
	wg.Wait()

	if healthy == 0 {
		return time.Since(start), fmt.Errorf("all adapters unhealthy: %w", errors.Join(errs...))
	}
	return time.Since(start), nil
}
