// Package fake provides a scripted provider adapter for tests and local runs.
package fake

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/tributary-ai/support-gateway/internal/providers"
	"github.com/tributary-ai/support-gateway/internal/types"
)

// Step is one scripted outcome
type Step struct {
	Latency   time.Duration
	Err       error
	Text      string
	ToolCalls []types.ToolCall
	Usage     types.Usage
	Panic     bool
}

// Adapter replays its steps in order and repeats the last one once exhausted.
// With no steps it always succeeds immediately.
type Adapter struct {
	name string

	mu        sync.Mutex
	steps     []Step
	next      int
	calls     int
	healthErr error
	lastReq   *types.SupportOperationRequest

	// seeded mode
	rng         *rand.Rand
	successRate float64
	latency     time.Duration
}

// New creates a scripted adapter
func New(name string, steps ...Step) *Adapter {
	return &Adapter{name: name, steps: steps}
}

// Succeed returns an adapter that always answers text after latency
func Succeed(name, text string, latency time.Duration) *Adapter {
	return New(name, Step{Text: text, Latency: latency})
}

// Fail returns an adapter that always fails with err after latency
func Fail(name string, err error, latency time.Duration) *Adapter {
	return New(name, Step{Err: err, Latency: latency})
}

// Seeded returns an adapter whose outcomes are drawn from a seeded source,
// succeeding with probability successRate
func Seeded(name string, seed uint64, successRate float64, latency time.Duration) *Adapter {
	return &Adapter{
		name:        name,
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		successRate: successRate,
		latency:     latency,
	}
}

// Name returns the provider id
func (a *Adapter) Name() string {
	return a.name
}

// Complete plays the next step, honouring ctx cancellation during the latency wait
func (a *Adapter) Complete(ctx context.Context, spec types.ModelSpec, req *types.SupportOperationRequest) (*providers.Result, error) {
	step := a.advance(req)

	if step.Latency > 0 {
		timer := time.NewTimer(step.Latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if step.Panic {
		panic(fmt.Sprintf("fake adapter %s scripted panic", a.name))
	}
	if step.Err != nil {
		return nil, step.Err
	}

	text := step.Text
	if text == "" {
		text = fmt.Sprintf("%s/%s: ok", a.name, spec.ModelID)
	}
	usage := step.Usage
	if usage == (types.Usage{}) {
		usage.InputTokens = providers.EstimateTokens(req)
		usage.OutputTokens = len(text)/4 + 1
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}

	return &providers.Result{
		Provider:     a.name,
		Model:        spec.ModelID,
		Text:         text,
		ToolCalls:    step.ToolCalls,
		Usage:        usage,
		FinishReason: "stop",
	}, nil
}

// HealthCheck returns the configured health error
func (a *Adapter) HealthCheck(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.healthErr
}

// SetHealthError makes subsequent health checks fail with err (nil to recover)
func (a *Adapter) SetHealthError(err error) {
	a.mu.Lock()
	a.healthErr = err
	a.mu.Unlock()
}

// Script replaces the remaining steps
func (a *Adapter) Script(steps ...Step) {
	a.mu.Lock()
	a.steps = steps
	a.next = 0
	a.mu.Unlock()
}

// Calls returns how many times Complete was invoked
func (a *Adapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// LastRequest returns the most recent request seen by Complete
func (a *Adapter) LastRequest() *types.SupportOperationRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastReq
}

func (a *Adapter) advance(req *types.SupportOperationRequest) Step {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls++
	a.lastReq = req

	if a.rng != nil {
		if a.rng.Float64() < a.successRate {
			return Step{Latency: a.latency}
		}
		return Step{Latency: a.latency, Err: fmt.Errorf("fake %s failure: %w", a.name, types.ErrProviderError)}
	}

	if len(a.steps) == 0 {
		return Step{}
	}
	step := a.steps[a.next]
	if a.next < len(a.steps)-1 {
		a.next++
	}
	return step
}

var _ providers.Adapter = (*Adapter)(nil)
