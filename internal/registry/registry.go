package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/support-gateway/internal/types"
)

// Registry is the in-memory capability table, one entry per (provider, model).
// Reads are concurrent, writes are serialized.
type Registry struct {
	mu     sync.RWMutex
	specs  map[string]types.ModelSpec
	logger *logrus.Logger
}

// New creates a registry seeded with specs
func New(logger *logrus.Logger, specs ...types.ModelSpec) *Registry {
	r := &Registry{
		specs:  make(map[string]types.ModelSpec, len(specs)),
		logger: logger,
	}
	for _, spec := range specs {
		r.Register(spec)
	}
	return r
}

// Register adds or replaces a spec
func (r *Registry) Register(spec types.ModelSpec) {
	r.mu.Lock()
	r.specs[spec.Key()] = spec.Clone()
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"provider": spec.Provider,
		"model":    spec.ModelID,
	}).Debug("Model registered")
}

// Get returns a copy of the spec for (provider, model)
func (r *Registry) Get(provider, model string) (types.ModelSpec, error) {
	r.mu.RLock()
	spec, ok := r.specs[provider+"/"+model]
	r.mu.RUnlock()

	if !ok {
		return types.ModelSpec{}, fmt.Errorf("%s/%s: %w", provider, model, types.ErrModelNotFound)
	}
	return spec.Clone(), nil
}

// List returns the specs satisfying the hard capability constraints of ctx,
// sorted by key for determinism
func (r *Registry) List(ctx types.RouterInputContext) []types.ModelSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.ModelSpec, 0, len(r.specs))
	for _, spec := range r.specs {
		if ctx.RequireTools && !spec.Capabilities.SupportsTools {
			continue
		}
		if ctx.MinContextWindow > 0 && spec.Capabilities.ContextWindow < ctx.MinContextWindow {
			continue
		}
		if !spec.ServesDomain(ctx.Domain) {
			continue
		}
		out = append(out, spec.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key() < out[j].Key()
	})
	return out
}

// All returns every registered spec sorted by key
func (r *Registry) All() []types.ModelSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.ModelSpec, 0, len(r.specs))
	for _, spec := range r.specs {
		out = append(out, spec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key() < out[j].Key()
	})
	return out
}

// Update applies an observed-performance correction. Copies already handed
// out to in-flight decisions are unaffected.
func (r *Registry) Update(provider, model string, update types.CapabilityUpdate) error {
	key := provider + "/" + model

	r.mu.Lock()
	spec, ok := r.specs[key]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", key, types.ErrModelNotFound)
	}
	spec = spec.Clone()
	update.Apply(&spec.Capabilities)
	r.specs[key] = spec
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"provider":        provider,
		"model":           model,
		"default_latency": spec.Capabilities.DefaultLatency.Milliseconds(),
	}).Debug("Model capabilities updated")
	return nil
}

// ObserveLatency folds an observed latency into the default latency estimate
// with an exponential moving average
func (r *Registry) ObserveLatency(provider, model string, observed time.Duration, alpha float64) {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := provider + "/" + model
	spec, ok := r.specs[key]
	if !ok {
		return
	}
	current := spec.Capabilities.DefaultLatency
	if current <= 0 {
		spec.Capabilities.DefaultLatency = observed
	} else {
		spec.Capabilities.DefaultLatency = time.Duration(alpha*float64(observed) + (1-alpha)*float64(current))
	}
	r.specs[key] = spec
}

// Len returns the number of registered specs
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.specs)
}
