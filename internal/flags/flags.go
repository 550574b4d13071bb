// Package flags answers feature-flag queries for the routing layer.
package flags

import (
	"context"
	"sync"
)

// Flag names consulted before every routing decision
const (
	IntelligentRouting = "intelligent_routing"
	DirectFallback     = "direct_fallback"
)

// Provider answers boolean flag queries. Unknown flags are off.
type Provider interface {
	Enabled(ctx context.Context, name string) bool
}

// Static is an in-memory flag set that can be flipped at runtime
type Static struct {
	mu    sync.RWMutex
	flags map[string]bool
}

// NewStatic creates a flag set from initial values
func NewStatic(initial map[string]bool) *Static {
	flags := make(map[string]bool, len(initial))
	for name, on := range initial {
		flags[name] = on
	}
	return &Static{flags: flags}
}

// Enabled implements Provider
func (s *Static) Enabled(_ context.Context, name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags[name]
}

// Set flips one flag
func (s *Static) Set(name string, on bool) {
	s.mu.Lock()
	s.flags[name] = on
	s.mu.Unlock()
}

// Snapshot returns a copy of all flags
func (s *Static) Snapshot() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.flags))
	for name, on := range s.flags {
		out[name] = on
	}
	return out
}

// IsEnabled queries p and treats a missing provider as all flags off
func IsEnabled(ctx context.Context, p Provider, name string) bool {
	if p == nil {
		return false
	}
	return p.Enabled(ctx, name)
}

var _ Provider = (*Static)(nil)
