package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tributary-ai/support-gateway/internal/types"
)

// Adapter translates the unified request into one provider's payload and back.
// Every provider must implement it.
type Adapter interface {
	Name() string
	Complete(ctx context.Context, spec types.ModelSpec, req *types.SupportOperationRequest) (*Result, error)
	HealthCheck(ctx context.Context) error
}

// Result is the provider-neutral outcome of a completion
type Result struct {
	Provider     string           `json:"provider"`
	Model        string           `json:"model"`
	Text         string           `json:"text"`
	ToolCalls    []types.ToolCall `json:"tool_calls,omitempty"`
	Usage        types.Usage      `json:"usage"`
	FinishReason string           `json:"finish_reason,omitempty"`
}

// Set is a concurrency-safe lookup of adapters by provider id
type Set struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewSet creates a set from adapters
func NewSet(adapters ...Adapter) *Set {
	s := &Set{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		s.Register(a)
	}
	return s
}

// Register adds or replaces the adapter for its provider id
func (s *Set) Register(a Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapters[a.Name()] = a
}

// Get returns the adapter for provider
func (s *Set) Get(provider string) (Adapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %s: %w", provider, types.ErrProviderError)
	}
	return a, nil
}

// Names returns registered provider ids in lexical order
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.adapters))
	for name := range s.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EstimateTokens gives a rough token count of the prompt and tool specs,
// about four characters per token
func EstimateTokens(req *types.SupportOperationRequest) int {
	chars := len(req.Prompt)
	for _, tool := range req.Tools {
		chars += len(tool.Name) + len(tool.Description)
	}
	tokens := chars / 4
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}

// MaxTokensOrDefault returns the request's max tokens or def when unset
func MaxTokensOrDefault(req *types.SupportOperationRequest, def int) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return def
}
