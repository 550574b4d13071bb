package policy

import (
	"strings"
)

// TaskType is the coarse kind of work a prompt asks for
type TaskType string

const (
	TaskSystem   TaskType = "system"
	TaskAudience TaskType = "audience"
	TaskGeneral  TaskType = "general"
)

// TaskClassifier maps a prompt to a task type. Implementations are heuristics
// and callers must not rely on their accuracy.
type TaskClassifier interface {
	Classify(prompt string) TaskType
}

// KeywordClassifier matches lower-cased keyword fragments. System keywords win over audience ones.
type KeywordClassifier struct {
	System   []string `yaml:"system"`
	Audience []string `yaml:"audience"`
}

// DefaultKeywordClassifier returns the built-in keyword lists
func DefaultKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{
		System: []string{
			"orchestrat", "workflow", "pipeline", "automation", "system", "deploy", "integration",
		},
		Audience: []string{
			"audience", "segment", "persona", "demographic", "engagement", "sentiment", "customer base",
		},
	}
}

// Classify implements TaskClassifier
func (k *KeywordClassifier) Classify(prompt string) TaskType {
	p := strings.ToLower(prompt)
	for _, kw := range k.System {
		if strings.Contains(p, kw) {
			return TaskSystem
		}
	}
	for _, kw := range k.Audience {
		if strings.Contains(p, kw) {
			return TaskAudience
		}
	}
	return TaskGeneral
}

// PriorityTable maps task types to provider ids in priority order
type PriorityTable map[TaskType][]string

// DefaultPriorities favours anthropic for orchestration work and openai for
// audience analysis. General tasks carry no preference.
func DefaultPriorities() PriorityTable {
	return PriorityTable{
		TaskSystem:   {"anthropic", "openai"},
		TaskAudience: {"openai", "anthropic"},
		TaskGeneral:  nil,
	}
}

// PriorityFor returns a copy of the ordering for t
func (p PriorityTable) PriorityFor(t TaskType) []string {
	order, ok := p[t]
	if !ok || len(order) == 0 {
		return nil
	}
	return append([]string(nil), order...)
}
