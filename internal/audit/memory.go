package audit

import (
	"context"
	"sync"
	"time"
)

// Memory keeps events in memory, newest last, up to a fixed count
type Memory struct {
	mu     sync.Mutex
	limit  int
	events []Event
}

// NewMemory creates an in-memory sink holding at most limit events
func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = 1000
	}
	return &Memory{limit: limit}
}

// LogEvent implements Sink
func (m *Memory) LogEvent(ctx context.Context, eventType EventType, timestamp time.Time, details map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, Event{
		Timestamp: timestamp,
		EventType: eventType,
		RequestID: RequestIDFrom(ctx),
		UserID:    PrincipalFrom(ctx),
		TenantID:  TenantFrom(ctx),
		Details:   details,
		Severity:  severity(eventType),
		Source:    "support-gateway",
	})
	if len(m.events) > m.limit {
		m.events = m.events[len(m.events)-m.limit:]
	}
	return nil
}

// Events returns a copy of the recorded events
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// OfType returns the recorded events of one type
func (m *Memory) OfType(eventType EventType) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Event
	for _, e := range m.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

var _ Sink = (*Memory)(nil)
