// Package audit records routing, breaker and security events to a structured log.
package audit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EventType represents the kinds of audited events
type EventType string

const (
	RoutingDecision       EventType = "routing_decision"
	BreakerTransition     EventType = "circuit_breaker_transition"
	PathFallback          EventType = "path_fallback"
	ComplianceViolation   EventType = "compliance_violation"
	BanditReset           EventType = "bandit_reset"
	AuthenticationSuccess EventType = "authentication_success"
	AuthenticationFailure EventType = "authentication_failure"
	AuthorizationFailure  EventType = "authorization_failure"
	RateLimitExceeded     EventType = "rate_limit_exceeded"
	ValidationFailure     EventType = "validation_failure"
	APIRequest            EventType = "api_request"
)

// ErrBufferFull is returned when an event had to be dropped
var ErrBufferFull = errors.New("audit buffer full")

// Sink receives audit events. Implementations must not block for long;
// callers never fail a request because of a sink error.
type Sink interface {
	LogEvent(ctx context.Context, eventType EventType, timestamp time.Time, details map[string]interface{}) error
}

// Nop discards events
type Nop struct{}

// LogEvent implements Sink
func (Nop) LogEvent(context.Context, EventType, time.Time, map[string]interface{}) error { return nil }

// Event represents an audit event
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	RequestID string                 `json:"request_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	TenantID  string                 `json:"tenant_id,omitempty"`
	IPAddress string                 `json:"ip_address,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Severity  string                 `json:"severity"`
	Source    string                 `json:"source"`
}

// Config holds audit logging configuration
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	BufferSize      int           `yaml:"buffer_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	SensitiveFields []string      `yaml:"sensitive_fields"`
}

// Logger is a buffered Sink that writes events through logrus
type Logger struct {
	config *Config
	logger *logrus.Logger
	buffer chan *Event
	stop   chan struct{}
	wg     sync.WaitGroup

	count   atomic.Int64
	dropped atomic.Int64
	mu      sync.RWMutex
	stopped bool
}

// NewLogger creates an audit logger and starts its writer when enabled
func NewLogger(config *Config, logger *logrus.Logger) *Logger {
	if config.BufferSize == 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 10 * time.Second
	}

	a := &Logger{
		config: config,
		logger: logger,
		buffer: make(chan *Event, config.BufferSize),
		stop:   make(chan struct{}),
	}

	if config.Enabled {
		a.wg.Add(1)
		go a.eventProcessor()
	}
	return a
}

// LogEvent implements Sink. It never blocks: a full buffer drops the event.
func (a *Logger) LogEvent(ctx context.Context, eventType EventType, timestamp time.Time, details map[string]interface{}) error {
	a.mu.RLock()
	enabled, stopped := a.config.Enabled, a.stopped
	a.mu.RUnlock()

	if !enabled || stopped {
		return nil
	}

	event := &Event{
		ID:        uuid.NewString(),
		Timestamp: timestamp.UTC(),
		EventType: eventType,
		RequestID: RequestIDFrom(ctx),
		UserID:    PrincipalFrom(ctx),
		TenantID:  TenantFrom(ctx),
		IPAddress: ClientIPFrom(ctx),
		Details:   a.sanitizeDetails(details),
		Severity:  severity(eventType),
		Source:    "support-gateway",
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.stopped {
		return nil
	}
	select {
	case a.buffer <- event:
		a.count.Add(1)
		return nil
	default:
		a.dropped.Add(1)
		return fmt.Errorf("drop %s event: %w", eventType, ErrBufferFull)
	}
}

// EventCount returns the number of events accepted
func (a *Logger) EventCount() int64 {
	return a.count.Load()
}

// Dropped returns the number of events dropped on a full buffer
func (a *Logger) Dropped() int64 {
	return a.dropped.Load()
}

// Stop flushes buffered events and stops the writer
func (a *Logger) Stop() {
	a.mu.Lock()
	if !a.config.Enabled || a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()

	close(a.stop)
	a.wg.Wait()
}

// Middleware audits every HTTP request and tags its context with a request id
func (a *Logger) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapper := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}

			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			wrapper.Header().Set("X-Request-ID", requestID)
			ctx := WithRequestID(r.Context(), requestID)
			ctx = WithClientIP(ctx, ClientIP(r))

			// The auth middleware runs inside and may attach a principal to a
			// derived context, so capture it through a holder.
			holder := &principalHolder{}
			ctx = context.WithValue(ctx, holderKey{}, holder)

			next.ServeHTTP(wrapper, r.WithContext(ctx))

			eventType := APIRequest
			switch {
			case wrapper.statusCode == http.StatusUnauthorized:
				eventType = AuthenticationFailure
			case wrapper.statusCode == http.StatusForbidden:
				eventType = AuthorizationFailure
			case wrapper.statusCode == http.StatusTooManyRequests:
				eventType = RateLimitExceeded
			case wrapper.statusCode >= 400 && wrapper.statusCode < 500:
				eventType = ValidationFailure
			}

			if holder.userID != "" {
				ctx = WithPrincipal(ctx, holder.userID)
			}
			_ = a.LogEvent(ctx, eventType, time.Now(), map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status_code": wrapper.statusCode,
				"duration_ms": time.Since(start).Milliseconds(),
				"user_agent":  r.UserAgent(),
			})
		})
	}
}

type holderKey struct{}

type principalHolder struct {
	userID string
}

// NotePrincipal records the authenticated user for the enclosing audit middleware
func NotePrincipal(ctx context.Context, userID string) context.Context {
	if h, ok := ctx.Value(holderKey{}).(*principalHolder); ok {
		h.userID = userID
	}
	return WithPrincipal(ctx, userID)
}

func (a *Logger) eventProcessor() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	events := make([]*Event, 0, 100)
	for {
		select {
		case event := <-a.buffer:
			events = append(events, event)
			if len(events) >= 100 {
				a.flushEvents(events)
				events = events[:0]
			}

		case <-ticker.C:
			if len(events) > 0 {
				a.flushEvents(events)
				events = events[:0]
			}

		case <-a.stop:
			// Final flush on shutdown
			for {
				select {
				case event := <-a.buffer:
					events = append(events, event)
				default:
					a.flushEvents(events)
					return
				}
			}
		}
	}
}

func (a *Logger) flushEvents(events []*Event) {
	for _, event := range events {
		a.writeEvent(event)
	}
}

func (a *Logger) writeEvent(event *Event) {
	fields := logrus.Fields{
		"audit_event": true,
		"event_type":  event.EventType,
		"event_id":    event.ID,
		"request_id":  event.RequestID,
		"user_id":     event.UserID,
		"tenant_id":   event.TenantID,
		"ip_address":  event.IPAddress,
		"severity":    event.Severity,
		"timestamp":   event.Timestamp,
	}
	for key, value := range event.Details {
		fields["detail_"+key] = value
	}

	entry := a.logger.WithFields(fields)
	message := fmt.Sprintf("audit %s", event.EventType)

	switch event.Severity {
	case "critical":
		entry.Error(message)
	case "high":
		entry.Warn(message)
	case "medium":
		entry.Info(message)
	default:
		entry.Debug(message)
	}
}

func (a *Logger) sanitizeDetails(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}

	sanitized := make(map[string]interface{}, len(details))
	for key, value := range details {
		if a.isSensitiveField(key) {
			sanitized[key] = "***REDACTED***"
		} else {
			sanitized[key] = value
		}
	}
	return sanitized
}

func (a *Logger) isSensitiveField(field string) bool {
	fieldLower := strings.ToLower(field)

	for _, sensitive := range []string{
		"password", "token", "secret", "api_key", "apikey", "credential", "authorization", "bearer",
	} {
		if strings.Contains(fieldLower, sensitive) {
			return true
		}
	}
	for _, sensitive := range a.config.SensitiveFields {
		if strings.EqualFold(field, sensitive) {
			return true
		}
	}
	return false
}

func severity(eventType EventType) string {
	switch eventType {
	case ComplianceViolation:
		return "critical"
	case AuthenticationFailure, AuthorizationFailure, BreakerTransition:
		return "high"
	case RateLimitExceeded, ValidationFailure, PathFallback, BanditReset:
		return "medium"
	default:
		return "low"
	}
}

// Record sends an event to sink and swallows failures, including panics
// from the sink, so the request path never fails on auditing
func Record(ctx context.Context, sink Sink, logger *logrus.Logger, eventType EventType, details map[string]interface{}) {
	if sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("event_type", eventType).Errorf("Audit sink panicked: %v", r)
		}
	}()
	if err := sink.LogEvent(ctx, eventType, time.Now(), details); err != nil {
		logger.WithError(err).WithField("event_type", eventType).Warn("Audit event not recorded")
	}
}

// ClientIP extracts the caller address from forwarding headers or RemoteAddr
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if i := strings.LastIndex(ip, ":"); i != -1 {
		ip = ip[:i]
	}
	return ip
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

var (
	_ Sink = Nop{}
	_ Sink = (*Logger)(nil)
)
