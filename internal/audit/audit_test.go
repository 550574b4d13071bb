package audit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestAuditLogger(t *testing.T, config *Config) (*Logger, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return NewLogger(config, logger), hook
}

func TestNewLogger_WithDefaults(t *testing.T) {
	auditor, _ := createTestAuditLogger(t, &Config{Enabled: true})
	defer auditor.Stop()

	assert.Equal(t, 1000, auditor.config.BufferSize)
	assert.Equal(t, 10*time.Second, auditor.config.FlushInterval)
}

func TestLogger_Disabled(t *testing.T) {
	auditor, hook := createTestAuditLogger(t, &Config{Enabled: false})

	err := auditor.LogEvent(context.Background(), RoutingDecision, time.Now(), map[string]interface{}{"path": "direct"})
	assert.NoError(t, err)
	assert.Equal(t, int64(0), auditor.EventCount())
	auditor.Stop()
	assert.Empty(t, hook.AllEntries())
}

func TestLogger_FlushesOnStop(t *testing.T) {
	auditor, hook := createTestAuditLogger(t, &Config{Enabled: true, FlushInterval: time.Hour})

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = WithTenant(ctx, "acme")
	require.NoError(t, auditor.LogEvent(ctx, RoutingDecision, time.Now(), map[string]interface{}{
		"path":    "direct",
		"api_key": "sk-live-secret",
	}))
	auditor.Stop()

	require.Len(t, hook.AllEntries(), 1)
	entry := hook.LastEntry()
	assert.Equal(t, RoutingDecision, entry.Data["event_type"])
	assert.Equal(t, "req-123", entry.Data["request_id"])
	assert.Equal(t, "acme", entry.Data["tenant_id"])
	assert.Equal(t, "direct", entry.Data["detail_path"])
	assert.Equal(t, "***REDACTED***", entry.Data["detail_api_key"])

	// Events after stop are ignored
	assert.NoError(t, auditor.LogEvent(ctx, RoutingDecision, time.Now(), nil))
	assert.Equal(t, int64(1), auditor.EventCount())
}

func TestLogger_FullBufferDropsWithoutBlocking(t *testing.T) {
	logger, _ := test.NewNullLogger()
	// Writer not started, so the buffer only fills
	auditor := &Logger{
		config: &Config{Enabled: true, BufferSize: 1},
		logger: logger,
		buffer: make(chan *Event, 1),
		stop:   make(chan struct{}),
	}

	require.NoError(t, auditor.LogEvent(context.Background(), PathFallback, time.Now(), nil))
	err := auditor.LogEvent(context.Background(), PathFallback, time.Now(), nil)
	assert.ErrorIs(t, err, ErrBufferFull)
	assert.Equal(t, int64(1), auditor.Dropped())
}

func TestSeverity(t *testing.T) {
	assert.Equal(t, "critical", severity(ComplianceViolation))
	assert.Equal(t, "high", severity(BreakerTransition))
	assert.Equal(t, "medium", severity(PathFallback))
	assert.Equal(t, "low", severity(RoutingDecision))
}

type failingSink struct{ panics bool }

func (f failingSink) LogEvent(context.Context, EventType, time.Time, map[string]interface{}) error {
	if f.panics {
		panic("sink exploded")
	}
	return errors.New("sink down")
}

func TestRecord_SwallowsSinkFailures(t *testing.T) {
	logger, hook := test.NewNullLogger()

	assert.NotPanics(t, func() {
		Record(context.Background(), failingSink{}, logger, RoutingDecision, nil)
		Record(context.Background(), failingSink{panics: true}, logger, RoutingDecision, nil)
		Record(context.Background(), nil, logger, RoutingDecision, nil)
	})
	assert.Len(t, hook.AllEntries(), 2)
}

func TestMiddleware_TagsRequestAndAuditsStatus(t *testing.T) {
	auditor, hook := createTestAuditLogger(t, &Config{Enabled: true, FlushInterval: time.Hour})

	var seenID string
	handler := auditor.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = RequestIDFrom(r.Context())
		NotePrincipal(r.Context(), "user_abc")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/operations", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	auditor.Stop()

	assert.NotEmpty(t, seenID)
	assert.Equal(t, seenID, rec.Header().Get("X-Request-ID"))
	require.Len(t, hook.AllEntries(), 1)
	entry := hook.LastEntry()
	assert.Equal(t, RateLimitExceeded, entry.Data["event_type"])
	assert.Equal(t, "10.0.0.1", entry.Data["ip_address"])
	assert.Equal(t, "user_abc", entry.Data["user_id"])
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.100:54321"
	assert.Equal(t, "192.168.1.100", ClientIP(req))

	req.Header.Set("X-Real-IP", "172.16.0.9")
	assert.Equal(t, "172.16.0.9", ClientIP(req))
}

func TestMemory_KeepsNewest(t *testing.T) {
	m := NewMemory(2)
	ctx := WithRequestID(context.Background(), "r1")

	for _, et := range []EventType{RoutingDecision, PathFallback, BreakerTransition} {
		require.NoError(t, m.LogEvent(ctx, et, time.Now(), nil))
	}

	events := m.Events()
	require.Len(t, events, 2)
	assert.Equal(t, PathFallback, events[0].EventType)
	assert.Equal(t, "r1", events[1].RequestID)
	assert.Len(t, m.OfType(BreakerTransition), 1)
	assert.Empty(t, m.OfType(RoutingDecision))
}
