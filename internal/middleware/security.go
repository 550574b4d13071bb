// Package middleware assembles the HTTP middleware chain of the gateway.
package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/support-gateway/internal/audit"
	"github.com/tributary-ai/support-gateway/internal/metrics"
	"github.com/tributary-ai/support-gateway/internal/security"
	"github.com/tributary-ai/support-gateway/internal/types"
)

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// SecurityConfig holds configuration for the middleware chain
type SecurityConfig struct {
	Auth       *security.Config          `yaml:"auth"`
	RateLimit  *security.RateLimitConfig `yaml:"rate_limit"`
	Validation *ValidationConfig         `yaml:"validation"`
	CORS       *CORSConfig               `yaml:"cors"`
}

// Deps are the collaborators of the chain. Auditor and Metrics are optional.
type Deps struct {
	Auditor *audit.Logger
	Metrics *metrics.Prometheus
	Redis   redis.UniversalClient
	Logger  *logrus.Logger
}

// SecurityMiddleware combines headers, CORS, audit, auth, rate limiting and
// validation into one chain
type SecurityMiddleware struct {
	config        *SecurityConfig
	authenticator *security.Authenticator
	rateLimiter   security.RateLimiter
	validator     *ValidationMiddleware
	auditor       *audit.Logger
	metrics       *metrics.Prometheus
	logger        *logrus.Logger
}

// NewSecurityMiddleware creates the middleware stack. A configured Redis
// client backs the rate limiter when RedisAddr is set.
func NewSecurityMiddleware(config *SecurityConfig, deps Deps) (*SecurityMiddleware, error) {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &SecurityMiddleware{
		config:  config,
		auditor: deps.Auditor,
		metrics: deps.Metrics,
		logger:  logger,
	}

	var sink audit.Sink
	if deps.Auditor != nil {
		sink = deps.Auditor
	}
	if config.Auth != nil {
		s.authenticator = security.NewAuthenticator(config.Auth, sink, logger)
	}

	if rl := config.RateLimit; rl != nil && rl.Enabled {
		if rl.RedisAddr != "" && deps.Redis != nil {
			s.rateLimiter = security.NewRedisRateLimiter(deps.Redis, rl, logger)
		} else {
			s.rateLimiter = security.NewInMemoryRateLimiter(rl, logger)
		}
	}

	validator, err := NewValidationMiddleware(config.Validation, logger)
	if err != nil {
		return nil, err
	}
	s.validator = validator

	return s, nil
}

// Handler wraps next with the full chain, outermost first: headers, CORS,
// metrics, audit, authentication, rate limiting, validation
func (s *SecurityMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := s.validator.Middleware(next)

		if s.rateLimiter != nil {
			handler = security.RateLimitMiddleware(s.rateLimiter, security.DefaultKeyExtractor, s.logger)(handler)
		}
		if s.authenticator != nil {
			handler = s.authenticator.Middleware()(handler)
		}
		if s.auditor != nil {
			handler = s.auditor.Middleware()(handler)
		}
		handler = s.requestLogger(handler)
		if s.config.CORS != nil {
			handler = CORS(s.config.CORS)(handler)
		}
		return securityHeaders(handler)
	}
}

// RequirePermission guards a single route. Without authentication configured
// it is a no-op.
func (s *SecurityMiddleware) RequirePermission(perm string) func(http.Handler) http.Handler {
	if s.authenticator == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.authenticator.RequirePermission(perm)
}

// Authenticator returns the configured authenticator, or nil
func (s *SecurityMiddleware) Authenticator() *security.Authenticator {
	return s.authenticator
}

// Stop stops background components
func (s *SecurityMiddleware) Stop() {
	if rl, ok := s.rateLimiter.(*security.InMemoryRateLimiter); ok {
		rl.Stop()
	}
}

// Stats reports which parts of the chain are active
func (s *SecurityMiddleware) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"authentication_enabled": s.authenticator != nil && s.config.Auth.RequireAuth,
		"rate_limiter_enabled":   s.rateLimiter != nil,
		"validation_enabled":     s.validator.enabled,
	}
	if s.auditor != nil {
		stats["audit_events_logged"] = s.auditor.EventCount()
		stats["audit_events_dropped"] = s.auditor.Dropped()
	}
	return stats
}

// requestLogger logs every request and feeds the HTTP metrics
func (s *SecurityMiddleware) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		duration := time.Since(start)
		if s.metrics != nil {
			s.metrics.ObserveHTTP(r.Method, routeLabel(r.URL.Path), wrapper.status, duration)
		}
		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapper.status,
			"duration_ms": duration.Milliseconds(),
			"request_id":  w.Header().Get("X-Request-ID"),
		}).Info("HTTP request")
	})
}

// CORS answers preflight requests and tags allowed origins
func CORS(config *CORSConfig) func(http.Handler) http.Handler {
	methods := strings.Join(orDefault(config.AllowedMethods, []string{"GET", "POST", "OPTIONS"}), ", ")
	headers := strings.Join(orDefault(config.AllowedHeaders, []string{"Content-Type", "Authorization", "X-API-Key", "X-Request-ID"}), ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && originAllowed(config.AllowedOrigins, origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", methods)
				w.Header().Set("Access-Control-Allow-Headers", headers)
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(86400))
				w.Header().Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-API-Version", "1.0")
		next.ServeHTTP(w, r)
	})
}

func originAllowed(allowed []string, origin string) bool {
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func orDefault(values, fallback []string) []string {
	if len(values) == 0 {
		return fallback
	}
	return values
}

// routeLabel bounds metric cardinality to the known routes
func routeLabel(path string) string {
	switch path {
	case "/v1/operations", "/v1/routing/decision", "/v1/status", "/v1/models", "/v1/bandit/reset", "/health", "/metrics":
		return path
	}
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}
	return "other"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{
		Error: types.ErrorDetail{
			Message: message,
			Type:    errType,
			Code:    status,
		},
		Timestamp: time.Now().Unix(),
	})
}
