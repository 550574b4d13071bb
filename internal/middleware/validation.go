package middleware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/support-gateway/internal/apidoc"
)

// ValidationConfig configures the OpenAPI validation middleware
type ValidationConfig struct {
	Enabled        bool  `yaml:"enabled"`
	MaxRequestSize int64 `yaml:"max_request_size"`
}

// ValidationMiddleware validates requests against the embedded OpenAPI document
type ValidationMiddleware struct {
	router  routers.Router
	config  ValidationConfig
	logger  *logrus.Logger
	enabled bool
}

// NewValidationMiddleware creates a new validation middleware
func NewValidationMiddleware(config *ValidationConfig, logger *logrus.Logger) (*ValidationMiddleware, error) {
	if config == nil {
		config = &ValidationConfig{}
	}
	if config.MaxRequestSize <= 0 {
		config.MaxRequestSize = 10 << 20
	}

	vm := &ValidationMiddleware{
		config:  *config,
		logger:  logger,
		enabled: config.Enabled,
	}
	if !config.Enabled {
		logger.Info("API validation middleware disabled")
		return vm, nil
	}

	doc, err := apidoc.Load(context.Background())
	if err != nil {
		return nil, err
	}
	// match on path only, whatever host the gateway is served on
	doc.Servers = nil

	if vm.router, err = newRouter(doc); err != nil {
		return nil, err
	}

	logger.Info("API validation middleware enabled")
	return vm, nil
}

func newRouter(doc *openapi3.T) (routers.Router, error) {
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAPI router: %w", err)
	}
	return router, nil
}

// Middleware returns the HTTP middleware function
func (vm *ValidationMiddleware) Middleware(next http.Handler) http.Handler {
	if !vm.enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := vm.validateRequest(r); err != nil {
			vm.logger.WithError(err).WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
			}).Warn("Request validation failed")

			status := http.StatusBadRequest
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			writeError(w, status, "validation_error", validationMessage(err))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// validateRequest validates r against its documented operation. Undocumented
// routes such as /metrics pass through, as do wrong methods so the router can answer 405.
func (vm *ValidationMiddleware) validateRequest(r *http.Request) error {
	route, pathParams, err := vm.router.FindRoute(r)
	if err != nil {
		if errors.Is(err, routers.ErrPathNotFound) || errors.Is(err, routers.ErrMethodNotAllowed) {
			return nil
		}
		return fmt.Errorf("route lookup failed: %w", err)
	}

	if r.Body != nil {
		body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, vm.config.MaxRequestSize))
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		defer func() { r.Body = io.NopCloser(bytes.NewReader(body)) }()
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: pathParams,
		Route:      route,
		Options: &openapi3filter.Options{
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
		},
	}
	if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
		return fmt.Errorf("request validation failed: %w", err)
	}
	return nil
}

func validationMessage(err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.RequestBody != nil {
			return reqErr.Error()
		}
		if reqErr.Parameter != nil {
			return fmt.Sprintf("Invalid parameter %s: %s", reqErr.Parameter.Name, reqErr.Reason)
		}
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return fmt.Sprintf("Request body exceeds %d bytes", maxErr.Limit)
	}
	return err.Error()
}
