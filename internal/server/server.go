// Package server exposes the gateway over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/support-gateway/internal/audit"
	"github.com/tributary-ai/support-gateway/internal/bandit"
	"github.com/tributary-ai/support-gateway/internal/gateway"
	"github.com/tributary-ai/support-gateway/internal/middleware"
	"github.com/tributary-ai/support-gateway/internal/registry"
	"github.com/tributary-ai/support-gateway/internal/security"
	"github.com/tributary-ai/support-gateway/internal/types"
)

// Gateway is the part of the gateway the HTTP surface drives
type Gateway interface {
	Execute(ctx context.Context, req *types.SupportOperationRequest) *types.SupportOperationResponse
	RouteOnly(ctx context.Context, req *types.SupportOperationRequest) (*gateway.Preview, error)
	Status() gateway.Status
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// Deps are the server collaborators. Security, Audit and Gatherer are optional.
type Deps struct {
	Gateway  Gateway
	Registry *registry.Registry
	Bandit   *bandit.Bandit
	Security *middleware.SecurityMiddleware
	Audit    audit.Sink
	Gatherer prometheus.Gatherer
	Logger   *logrus.Logger
}

// Server represents the HTTP server
type Server struct {
	config     *ServerConfig
	deps       Deps
	logger     *logrus.Logger
	docs       *docs
	httpServer *http.Server
}

// NewServer creates a new server instance
func NewServer(config *ServerConfig, deps Deps) (*Server, error) {
	if deps.Gateway == nil || deps.Registry == nil || deps.Bandit == nil {
		return nil, errors.New("server: gateway, registry and bandit are required")
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 1 << 20
	}

	d, err := newDocs()
	if err != nil {
		return nil, err
	}

	return &Server{
		config: config,
		deps:   deps,
		logger: deps.Logger,
		docs:   d,
	}, nil
}

// Handler returns the routed handler wrapped in the middleware chain
func (s *Server) Handler() http.Handler {
	r := s.setupRoutes()
	if s.deps.Security != nil {
		return s.deps.Security.Handler()(r)
	}
	return r
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.Handler(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting support gateway server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping support gateway server")

	if s.deps.Security != nil {
		s.deps.Security.Stop()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/operations", s.handleOperation).Methods(http.MethodPost)
	api.HandleFunc("/routing/decision", s.handleRoutingDecision).Methods(http.MethodPost)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/models", s.handleListModels).Methods(http.MethodGet)

	reset := http.Handler(http.HandlerFunc(s.handleBanditReset))
	if s.deps.Security != nil {
		reset = s.deps.Security.RequirePermission(security.PermissionAdmin)(reset)
	}
	api.Handle("/bandit/reset", reset).Methods(http.MethodPost)

	r.HandleFunc("/health", s.handleHealthCheck).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.setupDocsRoutes(r)

	return r
}

// Handlers

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	if req.TenantID == "" {
		req.TenantID = audit.TenantFrom(r.Context())
	}

	resp := s.deps.Gateway.Execute(r.Context(), req)
	s.writeJSON(w, statusForResponse(resp), resp)
}

func (s *Server) handleRoutingDecision(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	preview, err := s.deps.Gateway.RouteOnly(r.Context(), req)
	if err != nil {
		s.writeErrorResponse(w, statusForKind(types.KindOf(err)), string(types.KindOf(err)), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, preview)
}

type statusResponse struct {
	gateway.Status
	Security map[string]interface{} `json:"security,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Status: s.deps.Gateway.Status()}
	if s.deps.Security != nil {
		resp.Security = s.deps.Security.Stats()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"models": s.deps.Registry.All(),
	})
}

type banditResetRequest struct {
	Domain string           `json:"domain"`
	Budget types.BudgetTier `json:"budget"`
	All    bool             `json:"all"`
}

func (s *Server) handleBanditReset(w http.ResponseWriter, r *http.Request) {
	var req banditResetRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("Invalid body: %v", err))
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("Invalid JSON: %v", err))
			return
		}
	}

	scope := "all"
	if req.All || (req.Domain == "" && req.Budget == "") {
		s.deps.Bandit.Reset(nil)
	} else {
		ctx := bandit.Context{Domain: req.Domain, Budget: types.ParseBudgetTier(string(req.Budget))}
		s.deps.Bandit.Reset(&ctx)
		scope = ctx.Key()
	}

	audit.Record(r.Context(), s.deps.Audit, s.logger, audit.BanditReset, map[string]interface{}{
		"scope": scope,
	})
	s.writeJSON(w, http.StatusOK, map[string]string{"reset": scope})
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Gateway.Status()

	code, label := http.StatusOK, "healthy"
	if !status.Healthy {
		code, label = http.StatusServiceUnavailable, "unavailable"
	} else if status.Performance.Breached {
		label = "degraded"
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status":    label,
		"paths":     status.Paths,
		"models":    status.Models,
		"timestamp": time.Now().Unix(),
	})
}

// Helper functions

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (*types.SupportOperationRequest, bool) {
	var req types.SupportOperationRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err := decoder.Decode(&req); err != nil {
		code := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			code = http.StatusRequestEntityTooLarge
		}
		s.writeErrorResponse(w, code, "invalid_request", fmt.Sprintf("Invalid JSON: %v", err))
		return nil, false
	}
	if id := w.Header().Get("X-Request-ID"); req.ID == "" && id != "" {
		req.ID = id
	}
	return &req, true
}

// statusForResponse maps a gateway response to its HTTP status
func statusForResponse(resp *types.SupportOperationResponse) int {
	if resp.Success {
		return http.StatusOK
	}
	return statusForKind(resp.ErrorKind)
}

func statusForKind(kind types.ErrorKind) int {
	switch kind {
	case types.KindInvalidRequest:
		return http.StatusBadRequest
	case types.KindComplianceViolation, types.KindNoEligibleModel:
		return http.StatusUnprocessableEntity
	case types.KindTimeout:
		return http.StatusGatewayTimeout
	case types.KindCircuitOpen, types.KindClientClosed:
		return http.StatusServiceUnavailable
	case types.KindProviderError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("Failed to encode response")
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, errType, message string) {
	s.writeJSON(w, statusCode, types.ErrorResponse{
		Error: types.ErrorDetail{
			Message: message,
			Type:    errType,
			Code:    statusCode,
		},
		Timestamp: time.Now().Unix(),
	})
}
