// Package security authenticates gateway callers and limits their request rate.
package security

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/support-gateway/internal/audit"
	"github.com/tributary-ai/support-gateway/internal/types"
)

const (
	// PermissionOperate allows submitting support operations
	PermissionOperate = "operations:write"
	// PermissionAdmin allows resetting learned state
	PermissionAdmin = "admin"

	issuer = "support-gateway"
)

var (
	ErrMissingToken = errors.New("authentication token is required")
	ErrInvalidToken = errors.New("invalid authentication token")
)

// AuthInfo contains authenticated caller information
type AuthInfo struct {
	UserID      string     `json:"user_id"`
	TenantID    string     `json:"tenant_id,omitempty"`
	Permissions []string   `json:"permissions"`
	AuthType    string     `json:"auth_type"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// HasPermission reports whether the caller holds perm or admin
func (a *AuthInfo) HasPermission(perm string) bool {
	for _, p := range a.Permissions {
		if p == perm || p == PermissionAdmin {
			return true
		}
	}
	return false
}

// Claims are the JWT claims issued by the gateway
type Claims struct {
	UserID      string   `json:"user_id"`
	TenantID    string   `json:"tenant_id,omitempty"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// APIKey is a static credential. Keys without permissions may operate only.
type APIKey struct {
	Key         string   `yaml:"key"`
	TenantID    string   `yaml:"tenant_id"`
	Permissions []string `yaml:"permissions"`
}

// Config holds authentication configuration
type Config struct {
	APIKeys     []APIKey      `yaml:"api_keys"`
	JWTSecret   string        `yaml:"jwt_secret"`
	JWTExpiry   time.Duration `yaml:"jwt_expiry"`
	RequireAuth bool          `yaml:"require_auth"`

	// PublicPaths bypass authentication by prefix
	PublicPaths []string `yaml:"public_paths"`
}

// Authenticator validates API keys and HS256 JWTs
type Authenticator struct {
	config *Config
	audit  audit.Sink
	logger *logrus.Logger
}

// NewAuthenticator creates an authenticator. A nil sink disables auditing.
func NewAuthenticator(config *Config, sink audit.Sink, logger *logrus.Logger) *Authenticator {
	if config.JWTExpiry == 0 {
		config.JWTExpiry = 24 * time.Hour
	}
	if config.PublicPaths == nil {
		config.PublicPaths = []string{"/health", "/docs", "/metrics"}
	}
	if sink == nil {
		sink = audit.Nop{}
	}

	return &Authenticator{
		config: config,
		audit:  sink,
		logger: logger,
	}
}

// Authenticate validates a token as an API key first, then as a JWT
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	if info, err := a.ValidateAPIKey(ctx, token); err == nil {
		return info, nil
	}

	claims, err := a.ValidateJWT(token)
	if err != nil {
		return nil, err
	}
	info := &AuthInfo{
		UserID:      claims.UserID,
		TenantID:    claims.TenantID,
		Permissions: claims.Permissions,
		AuthType:    "jwt",
	}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = &claims.ExpiresAt.Time
	}
	return info, nil
}

// ValidateAPIKey compares apiKey against every configured key in constant time
func (a *Authenticator) ValidateAPIKey(ctx context.Context, apiKey string) (*AuthInfo, error) {
	if apiKey == "" {
		return nil, ErrMissingToken
	}

	var match *APIKey
	for i := range a.config.APIKeys {
		k := &a.config.APIKeys[i]
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(k.Key)) == 1 {
			match = k
		}
	}
	if match == nil {
		a.logger.WithFields(logrus.Fields{
			"api_key_prefix": maskAPIKey(apiKey),
			"remote_ip":      audit.ClientIPFrom(ctx),
		}).Warn("Invalid API key attempted")
		return nil, fmt.Errorf("api key: %w", ErrInvalidToken)
	}

	perms := match.Permissions
	if len(perms) == 0 {
		perms = []string{PermissionOperate}
	}
	return &AuthInfo{
		UserID:      keyUserID(apiKey),
		TenantID:    match.TenantID,
		Permissions: append([]string(nil), perms...),
		AuthType:    "api_key",
	}, nil
}

// GenerateJWT issues a signed token for userID
func (a *Authenticator) GenerateJWT(userID, tenantID string, permissions []string) (string, error) {
	if a.config.JWTSecret == "" {
		return "", errors.New("jwt secret is not configured")
	}
	now := time.Now()

	claims := &Claims{
		UserID:      userID,
		TenantID:    tenantID,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.JWTExpiry)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.config.JWTSecret))
}

// ValidateJWT parses and verifies a gateway-issued token
func (a *Authenticator) ValidateJWT(tokenString string) (*Claims, error) {
	if a.config.JWTSecret == "" {
		return nil, fmt.Errorf("jwt disabled: %w", ErrInvalidToken)
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.config.JWTSecret), nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// Middleware authenticates requests and attaches the caller to the context
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.config.RequireAuth || a.public(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			if audit.ClientIPFrom(ctx) == "" {
				ctx = audit.WithClientIP(ctx, audit.ClientIP(r))
			}

			info, err := a.Authenticate(ctx, extractToken(r))
			if err != nil {
				a.logger.WithFields(logrus.Fields{
					"error":      err.Error(),
					"path":       r.URL.Path,
					"method":     r.Method,
					"remote_ip":  audit.ClientIPFrom(ctx),
					"user_agent": r.UserAgent(),
				}).Warn("Authentication failed")

				writeError(w, http.StatusUnauthorized, "authentication_error", "Invalid or missing authentication token")
				return
			}

			ctx = context.WithValue(ctx, authInfoKey{}, info)
			ctx = audit.NotePrincipal(ctx, info.UserID)
			if info.TenantID != "" {
				ctx = audit.WithTenant(ctx, info.TenantID)
			}
			audit.Record(ctx, a.audit, a.logger, audit.AuthenticationSuccess, map[string]interface{}{
				"auth_type": info.AuthType,
				"path":      r.URL.Path,
			})

			a.logger.WithFields(logrus.Fields{
				"user_id":   info.UserID,
				"auth_type": info.AuthType,
				"path":      r.URL.Path,
				"method":    r.Method,
			}).Debug("Authentication successful")

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission rejects authenticated callers lacking perm. When auth is
// not required every caller passes.
func (a *Authenticator) RequirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.config.RequireAuth {
				next.ServeHTTP(w, r)
				return
			}
			info, ok := AuthInfoFrom(r.Context())
			if !ok || !info.HasPermission(perm) {
				a.logger.WithFields(logrus.Fields{
					"path":       r.URL.Path,
					"permission": perm,
				}).Warn("Permission denied")
				writeError(w, http.StatusForbidden, "authorization_error", "Missing permission "+perm)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Authenticator) public(path string) bool {
	for _, prefix := range a.config.PublicPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

type authInfoKey struct{}

// AuthInfoFrom extracts authentication info from a request context
func AuthInfoFrom(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(authInfoKey{}).(*AuthInfo)
	return info, ok
}

func extractToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		return apiKey
	}
	return r.Header.Get("API-Key")
}

// keyUserID derives a stable id that does not reveal the key
func keyUserID(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return "key_" + hex.EncodeToString(sum[:6])
}

func maskAPIKey(apiKey string) string {
	if len(apiKey) <= 8 {
		return "****"
	}
	return apiKey[:4] + "****" + apiKey[len(apiKey)-4:]
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
