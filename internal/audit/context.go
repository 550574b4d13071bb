package audit

import (
	"context"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	clientIPKey
	principalKey
	tenantKey
)

// WithRequestID attaches the request id used to correlate audit events
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFrom returns the request id of ctx, if any
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithClientIP attaches the caller address
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

// ClientIPFrom returns the caller address of ctx, if any
func ClientIPFrom(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey).(string)
	return ip
}

// WithPrincipal attaches the authenticated user id
func WithPrincipal(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, principalKey, userID)
}

// PrincipalFrom returns the authenticated user id of ctx, if any
func PrincipalFrom(ctx context.Context) string {
	id, _ := ctx.Value(principalKey).(string)
	return id
}

// WithTenant attaches the tenant id
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey, tenant)
}

// TenantFrom returns the tenant id of ctx, if any
func TenantFrom(ctx context.Context) string {
	t, _ := ctx.Value(tenantKey).(string)
	return t
}
