package types

import (
	"errors"
)

// ErrorKind is the taxonomy label surfaced in failure responses
type ErrorKind string

const (
	KindNoEligibleModel     ErrorKind = "NoEligibleModel"
	KindTimeout             ErrorKind = "Timeout"
	KindCircuitOpen         ErrorKind = "CircuitOpen"
	KindComplianceViolation ErrorKind = "ComplianceViolation"
	KindProviderError       ErrorKind = "ProviderError"
	KindClientClosed        ErrorKind = "ClientClosed"
	KindInvalidRequest      ErrorKind = "InvalidRequest"
	KindInternal            ErrorKind = "InternalError"
)

var (
	ErrNoEligibleModel     = errors.New("no eligible model satisfies the routing constraints")
	ErrTimeout             = errors.New("operation exceeded its class timeout")
	ErrCircuitOpen         = errors.New("circuit breaker is open")
	ErrComplianceViolation = errors.New("compliance check rejected the request")
	ErrProviderError       = errors.New("provider call failed")
	ErrClientClosed        = errors.New("client is closed")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrModelNotFound       = errors.New("model not found in registry")
	ErrInvalidTimeout      = errors.New("operation class timeout exceeds the client bound")
)

// KindOf maps an error chain to its taxonomy label
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoEligibleModel):
		return KindNoEligibleModel
	case errors.Is(err, ErrComplianceViolation):
		return KindComplianceViolation
	case errors.Is(err, ErrClientClosed):
		return KindClientClosed
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidTimeout):
		return KindInvalidRequest
	case errors.Is(err, ErrProviderError):
		return KindProviderError
	default:
		return KindInternal
	}
}

// FallbackEligible reports whether a path failure may be retried on the alternate path.
// Eligibility and compliance failures reflect a mismatch, not a transient fault.
func FallbackEligible(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindCircuitOpen, KindProviderError:
		return true
	default:
		return false
	}
}
