package entities

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind classifies why a call to an upstream dependency failed.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureTimeout
	FailureClient
	FailureServer
	FailureAuth
	// FailureUnavailable covers an open breaker or an unconfigured backend.
	FailureUnavailable
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureTimeout:
		return "timeout"
	case FailureClient:
		return "client_error"
	case FailureServer:
		return "server_error"
	case FailureAuth:
		return "auth_error"
	case FailureUnavailable:
		return "unavailable"
	}
	return "unknown"
}

// ValidationError rejects malformed input at the boundary.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// UpstreamError is a classified failure from an external service.
type UpstreamError struct {
	Service    string
	Kind       FailureKind
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Service, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Service, e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// ClassifyStatus maps an HTTP status code to a FailureKind.
func ClassifyStatus(code int) FailureKind {
	switch {
	case code < 400:
		return FailureNone
	case code == 401 || code == 403:
		return FailureAuth
	case code < 500:
		return FailureClient
	default:
		return FailureServer
	}
}

// KindOf extracts the classification of err, treating deadlines as timeouts.
func KindOf(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	var up *UpstreamError
	if errors.As(err, &up) {
		return up.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return FailureTimeout
	}
	return FailureServer
}

// DeliveryResult is the outcome of one outbound send.
type DeliveryResult struct {
	OK         bool
	MessageID  string
	Failure    FailureKind
	StatusCode int
	Err        error
}
