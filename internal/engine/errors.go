package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Code is the shared failure taxonomy. Adapters classify provider
// errors into it; the host bridge maps it onto the host's error codes.
type Code string

const (
	CodeNotConfigured       Code = "not_configured"
	CodeInvalidRequest      Code = "invalid_request"
	CodeAuthFailure         Code = "auth_failure"
	CodeRateLimited         Code = "rate_limited"
	CodeNetworkUnavailable  Code = "network_unavailable"
	CodeNetworkTimeout      Code = "network_timeout"
	CodeUpstreamServerError Code = "upstream_server_error"
	CodeSynthesisFailure    Code = "synthesis_failure"
	CodeCancelled           Code = "cancelled"
	CodeTimeout             Code = "timeout"
	CodeUnknown             Code = "unknown"
)

// Error carries a taxonomy code alongside the underlying cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func WrapError(code Code, message string, err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	return &Error{Code: code, Message: message, Cause: err}
}

// CodeOf extracts the taxonomy code from an error chain.
func CodeOf(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeNetworkTimeout
	}
	return CodeUnknown
}

// ClassifyHTTP maps an HTTP response status to the taxonomy.
func ClassifyHTTP(status int, message string) *Error {
	switch {
	case status == 401 || status == 403:
		return NewError(CodeAuthFailure, message)
	case status == 429:
		return NewError(CodeRateLimited, message)
	case status >= 500:
		return NewError(CodeUpstreamServerError, message)
	default:
		return NewError(CodeSynthesisFailure, message)
	}
}

// ClassifyTransport maps a transport-level failure (dial, read, write)
// to the taxonomy, falling back to keyword matching when the error
// carries no structure.
func ClassifyTransport(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	if errors.Is(err, context.Canceled) {
		return WrapError(CodeCancelled, "call cancelled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(CodeNetworkTimeout, "network deadline exceeded", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return WrapError(CodeNetworkTimeout, "network timeout", err)
	}
	return WrapError(classifyKeywords(err.Error()), "transport failure", err)
}

func classifyKeywords(message string) Code {
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return CodeNetworkTimeout
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") || strings.Contains(msg, "network is unreachable"):
		return CodeNetworkUnavailable
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "auth") || strings.Contains(msg, "signature") || strings.Contains(msg, "token"):
		return CodeAuthFailure
	case strings.Contains(msg, "quota") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return CodeRateLimited
	default:
		return CodeSynthesisFailure
	}
}
