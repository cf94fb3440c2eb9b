// Package apierr provides the error taxonomy surfaced to HTTP callers and
// job result documents.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
)

// Code identifies one of the agent's recognized error conditions.
type Code string

const (
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodeForbidden        Code = "FORBIDDEN"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeCapacityExceeded Code = "CAPACITY_EXCEEDED"
	CodeUpstreamError    Code = "UPSTREAM_ERROR"
	CodeXrayUnavailable  Code = "XRAY_UNAVAILABLE"
	CodeRedisError       Code = "REDIS_ERROR"
	CodeJobNotFound      Code = "JOB_NOT_FOUND"
	CodeSyncDisabled     Code = "SYNC_DISABLED"
	CodeInvalidInput     Code = "INVALID_INPUT"
	CodeInternal         Code = "INTERNAL_ERROR"
)

// maxDetailLen bounds how much upstream error text is ever echoed back to a
// caller (§7: "truncated detail (≤ 500 chars)").
const maxDetailLen = 500

// ServiceError is the single structured error type every handler and
// worker returns. It carries enough to build both the HTTP envelope and
// the job status document's error field.
type ServiceError struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a key/value pair, returning the same error for chaining.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New builds a ServiceError with no wrapped cause.
func New(code Code, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap builds a ServiceError around an underlying cause.
func Wrap(code Code, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

func Unauthenticated(message string) *ServiceError {
	return New(CodeUnauthenticated, message, http.StatusUnauthorized)
}

func Forbidden(message string) *ServiceError {
	return New(CodeForbidden, message, http.StatusForbidden)
}

// RateLimited carries the retry-after hint the rate limiter computed.
func RateLimited(group string, retryAfterMs int64) *ServiceError {
	return New(CodeRateLimited, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("group", group).
		WithDetails("retry_after_ms", retryAfterMs)
}

func CapacityExceeded(tag string, limit int) *ServiceError {
	return New(CodeCapacityExceeded, "inbound capacity exceeded", http.StatusServiceUnavailable).
		WithDetails("inbound_tag", tag).
		WithDetails("limit", limit)
}

// UpstreamError wraps a proxy RPC failure, truncating and scrubbing detail text.
func UpstreamError(operation string, err error) *ServiceError {
	return Wrap(CodeUpstreamError, "proxy RPC failed", http.StatusBadGateway, err).
		WithDetails("operation", operation).
		WithDetails("detail", Truncate(scrub(errString(err)), maxDetailLen))
}

func XrayUnavailable(reason string) *ServiceError {
	return New(CodeXrayUnavailable, reason, http.StatusServiceUnavailable)
}

func RedisError(operation string, err error) *ServiceError {
	return Wrap(CodeRedisError, "state store unavailable", http.StatusServiceUnavailable, err).
		WithDetails("operation", operation)
}

func JobNotFound(id string) *ServiceError {
	return New(CodeJobNotFound, "job not found", http.StatusNotFound).
		WithDetails("job_id", id)
}

func SyncDisabled(operation string) *ServiceError {
	return New(CodeSyncDisabled, "synchronous variant disabled", http.StatusNotImplemented).
		WithDetails("operation", operation)
}

func InvalidInput(field, reason string) *ServiceError {
	return New(CodeInvalidInput, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func Internal(message string, err error) *ServiceError {
	return Wrap(CodeInternal, message, http.StatusInternalServerError, err)
}

// Truncate caps s at n runes, appending an ellipsis marker when cut.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// credentialRe matches a bearer token, or the value of a key/token/password/
// secret assignment, keeping the leading label in group 1.
var credentialRe = regexp.MustCompile(`(?i)(bearer\s+|(?:api[_-]?key|token|password|secret)\s*[=:]\s*)[^\s,;"']+`)

// scrub strips substrings shaped like bearer tokens or API keys out of
// upstream error text before it is ever echoed back to a caller.
func scrub(s string) string {
	// Best-effort: the proxy's own error strings do not normally carry
	// secrets, but defense in depth costs nothing here.
	return credentialRe.ReplaceAllString(s, "${1}[redacted]")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// As extracts a *ServiceError from an error chain, if present.
func As(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// HTTPStatus returns the status code for any error, defaulting to 500.
func HTTPStatus(err error) int {
	if se, ok := As(err); ok {
		return se.HTTPStatus
	}
	return http.StatusInternalServerError
}
