package protocol

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for retry and surface decisions. The pipeline
// matches on Kind; Code is the stable string clients see.
type Kind int

const (
	KindValidation Kind = iota
	KindAuthorization
	KindNotFound
	KindRateLimited
	KindContentBlocked
	KindStorage
	KindUpstreamUnavailable
	KindTimeout
	KindToolFailed
	KindWorkflowFailed
	KindInternal
)

// Stable error codes exposed on the envelope.
const (
	CodeInvalidSession          = "INVALID_SESSION"
	CodeSessionNotFound         = "SESSION_NOT_FOUND"
	CodeRateLimitExceeded       = "RATE_LIMIT_EXCEEDED"
	CodeTokenLimitExceeded      = "TOKEN_LIMIT_EXCEEDED"
	CodeInvalidRequestFormat    = "INVALID_REQUEST_FORMAT"
	CodeMissingRequiredField    = "MISSING_REQUIRED_FIELD"
	CodeInvalidFieldValue       = "INVALID_FIELD_VALUE"
	CodeMessageTooLong          = "MESSAGE_TOO_LONG"
	CodeAIServiceUnavailable    = "AI_SERVICE_UNAVAILABLE"
	CodeToolExecutionFailed     = "TOOL_EXECUTION_FAILED"
	CodeWorkflowExecutionFailed = "WORKFLOW_EXECUTION_FAILED"
	CodeStorageError            = "STORAGE_ERROR"
	CodeInternalError           = "INTERNAL_ERROR"
	CodeServiceDegraded         = "SERVICE_DEGRADED"
	CodeContentBlocked          = "CONTENT_BLOCKED"
)

// Error is the typed error carried across component boundaries.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	Details    map[string]any
	Retryable  bool
	RetryAfter time.Duration
	Err        error // wrapped cause, not serialized
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a typed error.
func E(kind Kind, code, message string) *Error {
	return &Error{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Retryable: kind == KindTimeout || kind == KindUpstreamUnavailable,
	}
}

// Wrap attaches a cause.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// WithDetail adds one detail entry.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithRetryAfter marks the error retryable after the given delay.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.Retryable = true
	e.RetryAfter = d
	return e
}

// RateLimited builds the standard over-limit rejection.
func RateLimited(retryAfter time.Duration) *Error {
	e := E(KindRateLimited, CodeRateLimitExceeded, "rate limit exceeded")
	return e.WithRetryAfter(retryAfter)
}

// ContentBlocked builds a content-filter rejection. The offending content is
// never echoed back; only the category is surfaced.
func ContentBlocked(category string) *Error {
	return E(KindContentBlocked, CodeContentBlocked, "message blocked by content policy").
		WithDetail("category", category)
}

// NotFound builds a missing-resource error.
func NotFound(code, message string) *Error {
	return E(KindNotFound, code, message)
}

// Validation builds a bad-input error.
func Validation(code, message string) *Error {
	return E(KindValidation, code, message)
}

// Storage builds a storage-layer error.
func Storage(message string, err error) *Error {
	return E(KindStorage, CodeStorageError, message).Wrap(err)
}

// Upstream builds an LLM/tool backend unavailability error.
func Upstream(message string, err error) *Error {
	return E(KindUpstreamUnavailable, CodeAIServiceUnavailable, message).Wrap(err)
}

// Timeout builds a deadline-expiry error.
func Timeout(message string) *Error {
	return E(KindTimeout, CodeAIServiceUnavailable, message)
}

// Internal wraps an unexpected failure.
func Internal(err error) *Error {
	return E(KindInternal, CodeInternalError, "internal error").Wrap(err)
}

// AsError extracts a *Error from an error chain, converting unknown errors to
// KindInternal so every failure has a stable code.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return Internal(err)
}

// HTTPStatus maps an error kind to its HTTP surface per the propagation
// policy: 4xx never retried, 5xx/503 after retry exhaustion.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation, KindContentBlocked:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout, KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindToolFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// EnvelopeError is the serialized error body.
type EnvelopeError struct {
	Code         string         `json:"code"`
	Message      string         `json:"message"`
	Details      map[string]any `json:"details,omitempty"`
	Retryable    bool           `json:"retryable"`
	RetryAfterMS int64          `json:"retry_after_ms,omitempty"`
}

// ErrorEnvelope is the HTTP error response shape.
type ErrorEnvelope struct {
	Error     EnvelopeError `json:"error"`
	RequestID string        `json:"request_id"`
	Timestamp int64         `json:"timestamp"`
}

// Envelope renders the error for the HTTP surface.
func (e *Error) Envelope(requestID string) ErrorEnvelope {
	return ErrorEnvelope{
		Error: EnvelopeError{
			Code:         e.Code,
			Message:      e.Message,
			Details:      e.Details,
			Retryable:    e.Retryable,
			RetryAfterMS: e.RetryAfter.Milliseconds(),
		},
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// WSPayload renders the error for the streaming surface.
func (e *Error) WSPayload() ErrorPayload {
	return ErrorPayload{
		Code:         e.Code,
		Message:      e.Message,
		RetryAfterMS: e.RetryAfter.Milliseconds(),
	}
}
