package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/haasonsaas/conductor/internal/agent"
)

// FailureReason categorizes why a provider request failed, driving retry
// decisions in the clients.
type FailureReason string

const (
	// ReasonBilling indicates payment/quota issues (HTTP 402)
	ReasonBilling FailureReason = "billing"

	// ReasonRateLimit indicates rate limiting (HTTP 429)
	ReasonRateLimit FailureReason = "rate_limit"

	// ReasonAuth indicates authentication failure (HTTP 401, 403)
	ReasonAuth FailureReason = "auth"

	// ReasonTimeout indicates request timeout
	ReasonTimeout FailureReason = "timeout"

	// ReasonServerError indicates server-side issues (HTTP 5xx)
	ReasonServerError FailureReason = "server_error"

	// ReasonInvalidRequest indicates client-side issues (HTTP 400)
	ReasonInvalidRequest FailureReason = "invalid_request"

	// ReasonContextLength indicates the request overflowed the model's
	// context window. Never retried here; the loop compacts and retries.
	ReasonContextLength FailureReason = "context_length"

	// ReasonModelUnavailable indicates the model is not available
	ReasonModelUnavailable FailureReason = "model_unavailable"

	// ReasonUnknown indicates an unclassified error
	ReasonUnknown FailureReason = "unknown"
)

// IsRetryable returns true if the reason suggests retrying may succeed.
func (r FailureReason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// ClientError is a structured error from an LLM provider with the context
// needed for retry decisions and debugging.
type ClientError struct {
	// Reason categorizes the error for retry logic
	Reason FailureReason

	// Provider is the provider name (e.g., "anthropic", "openai")
	Provider string

	// Model is the model that was requested
	Model string

	// Status is the HTTP status code, if applicable
	Status int

	// Code is the provider-specific error code
	Code string

	// Message is the human-readable error message
	Message string

	// RequestID is the provider's request ID for debugging
	RequestID string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ClientError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Reason))
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ClientError) Unwrap() error {
	return e.Cause
}

// NewClientError creates a ClientError classified from its cause.
func NewClientError(provider, model string, cause error) *ClientError {
	err := &ClientError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}
	return err
}

// WithStatus adds the HTTP status and reclassifies from it.
func (e *ClientError) WithStatus(status int) *ClientError {
	e.Status = status
	if reason := classifyStatusCode(status); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithCode adds a provider-specific error code and reclassifies if the code
// is recognized.
func (e *ClientError) WithCode(code string) *ClientError {
	e.Code = code
	if reason := classifyErrorCode(code); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithRequestID adds the provider's request ID.
func (e *ClientError) WithRequestID(id string) *ClientError {
	e.RequestID = id
	return e
}

// WithMessage sets the error message.
func (e *ClientError) WithMessage(msg string) *ClientError {
	e.Message = msg
	return e
}

// ClassifyError inspects an error and returns the appropriate FailureReason.
func ClassifyError(err error) FailureReason {
	if err == nil {
		return ReasonUnknown
	}

	errStr := strings.ToLower(err.Error())

	if isContextLengthMessage(errStr) {
		return ReasonContextLength
	}

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context deadline") ||
		strings.Contains(errStr, "etimedout") {
		return ReasonTimeout
	}

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") {
		return ReasonRateLimit
	}

	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "invalid_api_key") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") {
		return ReasonAuth
	}

	if strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "payment") ||
		strings.Contains(errStr, "quota") ||
		strings.Contains(errStr, "402") {
		return ReasonBilling
	}

	if strings.Contains(errStr, "model not found") ||
		strings.Contains(errStr, "model_not_found") ||
		strings.Contains(errStr, "does not exist") ||
		strings.Contains(errStr, "unavailable") {
		return ReasonModelUnavailable
	}

	if strings.Contains(errStr, "internal server") ||
		strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") {
		return ReasonServerError
	}

	return ReasonUnknown
}

// isContextLengthMessage matches the overflow phrasings the major APIs use.
func isContextLengthMessage(lower string) bool {
	return strings.Contains(lower, "context_length_exceeded") ||
		strings.Contains(lower, "context length") ||
		strings.Contains(lower, "prompt is too long") ||
		strings.Contains(lower, "maximum context length") ||
		strings.Contains(lower, "input is too long")
}

func classifyStatusCode(status int) FailureReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonModelUnavailable
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func classifyErrorCode(code string) FailureReason {
	switch strings.ToLower(code) {
	case "context_length_exceeded":
		return ReasonContextLength
	case "rate_limit_error", "rate_limit_exceeded":
		return ReasonRateLimit
	case "authentication_error", "invalid_api_key":
		return ReasonAuth
	case "billing_error", "insufficient_quota":
		return ReasonBilling
	case "model_not_found", "model_not_available":
		return ReasonModelUnavailable
	case "overloaded_error", "server_error", "internal_error":
		return ReasonServerError
	case "invalid_request_error":
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

// IsClientError checks if an error is a ClientError.
func IsClientError(err error) bool {
	var clientErr *ClientError
	return errors.As(err, &clientErr)
}

// GetClientError extracts a ClientError from an error chain.
func GetClientError(err error) (*ClientError, bool) {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr, true
	}
	return nil, false
}

// IsRetryable checks if an error should be retried.
func IsRetryable(err error) bool {
	if clientErr, ok := GetClientError(err); ok {
		return clientErr.Reason.IsRetryable()
	}
	return ClassifyError(err).IsRetryable()
}

// asLoopError converts context-window overflows into the typed error the
// loop handles; all other errors pass through unchanged.
func asLoopError(err error, provider string, maxTokens int) error {
	if err == nil {
		return nil
	}
	if clientErr, ok := GetClientError(err); ok && clientErr.Reason == ReasonContextLength {
		return &agent.ContextLengthExceededError{
			Provider:  provider,
			MaxTokens: maxTokens,
		}
	}
	if ClassifyError(err) == ReasonContextLength {
		return &agent.ContextLengthExceededError{
			Provider:  provider,
			MaxTokens: maxTokens,
		}
	}
	return err
}
