package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Reason categorizes why a provider request failed.
type Reason string

const (
	// ReasonBilling indicates payment or quota issues (HTTP 402).
	ReasonBilling Reason = "billing"

	// ReasonRateLimit indicates rate limiting (HTTP 429).
	ReasonRateLimit Reason = "rate_limit"

	// ReasonAuth indicates authentication failure (HTTP 401, 403).
	ReasonAuth Reason = "auth"

	// ReasonTimeout indicates a request timeout.
	ReasonTimeout Reason = "timeout"

	// ReasonCanceled indicates the caller canceled the request.
	ReasonCanceled Reason = "canceled"

	// ReasonServerError indicates server-side issues (HTTP 5xx).
	ReasonServerError Reason = "server_error"

	// ReasonInvalidRequest indicates client-side issues (HTTP 400).
	ReasonInvalidRequest Reason = "invalid_request"

	// ReasonModelUnavailable indicates the model is not available.
	ReasonModelUnavailable Reason = "model_unavailable"

	// ReasonContentFilter indicates content was blocked by safety filters.
	ReasonContentFilter Reason = "content_filter"

	// ReasonUnknown indicates an unclassified error.
	ReasonUnknown Reason = "unknown"
)

// IsRetryable reports whether retrying the same request may succeed.
func (r Reason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// ProviderError is a structured error from a model backend.
type ProviderError struct {
	Reason    Reason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError wraps cause and classifies it from its message.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
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

// WithStatus records the HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if reason := classifyStatusCode(status); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithCode records a backend error code and reclassifies when it is known.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyErrorCode(code); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// Message fragments checked in order; the first match wins.
var errorPatterns = []struct {
	reason   Reason
	patterns []string
}{
	{ReasonTimeout, []string{"timeout", "deadline exceeded", "etimedout"}},
	{ReasonRateLimit, []string{"rate limit", "rate_limit", "too many requests", "429"}},
	{ReasonAuth, []string{"unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"}},
	{ReasonBilling, []string{"billing", "payment", "quota", "insufficient", "402"}},
	{ReasonContentFilter, []string{"content_filter", "content policy", "safety", "blocked"}},
	{ReasonModelUnavailable, []string{"model not found", "model_not_found", "does not exist"}},
	{ReasonServerError, []string{
		"internal server", "server error", "bad gateway", "service unavailable", "overloaded",
		"connection reset", "connection refused", "unexpected eof",
		"500", "502", "503", "504", "529",
	}},
}

// ClassifyError inspects err and returns the matching Reason.
func ClassifyError(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Reason
	}

	msg := strings.ToLower(err.Error())
	for _, group := range errorPatterns {
		for _, p := range group.patterns {
			if strings.Contains(msg, p) {
				return group.reason
			}
		}
	}
	return ReasonUnknown
}

func classifyStatusCode(status int) Reason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusRequestTimeout:
		return ReasonTimeout
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

func classifyErrorCode(code string) Reason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return ReasonRateLimit
	case "authentication_error", "permission_error", "invalid_api_key":
		return ReasonAuth
	case "billing_error", "insufficient_quota":
		return ReasonBilling
	case "not_found_error", "model_not_found", "model_not_available":
		return ReasonModelUnavailable
	case "content_policy_violation", "content_filter":
		return ReasonContentFilter
	case "api_error", "overloaded_error", "server_error", "internal_error":
		return ReasonServerError
	case "invalid_request_error":
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

// GetProviderError extracts a ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	return ClassifyError(err).IsRetryable()
}
