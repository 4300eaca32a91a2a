package api

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies a dispatch failure. The dispatcher inspects the kind
// and the Retryable flag instead of matching on error strings.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindRateLimit   ErrorKind = "rate_limit"
	KindBudget      ErrorKind = "budget_exceeded"
	KindCircuitOpen ErrorKind = "circuit_open"
	KindProvider    ErrorKind = "provider_error"
	KindTimeout     ErrorKind = "timeout"
	KindExhausted   ErrorKind = "all_providers_exhausted"
)

// Error is the typed error shape for every failure surfaced by the
// orchestration core.
type Error struct {
	Kind      ErrorKind
	Provider  string
	Message   string
	Retryable bool
	// Wait is a hint for rate-limit denials: how long until the bucket
	// would admit the request.
	Wait time.Duration
	Err  error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ValidationError marks a malformed request. Fatal, never retried.
func ValidationError(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

// RateLimitError marks a token-bucket denial for one provider.
func RateLimitError(provider string, wait time.Duration) *Error {
	return &Error{
		Kind:      KindRateLimit,
		Provider:  provider,
		Message:   "rate limit exceeded",
		Retryable: true,
		Wait:      wait,
	}
}

// BudgetExceededError excludes a provider until its next daily reset.
func BudgetExceededError(provider string) *Error {
	return &Error{
		Kind:      KindBudget,
		Provider:  provider,
		Message:   "daily budget exhausted",
		Retryable: true,
	}
}

// CircuitOpenError marks a provider skipped because its breaker is open.
func CircuitOpenError(provider string) *Error {
	return &Error{
		Kind:      KindCircuitOpen,
		Provider:  provider,
		Message:   "circuit breaker open",
		Retryable: true,
	}
}

// ProviderFailure wraps an execution error from a provider adapter.
// Retryable failures (timeouts, 5xx-class) let the dispatcher fall through
// to the next candidate; non-retryable ones (auth, request rejected) abort
// the whole request.
func ProviderFailure(provider string, retryable bool, err error) *Error {
	msg := "execution failed"
	if err != nil {
		msg = err.Error()
	}
	return &Error{
		Kind:      KindProvider,
		Provider:  provider,
		Message:   msg,
		Retryable: retryable,
		Err:       err,
	}
}

// TimeoutError marks a provider call that exceeded its bounded deadline.
// Always retryable; counts toward the breaker's failure tally.
func TimeoutError(provider string, limit time.Duration) *Error {
	return &Error{
		Kind:      KindTimeout,
		Provider:  provider,
		Message:   fmt.Sprintf("call exceeded %s deadline", limit),
		Retryable: true,
	}
}

// Rejection records why one candidate provider did not serve a request.
type Rejection struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
}

// ExhaustedError aggregates every candidate's rejection once no provider
// could serve the request.
type ExhaustedError struct {
	RequestID  string
	Rejections []Rejection
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Rejections))
	for _, r := range e.Rejections {
		parts = append(parts, fmt.Sprintf("%s: %s", r.Provider, r.Reason))
	}
	if len(parts) == 0 {
		return "all providers exhausted: no eligible candidates"
	}
	return "all providers exhausted: " + strings.Join(parts, "; ")
}

// IsRetryable reports whether err is a typed error the dispatcher may
// absorb by moving to the next candidate.
func IsRetryable(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Retryable
	}
	return false
}

// KindOf extracts the error kind, or KindProvider for untyped errors.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return KindExhausted
	}
	return KindProvider
}
