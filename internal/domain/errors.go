package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrOrganizationNotFound    = errors.New("organization not found")
	ErrInvalidAPIKey           = errors.New("invalid API key")
	ErrRateLimitExceeded       = errors.New("rate limit exceeded")
	ErrProviderNotFound        = errors.New("provider not found")
	ErrInvalidRequest          = errors.New("invalid request")
	ErrInsufficientCredits     = errors.New("insufficient credits")
	ErrCircuitBreakerOpen      = errors.New("circuit breaker open")
	ErrNoRoute                 = errors.New("no route")
	ErrTranslation             = errors.New("translation failed")
	ErrAllCandidatesFailed     = errors.New("all candidates exhausted")
	ErrPassthroughNotSupported = errors.New("passthrough not supported by provider")
)

// ValidationError reports the first field of an inbound body that failed
// schema or semantic checks.
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRequest }

// RoutingError is returned when a model specifier cannot be resolved to at
// least one endpoint.
type RoutingError struct {
	Specifier string
	Reason    string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("cannot route %q: %s", e.Specifier, e.Reason)
}

func (e *RoutingError) Unwrap() error { return ErrNoRoute }

// UpstreamError is a failed call to a provider, classified once at the
// adapter boundary.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status=%d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// ClassifyStatus reports whether an upstream HTTP status should advance the
// fallback chain. 408 and 429 are transient like 5xx.
func ClassifyStatus(status int) bool {
	switch {
	case status >= 500:
		return true
	case status == 408, status == 429:
		return true
	default:
		return false
	}
}

func NewStatusError(provider string, status int, body string) *UpstreamError {
	return &UpstreamError{
		Provider:   provider,
		StatusCode: status,
		Retryable:  ClassifyStatus(status),
		Err:        fmt.Errorf("upstream error: %s", truncate(body, 512)),
	}
}

// TranslationError means a provider payload could not be mapped to the
// canonical shape. It is never retried.
type TranslationError struct {
	Provider string
	Err      error
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("%s: translation failed: %v", e.Provider, e.Err)
}

func (e *TranslationError) Unwrap() []error { return []error{ErrTranslation, e.Err} }

func NewTranslationError(provider, format string, args ...any) *TranslationError {
	return &TranslationError{Provider: provider, Err: fmt.Errorf(format, args...)}
}

type Attempt struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Region   string `json:"region"`
	Status   int    `json:"status,omitempty"`
	Error    string `json:"error"`
}

// ExhaustedError is returned when every fallback candidate failed.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	names := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		names = append(names, a.Provider)
	}
	return fmt.Sprintf("all candidates exhausted: attempted [%s]", strings.Join(names, ", "))
}

func (e *ExhaustedError) Unwrap() error { return ErrAllCandidatesFailed }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
