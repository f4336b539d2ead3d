package adapters

import (
	"errors"
	"fmt"
	"time"
)

// ProviderError represents different types of provider call failures
type ProviderError struct {
	Type       string // "network", "rate_limit", "provider_error", "bad_symbol", "permission", "stale"
	Provider   string
	Symbol     string
	StatusCode int
	Message    string
	Cause      error
}

func (e *ProviderError) Error() string {
	prefix := e.Type
	if e.Provider != "" {
		prefix = e.Provider + " " + e.Type
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s error for %s: %s (%v)", prefix, e.Symbol, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error for %s: %s", prefix, e.Symbol, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Common error constructors
func NewNetworkError(provider, symbol, message string, cause error) *ProviderError {
	return &ProviderError{Type: "network", Provider: provider, Symbol: symbol, Message: message, Cause: cause}
}

func NewRateLimitError(provider, symbol, message string) *ProviderError {
	return &ProviderError{Type: "rate_limit", Provider: provider, Symbol: symbol, StatusCode: 429, Message: message}
}

func NewProviderError(provider, symbol string, status int, message string) *ProviderError {
	return &ProviderError{Type: "provider_error", Provider: provider, Symbol: symbol, StatusCode: status, Message: message}
}

func NewBadSymbolError(provider, symbol, message string) *ProviderError {
	return &ProviderError{Type: "bad_symbol", Provider: provider, Symbol: symbol, Message: message}
}

func NewPermissionError(provider, symbol string, status int, message string) *ProviderError {
	return &ProviderError{Type: "permission", Provider: provider, Symbol: symbol, StatusCode: status, Message: message}
}

func NewStaleError(provider, symbol string, staleness time.Duration) *ProviderError {
	return &ProviderError{
		Type:     "stale",
		Provider: provider,
		Symbol:   symbol,
		Message:  fmt.Sprintf("data too stale: %v", staleness),
	}
}

// classifyStatus maps an HTTP status to a typed error.
func classifyStatus(provider, symbol string, status int, body string) *ProviderError {
	switch {
	case status == 429:
		return NewRateLimitError(provider, symbol, body)
	case status == 401 || status == 403:
		return NewPermissionError(provider, symbol, status, body)
	case status == 404:
		return NewBadSymbolError(provider, symbol, body)
	default:
		return NewProviderError(provider, symbol, status, body)
	}
}

// IsRetryable reports network failures, rate limits and 5xx responses.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.Type {
	case "network", "rate_limit":
		return true
	case "provider_error":
		return pe.StatusCode >= 500
	}
	return false
}

// IsPermission reports missing credentials or forbidden endpoints.
func IsPermission(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Type == "permission"
}
