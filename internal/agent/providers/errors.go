package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorReason buckets upstream failures for retry decisions and logs.
type ErrorReason string

const (
	ReasonAuth           ErrorReason = "auth"
	ReasonRateLimit      ErrorReason = "rate_limit"
	ReasonTimeout        ErrorReason = "timeout"
	ReasonServerError    ErrorReason = "server_error"
	ReasonInvalidRequest ErrorReason = "invalid_request"
	ReasonUnknown        ErrorReason = "unknown"
)

// IsRetryable reports whether a retry can plausibly succeed. Auth and
// invalid-request failures never heal on their own.
func (r ErrorReason) IsRetryable() bool {
	return r == ReasonRateLimit || r == ReasonTimeout || r == ReasonServerError
}

// ProviderError is a classified upstream failure.
type ProviderError struct {
	Reason   ErrorReason
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", e.Reason)
	if e.Provider != "" {
		b.WriteString(" " + e.Provider)
	}
	if e.Model != "" {
		fmt.Fprintf(&b, " model=%s", e.Model)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	switch {
	case e.Message != "":
		b.WriteString(" " + e.Message)
	case e.Cause != nil:
		b.WriteString(" " + e.Cause.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError classifies cause by its message. WithStatus refines the
// classification once an HTTP status is known.
func NewProviderError(provider, model string, cause error) *ProviderError {
	e := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		e.Message = cause.Error()
		e.Reason = ClassifyError(cause)
	}
	return e
}

func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	e.Reason = reasonForStatus(status)
	return e
}

func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// Classification is substring-based: the SDKs surface most failures as
// flattened strings rather than typed values.
var reasonMarkers = []struct {
	reason  ErrorReason
	markers []string
}{
	{ReasonTimeout, []string{"timeout", "deadline exceeded"}},
	{ReasonRateLimit, []string{"rate limit", "rate_limit", "too many requests", "429"}},
	{ReasonAuth, []string{"unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"}},
	{ReasonServerError, []string{"internal server", "server error", "500", "502", "503", "504"}},
}

// ClassifyError maps an error message onto an ErrorReason.
func ClassifyError(err error) ErrorReason {
	if err == nil {
		return ReasonUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, group := range reasonMarkers {
		for _, marker := range group.markers {
			if strings.Contains(msg, marker) {
				return group.reason
			}
		}
	}
	return ReasonUnknown
}

func reasonForStatus(status int) ErrorReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status >= 500:
		return ReasonServerError
	}
	return ReasonUnknown
}

// GetProviderError pulls a ProviderError out of a wrap chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// IsRetryable reports whether err is worth retrying, classifying plain
// errors on the fly.
func IsRetryable(err error) bool {
	if perr, ok := GetProviderError(err); ok {
		return perr.Reason.IsRetryable()
	}
	return ClassifyError(err).IsRetryable()
}
