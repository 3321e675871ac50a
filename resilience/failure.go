// Package resilience provides the failure taxonomy and the primitives that
// wrap every external call made by the engine: retry with exponential backoff,
// circuit breakers, scoped timeouts, a bounded TTL cache, and a fallback
// composer. Primitives report failures as typed values so callers can classify
// them consistently.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Kind classifies a failure. The set is closed; every failure surfaced in a
// tool envelope or trace event carries exactly one of these values.
type Kind string

const (
	// KindTimeout indicates a scoped timeout expired.
	KindTimeout Kind = "timeout"
	// KindRateLimit indicates the external service signalled throttling.
	KindRateLimit Kind = "rate_limit"
	// KindAPIError indicates the external service returned a structured error.
	KindAPIError Kind = "api_error"
	// KindNetworkError indicates a transport-level failure.
	KindNetworkError Kind = "network_error"
	// KindValidationError indicates malformed input, invalid tool arguments,
	// or a rejected state patch.
	KindValidationError Kind = "validation_error"
	// KindNoResults indicates the call succeeded but returned empty or
	// insufficient data.
	KindNoResults Kind = "no_results"
	// KindCircuitOpen indicates a circuit breaker rejected the call.
	KindCircuitOpen Kind = "circuit_open"
	// KindQuotaExhausted indicates the agent has used its per-run tool budget.
	KindQuotaExhausted Kind = "quota_exhausted"
	// KindDuplicateRequest indicates the exact prior (tool, args) pair was
	// already served to the same agent.
	KindDuplicateRequest Kind = "duplicate_request"
)

// Failure is a classified failure value. It implements error so it can flow
// through standard error returns while carrying the closed taxonomy.
type Failure struct {
	// Kind is the failure classification.
	Kind Kind
	// Message is a human-readable description.
	Message string
	// Retryable reports whether the failure belongs to the transient set.
	Retryable bool
	// Details carries optional structured context (service name, wait time).
	Details map[string]any
	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap returns the underlying error.
func (f *Failure) Unwrap() error { return f.Cause }

// NewFailure constructs a Failure of the given kind. Retryable defaults to
// the kind's standard classification.
func NewFailure(kind Kind, message string) *Failure {
	return &Failure{Kind: kind, Message: message, Retryable: kindRetryable(kind)}
}

// WrapFailure constructs a Failure of the given kind wrapping a cause.
func WrapFailure(kind Kind, message string, cause error) *Failure {
	return &Failure{Kind: kind, Message: message, Retryable: kindRetryable(kind), Cause: cause}
}

// WithDetail returns f with the given detail set, for fluent construction.
func (f *Failure) WithDetail(key string, value any) *Failure {
	if f.Details == nil {
		f.Details = make(map[string]any)
	}
	f.Details[key] = value
	return f
}

func kindRetryable(kind Kind) bool {
	switch kind {
	case KindTimeout, KindRateLimit, KindNetworkError:
		return true
	default:
		return false
	}
}

// HTTPStatusError represents an HTTP error with a status code. Data source
// clients return it so Classify can map status codes onto the taxonomy.
type HTTPStatusError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Classify maps an arbitrary error onto the closed failure taxonomy. Errors
// that are already a *Failure pass through unchanged. Context cancellation is
// reported as a timeout (scoped deadlines are the only cancellation source on
// the hot path); transport errors become network_error; HTTP status codes map
// per their conventional meaning.
func Classify(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return WrapFailure(KindTimeout, "operation cancelled or timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return WrapFailure(KindTimeout, "network timeout", err)
		}
		return WrapFailure(KindNetworkError, "network failure", err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return WrapFailure(KindNetworkError, "dns failure", err)
	}
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return WrapFailure(KindRateLimit, httpErr.Message, err)
		case httpErr.StatusCode >= 500:
			f := WrapFailure(KindAPIError, httpErr.Message, err)
			f.Retryable = true
			return f
		case httpErr.StatusCode >= 400:
			return WrapFailure(KindValidationError, httpErr.Message, err)
		}
	}
	return WrapFailure(KindAPIError, "external call failed", err)
}

// IsRetryable reports whether err classifies as a transient failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable
}

// IsKind reports whether err classifies as the given kind.
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return Classify(err).Kind == kind
}

// circuitOpenFailure builds the typed circuit-open failure including the time
// until the next probe is allowed.
func circuitOpenFailure(name string, untilProbe time.Duration) *Failure {
	f := NewFailure(KindCircuitOpen, fmt.Sprintf("circuit %q is open", name))
	return f.WithDetail("service", name).WithDetail("retry_after", untilProbe.Round(time.Millisecond).String())
}
