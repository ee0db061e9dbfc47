package genai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorKind classifies a failed generation call. The credential pool's
// release outcome is derived directly from the kind.
type ErrorKind string

const (
	// KindQuotaExceeded: the credential's allotment is exhausted or the key
	// itself was rejected. The credential cools down and escalates to dead.
	KindQuotaExceeded ErrorKind = "quota_exceeded"
	// KindTransportFailure: connection reset, timeout, DNS or proxy failure.
	KindTransportFailure ErrorKind = "transport_failure"
	// KindModelOverload: one model variant is temporarily degraded; the
	// caller cascades to the next variant without penalizing the credential.
	KindModelOverload ErrorKind = "model_overload"
	// KindFatalRequest: the request was rejected deterministically and will
	// fail the same way on every credential.
	KindFatalRequest ErrorKind = "fatal_request"
)

// Error is a classified generation failure.
type Error struct {
	Kind           ErrorKind
	StatusCode     int    // upstream HTTP status, 0 for network-level failures
	UpstreamStatus string // upstream status token, e.g. RESOURCE_EXHAUSTED
	Message        string
	Cause          error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (http %d %s)", e.Kind, e.Message, e.StatusCode, e.UpstreamStatus)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// KindOf returns the kind of a classified error, or KindTransportFailure for
// anything unrecognized (the conservative choice: retryable on another
// credential, still counted against health).
func KindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindTransportFailure
}

// IsQuotaExceeded reports whether err is a quota-class failure.
func IsQuotaExceeded(err error) bool { return KindOf(err) == KindQuotaExceeded }

// IsTransportFailure reports whether err is a transport-class failure.
func IsTransportFailure(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == KindTransportFailure
	}
	return false
}

// IsModelOverload reports whether err is an overload-class failure.
func IsModelOverload(err error) bool { return KindOf(err) == KindModelOverload }

// IsFatalRequest reports whether err is a deterministic request rejection.
func IsFatalRequest(err error) bool { return KindOf(err) == KindFatalRequest }

// classifyHTTP maps an upstream HTTP failure to an error kind.
//
// 401/403 land in the quota class on purpose: a revoked or suspended key
// should be quarantined through the same cooldown -> dead escalation as an
// exhausted one, while other credentials keep serving.
func classifyHTTP(statusCode int, upstreamStatus, message string) *Error {
	e := &Error{
		StatusCode:     statusCode,
		UpstreamStatus: upstreamStatus,
		Message:        message,
	}

	lower := strings.ToLower(upstreamStatus + " " + message)

	switch {
	case statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden,
		strings.Contains(lower, "resource_exhausted"),
		strings.Contains(lower, "quota"),
		strings.Contains(lower, "rate limit"):
		e.Kind = KindQuotaExceeded

	case statusCode == http.StatusServiceUnavailable,
		strings.Contains(lower, "unavailable"),
		strings.Contains(lower, "overload"),
		strings.Contains(lower, "try again"):
		e.Kind = KindModelOverload

	case statusCode >= 400 && statusCode < 500:
		e.Kind = KindFatalRequest

	case statusCode >= 500:
		// Remaining 5xx are treated as variant trouble, not credential trouble.
		e.Kind = KindModelOverload

	default:
		e.Kind = KindTransportFailure
	}

	return e
}

// classifyTransport wraps a network-level failure, including per-call
// timeouts, as a transport error.
func classifyTransport(err error) *Error {
	msg := "request failed"
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "request timed out"
	} else {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			msg = "request timed out"
		}
	}

	return &Error{
		Kind:    KindTransportFailure,
		Message: msg,
		Cause:   err,
	}
}

// newFatal builds a fatal request error with no upstream status.
func newFatal(message string) *Error {
	return &Error{Kind: KindFatalRequest, Message: message}
}
