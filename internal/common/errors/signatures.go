package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Stable error signatures. A signature classifies a failure across retries,
// breakers, analytics and remediation; it is never a raw error message.
const (
	// Transient — retried by the scheduler up to max_retries.
	SigTimeout      = "timeout"
	SigAPIRateLimit = "api_rate_limit"
	SigTransient    = "transient_error"
	SigWorkerLost   = "worker_lost"

	// Config — not retried; surfaced to the submitter.
	SigInvalidTaskSpec  = "invalid_task_spec"
	SigUnknownAgent     = "unknown_agent"
	SigPermissionDenied = "permission_denied"

	// Policy — surfaced to router/dispatcher and operators.
	SigBreakerOpen = "breaker_open"
	SigQuarantined = "quarantined"

	// Systemic — emitted as core.* events, cause graceful degradation.
	SigStorageExhausted   = "storage_exhausted"
	SigStorageCorrupt     = "storage_corrupt"
	SigBusOverloaded      = "bus_overloaded"
	SigSchedulerSaturated = "scheduler_saturated"

	// Test-env traces always classify as test_error so downstream
	// analyzers can filter them out wholesale.
	SigTestError = "test_error"

	// Fallback after every mapping rule fails.
	SigOther = "other"
)

const runtimePrefix = "runtime_error:"

// RuntimeSignature builds a runtime_error signature for a named error kind.
func RuntimeSignature(kind string) string {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		kind = "unknown"
	}
	return runtimePrefix + kind
}

// IsRuntimeSignature reports whether sig is a runtime_error:<kind> signature.
func IsRuntimeSignature(sig string) bool {
	return strings.HasPrefix(sig, runtimePrefix)
}

// Retryable reports whether the scheduler may retry a failure with this
// signature. Runtime errors are handled separately (retried at most once).
func Retryable(sig string) bool {
	switch sig {
	case SigTimeout, SigAPIRateLimit, SigTransient, SigWorkerLost:
		return true
	}
	return false
}

// Classify maps a worker-reported error kind to a stable signature. Mapping
// is by known kind first, then by substring heuristics, then other.
func Classify(errKind, errDetail string) string {
	kind := strings.ToLower(strings.TrimSpace(errKind))
	switch kind {
	case SigTimeout, "deadline_exceeded", "context_deadline_exceeded":
		return SigTimeout
	case SigAPIRateLimit, "rate_limit", "rate_limited", "too_many_requests":
		return SigAPIRateLimit
	case SigPermissionDenied, "forbidden", "unauthorized":
		return SigPermissionDenied
	case SigTransient, "connection_reset", "unavailable":
		return SigTransient
	case SigWorkerLost:
		return SigWorkerLost
	}
	if strings.HasPrefix(kind, runtimePrefix) {
		return errKind
	}
	if kind != "" {
		// A bare exception-style kind (PanicError, ValueError, ...) maps to
		// a runtime signature keyed by that kind.
		if !strings.ContainsAny(kind, " \t") {
			return RuntimeSignature(errKind)
		}
	}
	detail := strings.ToLower(errDetail)
	switch {
	case strings.Contains(detail, "timeout"), strings.Contains(detail, "deadline"):
		return SigTimeout
	case strings.Contains(detail, "rate limit"), strings.Contains(detail, "429"):
		return SigAPIRateLimit
	case strings.Contains(detail, "permission"), strings.Contains(detail, "denied"):
		return SigPermissionDenied
	}
	return SigOther
}

// SignatureOf extracts the stable signature from any error produced at a
// component boundary, classifying unrecognized errors by their message.
func SignatureOf(err error) string {
	if err == nil {
		return ""
	}
	var sigErr *SignatureError
	if errors.As(err, &sigErr) {
		return sigErr.Sig
	}
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Signature != "" {
		return appErr.Signature
	}
	return Classify("", err.Error())
}

// SignatureError is a classified failure crossing a component boundary.
// Boundary calls return these instead of raising; callers branch on the
// signature, not the message.
type SignatureError struct {
	Sig    string
	Detail string
}

func (e *SignatureError) Error() string {
	if e.Detail == "" {
		return e.Sig
	}
	return fmt.Sprintf("%s: %s", e.Sig, e.Detail)
}

// NewSignatureError builds a SignatureError.
func NewSignatureError(sig, detail string) *SignatureError {
	return &SignatureError{Sig: sig, Detail: detail}
}
