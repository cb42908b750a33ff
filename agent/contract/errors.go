package contract

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Sentinel errors for the four-way failure taxonomy plus the validation and
// model-invocation failures shared across the orchestration core. Components
// wrap these with fmt.Errorf("%w: ...") so callers can branch on errors.Is.
var (
	// ErrTransient marks network-shaped failures (timeouts, rate limits,
	// connection resets). Only this kind is retried by the tool wrapper.
	ErrTransient = errors.New("transient failure")

	// ErrLLMRecoverable marks failures the calling reasoning loop can fix on
	// its next attempt: bad tool arguments, unparseable output, empty results.
	ErrLLMRecoverable = errors.New("recoverable by reasoning loop")

	// ErrUserFixable marks failures that need clarification from the user
	// (missing required information).
	ErrUserFixable = errors.New("needs clarification from the user")

	ErrTimeout         = errors.New("operation timed out")
	ErrValidation      = errors.New("validation failed")
	ErrModelInvoke     = errors.New("model invoke failed")
	ErrSchemaViolation = errors.New("model response violates schema")
	ErrUnknownIntent   = errors.New("no user message to classify")

	// ErrStepBudget aborts a turn whose reasoning loop never converged.
	// Classified as a timeout: the turn ran out of budget, not logic.
	ErrStepBudget = errors.New("turn step budget exceeded")

	// ErrThreadNotFound is returned by checkpoint stores for unseen thread
	// ids. The supervisor treats it as a fresh conversation.
	ErrThreadNotFound = errors.New("thread not found")
)

// ErrorKind is the machine-readable classification reported alongside
// turn-level failures.
type ErrorKind string

const (
	KindTransient      ErrorKind = "transient"
	KindLLMRecoverable ErrorKind = "llm_recoverable"
	KindUserFixable    ErrorKind = "user_fixable"
	KindTimeout        ErrorKind = "timeout"
	KindUnexpected     ErrorKind = "unexpected"
)

// ClassifyError maps an error to its taxonomy kind. Sentinel wrapping wins;
// otherwise network-shaped and context errors are treated as transient or
// timeout, and everything else is unexpected.
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrStepBudget), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrLLMRecoverable), errors.Is(err, ErrValidation), errors.Is(err, ErrSchemaViolation):
		return KindLLMRecoverable
	case errors.Is(err, ErrUserFixable):
		return KindUserFixable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindTransient
	}

	if looksTransient(err.Error()) {
		return KindTransient
	}
	return KindUnexpected
}

// IsRetryable reports whether the tool wrapper should retry this failure.
func IsRetryable(err error) bool {
	return ClassifyError(err) == KindTransient
}

var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"rate limit",
	"too many requests",
	"status=429",
	"status=502",
	"status=503",
	"temporarily unavailable",
}

func looksTransient(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range transientMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
