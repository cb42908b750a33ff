package contract

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"timeout sentinel", fmt.Errorf("%w: handler=search timed out", ErrTimeout), KindTimeout},
		{"step budget is a timeout", fmt.Errorf("%w: handler=search exceeded 10 reasoning rounds", ErrStepBudget), KindTimeout},
		{"context deadline", context.DeadlineExceeded, KindTimeout},
		{"transient sentinel", fmt.Errorf("%w: upstream status=503", ErrTransient), KindTransient},
		{"llm recoverable", fmt.Errorf("%w: no tender matches id", ErrLLMRecoverable), KindLLMRecoverable},
		{"validation", fmt.Errorf("%w: query is required", ErrValidation), KindLLMRecoverable},
		{"user fixable", fmt.Errorf("%w: company profile missing", ErrUserFixable), KindUserFixable},
		{"network-shaped message", errors.New("dial tcp: connection refused"), KindTransient},
		{"anything else", errors.New("nil map write"), KindUnexpected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ClassifyError(tc.err); got != tc.want {
				t.Errorf("ClassifyError(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsRetryableOnlyTransient(t *testing.T) {
	t.Parallel()

	if !IsRetryable(fmt.Errorf("%w: status=429", ErrTransient)) {
		t.Error("transient failures must be retryable")
	}
	for _, err := range []error{
		fmt.Errorf("%w: bad args", ErrLLMRecoverable),
		fmt.Errorf("%w: missing email", ErrUserFixable),
		fmt.Errorf("%w: budget gone", ErrStepBudget),
		errors.New("boom"),
	} {
		if IsRetryable(err) {
			t.Errorf("IsRetryable(%v) = true, want false", err)
		}
	}
}
