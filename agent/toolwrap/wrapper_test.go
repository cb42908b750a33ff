package toolwrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	contractx "github.com/opentender-lab/tenderdesk/agent/contract"
)

var queryParams = map[string]*schema.ParameterInfo{
	"query": {Type: schema.String, Desc: "Natural language query", Required: true},
	"limit": {Type: schema.Integer, Desc: "Max rows", Required: false},
}

func noSleep(recorded *[]time.Duration) Option {
	return withSleep(func(ctx context.Context, d time.Duration) error {
		*recorded = append(*recorded, d)
		return nil
	})
}

func TestCallSuccess(t *testing.T) {
	t.Parallel()

	tool, err := New("search_tenders", "search", queryParams,
		func(ctx context.Context, args map[string]any) (any, error) {
			return []map[string]any{{"title": "Bando X"}}, nil
		})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	out, rec, err := tool.Call(context.Background(), map[string]any{"query": "software"})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if !strings.Contains(out, "Bando X") {
		t.Fatalf("unexpected output: %s", out)
	}
	if !rec.Success || rec.ToolName != "search_tenders" {
		t.Fatalf("unexpected record: %#v", rec)
	}
	if rec.Output != out {
		t.Fatalf("record output mismatch: %q vs %q", rec.Output, out)
	}
}

func TestCallValidationNamesOffendingFields(t *testing.T) {
	t.Parallel()

	tool, err := New("search_tenders", "search", queryParams,
		func(ctx context.Context, args map[string]any) (any, error) {
			t.Fatal("impl must not run on validation failure")
			return nil, nil
		})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, rec, err := tool.Call(context.Background(), map[string]any{"limit": "ten"})
	if !errors.Is(err, contractx.ErrLLMRecoverable) {
		t.Fatalf("expected ErrLLMRecoverable, got %v", err)
	}
	if !strings.Contains(err.Error(), "query") {
		t.Fatalf("error must name the missing field: %v", err)
	}
	if !strings.Contains(err.Error(), "limit") {
		t.Fatalf("error must name the mistyped field: %v", err)
	}
	if rec.Success {
		t.Fatal("record must not be marked successful")
	}
}

func TestCallTimeoutAlwaysFires(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	tool, err := New("search_tenders", "search", queryParams,
		func(ctx context.Context, args map[string]any) (any, error) {
			<-block // never resolves within the test
			return nil, nil
		},
		WithTimeout(30*time.Millisecond),
		WithRetries(0),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	started := time.Now()
	_, _, err = tool.Call(context.Background(), map[string]any{"query": "x"})
	elapsed := time.Since(started)

	if !errors.Is(err, contractx.ErrTransient) {
		t.Fatalf("expected transient timeout, got %v", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("timeout error message = %v", err)
	}
	if elapsed > time.Second {
		t.Fatalf("Call() took %s, timeout did not fire", elapsed)
	}
}

func TestCallRetriesTransientWithDeterministicBackoff(t *testing.T) {
	t.Parallel()

	var delays []time.Duration
	attempts := 0

	tool, err := New("search_tenders", "search", queryParams,
		func(ctx context.Context, args map[string]any) (any, error) {
			attempts++
			return nil, fmt.Errorf("%w: upstream status=503", contractx.ErrTransient)
		},
		WithRetries(2),
		noSleep(&delays),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, _, err = tool.Call(context.Background(), map[string]any{"query": "x"})
	if !errors.Is(err, contractx.ErrTransient) {
		t.Fatalf("expected final transient error, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3 (1 + 2 retries)", attempts)
	}
	want := []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("backoff delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delay[%d] = %s, want %s", i, delays[i], want[i])
		}
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	t.Parallel()

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{10, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.attempt); got != tc.want {
			t.Fatalf("backoffDelay(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestCallDoesNotRetryRecoverable(t *testing.T) {
	t.Parallel()

	attempts := 0
	tool, err := New("get_tender_details", "details", queryParams,
		func(ctx context.Context, args map[string]any) (any, error) {
			attempts++
			return nil, fmt.Errorf("%w: no tender matches id", contractx.ErrLLMRecoverable)
		},
		WithRetries(2),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, _, err = tool.Call(context.Background(), map[string]any{"query": "x"})
	if !errors.Is(err, contractx.ErrLLMRecoverable) {
		t.Fatalf("expected ErrLLMRecoverable, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (no retry)", attempts)
	}
}

func TestCallUserFixablePhrasing(t *testing.T) {
	t.Parallel()

	tool, err := New("save_application_draft", "draft", queryParams,
		func(ctx context.Context, args map[string]any) (any, error) {
			return nil, fmt.Errorf("%w: recipient email is missing", contractx.ErrUserFixable)
		},
		WithRetries(2),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, _, err = tool.Call(context.Background(), map[string]any{"query": "x"})
	if !errors.Is(err, contractx.ErrUserFixable) {
		t.Fatalf("expected ErrUserFixable, got %v", err)
	}
	if !strings.Contains(err.Error(), "clarification") {
		t.Fatalf("user-fixable error must mention clarification: %v", err)
	}
}

func TestCallUnexpectedRethrownAsIs(t *testing.T) {
	t.Parallel()

	boom := errors.New("nil pointer in provider client")
	tool, err := New("search_tenders", "search", queryParams,
		func(ctx context.Context, args map[string]any) (any, error) {
			return nil, boom
		},
		WithRetries(2),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, _, err = tool.Call(context.Background(), map[string]any{"query": "x"})
	if !errors.Is(err, boom) {
		t.Fatalf("unexpected error must be rethrown unchanged, got %v", err)
	}
}
