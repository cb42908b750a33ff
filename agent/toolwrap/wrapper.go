package toolwrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	contractx "github.com/opentender-lab/tenderdesk/agent/contract"
	"github.com/rs/zerolog/log"
)

const (
	defaultTimeout = 15 * time.Second
	defaultRetries = 2

	baseBackoffMs = 1000
	maxBackoffMs  = 10000
)

// Implementation is the underlying tool function. It must be a pure function
// of its validated input as far as the orchestration core is concerned.
type Implementation func(ctx context.Context, args map[string]any) (any, error)

// Tool wraps an implementation with input validation, a hard timeout, and
// classified, selectively-retried failures. Every call returns: either a
// result or a typed error, never a hang past the timeout.
type Tool struct {
	name    string
	desc    string
	params  map[string]*schema.ParameterInfo
	impl    Implementation
	timeout time.Duration
	retries int
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option customizes a wrapped tool.
type Option func(*Tool)

func WithTimeout(d time.Duration) Option {
	return func(t *Tool) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithRetries sets the number of extra attempts after the first failure.
func WithRetries(n int) Option {
	return func(t *Tool) {
		if n >= 0 {
			t.retries = n
		}
	}
}

// withSleep replaces the backoff sleeper, for deterministic tests.
func withSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(t *Tool) {
		if fn != nil {
			t.sleep = fn
		}
	}
}

// New builds a wrapped tool from its declared parameter schema and impl.
func New(name, desc string, params map[string]*schema.ParameterInfo, impl Implementation, opts ...Option) (*Tool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: tool name is required", contractx.ErrValidation)
	}
	if impl == nil {
		return nil, fmt.Errorf("%w: tool=%s implementation is required", contractx.ErrValidation, name)
	}

	t := &Tool{
		name:    name,
		desc:    desc,
		params:  params,
		impl:    impl,
		timeout: defaultTimeout,
		retries: defaultRetries,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t, nil
}

func (t *Tool) Name() string { return t.name }

// Info exposes the declaration bound to the reasoning model.
func (t *Tool) Info() *schema.ToolInfo {
	return &schema.ToolInfo{
		Name:        t.name,
		Desc:        t.desc,
		ParamsOneOf: schema.NewParamsOneOfByParams(t.params),
	}
}

// Call validates, invokes under timeout, retries transient failures with
// exponential backoff, and finalizes one immutable ToolCall record.
func (t *Tool) Call(ctx context.Context, args map[string]any) (string, contractx.ToolCall, error) {
	started := time.Now()

	rec := contractx.ToolCall{
		ToolName: t.name,
		Input:    args,
	}

	if err := t.validate(args); err != nil {
		rec.Duration = time.Since(started)
		rec.Error = err.Error()
		return "", rec, err
	}

	output, err := t.invokeWithRetry(ctx, args)
	rec.Duration = time.Since(started)
	if err != nil {
		rec.Error = err.Error()
		return "", rec, err
	}

	encoded, encErr := encodeOutput(output)
	if encErr != nil {
		err = fmt.Errorf("%w: tool=%s produced unencodable output: %v", contractx.ErrLLMRecoverable, t.name, encErr)
		rec.Error = err.Error()
		return "", rec, err
	}

	rec.Output = encoded
	rec.Success = true
	return encoded, rec, nil
}

// validate checks the raw input against the declared parameter schema. A
// failure is LLM-recoverable: the message names the offending fields so the
// reasoning loop can self-correct on its next attempt.
func (t *Tool) validate(args map[string]any) error {
	var missing, mistyped []string

	for name, info := range t.params {
		if info == nil {
			continue
		}
		val, ok := args[name]
		if !ok || val == nil {
			if info.Required {
				missing = append(missing, name)
			}
			continue
		}
		if !typeMatches(info.Type, val) {
			mistyped = append(mistyped, fmt.Sprintf("%s (want %s)", name, info.Type))
		}
	}

	if len(missing) == 0 && len(mistyped) == 0 {
		return nil
	}

	sort.Strings(missing)
	sort.Strings(mistyped)

	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing required fields: "+strings.Join(missing, ", "))
	}
	if len(mistyped) > 0 {
		parts = append(parts, "wrong types: "+strings.Join(mistyped, ", "))
	}
	return fmt.Errorf("%w: tool=%s input invalid, fix and retry: %s",
		contractx.ErrLLMRecoverable, t.name, strings.Join(parts, "; "))
}

func (t *Tool) invokeWithRetry(ctx context.Context, args map[string]any) (any, error) {
	var lastErr error

	for attempt := 0; attempt <= t.retries; attempt++ {
		output, err := t.invokeOnce(ctx, args)
		if err == nil {
			return output, nil
		}
		lastErr = err

		if !contractx.IsRetryable(err) {
			return nil, t.finalError(err)
		}
		if attempt == t.retries {
			break
		}

		delay := backoffDelay(attempt)
		log.Warn().
			Str("tool", t.name).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Err(err).
			Msg("transient tool failure, retrying")
		if sleepErr := t.sleep(ctx, delay); sleepErr != nil {
			return nil, fmt.Errorf("%w: tool=%s aborted during backoff: %v", contractx.ErrTransient, t.name, sleepErr)
		}
	}

	return nil, t.finalError(lastErr)
}

// invokeOnce runs the implementation in its own goroutine and races it
// against the timeout timer, so the wrapper returns even if the impl never
// resolves.
func (t *Tool) invokeOnce(ctx context.Context, args map[string]any) (any, error) {
	type result struct {
		output any
		err    error
	}

	done := make(chan result, 1)
	go func() {
		output, err := t.impl(ctx, args)
		done <- result{output: output, err: err}
	}()

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res.output, res.err
	case <-timer.C:
		// Tool-level timeouts are transient: the handler may retry within
		// its own budget, the turn does not abort here.
		return nil, fmt.Errorf("%w: tool=%s timed out after %s", contractx.ErrTransient, t.name, t.timeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: tool=%s canceled: %v", contractx.ErrTransient, t.name, ctx.Err())
	}
}

// finalError surfaces the terminal failure with a kind-specific message.
func (t *Tool) finalError(err error) error {
	switch contractx.ClassifyError(err) {
	case contractx.KindTransient, contractx.KindTimeout:
		if errors.Is(err, contractx.ErrTransient) {
			return err
		}
		return fmt.Errorf("%w: tool=%s: %v", contractx.ErrTransient, t.name, err)
	case contractx.KindLLMRecoverable:
		if errors.Is(err, contractx.ErrLLMRecoverable) {
			return err
		}
		return fmt.Errorf("%w: tool=%s: adjust the request and try again: %v", contractx.ErrLLMRecoverable, t.name, err)
	case contractx.KindUserFixable:
		if errors.Is(err, contractx.ErrUserFixable) {
			return err
		}
		return fmt.Errorf("%w: tool=%s: %v", contractx.ErrUserFixable, t.name, err)
	default:
		// Unexpected failures are rethrown as-is for operator visibility.
		return err
	}
}

func backoffDelay(attempt int) time.Duration {
	ms := baseBackoffMs << attempt
	if ms > maxBackoffMs || ms <= 0 {
		ms = maxBackoffMs
	}
	return time.Duration(ms) * time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func typeMatches(declared schema.DataType, val any) bool {
	switch declared {
	case schema.String:
		_, ok := val.(string)
		return ok
	case schema.Number:
		switch val.(type) {
		case float64, float32, int, int64, json.Number:
			return true
		}
		return false
	case schema.Integer:
		switch v := val.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		case json.Number:
			_, err := v.Int64()
			return err == nil
		}
		return false
	case schema.Boolean:
		_, ok := val.(bool)
		return ok
	case schema.Array:
		_, ok := val.([]any)
		return ok
	case schema.Object:
		_, ok := val.(map[string]any)
		return ok
	default:
		return true
	}
}

func encodeOutput(output any) (string, error) {
	switch v := output.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
}
