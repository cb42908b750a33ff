package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	contractx "github.com/opentender-lab/tenderdesk/agent/contract"
	extractx "github.com/opentender-lab/tenderdesk/agent/extract"
	telemetryx "github.com/opentender-lab/tenderdesk/agent/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	defaultTurnTimeout = 120 * time.Second
	defaultMaxSteps    = 10

	nodeClassify = "classify"
	nodeFormat   = "format"
)

// IntentClassifier resolves the transcript to an intent for this turn.
type IntentClassifier interface {
	Classify(ctx context.Context, transcript contractx.Transcript, threadID string) contractx.Intent
}

// Supervisor runs one turn as an explicit state machine: classify, dispatch
// to exactly one capability handler, format. It is the only component that
// writes node-execution records, so a turn's sequence is strictly ordered.
type Supervisor struct {
	classifier  IntentClassifier
	handlers    HandlerSource
	checkpoints contractx.CheckpointStore
	telemetry   *telemetryx.Collector

	turnTimeout time.Duration
	maxSteps    int
	timeouts    map[contractx.Intent]time.Duration
	now         func() time.Time
}

// Option adjusts supervisor construction.
type Option func(*Supervisor)

// WithTurnTimeout overrides the whole-turn wall clock budget.
func WithTurnTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.turnTimeout = d
		}
	}
}

// WithMaxSteps overrides the per-turn reasoning round budget.
func WithMaxSteps(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.maxSteps = n
		}
	}
}

// WithHandlerTimeout overrides one capability's invocation budget.
func WithHandlerTimeout(intent contractx.Intent, d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.timeouts[intent] = d
		}
	}
}

func New(
	classifier IntentClassifier,
	handlers HandlerSource,
	checkpoints contractx.CheckpointStore,
	collector *telemetryx.Collector,
	opts ...Option,
) *Supervisor {
	s := &Supervisor{
		classifier:  classifier,
		handlers:    handlers,
		checkpoints: checkpoints,
		telemetry:   collector,
		turnTimeout: defaultTurnTimeout,
		maxSteps:    defaultMaxSteps,
		timeouts:    make(map[contractx.Intent]time.Duration),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// turnState carries one turn through the machine.
type turnState struct {
	threadID    string
	userID      string
	thread      *contractx.Thread
	transcript  contractx.Transcript
	inputLen    int
	intent      contractx.Intent
	result      contractx.InvokeResult
	envelope    contractx.Envelope
	onAssistant func(threadID, content string)
}

// Turn executes one complete conversational turn and returns the structured
// response.
func (s *Supervisor) Turn(ctx context.Context, req contractx.TurnRequest, userID string) (contractx.TurnResponse, error) {
	state, err := s.run(ctx, req, userID, nil)
	if err != nil {
		return contractx.TurnResponse{}, err
	}

	return contractx.TurnResponse{
		Messages: contractx.ToPlain(state.result.Transcript[state.inputLen:]),
		ThreadID: state.threadID,
		Tenders:  state.envelope.Tenders,
		Metadata: state.envelope.Metadata,
	}, nil
}

// Stream executes one turn and emits the streaming wire protocol: suffix-only
// content deltas as the handler produces them, then exactly one terminal
// frame. The terminal frame is emitted even on failure; the returned error
// mirrors it.
func (s *Supervisor) Stream(ctx context.Context, req contractx.TurnRequest, userID string, emit func(contractx.StreamEvent) error) error {
	live := newDeltaEmitter(emit)
	state, err := s.run(ctx, req, userID, live.onAssistant)
	live.close()
	if err != nil {
		threadID := req.ThreadID
		if state != nil {
			threadID = state.threadID
		}
		if emitErr := emit(extractx.TerminalError(err.Error(), threadID)); emitErr != nil {
			return emitErr
		}
		return err
	}

	return emit(extractx.TerminalEvent(state.envelope, state.threadID))
}

// deltaEmitter folds assistant content produced mid-invocation into
// suffix-only, deduplicated delta frames. close stops emission, so a handler
// goroutine that outlived its budget cannot write after the terminal frame.
type deltaEmitter struct {
	mu          sync.Mutex
	closed      bool
	tracker     extractx.DeltaTracker
	dedup       *extractx.Deduper
	accumulated string
	emit        func(contractx.StreamEvent) error
}

func newDeltaEmitter(emit func(contractx.StreamEvent) error) *deltaEmitter {
	return &deltaEmitter{dedup: extractx.NewDeduper(), emit: emit}
}

func (e *deltaEmitter) onAssistant(threadID, content string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || content == "" {
		return
	}
	if !e.dedup.Allow("content", "", content) {
		return
	}
	e.accumulated += content
	delta, ok := e.tracker.Delta(e.accumulated)
	if !ok {
		return
	}
	if err := e.emit(contractx.StreamEvent{Content: delta, ThreadID: threadID}); err != nil {
		// Consumer is gone; drop further deltas and let the terminal write
		// surface the failure.
		e.closed = true
	}
}

func (e *deltaEmitter) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// run is the shared state machine behind Turn and Stream.
func (s *Supervisor) run(ctx context.Context, req contractx.TurnRequest, userID string, onAssistant func(threadID, content string)) (*turnState, error) {
	state, err := s.prepare(ctx, req, userID)
	if err != nil {
		return state, err
	}
	state.onAssistant = onAssistant

	ctx, cancel := context.WithTimeout(ctx, s.turnTimeout)
	defer cancel()

	if err := s.classify(ctx, state); err != nil {
		s.recordFailure(ctx, state, "", err)
		return state, err
	}
	if err := s.dispatch(ctx, state); err != nil {
		s.recordFailure(ctx, state, string(state.intent), err)
		return state, err
	}
	s.format(ctx, state)

	if err := s.persist(ctx, state); err != nil {
		// Checkpoint loss degrades continuity, not this turn's answer.
		log.Warn().Err(err).Str("thread_id", state.threadID).Msg("checkpoint write failed")
	}
	return state, nil
}

func (s *Supervisor) prepare(ctx context.Context, req contractx.TurnRequest, userID string) (*turnState, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: request carries no messages", contractx.ErrValidation)
	}

	incoming, err := contractx.FromPlainAll(req.Messages)
	if err != nil {
		return nil, err
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}

	state := &turnState{
		threadID: threadID,
		userID:   userID,
	}

	thread := &contractx.Thread{ThreadID: threadID, UserID: userID}
	if s.checkpoints != nil && req.ThreadID != "" {
		stored, err := s.checkpoints.Get(ctx, threadID)
		switch {
		case err == nil:
			thread = stored
		case errors.Is(err, contractx.ErrThreadNotFound):
			// Fresh conversation with a caller-chosen id.
		default:
			return state, fmt.Errorf("load thread %s: %w", threadID, err)
		}
	}

	state.thread = thread
	state.transcript = append(thread.Messages, incoming...)
	state.inputLen = len(state.transcript)
	return state, nil
}

func (s *Supervisor) classify(ctx context.Context, state *turnState) error {
	started := s.now()
	state.intent = s.classifier.Classify(ctx, state.transcript, state.threadID)

	rec := contractx.NodeExecution{
		NodeID:   nodeClassify,
		ThreadID: state.threadID,
		Decision: string(state.intent),
		Duration: s.now().Sub(started),
	}

	if state.intent == contractx.IntentUnknown {
		err := fmt.Errorf("%w: thread=%s", contractx.ErrUnknownIntent, state.threadID)
		rec.Error = err.Error()
		s.telemetry.RecordNodeExecution(ctx, rec)
		return err
	}

	s.telemetry.RecordNodeExecution(ctx, rec)
	return nil
}

// dispatch runs the selected capability handler under its invocation budget.
// A handler overrunning its budget is a turn-fatal timeout, never retried.
func (s *Supervisor) dispatch(ctx context.Context, state *turnState) error {
	h, err := s.handlers.Handler(ctx, state.intent)
	if err != nil {
		return err
	}

	nodeID := "handler:" + h.Name()
	timeout, ok := s.timeouts[state.intent]
	if !ok {
		timeout = timeoutFor(state.intent)
	}
	cfg := contractx.TurnConfig{
		ThreadID:    state.threadID,
		UserID:      state.userID,
		MaxSteps:    s.maxSteps,
		TurnTimeout: s.turnTimeout,
	}
	if state.onAssistant != nil {
		threadID := state.threadID
		cfg.OnAssistant = func(content string) { state.onAssistant(threadID, content) }
	}

	started := s.now()
	result, err := s.invokeWithTimeout(ctx, h, state.transcript, cfg, timeout)
	elapsed := s.now().Sub(started)

	rec := contractx.NodeExecution{
		NodeID:       nodeID,
		AgentID:      h.Name(),
		ThreadID:     state.threadID,
		InputSummary: summarize(state.transcript.LastUserContent()),
		Duration:     elapsed,
	}
	perf := contractx.AgentPerformance{
		TotalLatency:  elapsed,
		ToolCallCount: len(result.ToolCalls),
		TokenUsage:    result.TokenUsage,
	}

	if err != nil {
		rec.Error = err.Error()
		perf.ErrorCount = 1
		s.telemetry.RecordNodeExecution(ctx, rec)
		s.telemetry.RecordAgentTelemetry(ctx, contractx.AgentTelemetry{
			AgentID:     h.Name(),
			UserID:      state.userID,
			ThreadID:    state.threadID,
			Intent:      state.intent,
			ToolCalls:   result.ToolCalls,
			Performance: perf,
		})
		return err
	}

	rec.OutputSummary = summarize(lastAssistantContent(result.Transcript))
	rec.TokenUsage = result.TokenUsage
	s.telemetry.RecordNodeExecution(ctx, rec)
	s.telemetry.RecordAgentTelemetry(ctx, contractx.AgentTelemetry{
		AgentID:     h.Name(),
		UserID:      state.userID,
		ThreadID:    state.threadID,
		Intent:      state.intent,
		ToolCalls:   result.ToolCalls,
		Performance: perf,
	})

	state.result = result
	return nil
}

// invokeWithTimeout races the handler against its budget. The handler
// goroutine keeps the cancelled context and winds down on its own; the
// supervisor does not wait for it.
func (s *Supervisor) invokeWithTimeout(
	ctx context.Context,
	h contractx.Handler,
	transcript contractx.Transcript,
	cfg contractx.TurnConfig,
	timeout time.Duration,
) (contractx.InvokeResult, error) {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result contractx.InvokeResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := h.Invoke(hctx, transcript, cfg)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-hctx.Done():
		if errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return contractx.InvokeResult{}, fmt.Errorf("%w: handler=%s timed out after %s", contractx.ErrTimeout, h.Name(), timeout)
		}
		return contractx.InvokeResult{}, fmt.Errorf("%w: handler=%s turn cancelled", contractx.ErrTimeout, h.Name())
	}
}

func (s *Supervisor) format(ctx context.Context, state *turnState) {
	started := s.now()
	state.envelope = extractx.Format(state.result.Transcript, accumulatedText(state.result.Transcript[state.inputLen:]))

	s.telemetry.RecordNodeExecution(ctx, contractx.NodeExecution{
		NodeID:        nodeFormat,
		ThreadID:      state.threadID,
		OutputSummary: summarize(state.envelope.Text),
		Duration:      s.now().Sub(started),
	})
}

func (s *Supervisor) persist(ctx context.Context, state *turnState) error {
	if s.checkpoints == nil {
		return nil
	}
	state.thread.ThreadID = state.threadID
	if state.thread.UserID == "" {
		state.thread.UserID = state.userID
	}
	state.thread.Messages = state.result.Transcript
	state.thread.UpdatedAt = s.now().UTC()
	return s.checkpoints.Put(ctx, state.thread)
}

// recordFailure writes the turn-fatal error record. Unknown-intent rejections
// are user-facing clarifications, not operator errors, and are skipped.
func (s *Supervisor) recordFailure(ctx context.Context, state *turnState, agentID string, err error) {
	if errors.Is(err, contractx.ErrUnknownIntent) {
		return
	}
	s.telemetry.RecordError(ctx, contractx.ErrorRecord{
		ThreadID: state.threadID,
		AgentID:  agentID,
		Kind:     contractx.ClassifyError(err),
		Message:  err.Error(),
	})
}

const summaryLimit = 200

func summarize(text string) string {
	if len(text) > summaryLimit {
		return text[:summaryLimit]
	}
	return text
}

// accumulatedText joins this turn's assistant content in transcript order.
func accumulatedText(turnMessages contractx.Transcript) string {
	var b strings.Builder
	for _, msg := range turnMessages {
		if msg.Role != contractx.RoleAssistant || msg.Content == "" {
			continue
		}
		b.WriteString(msg.Content)
	}
	return b.String()
}

func lastAssistantContent(transcript contractx.Transcript) string {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == contractx.RoleAssistant && transcript[i].Content != "" {
			return transcript[i].Content
		}
	}
	return ""
}
