package supervisor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	contractx "github.com/opentender-lab/tenderdesk/agent/contract"
	intentx "github.com/opentender-lab/tenderdesk/agent/intent"
	telemetryx "github.com/opentender-lab/tenderdesk/agent/telemetry"
)

type fakeHandler struct {
	name   string
	invoke func(ctx context.Context, transcript contractx.Transcript, cfg contractx.TurnConfig) (contractx.InvokeResult, error)
}

func (h *fakeHandler) Name() string { return h.name }

func (h *fakeHandler) Invoke(ctx context.Context, transcript contractx.Transcript, cfg contractx.TurnConfig) (contractx.InvokeResult, error) {
	return h.invoke(ctx, transcript, cfg)
}

type fakeSource struct {
	handlers map[contractx.Intent]contractx.Handler
}

func (s *fakeSource) Handler(_ context.Context, intent contractx.Intent) (contractx.Handler, error) {
	h, ok := s.handlers[intent]
	if !ok {
		return nil, errors.New("no handler in fake source for " + string(intent))
	}
	return h, nil
}

type memoryCheckpoints struct {
	threads map[string]*contractx.Thread
}

func newMemoryCheckpoints() *memoryCheckpoints {
	return &memoryCheckpoints{threads: make(map[string]*contractx.Thread)}
}

func (m *memoryCheckpoints) Get(_ context.Context, threadID string) (*contractx.Thread, error) {
	t, ok := m.threads[threadID]
	if !ok {
		return nil, contractx.ErrThreadNotFound
	}
	return t, nil
}

func (m *memoryCheckpoints) Put(_ context.Context, thread *contractx.Thread) error {
	m.threads[thread.ThreadID] = thread
	return nil
}

func answeringHandler(name, answer string) *fakeHandler {
	return &fakeHandler{
		name: name,
		invoke: func(_ context.Context, transcript contractx.Transcript, _ contractx.TurnConfig) (contractx.InvokeResult, error) {
			return contractx.InvokeResult{
				Transcript: transcript.Append(contractx.Message{
					Role:    contractx.RoleAssistant,
					Content: answer,
				}),
			}, nil
		},
	}
}

func newTestSupervisor(sink *telemetryx.MemorySink, handlers map[contractx.Intent]contractx.Handler, opts ...Option) (*Supervisor, *memoryCheckpoints) {
	collector := telemetryx.NewCollector(sink)
	checkpoints := newMemoryCheckpoints()
	sup := New(
		intentx.NewClassifier(collector),
		&fakeSource{handlers: handlers},
		checkpoints,
		collector,
		opts...,
	)
	return sup, checkpoints
}

func userRequest(content, threadID string) contractx.TurnRequest {
	return contractx.TurnRequest{
		ThreadID: threadID,
		Messages: []contractx.PlainMessage{{Role: "user", Content: content}},
	}
}

func TestTurnRoutesAndFormats(t *testing.T) {
	t.Parallel()

	sink := telemetryx.NewMemorySink()
	sup, _ := newTestSupervisor(sink, map[contractx.Intent]contractx.Handler{
		contractx.IntentSearch: answeringHandler("search", "Ho trovato alcuni bandi."),
	})

	resp, err := sup.Turn(context.Background(), userRequest("trova bandi software", "t-1"), "u-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ThreadID != "t-1" {
		t.Errorf("unexpected thread id: %q", resp.ThreadID)
	}
	if len(resp.Messages) != 1 || resp.Messages[0].Content != "Ho trovato alcuni bandi." {
		t.Fatalf("unexpected response messages: %+v", resp.Messages)
	}

	// Strict node ordering: classify, handler, format.
	nodes := sink.NodeExecutions()
	if len(nodes) != 3 {
		t.Fatalf("expected 3 node executions, got %d", len(nodes))
	}
	wantNodes := []string{"classify", "handler:search", "format"}
	for i, want := range wantNodes {
		if nodes[i].NodeID != want {
			t.Errorf("node %d: expected %q, got %q", i, want, nodes[i].NodeID)
		}
	}
	if nodes[0].Decision != "search" {
		t.Errorf("expected classify decision search, got %q", nodes[0].Decision)
	}

	if got := len(sink.Decisions()); got != 1 {
		t.Errorf("expected 1 decision record, got %d", got)
	}
	if got := len(sink.Invocations()); got != 1 {
		t.Errorf("expected 1 invocation record, got %d", got)
	}
}

func TestTurnUnknownIntentRejectedBeforeDispatch(t *testing.T) {
	t.Parallel()

	dispatched := false
	sink := telemetryx.NewMemorySink()
	sup, _ := newTestSupervisor(sink, map[contractx.Intent]contractx.Handler{
		contractx.IntentGeneral: &fakeHandler{
			name: "general",
			invoke: func(_ context.Context, transcript contractx.Transcript, _ contractx.TurnConfig) (contractx.InvokeResult, error) {
				dispatched = true
				return contractx.InvokeResult{Transcript: transcript}, nil
			},
		},
	})

	// Assistant-only transcript: no user content to classify.
	req := contractx.TurnRequest{
		ThreadID: "t-1",
		Messages: []contractx.PlainMessage{{Role: "assistant", Content: "ciao"}},
	}

	_, err := sup.Turn(context.Background(), req, "u-1")
	if !errors.Is(err, contractx.ErrUnknownIntent) {
		t.Fatalf("expected unknown intent error, got %v", err)
	}
	if dispatched {
		t.Error("handler must not run for unknown intent")
	}

	nodes := sink.NodeExecutions()
	if len(nodes) != 1 || nodes[0].NodeID != "classify" {
		t.Fatalf("expected only the classify node, got %+v", nodes)
	}
	if nodes[0].Error == "" {
		t.Error("expected classify node to carry the rejection")
	}
}

func TestTurnHandlerTimeout(t *testing.T) {
	t.Parallel()

	sink := telemetryx.NewMemorySink()
	sup, _ := newTestSupervisor(sink, map[contractx.Intent]contractx.Handler{
		contractx.IntentSearch: &fakeHandler{
			name: "search",
			invoke: func(ctx context.Context, transcript contractx.Transcript, _ contractx.TurnConfig) (contractx.InvokeResult, error) {
				<-ctx.Done()
				return contractx.InvokeResult{}, ctx.Err()
			},
		},
	}, WithHandlerTimeout(contractx.IntentSearch, 30*time.Millisecond))

	_, err := sup.Turn(context.Background(), userRequest("trova bandi", "t-1"), "u-1")
	if !errors.Is(err, contractx.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("expected timed out in message, got %q", err.Error())
	}

	var handlerNode *contractx.NodeExecution
	nodes := sink.NodeExecutions()
	for i := range nodes {
		if nodes[i].NodeID == "handler:search" {
			handlerNode = &nodes[i]
		}
	}
	if handlerNode == nil {
		t.Fatal("expected a handler node execution")
	}
	if !strings.Contains(handlerNode.Error, "timed out") {
		t.Errorf("expected handler node error to contain timed out, got %q", handlerNode.Error)
	}

	errs := sink.Errors()
	if len(errs) != 1 {
		t.Fatalf("expected 1 error record, got %d", len(errs))
	}
	if errs[0].Kind != contractx.KindTimeout {
		t.Errorf("expected timeout kind, got %q", errs[0].Kind)
	}
}

func TestTurnPersistsThread(t *testing.T) {
	t.Parallel()

	sink := telemetryx.NewMemorySink()
	sup, checkpoints := newTestSupervisor(sink, map[contractx.Intent]contractx.Handler{
		contractx.IntentSearch: answeringHandler("search", "Ecco i bandi."),
	})

	if _, err := sup.Turn(context.Background(), userRequest("cerca bandi edilizia", "t-7"), "u-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	thread, err := checkpoints.Get(context.Background(), "t-7")
	if err != nil {
		t.Fatalf("expected persisted thread: %v", err)
	}
	if len(thread.Messages) != 2 {
		t.Fatalf("expected user+assistant in checkpoint, got %d messages", len(thread.Messages))
	}
	if thread.UserID != "u-1" {
		t.Errorf("unexpected user id: %q", thread.UserID)
	}

	// Second turn on the same thread sees the stored transcript.
	var seenLen int
	sup2, _ := newTestSupervisor(sink, map[contractx.Intent]contractx.Handler{
		contractx.IntentSearch: &fakeHandler{
			name: "search",
			invoke: func(_ context.Context, transcript contractx.Transcript, _ contractx.TurnConfig) (contractx.InvokeResult, error) {
				seenLen = len(transcript)
				return contractx.InvokeResult{Transcript: transcript.Append(contractx.Message{
					Role: contractx.RoleAssistant, Content: "Altri bandi.",
				})}, nil
			},
		},
	})
	sup2.checkpoints = checkpoints

	if _, err := sup2.Turn(context.Background(), userRequest("cercane altri simili", "t-7"), "u-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seenLen != 3 {
		t.Errorf("expected handler to see 3 prior messages plus input, got %d", seenLen)
	}
}

func TestTurnGeneratesThreadID(t *testing.T) {
	t.Parallel()

	sup, _ := newTestSupervisor(telemetryx.NewMemorySink(), map[contractx.Intent]contractx.Handler{
		contractx.IntentGeneral: answeringHandler("general", "Ciao!"),
	})

	resp, err := sup.Turn(context.Background(), userRequest("buongiorno", ""), "u-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ThreadID == "" {
		t.Error("expected generated thread id")
	}
}

func TestTurnEmptyRequestRejected(t *testing.T) {
	t.Parallel()

	sup, _ := newTestSupervisor(telemetryx.NewMemorySink(), nil)

	_, err := sup.Turn(context.Background(), contractx.TurnRequest{ThreadID: "t-1"}, "u-1")
	if !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStreamEmitsDeltasAndTerminal(t *testing.T) {
	t.Parallel()

	handler := &fakeHandler{
		name: "search",
		invoke: func(_ context.Context, transcript contractx.Transcript, cfg contractx.TurnConfig) (contractx.InvokeResult, error) {
			next := transcript.Append(
				contractx.Message{
					Role:       contractx.RoleTool,
					Name:       "search_tenders",
					Content:    `[{"title":"Ponte"}]`,
					ToolCallID: "call-1",
				},
				contractx.Message{Role: contractx.RoleAssistant, Content: "Trovato un bando."},
			)
			cfg.OnAssistant("Trovato un bando.")
			return contractx.InvokeResult{Transcript: next}, nil
		},
	}
	sup, _ := newTestSupervisor(telemetryx.NewMemorySink(), map[contractx.Intent]contractx.Handler{
		contractx.IntentSearch: handler,
	})

	var events []contractx.StreamEvent
	err := sup.Stream(context.Background(), userRequest("trova bandi", "t-1"), "u-1", func(ev contractx.StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected content delta plus terminal, got %d events", len(events))
	}
	if events[0].Content != "Trovato un bando." || events[0].Done {
		t.Errorf("unexpected first event: %+v", events[0])
	}

	final := events[1]
	if !final.Done {
		t.Fatal("expected terminal event")
	}
	if len(final.Tenders) != 1 || final.Tenders[0].Title != "Ponte" {
		t.Errorf("expected extracted tenders on terminal event, got %+v", final.Tenders)
	}
	if final.Metadata == nil || final.Metadata.ResultCount != 1 {
		t.Errorf("expected result count 1, got %+v", final.Metadata)
	}
}

func TestStreamEmitsDeltasAsProduced(t *testing.T) {
	t.Parallel()

	var events []contractx.StreamEvent
	handler := &fakeHandler{
		name: "search",
		invoke: func(_ context.Context, transcript contractx.Transcript, cfg contractx.TurnConfig) (contractx.InvokeResult, error) {
			// Each delta must reach the consumer before the invocation
			// finishes, not replayed after the fact.
			cfg.OnAssistant("Sto cercando i bandi.")
			if len(events) != 1 {
				t.Errorf("expected the first delta mid-invocation, have %d events", len(events))
			}
			cfg.OnAssistant("Trovati 2 risultati.")
			if len(events) != 2 {
				t.Errorf("expected the second delta mid-invocation, have %d events", len(events))
			}
			next := transcript.Append(
				contractx.Message{Role: contractx.RoleAssistant, Content: "Sto cercando i bandi."},
				contractx.Message{Role: contractx.RoleAssistant, Content: "Trovati 2 risultati."},
			)
			return contractx.InvokeResult{Transcript: next}, nil
		},
	}
	sup, _ := newTestSupervisor(telemetryx.NewMemorySink(), map[contractx.Intent]contractx.Handler{
		contractx.IntentSearch: handler,
	})

	err := sup.Stream(context.Background(), userRequest("trova bandi", "t-1"), "u-1", func(ev contractx.StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected two deltas plus terminal, got %d events", len(events))
	}
	if events[0].Content != "Sto cercando i bandi." {
		t.Errorf("unexpected first delta: %q", events[0].Content)
	}
	if events[1].Content != "Trovati 2 risultati." {
		t.Errorf("unexpected second delta: %q", events[1].Content)
	}
	if !events[2].Done {
		t.Error("expected terminal frame last")
	}
}

func TestStreamDedupsRepeatedContent(t *testing.T) {
	t.Parallel()

	handler := &fakeHandler{
		name: "search",
		invoke: func(_ context.Context, transcript contractx.Transcript, cfg contractx.TurnConfig) (contractx.InvokeResult, error) {
			cfg.OnAssistant("Trovato un bando.")
			cfg.OnAssistant("Trovato un bando.") // retried round replays output
			next := transcript.Append(
				contractx.Message{Role: contractx.RoleAssistant, Content: "Trovato un bando."},
			)
			return contractx.InvokeResult{Transcript: next}, nil
		},
	}
	sup, _ := newTestSupervisor(telemetryx.NewMemorySink(), map[contractx.Intent]contractx.Handler{
		contractx.IntentSearch: handler,
	})

	var events []contractx.StreamEvent
	err := sup.Stream(context.Background(), userRequest("trova bandi", "t-1"), "u-1", func(ev contractx.StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected one delta plus terminal, got %d events", len(events))
	}
}

func TestStreamTerminalErrorFrame(t *testing.T) {
	t.Parallel()

	sup, _ := newTestSupervisor(telemetryx.NewMemorySink(), map[contractx.Intent]contractx.Handler{
		contractx.IntentSearch: &fakeHandler{
			name: "search",
			invoke: func(context.Context, contractx.Transcript, contractx.TurnConfig) (contractx.InvokeResult, error) {
				return contractx.InvokeResult{}, errors.New("provider exploded")
			},
		},
	})

	var events []contractx.StreamEvent
	err := sup.Stream(context.Background(), userRequest("trova bandi", "t-1"), "u-1", func(ev contractx.StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	if err == nil {
		t.Fatal("expected the turn error to propagate")
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one terminal frame, got %d", len(events))
	}
	if !events[0].Done || events[0].Error == "" {
		t.Errorf("expected terminal error frame, got %+v", events[0])
	}
	if events[0].Tenders != nil {
		t.Error("terminal error frame must not carry tenders")
	}
}
