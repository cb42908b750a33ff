package telemetry

import (
	"context"
	"sync"
	"time"

	contractx "github.com/opentender-lab/tenderdesk/agent/contract"
)

// MemorySink keeps telemetry in process memory. Used in tests and when no
// Postgres DSN is configured.
type MemorySink struct {
	mu sync.Mutex

	nodeExecutions []contractx.NodeExecution
	invocations    []contractx.AgentTelemetry
	decisions      []contractx.Decision
	errors         []contractx.ErrorRecord
}

var _ contractx.Sink = (*MemorySink)(nil)

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) WriteNodeExecution(_ context.Context, rec contractx.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeExecutions = append(s.nodeExecutions, rec)
	return nil
}

func (s *MemorySink) WriteAgentTelemetry(_ context.Context, rec contractx.AgentTelemetry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invocations = append(s.invocations, rec)
	return nil
}

func (s *MemorySink) WriteDecision(_ context.Context, rec contractx.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, rec)
	return nil
}

func (s *MemorySink) WriteError(_ context.Context, rec contractx.ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, rec)
	return nil
}

func (s *MemorySink) ReadAgentTelemetry(_ context.Context, agentID string, since time.Time) ([]contractx.AgentTelemetry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []contractx.AgentTelemetry
	for _, rec := range s.invocations {
		if rec.AgentID != agentID {
			continue
		}
		if rec.Timestamp.Before(since) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// NodeExecutions returns a copy of the recorded state transitions.
func (s *MemorySink) NodeExecutions() []contractx.NodeExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contractx.NodeExecution, len(s.nodeExecutions))
	copy(out, s.nodeExecutions)
	return out
}

// Decisions returns a copy of the recorded routing decisions.
func (s *MemorySink) Decisions() []contractx.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contractx.Decision, len(s.decisions))
	copy(out, s.decisions)
	return out
}

// Errors returns a copy of the recorded failures.
func (s *MemorySink) Errors() []contractx.ErrorRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contractx.ErrorRecord, len(s.errors))
	copy(out, s.errors)
	return out
}

// Invocations returns a copy of the recorded handler summaries.
func (s *MemorySink) Invocations() []contractx.AgentTelemetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contractx.AgentTelemetry, len(s.invocations))
	copy(out, s.invocations)
	return out
}
