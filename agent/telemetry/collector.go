package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	contractx "github.com/opentender-lab/tenderdesk/agent/contract"
	"github.com/rs/zerolog/log"
)

// Collector is the non-throwing wrapper around a telemetry sink. Every write
// is best-effort: a sink failure is logged and swallowed so telemetry can
// never cause a user-facing failure. Records are write-once; the collector
// owns them after creation.
type Collector struct {
	sink contractx.Sink
	now  func() time.Time
}

func NewCollector(sink contractx.Sink) *Collector {
	return &Collector{
		sink: sink,
		now:  time.Now,
	}
}

// RecordNodeExecution persists one supervisor state transition.
func (c *Collector) RecordNodeExecution(ctx context.Context, rec contractx.NodeExecution) {
	if c == nil || c.sink == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = c.now().UTC()
	}
	if err := c.sink.WriteNodeExecution(ctx, rec); err != nil {
		log.Warn().Err(err).Str("node", rec.NodeID).Msg("telemetry: node execution write failed")
	}
}

// RecordAgentTelemetry persists one completed handler invocation summary.
func (c *Collector) RecordAgentTelemetry(ctx context.Context, rec contractx.AgentTelemetry) {
	if c == nil || c.sink == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = c.now().UTC()
	}
	if err := c.sink.WriteAgentTelemetry(ctx, rec); err != nil {
		log.Warn().Err(err).Str("agent", rec.AgentID).Msg("telemetry: agent telemetry write failed")
	}
}

// RecordDecision persists one routing decision.
func (c *Collector) RecordDecision(ctx context.Context, rec contractx.Decision) {
	if c == nil || c.sink == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = c.now().UTC()
	}
	if err := c.sink.WriteDecision(ctx, rec); err != nil {
		log.Warn().Err(err).Str("intent", string(rec.Intent)).Msg("telemetry: decision write failed")
	}
}

// RecordError persists one failure record.
func (c *Collector) RecordError(ctx context.Context, rec contractx.ErrorRecord) {
	if c == nil || c.sink == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = c.now().UTC()
	}
	if err := c.sink.WriteError(ctx, rec); err != nil {
		log.Warn().Err(err).Str("kind", string(rec.Kind)).Msg("telemetry: error write failed")
	}
}

// AgentMetrics aggregates persisted invocation records over a trailing
// window. This is the read path; unlike writes it returns its error.
func (c *Collector) AgentMetrics(ctx context.Context, agentID string, windowDays int) (contractx.AgentMetrics, error) {
	if c == nil || c.sink == nil {
		return contractx.AgentMetrics{}, fmt.Errorf("%w: telemetry sink is not configured", contractx.ErrValidation)
	}
	if windowDays <= 0 {
		windowDays = 7
	}

	since := c.now().UTC().AddDate(0, 0, -windowDays)
	records, err := c.sink.ReadAgentTelemetry(ctx, agentID, since)
	if err != nil {
		return contractx.AgentMetrics{}, fmt.Errorf("read agent telemetry: %w", err)
	}

	metrics := contractx.AgentMetrics{
		AgentID:     agentID,
		WindowDays:  windowDays,
		Invocations: len(records),
	}
	if len(records) == 0 {
		return metrics, nil
	}

	var totalLatency time.Duration
	var totalToolCalls, failed int
	for _, rec := range records {
		totalLatency += rec.Performance.TotalLatency
		totalToolCalls += rec.Performance.ToolCallCount
		if rec.Performance.ErrorCount > 0 {
			failed++
		}
	}

	n := len(records)
	metrics.AvgLatency = totalLatency / time.Duration(n)
	metrics.ErrorRate = float64(failed) / float64(n)
	metrics.SuccessRate = 1 - metrics.ErrorRate
	metrics.AvgToolCallCount = float64(totalToolCalls) / float64(n)
	return metrics, nil
}
