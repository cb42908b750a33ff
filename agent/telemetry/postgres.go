package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	contractx "github.com/opentender-lab/tenderdesk/agent/contract"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

type nodeExecutionRow struct {
	bun.BaseModel `bun:"table:agent_node_executions"`

	ID            string    `bun:"id,pk"`
	ThreadID      string    `bun:"thread_id,notnull"`
	NodeID        string    `bun:"node_id,notnull"`
	AgentID       string    `bun:"agent_id"`
	InputSummary  string    `bun:"input_summary"`
	OutputSummary string    `bun:"output_summary"`
	Decision      string    `bun:"decision"`
	DurationMS    int64     `bun:"duration_ms,notnull"`
	TotalTokens   int       `bun:"total_tokens"`
	Error         string    `bun:"error"`
	Timestamp     time.Time `bun:"ts,notnull"`
}

type agentTelemetryRow struct {
	bun.BaseModel `bun:"table:agent_invocations"`

	ID               string               `bun:"id,pk"`
	ThreadID         string               `bun:"thread_id,notnull"`
	UserID           string               `bun:"user_id"`
	AgentID          string               `bun:"agent_id,notnull"`
	Intent           string               `bun:"intent"`
	ToolCalls        []contractx.ToolCall `bun:"tool_calls,type:jsonb"`
	TotalLatencyMS   int64                `bun:"total_latency_ms,notnull"`
	ToolCallCount    int                  `bun:"tool_call_count,notnull"`
	ErrorCount       int                  `bun:"error_count,notnull"`
	PromptTokens     int                  `bun:"prompt_tokens"`
	CompletionTokens int                  `bun:"completion_tokens"`
	TotalTokens      int                  `bun:"total_tokens"`
	CostUSD          float64              `bun:"cost_usd"`
	Timestamp        time.Time            `bun:"ts,notnull"`
}

type decisionRow struct {
	bun.BaseModel `bun:"table:agent_decisions"`

	ID         string    `bun:"id,pk"`
	ThreadID   string    `bun:"thread_id,notnull"`
	Source     string    `bun:"source,notnull"`
	Intent     string    `bun:"intent,notnull"`
	Confidence float64   `bun:"confidence,notnull"`
	Timestamp  time.Time `bun:"ts,notnull"`
}

type errorRow struct {
	bun.BaseModel `bun:"table:agent_errors"`

	ID        string    `bun:"id,pk"`
	ThreadID  string    `bun:"thread_id,notnull"`
	AgentID   string    `bun:"agent_id"`
	Kind      string    `bun:"kind,notnull"`
	Message   string    `bun:"message,notnull"`
	Stack     string    `bun:"stack"`
	Timestamp time.Time `bun:"ts,notnull"`
}

// PostgresSink persists telemetry via bun. All tables are append-only.
type PostgresSink struct {
	db *bun.DB
}

var _ contractx.Sink = (*PostgresSink)(nil)

// NewPostgresSink opens a Postgres connection from a DSN and ensures the
// telemetry tables exist.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("telemetry: ping postgres: %w", err)
	}

	sink := &PostgresSink{db: db}
	if err := sink.ensureTables(ctx); err != nil {
		return nil, err
	}
	return sink, nil
}

func (s *PostgresSink) ensureTables(ctx context.Context) error {
	models := []any{
		(*nodeExecutionRow)(nil),
		(*agentTelemetryRow)(nil),
		(*decisionRow)(nil),
		(*errorRow)(nil),
	}
	for _, m := range models {
		if _, err := s.db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("telemetry: create table: %w", err)
		}
	}
	return nil
}

func (s *PostgresSink) Close() error {
	return s.db.Close()
}

func (s *PostgresSink) WriteNodeExecution(ctx context.Context, rec contractx.NodeExecution) error {
	row := &nodeExecutionRow{
		ID:            rec.ID,
		ThreadID:      rec.ThreadID,
		NodeID:        rec.NodeID,
		AgentID:       rec.AgentID,
		InputSummary:  rec.InputSummary,
		OutputSummary: rec.OutputSummary,
		Decision:      rec.Decision,
		DurationMS:    rec.Duration.Milliseconds(),
		Error:         rec.Error,
		Timestamp:     rec.Timestamp,
	}
	if rec.TokenUsage != nil {
		row.TotalTokens = rec.TokenUsage.TotalTokens
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("telemetry: insert node execution: %w", err)
	}
	return nil
}

func (s *PostgresSink) WriteAgentTelemetry(ctx context.Context, rec contractx.AgentTelemetry) error {
	row := &agentTelemetryRow{
		ID:             rec.ID,
		ThreadID:       rec.ThreadID,
		UserID:         rec.UserID,
		AgentID:        rec.AgentID,
		Intent:         string(rec.Intent),
		ToolCalls:      rec.ToolCalls,
		TotalLatencyMS: rec.Performance.TotalLatency.Milliseconds(),
		ToolCallCount:  rec.Performance.ToolCallCount,
		ErrorCount:     rec.Performance.ErrorCount,
		CostUSD:        rec.Performance.CostUSD,
		Timestamp:      rec.Timestamp,
	}
	if usage := rec.Performance.TokenUsage; usage != nil {
		row.PromptTokens = usage.PromptTokens
		row.CompletionTokens = usage.CompletionTokens
		row.TotalTokens = usage.TotalTokens
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("telemetry: insert agent telemetry: %w", err)
	}
	return nil
}

func (s *PostgresSink) WriteDecision(ctx context.Context, rec contractx.Decision) error {
	row := &decisionRow{
		ID:         rec.ID,
		ThreadID:   rec.ThreadID,
		Source:     rec.Source,
		Intent:     string(rec.Intent),
		Confidence: rec.Confidence,
		Timestamp:  rec.Timestamp,
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("telemetry: insert decision: %w", err)
	}
	return nil
}

func (s *PostgresSink) WriteError(ctx context.Context, rec contractx.ErrorRecord) error {
	row := &errorRow{
		ID:        rec.ID,
		ThreadID:  rec.ThreadID,
		AgentID:   rec.AgentID,
		Kind:      string(rec.Kind),
		Message:   rec.Message,
		Stack:     rec.Stack,
		Timestamp: rec.Timestamp,
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("telemetry: insert error: %w", err)
	}
	return nil
}

func (s *PostgresSink) ReadAgentTelemetry(ctx context.Context, agentID string, since time.Time) ([]contractx.AgentTelemetry, error) {
	var rows []agentTelemetryRow
	err := s.db.NewSelect().
		Model(&rows).
		Where("agent_id = ?", agentID).
		Where("ts >= ?", since).
		Order("ts ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("telemetry: select agent telemetry: %w", err)
	}

	out := make([]contractx.AgentTelemetry, 0, len(rows))
	for _, row := range rows {
		rec := contractx.AgentTelemetry{
			ID:        row.ID,
			ThreadID:  row.ThreadID,
			UserID:    row.UserID,
			AgentID:   row.AgentID,
			Intent:    contractx.Intent(row.Intent),
			ToolCalls: row.ToolCalls,
			Performance: contractx.AgentPerformance{
				TotalLatency:  time.Duration(row.TotalLatencyMS) * time.Millisecond,
				ToolCallCount: row.ToolCallCount,
				ErrorCount:    row.ErrorCount,
				CostUSD:       row.CostUSD,
			},
			Timestamp: row.Timestamp,
		}
		if row.TotalTokens > 0 || row.PromptTokens > 0 || row.CompletionTokens > 0 {
			rec.Performance.TokenUsage = &contractx.TokenUsage{
				PromptTokens:     row.PromptTokens,
				CompletionTokens: row.CompletionTokens,
				TotalTokens:      row.TotalTokens,
			}
		}
		out = append(out, rec)
	}
	return out, nil
}
