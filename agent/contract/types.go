package contract

import "time"

// Intent is the closed enumeration of turn intents. It is derived from the
// transcript every turn, never stored independently.
type Intent string

const (
	IntentSearch         Intent = "search"
	IntentAnalyze        Intent = "analyze"
	IntentPersonalize    Intent = "personalize"
	IntentRank           Intent = "rank"
	IntentApply          Intent = "apply"
	IntentReviewContract Intent = "review_contract"
	IntentGeneral        Intent = "general"
	IntentUnknown        Intent = "unknown"
)

// HandlerIntents lists the intents that dispatch to a capability handler, in
// a stable order used by registries and tests.
var HandlerIntents = []Intent{
	IntentSearch,
	IntentAnalyze,
	IntentPersonalize,
	IntentRank,
	IntentApply,
	IntentReviewContract,
	IntentGeneral,
}

// ModelTier selects cost/capability, not a specific vendor model.
type ModelTier string

const (
	TierSmall  ModelTier = "small"
	TierMedium ModelTier = "medium"
	TierLarge  ModelTier = "large"
)

// TurnConfig carries the per-call identity and budgets for one turn.
type TurnConfig struct {
	ThreadID string
	UserID   string
	// MaxSteps caps handler reasoning rounds plus supervisor transitions.
	MaxSteps int
	// TurnTimeout wraps the whole classify -> handler -> format path.
	TurnTimeout time.Duration
	// OnAssistant, when set, observes each assistant message's content as the
	// reasoning loop produces it. Streaming surfaces hook deltas here; the
	// callback must be cheap and must not fail the turn.
	OnAssistant func(content string)
}

// ToolCall is the finalized record of one tool invocation. Immutable once the
// wrapper completes the call; used for telemetry and transcript rebuild.
type ToolCall struct {
	ToolName string         `json:"tool_name"`
	Input    map[string]any `json:"input,omitempty"`
	Output   string         `json:"output,omitempty"`
	Duration time.Duration  `json:"duration"`
	Success  bool           `json:"success"`
	Error    string         `json:"error,omitempty"`
}

// TokenUsage aggregates model token accounting when the provider reports it.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates usage across model rounds.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// NodeExecution records one supervisor state transition. Append-only; the
// supervisor exclusively owns a turn's sequence.
type NodeExecution struct {
	ID            string        `json:"id"`
	NodeID        string        `json:"node_id"`
	AgentID       string        `json:"agent_id,omitempty"`
	ThreadID      string        `json:"thread_id"`
	InputSummary  string        `json:"input_summary,omitempty"`
	OutputSummary string        `json:"output_summary,omitempty"`
	Decision      string        `json:"decision,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
	Duration      time.Duration `json:"duration"`
	TokenUsage    *TokenUsage   `json:"token_usage,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// AgentTelemetry records one completed handler invocation.
type AgentTelemetry struct {
	ID          string           `json:"id"`
	AgentID     string           `json:"agent_id"`
	UserID      string           `json:"user_id,omitempty"`
	ThreadID    string           `json:"thread_id"`
	Intent      Intent           `json:"intent"`
	ToolCalls   []ToolCall       `json:"tool_calls,omitempty"`
	Performance AgentPerformance `json:"performance"`
	Timestamp   time.Time        `json:"timestamp"`
}

// AgentPerformance is the per-invocation performance summary.
type AgentPerformance struct {
	TotalLatency  time.Duration `json:"total_latency"`
	ToolCallCount int           `json:"tool_call_count"`
	ErrorCount    int           `json:"error_count"`
	TokenUsage    *TokenUsage   `json:"token_usage,omitempty"`
	CostUSD       float64       `json:"cost_usd,omitempty"`
}

// Decision records a routing choice (intent classification).
type Decision struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id"`
	Source     string    `json:"source"`
	Intent     Intent    `json:"intent"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// ErrorRecord captures a turn-fatal or operator-visible failure.
type ErrorRecord struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	AgentID   string    `json:"agent_id,omitempty"`
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Stack     string    `json:"stack,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentMetrics is the aggregated read-path view over a trailing window.
type AgentMetrics struct {
	AgentID          string        `json:"agent_id"`
	WindowDays       int           `json:"window_days"`
	Invocations      int           `json:"invocations"`
	AvgLatency       time.Duration `json:"avg_latency"`
	SuccessRate      float64       `json:"success_rate"`
	ErrorRate        float64       `json:"error_rate"`
	AvgToolCallCount float64       `json:"avg_tool_call_count"`
}

// Tender is one domain result row. The orchestration core treats the payload
// as opaque apart from the fields the UI contract names.
type Tender struct {
	ID          string         `json:"id,omitempty"`
	Title       string         `json:"title"`
	Authority   string         `json:"authority,omitempty"`
	Deadline    string         `json:"deadline,omitempty"`
	AmountEUR   float64        `json:"amount_eur,omitempty"`
	URL         string         `json:"url,omitempty"`
	Score       float64        `json:"score,omitempty"`
	Description string         `json:"description,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// ContractReview is the structured review payload extracted from
// review-specific tool output.
type ContractReview struct {
	ContractID string         `json:"contract_id,omitempty"`
	Review     map[string]any `json:"review,omitempty"`
}

// EnvelopeMetadata describes how the domain results were obtained.
type EnvelopeMetadata struct {
	Query       string         `json:"query,omitempty"`
	Filters     map[string]any `json:"filters,omitempty"`
	ResultCount int            `json:"result_count"`
}

// Envelope is the stable structured response returned to callers. Tenders and
// ContractReview are orthogonal: either, both, or neither may be present.
// Tenders nil means no qualifying tool ran; an empty non-nil slice means a
// tool ran and returned zero rows. No omitempty on Tenders: zero rows must
// serialize as [] and stay distinguishable from null on the wire.
type Envelope struct {
	Text           string            `json:"text"`
	Tenders        []Tender          `json:"tenders"`
	ContractReview *ContractReview   `json:"contract_review,omitempty"`
	Metadata       *EnvelopeMetadata `json:"metadata,omitempty"`
}

// TurnRequest is the core's only input contract.
type TurnRequest struct {
	Messages []PlainMessage `json:"messages"`
	ThreadID string         `json:"thread_id,omitempty"`
}

// TurnResponse is the non-streaming response shape.
type TurnResponse struct {
	Messages []PlainMessage    `json:"messages"`
	ThreadID string            `json:"thread_id"`
	Tenders  []Tender          `json:"tenders"`
	Metadata *EnvelopeMetadata `json:"metadata,omitempty"`
}

// StreamEvent is one frame of the streaming wire protocol. Exactly one of the
// shapes applies per frame: incremental delta, terminal error, or terminal
// success carrying the envelope.
type StreamEvent struct {
	Content        string            `json:"content,omitempty"`
	Error          string            `json:"error,omitempty"`
	Done           bool              `json:"done"`
	ThreadID       string            `json:"thread_id,omitempty"`
	Tenders        []Tender          `json:"tenders"`
	ContractReview *ContractReview   `json:"contract_review,omitempty"`
	Metadata       *EnvelopeMetadata `json:"metadata,omitempty"`
}
