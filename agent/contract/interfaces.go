package contract

import (
	"context"
	"time"
)

// Handler is one capability: a model-backed reasoning loop bound to a fixed
// toolset. Implementations are stateless between turns and safe for
// concurrent invocation.
type Handler interface {
	Name() string
	Invoke(ctx context.Context, transcript Transcript, cfg TurnConfig) (InvokeResult, error)
}

// InvokeResult is a handler's output: the extended transcript plus the
// telemetry raw material the supervisor turns into records.
type InvokeResult struct {
	Transcript Transcript
	ToolCalls  []ToolCall
	TokenUsage *TokenUsage
}

// CheckpointStore persists transcript state across turns, keyed by thread id.
// It is the only component with authority to mutate durable transcript state.
type CheckpointStore interface {
	Get(ctx context.Context, threadID string) (*Thread, error)
	Put(ctx context.Context, thread *Thread) error
}

// Thread is the durable unit owned by the checkpoint store.
type Thread struct {
	ThreadID  string     `json:"thread_id"`
	UserID    string     `json:"user_id,omitempty"`
	Messages  Transcript `json:"messages"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Sink is the append-only telemetry record writer. Implementations may fail;
// the collector guarantees failures never reach the response path.
type Sink interface {
	WriteNodeExecution(ctx context.Context, rec NodeExecution) error
	WriteAgentTelemetry(ctx context.Context, rec AgentTelemetry) error
	WriteDecision(ctx context.Context, rec Decision) error
	WriteError(ctx context.Context, rec ErrorRecord) error
	ReadAgentTelemetry(ctx context.Context, agentID string, since time.Time) ([]AgentTelemetry, error)
}

// SearchFilters narrows a tender search.
type SearchFilters struct {
	Region    string  `json:"region,omitempty"`
	Category  string  `json:"category,omitempty"`
	MinAmount float64 `json:"min_amount,omitempty"`
	MaxAmount float64 `json:"max_amount,omitempty"`
	OpenOnly  bool    `json:"open_only,omitempty"`
}

// TenderSearcher is the external search-provider client, consumed through
// this narrow interface only.
type TenderSearcher interface {
	Search(ctx context.Context, query string, filters SearchFilters) ([]Tender, error)
	Details(ctx context.Context, tenderID string) (*Tender, error)
}

// UserProfile is the persisted preference set used by personalization and
// ranking handlers.
type UserProfile struct {
	UserID      string         `json:"user_id"`
	CompanyName string         `json:"company_name,omitempty"`
	Sectors     []string       `json:"sectors,omitempty"`
	Regions     []string       `json:"regions,omitempty"`
	Preferences map[string]any `json:"preferences,omitempty"`
}

// ProfileStore is the external profile/preference CRUD surface.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*UserProfile, error)
	UpdatePreferences(ctx context.Context, userID string, patch map[string]any) error
}

// ApplicationDraft is a drafted tender application owned by external storage.
type ApplicationDraft struct {
	ID       string    `json:"id,omitempty"`
	UserID   string    `json:"user_id"`
	TenderID string    `json:"tender_id"`
	Body     string    `json:"body"`
	SavedAt  time.Time `json:"saved_at"`
}

// ApplicationStore is the external application persistence surface.
type ApplicationStore interface {
	SaveDraft(ctx context.Context, draft ApplicationDraft) (string, error)
}

// DocumentRetriever is the vector-store-backed document retrieval surface.
type DocumentRetriever interface {
	Retrieve(ctx context.Context, documentID string, query string) (string, error)
}

// Mailer is the outbound email delivery surface.
type Mailer interface {
	Send(ctx context.Context, to string, subject string, body string) error
}
