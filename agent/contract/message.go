package contract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
)

// Role is the canonical author tag of a transcript message. Messages arrive
// from several sources (wire payloads, model SDK values, checkpoint snapshots)
// that each expose role differently; NormalizeRole is the single place where
// those spellings collapse into one of the four canonical roles.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is the canonical transcript entry shared by every component.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Name carries the tool name on tool-result messages.
	Name string `json:"name,omitempty"`
	// ToolCallID links a tool-result message back to the assistant tool call.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
}

// ToolCallRequest is a tool invocation requested by an assistant message.
type ToolCallRequest struct {
	ID   string         `json:"id,omitempty"`
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// Transcript is the ordered message sequence for one thread.
type Transcript []Message

// PlainMessage is the wire-level input/output shape: role as a free string,
// normalized at ingress.
type PlainMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// NormalizeRole maps the role spellings seen across message sources onto the
// canonical tagged roles. Unknown non-empty spellings fall back to user so a
// transcript entry is never dropped for an exotic tag.
func NormalizeRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "user", "human":
		return RoleUser, nil
	case "assistant", "ai", "model":
		return RoleAssistant, nil
	case "system", "developer":
		return RoleSystem, nil
	case "tool", "function", "tool_result":
		return RoleTool, nil
	case "":
		return "", fmt.Errorf("%w: message role is empty", ErrValidation)
	default:
		return RoleUser, nil
	}
}

// FromPlain normalizes a wire message into the canonical form.
func FromPlain(in PlainMessage) (Message, error) {
	role, err := NormalizeRole(in.Role)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Role:    role,
		Content: in.Content,
		Name:    strings.TrimSpace(in.Name),
	}, nil
}

// FromPlainAll normalizes a wire transcript, rejecting on the first bad entry.
func FromPlainAll(in []PlainMessage) (Transcript, error) {
	out := make(Transcript, 0, len(in))
	for i, pm := range in {
		msg, err := FromPlain(pm)
		if err != nil {
			return nil, fmt.Errorf("message[%d]: %w", i, err)
		}
		out = append(out, msg)
	}
	return out, nil
}

// ToPlain flattens a transcript back into the wire shape.
func ToPlain(in Transcript) []PlainMessage {
	out := make([]PlainMessage, 0, len(in))
	for _, m := range in {
		out = append(out, PlainMessage{
			Role:    string(m.Role),
			Content: m.Content,
			Name:    m.Name,
		})
	}
	return out
}

// LastUserContent returns the content of the last non-empty user message, or
// "" when the transcript has no user content at all.
func (t Transcript) LastUserContent() string {
	for i := len(t) - 1; i >= 0; i-- {
		if t[i].Role != RoleUser {
			continue
		}
		if content := strings.TrimSpace(t[i].Content); content != "" {
			return content
		}
	}
	return ""
}

// Append returns t with msgs added; the receiver is not mutated.
func (t Transcript) Append(msgs ...Message) Transcript {
	out := make(Transcript, 0, len(t)+len(msgs))
	out = append(out, t...)
	out = append(out, msgs...)
	return out
}

// ToSchema converts the canonical transcript into eino schema messages for a
// model invocation.
func (t Transcript) ToSchema() []*schema.Message {
	out := make([]*schema.Message, 0, len(t))
	for _, m := range t {
		out = append(out, toSchemaMessage(m))
	}
	return out
}

func toSchemaMessage(m Message) *schema.Message {
	sm := &schema.Message{
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	switch m.Role {
	case RoleAssistant:
		sm.Role = schema.Assistant
	case RoleSystem:
		sm.Role = schema.System
	case RoleTool:
		sm.Role = schema.Tool
	default:
		sm.Role = schema.User
	}
	for _, tc := range m.ToolCalls {
		args := "{}"
		if len(tc.Args) > 0 {
			if raw, err := marshalArgs(tc.Args); err == nil {
				args = raw
			}
		}
		sm.ToolCalls = append(sm.ToolCalls, schema.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: schema.FunctionCall{
				Name:      tc.Tool,
				Arguments: args,
			},
		})
	}
	return sm
}

// FromSchema normalizes an eino schema message into the canonical form.
func FromSchema(sm *schema.Message) (Message, error) {
	if sm == nil {
		return Message{}, fmt.Errorf("%w: schema message is nil", ErrValidation)
	}
	role, err := NormalizeRole(string(sm.Role))
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		Role:       role,
		Content:    sm.Content,
		Name:       sm.Name,
		ToolCallID: sm.ToolCallID,
	}
	for _, tc := range sm.ToolCalls {
		args, err := unmarshalArgs(tc.Function.Arguments)
		if err != nil {
			return Message{}, fmt.Errorf("%w: invalid tool args for tool=%s: %v", ErrSchemaViolation, tc.Function.Name, err)
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCallRequest{
			ID:   tc.ID,
			Tool: strings.TrimSpace(tc.Function.Name),
			Args: args,
		})
	}
	return msg, nil
}

func marshalArgs(args map[string]any) (string, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unmarshalArgs(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}, nil
	}
	args := map[string]any{}
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		return nil, err
	}
	return args, nil
}
