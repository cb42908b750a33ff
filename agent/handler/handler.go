package handler

import (
	"context"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	contractx "github.com/opentender-lab/tenderdesk/agent/contract"
	toolwrapx "github.com/opentender-lab/tenderdesk/agent/toolwrap"
	"github.com/rs/zerolog/log"
)

const defaultMaxSteps = 10

// Config fixes a handler's identity: stable name, instruction text, model
// tier, and toolset. Handlers are stateless between turns; all cross-turn
// memory lives in the checkpoint store.
type Config struct {
	Name         string
	Intent       contractx.Intent
	Tier         contractx.ModelTier
	Instructions string
	Tools        []*toolwrapx.Tool
}

// Handler is one capability: a reasoning loop over a tool-calling chat model
// bound to a fixed toolset. Safe for concurrent invocation; no per-turn
// mutable fields.
type Handler struct {
	name         string
	intent       contractx.Intent
	instructions string
	model        einomodel.BaseChatModel
	tools        map[string]*toolwrapx.Tool
}

// New binds the toolset to the model and builds the handler.
func New(model einomodel.ToolCallingChatModel, cfg Config) (*Handler, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: handler name is required", contractx.ErrValidation)
	}
	if model == nil {
		return nil, fmt.Errorf("%w: handler=%s chat model is required", contractx.ErrValidation, name)
	}
	if strings.TrimSpace(cfg.Instructions) == "" {
		return nil, fmt.Errorf("%w: handler=%s instructions are required", contractx.ErrValidation, name)
	}

	tools := make(map[string]*toolwrapx.Tool, len(cfg.Tools))
	infos := make([]*schema.ToolInfo, 0, len(cfg.Tools))
	for _, t := range cfg.Tools {
		if t == nil {
			continue
		}
		tools[t.Name()] = t
		infos = append(infos, t.Info())
	}

	var chatModel einomodel.BaseChatModel = model
	if len(infos) > 0 {
		bound, err := model.WithTools(infos)
		if err != nil {
			return nil, fmt.Errorf("%w: bind tools for handler=%s: %v", contractx.ErrModelInvoke, name, err)
		}
		chatModel = bound
	}

	return &Handler{
		name:         name,
		intent:       cfg.Intent,
		instructions: strings.TrimSpace(cfg.Instructions),
		model:        chatModel,
		tools:        tools,
	}, nil
}

func (h *Handler) Name() string { return h.name }

// Invoke runs the reasoning loop: generate, execute requested tools through
// the wrapper, feed results back, until the model produces a final assistant
// message or the step budget runs out. Recoverable and user-fixable tool
// errors become tool-message text the model can react to; transient
// exhaustion and unexpected failures abort the invocation.
func (h *Handler) Invoke(ctx context.Context, transcript contractx.Transcript, cfg contractx.TurnConfig) (contractx.InvokeResult, error) {
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}

	msgs := make([]*schema.Message, 0, len(transcript)+1)
	msgs = append(msgs, schema.SystemMessage(h.systemPrompt(cfg)))
	msgs = append(msgs, transcript.ToSchema()...)

	result := contractx.InvokeResult{Transcript: transcript}
	usage := &contractx.TokenUsage{}

	for step := 0; step < maxSteps; step++ {
		out, err := h.model.Generate(ctx, msgs)
		if err != nil {
			return contractx.InvokeResult{}, fmt.Errorf("%w: handler=%s generate: %v", contractx.ErrModelInvoke, h.name, err)
		}
		if out == nil {
			return contractx.InvokeResult{}, fmt.Errorf("%w: handler=%s produced no message", contractx.ErrSchemaViolation, h.name)
		}
		accumulateUsage(usage, out)

		assistant, err := contractx.FromSchema(out)
		if err != nil {
			return contractx.InvokeResult{}, err
		}
		result.Transcript = result.Transcript.Append(assistant)
		msgs = append(msgs, out)
		if cfg.OnAssistant != nil && strings.TrimSpace(assistant.Content) != "" {
			cfg.OnAssistant(assistant.Content)
		}

		if len(assistant.ToolCalls) == 0 {
			if strings.TrimSpace(assistant.Content) == "" {
				return contractx.InvokeResult{}, fmt.Errorf("%w: handler=%s final message is empty", contractx.ErrSchemaViolation, h.name)
			}
			if usage.TotalTokens > 0 {
				result.TokenUsage = usage
			}
			return result, nil
		}

		for _, call := range assistant.ToolCalls {
			toolMsg, rec, err := h.executeToolCall(ctx, call)
			if rec.ToolName != "" {
				result.ToolCalls = append(result.ToolCalls, rec)
			}
			if err != nil {
				return contractx.InvokeResult{}, err
			}
			result.Transcript = result.Transcript.Append(toolMsg)
			msgs = append(msgs, &schema.Message{
				Role:       schema.Tool,
				Content:    toolMsg.Content,
				Name:       toolMsg.Name,
				ToolCallID: toolMsg.ToolCallID,
			})
		}
	}

	return contractx.InvokeResult{}, fmt.Errorf("%w: handler=%s exceeded %d reasoning rounds", contractx.ErrStepBudget, h.name, maxSteps)
}

// executeToolCall runs one requested tool. Recoverable failures are folded
// into the tool message so the loop continues; fatal kinds propagate.
func (h *Handler) executeToolCall(ctx context.Context, call contractx.ToolCallRequest) (contractx.Message, contractx.ToolCall, error) {
	toolMsg := contractx.Message{
		Role:       contractx.RoleTool,
		Name:       call.Tool,
		ToolCallID: call.ID,
	}

	tool, ok := h.tools[call.Tool]
	if !ok {
		toolMsg.Content = fmt.Sprintf("tool %q is not available to this agent; use one of the declared tools", call.Tool)
		return toolMsg, contractx.ToolCall{
			ToolName: call.Tool,
			Input:    call.Args,
			Error:    toolMsg.Content,
		}, nil
	}

	output, rec, err := tool.Call(ctx, call.Args)
	if err != nil {
		switch contractx.ClassifyError(err) {
		case contractx.KindLLMRecoverable, contractx.KindUserFixable:
			log.Debug().Str("handler", h.name).Str("tool", call.Tool).Err(err).Msg("recoverable tool failure fed back to model")
			toolMsg.Content = err.Error()
			return toolMsg, rec, nil
		default:
			return contractx.Message{}, rec, err
		}
	}

	toolMsg.Content = output
	return toolMsg, rec, nil
}

func (h *Handler) systemPrompt(cfg contractx.TurnConfig) string {
	var b strings.Builder
	b.WriteString(h.instructions)
	if cfg.UserID != "" {
		fmt.Fprintf(&b, "\n\nCurrent user_id: %s", cfg.UserID)
	}
	if cfg.ThreadID != "" {
		fmt.Fprintf(&b, "\nCurrent thread_id: %s", cfg.ThreadID)
	}
	return b.String()
}

func accumulateUsage(total *contractx.TokenUsage, msg *schema.Message) {
	if msg == nil || msg.ResponseMeta == nil || msg.ResponseMeta.Usage == nil {
		return
	}
	u := msg.ResponseMeta.Usage
	total.Add(contractx.TokenUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	})
}

var _ contractx.Handler = (*Handler)(nil)
