package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	contractx "github.com/opentender-lab/tenderdesk/agent/contract"
	handlerx "github.com/opentender-lab/tenderdesk/agent/handler"
	llmx "github.com/opentender-lab/tenderdesk/agent/llm"
	promptx "github.com/opentender-lab/tenderdesk/agent/prompt"
	toolsx "github.com/opentender-lab/tenderdesk/agent/tools"
	"github.com/rs/zerolog/log"
)

// handlerTiers maps each capability to its model tier. Heavy reasoning
// capabilities pay for a large model; routing-adjacent chatter stays small.
var handlerTiers = map[contractx.Intent]contractx.ModelTier{
	contractx.IntentSearch:         contractx.TierMedium,
	contractx.IntentAnalyze:        contractx.TierLarge,
	contractx.IntentPersonalize:    contractx.TierSmall,
	contractx.IntentRank:           contractx.TierMedium,
	contractx.IntentApply:          contractx.TierLarge,
	contractx.IntentReviewContract: contractx.TierLarge,
	contractx.IntentGeneral:        contractx.TierSmall,
}

// handlerTimeouts bounds one handler invocation. Document-heavy capabilities
// get more room than plain retrieval.
var handlerTimeouts = map[contractx.Intent]time.Duration{
	contractx.IntentSearch:         60 * time.Second,
	contractx.IntentAnalyze:        90 * time.Second,
	contractx.IntentPersonalize:    60 * time.Second,
	contractx.IntentRank:           60 * time.Second,
	contractx.IntentApply:          120 * time.Second,
	contractx.IntentReviewContract: 180 * time.Second,
	contractx.IntentGeneral:        60 * time.Second,
}

// HandlerSource resolves an intent to its capability handler.
type HandlerSource interface {
	Handler(ctx context.Context, intent contractx.Intent) (contractx.Handler, error)
}

// ModelFactory builds the chat model for a tier. The default goes through the
// provider config; tests inject fakes.
type ModelFactory func(ctx context.Context, tier contractx.ModelTier) (einomodel.ToolCallingChatModel, error)

// Registry constructs capability handlers lazily and memoizes them. A handler
// is built at most once per process; construction failures are memoized too
// so a misconfigured capability fails fast on every turn instead of
// re-dialing the provider.
type Registry struct {
	prompts promptx.PromptSet
	catalog *toolsx.Catalog
	factory ModelFactory

	entries map[contractx.Intent]*registryEntry
}

type registryEntry struct {
	once    sync.Once
	handler contractx.Handler
	err     error
}

var _ HandlerSource = (*Registry)(nil)

// NewRegistry wires the standard provider-backed model factory.
func NewRegistry(cfg llmx.Config, prompts promptx.PromptSet, catalog *toolsx.Catalog) *Registry {
	factory := func(ctx context.Context, tier contractx.ModelTier) (einomodel.ToolCallingChatModel, error) {
		providerCfg := cfg.OpenRouterFor(tier)
		return providerCfg.New(ctx)
	}
	return NewRegistryWithFactory(factory, prompts, catalog)
}

// NewRegistryWithFactory builds a registry over an explicit model factory.
func NewRegistryWithFactory(factory ModelFactory, prompts promptx.PromptSet, catalog *toolsx.Catalog) *Registry {
	entries := make(map[contractx.Intent]*registryEntry, len(contractx.HandlerIntents))
	for _, intent := range contractx.HandlerIntents {
		entries[intent] = &registryEntry{}
	}
	return &Registry{
		prompts: prompts,
		catalog: catalog,
		factory: factory,
		entries: entries,
	}
}

// Handler returns the memoized handler for an intent, building it on first
// use. Unknown and non-dispatchable intents fail with ErrUnknownIntent.
func (r *Registry) Handler(ctx context.Context, intent contractx.Intent) (contractx.Handler, error) {
	entry, ok := r.entries[intent]
	if !ok {
		return nil, fmt.Errorf("%w: no handler registered for intent=%s", contractx.ErrUnknownIntent, intent)
	}

	entry.once.Do(func() {
		entry.handler, entry.err = r.build(ctx, intent)
		if entry.err != nil {
			log.Error().Err(entry.err).Str("intent", string(intent)).Msg("handler construction failed")
		} else {
			log.Info().Str("intent", string(intent)).Str("tier", string(handlerTiers[intent])).Msg("handler ready")
		}
	})
	return entry.handler, entry.err
}

func (r *Registry) build(ctx context.Context, intent contractx.Intent) (contractx.Handler, error) {
	instructions, err := r.prompts.For(intent)
	if err != nil {
		return nil, err
	}

	toolset, err := r.catalog.ForIntent(intent)
	if err != nil {
		return nil, err
	}

	tier := handlerTiers[intent]
	chatModel, err := r.factory(ctx, tier)
	if err != nil {
		return nil, fmt.Errorf("build model for intent=%s tier=%s: %w", intent, tier, err)
	}

	return handlerx.New(chatModel, handlerx.Config{
		Name:         string(intent),
		Intent:       intent,
		Tier:         tier,
		Instructions: instructions,
		Tools:        toolset,
	})
}

// timeoutFor returns the invocation budget for a capability.
func timeoutFor(intent contractx.Intent) time.Duration {
	if d, ok := handlerTimeouts[intent]; ok {
		return d
	}
	return 60 * time.Second
}
