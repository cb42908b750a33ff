package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	contractx "github.com/opentender-lab/tenderdesk/agent/contract"
	promptx "github.com/opentender-lab/tenderdesk/agent/prompt"
	toolsx "github.com/opentender-lab/tenderdesk/agent/tools"
)

type stubModel struct{}

func (stubModel) Generate(context.Context, []*schema.Message, ...einomodel.Option) (*schema.Message, error) {
	return schema.AssistantMessage("ok", nil), nil
}

func (stubModel) Stream(context.Context, []*schema.Message, ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("stream not implemented in stub model")
}

func (m stubModel) WithTools([]*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	return m, nil
}

func countingFactory(calls *int, mu *sync.Mutex, err error) ModelFactory {
	return func(context.Context, contractx.ModelTier) (einomodel.ToolCallingChatModel, error) {
		mu.Lock()
		*calls++
		mu.Unlock()
		if err != nil {
			return nil, err
		}
		return stubModel{}, nil
	}
}

func emptyCatalog() *toolsx.Catalog {
	return toolsx.NewCatalog(nil, nil, nil, nil, nil)
}

func TestRegistryBuildsOncePerIntent(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	reg := NewRegistryWithFactory(countingFactory(&calls, &mu, nil), promptx.LoadPromptSet(), emptyCatalog())

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Handler(ctx, contractx.IntentSearch); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected 1 model build, got %d", calls)
	}
}

func TestRegistryMemoizesFailures(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	boom := errors.New("provider unreachable")
	reg := NewRegistryWithFactory(countingFactory(&calls, &mu, boom), promptx.LoadPromptSet(), emptyCatalog())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := reg.Handler(ctx, contractx.IntentAnalyze); !errors.Is(err, boom) {
			t.Fatalf("expected build failure, got %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected failure to be memoized after 1 build, got %d", calls)
	}
}

func TestRegistryCoversAllHandlerIntents(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	reg := NewRegistryWithFactory(countingFactory(&calls, &mu, nil), promptx.LoadPromptSet(), emptyCatalog())

	ctx := context.Background()
	for _, intent := range contractx.HandlerIntents {
		h, err := reg.Handler(ctx, intent)
		if err != nil {
			t.Fatalf("intent %s: unexpected error: %v", intent, err)
		}
		if h.Name() != string(intent) {
			t.Errorf("intent %s: unexpected handler name %q", intent, h.Name())
		}
	}
}

func TestRegistryRejectsUnknownIntent(t *testing.T) {
	t.Parallel()

	var calls int
	var mu sync.Mutex
	reg := NewRegistryWithFactory(countingFactory(&calls, &mu, nil), promptx.LoadPromptSet(), emptyCatalog())

	if _, err := reg.Handler(context.Background(), contractx.IntentUnknown); !errors.Is(err, contractx.ErrUnknownIntent) {
		t.Fatalf("expected unknown intent error, got %v", err)
	}
}

func TestHandlerTimeoutsCoverAllIntents(t *testing.T) {
	t.Parallel()

	for _, intent := range contractx.HandlerIntents {
		if timeoutFor(intent) <= 0 {
			t.Errorf("intent %s: no invocation budget", intent)
		}
	}
}
