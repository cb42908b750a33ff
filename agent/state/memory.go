package state

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	contractx "github.com/opentender-lab/tenderdesk/agent/contract"
)

// MemoryStore keeps threads in process memory. Used in tests and local runs
// without a Redis backend. Get returns a deep-enough copy that callers can
// append to Messages without racing the stored value.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]contractx.Thread
}

var _ contractx.CheckpointStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string]contractx.Thread)}
}

func (s *MemoryStore) Get(_ context.Context, threadID string) (*contractx.Thread, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, ErrInvalidThreadID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", contractx.ErrThreadNotFound, threadID)
	}

	out := stored
	out.Messages = make(contractx.Transcript, len(stored.Messages))
	copy(out.Messages, stored.Messages)
	return &out, nil
}

func (s *MemoryStore) Put(_ context.Context, thread *contractx.Thread) error {
	if thread == nil {
		return ErrNilThread
	}
	if strings.TrimSpace(thread.ThreadID) == "" {
		return ErrInvalidThreadID
	}
	if thread.UpdatedAt.IsZero() {
		thread.UpdatedAt = time.Now().UTC()
	}

	stored := *thread
	stored.Messages = make(contractx.Transcript, len(thread.Messages))
	copy(stored.Messages, thread.Messages)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[thread.ThreadID] = stored
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, threadID string) error {
	if strings.TrimSpace(threadID) == "" {
		return ErrInvalidThreadID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}
