package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	contractx "github.com/opentender-lab/tenderdesk/agent/contract"
	"github.com/rs/zerolog/log"
)

// In-memory collaborator implementations for local runs and tests. Production
// deployments swap these for real providers behind the same interfaces.

// MemoryProfileStore keeps user profiles in process memory.
type MemoryProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]contractx.UserProfile
}

var _ contractx.ProfileStore = (*MemoryProfileStore)(nil)

func NewMemoryProfileStore(seed ...contractx.UserProfile) *MemoryProfileStore {
	s := &MemoryProfileStore{profiles: make(map[string]contractx.UserProfile)}
	for _, p := range seed {
		s.profiles[p.UserID] = p
	}
	return s
}

func (s *MemoryProfileStore) GetProfile(_ context.Context, userID string) (*contractx.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("%w: no profile for user %s, ask the user for their company details", contractx.ErrUserFixable, userID)
	}
	out := p
	return &out, nil
}

func (s *MemoryProfileStore) UpdatePreferences(_ context.Context, userID string, patch map[string]any) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", contractx.ErrUserFixable)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID]
	if !ok {
		p = contractx.UserProfile{UserID: userID}
	}
	if p.Preferences == nil {
		p.Preferences = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		p.Preferences[k] = v
	}
	s.profiles[userID] = p
	return nil
}

// MemoryApplicationStore keeps drafted applications in process memory.
type MemoryApplicationStore struct {
	mu     sync.Mutex
	drafts map[string]contractx.ApplicationDraft
}

var _ contractx.ApplicationStore = (*MemoryApplicationStore)(nil)

func NewMemoryApplicationStore() *MemoryApplicationStore {
	return &MemoryApplicationStore{drafts: make(map[string]contractx.ApplicationDraft)}
}

func (s *MemoryApplicationStore) SaveDraft(_ context.Context, draft contractx.ApplicationDraft) (string, error) {
	if strings.TrimSpace(draft.TenderID) == "" {
		return "", fmt.Errorf("%w: draft needs a tender id", contractx.ErrLLMRecoverable)
	}
	if draft.ID == "" {
		draft.ID = uuid.NewString()
	}
	if draft.SavedAt.IsZero() {
		draft.SavedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts[draft.ID] = draft
	return draft.ID, nil
}

// Drafts returns a copy of the stored drafts.
func (s *MemoryApplicationStore) Drafts() []contractx.ApplicationDraft {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contractx.ApplicationDraft, 0, len(s.drafts))
	for _, d := range s.drafts {
		out = append(out, d)
	}
	return out
}

// MemoryDocumentRetriever serves canned document excerpts keyed by document
// id.
type MemoryDocumentRetriever struct {
	mu        sync.RWMutex
	documents map[string]string
}

var _ contractx.DocumentRetriever = (*MemoryDocumentRetriever)(nil)

func NewMemoryDocumentRetriever(documents map[string]string) *MemoryDocumentRetriever {
	if documents == nil {
		documents = make(map[string]string)
	}
	return &MemoryDocumentRetriever{documents: documents}
}

func (r *MemoryDocumentRetriever) Retrieve(_ context.Context, documentID string, _ string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doc, ok := r.documents[documentID]
	if !ok {
		return "", fmt.Errorf("%w: document %s not found", contractx.ErrLLMRecoverable, documentID)
	}
	return doc, nil
}

// LogMailer logs outbound mail instead of sending it.
type LogMailer struct{}

var _ contractx.Mailer = LogMailer{}

func (LogMailer) Send(_ context.Context, to string, subject string, _ string) error {
	if strings.TrimSpace(to) == "" {
		return fmt.Errorf("%w: recipient address is required", contractx.ErrUserFixable)
	}
	log.Info().Str("to", to).Str("subject", subject).Msg("outbound mail (dry run)")
	return nil
}
