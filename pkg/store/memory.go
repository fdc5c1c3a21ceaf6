package store

import (
	"context"
	"sync"
	"time"

	"conversation-router/pkg/models"
)

type failureWindow struct {
	count     int
	expiresAt time.Time
}

// MemoryStore keeps everything in process. A single mutex serializes all
// read-modify-write cycles.
type MemoryStore struct {
	mu           sync.Mutex
	states       map[string]*models.ConversationState
	customerAuth map[string]models.CustomerAuthState
	sessions     map[string]models.ToolSession
	failures     map[string]failureWindow
	history      map[string][]models.Message
	historyLimit int
	now          func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(historyLimit int) *MemoryStore {
	return &MemoryStore{
		states:       make(map[string]*models.ConversationState),
		customerAuth: make(map[string]models.CustomerAuthState),
		sessions:     make(map[string]models.ToolSession),
		failures:     make(map[string]failureWindow),
		history:      make(map[string][]models.Message),
		historyLimit: historyLimit,
		now:          time.Now,
	}
}

func (s *MemoryStore) GetConversationState(_ context.Context, conversationID string) (*models.ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[conversationID]
	if !ok {
		return models.NewConversationState(conversationID), nil
	}
	return cloneState(st)
}

func (s *MemoryStore) UpdateConversationState(_ context.Context, conversationID string, mutate MutateFunc) (*models.ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		st  *models.ConversationState
		err error
	)
	if cur, ok := s.states[conversationID]; ok {
		if st, err = cloneState(cur); err != nil {
			return nil, err
		}
	} else {
		st = models.NewConversationState(conversationID)
	}

	if err := mutate(st); err != nil {
		return nil, err
	}
	st.Normalize()
	st.UpdatedAt = s.now()

	stored, err := cloneState(st)
	if err != nil {
		return nil, err
	}
	s.states[conversationID] = stored
	return st, nil
}

func (s *MemoryStore) UpdateFullConversationState(_ context.Context, state *models.ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := cloneState(state)
	if err != nil {
		return err
	}
	stored.UpdatedAt = s.now()
	s.states[state.ConversationID] = stored
	return nil
}

func (s *MemoryStore) SetActiveGoal(ctx context.Context, conversationID string, goal *models.CustomerGoal) error {
	_, err := s.UpdateConversationState(ctx, conversationID, func(st *models.ConversationState) error {
		st.ActiveGoal = goal
		return nil
	})
	return err
}

func (s *MemoryStore) GetCustomerAuth(_ context.Context, emailHash string) (*models.CustomerAuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.customerAuth[emailHash]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *MemoryStore) SetCustomerAuth(_ context.Context, state *models.CustomerAuthState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.customerAuth[state.EmailHash] = *state
	return nil
}

func (s *MemoryStore) GetToolSession(_ context.Context, conversationID string) (*models.ToolSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[conversationID]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

func (s *MemoryStore) SetToolSession(_ context.Context, session *models.ToolSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.ConversationID] = *session
	return nil
}

func (s *MemoryStore) VerificationFailures(_ context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.failures[key]
	if !ok || !s.now().Before(w.expiresAt) {
		return 0, nil
	}
	return w.count, nil
}

func (s *MemoryStore) RecordVerificationFailure(_ context.Context, key string, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w := s.failures[key]
	if !now.Before(w.expiresAt) {
		w.count = 0
	}
	w.count++
	w.expiresAt = now.Add(window)
	s.failures[key] = w
	return w.count, nil
}

func (s *MemoryStore) ClearVerificationFailures(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.failures, key)
	return nil
}

func (s *MemoryStore) AppendMessages(_ context.Context, conversationID string, messages ...models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := append(s.history[conversationID], messages...)
	if s.historyLimit > 0 && len(h) > s.historyLimit {
		h = h[len(h)-s.historyLimit:]
	}
	s.history[conversationID] = h
	return nil
}

func (s *MemoryStore) RecentMessages(_ context.Context, conversationID string, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.history[conversationID]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]models.Message, len(h))
	copy(out, h)
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
