// Package store persists conversation state, verification windows and the
// masked message history.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"conversation-router/pkg/models"
)

// ErrConflict is returned when an optimistic update keeps losing the race
// against concurrent writers.
var ErrConflict = errors.New("conversation state update conflict")

// MutateFunc changes a state in place. Returning an error aborts the write.
type MutateFunc func(state *models.ConversationState) error

// Store is the persistence port of the router.
//
// GetConversationState never returns nil: a conversation that was never
// written reads as its default record. The auth getters return nil, nil when
// nothing is stored.
type Store interface {
	GetConversationState(ctx context.Context, conversationID string) (*models.ConversationState, error)
	UpdateConversationState(ctx context.Context, conversationID string, mutate MutateFunc) (*models.ConversationState, error)
	UpdateFullConversationState(ctx context.Context, state *models.ConversationState) error
	SetActiveGoal(ctx context.Context, conversationID string, goal *models.CustomerGoal) error

	GetCustomerAuth(ctx context.Context, emailHash string) (*models.CustomerAuthState, error)
	SetCustomerAuth(ctx context.Context, state *models.CustomerAuthState) error
	GetToolSession(ctx context.Context, conversationID string) (*models.ToolSession, error)
	SetToolSession(ctx context.Context, session *models.ToolSession) error

	// VerificationFailures counts rejected verifications recorded under key.
	// RecordVerificationFailure adds one and keeps the count for window after
	// the latest failure.
	VerificationFailures(ctx context.Context, key string) (int, error)
	RecordVerificationFailure(ctx context.Context, key string, window time.Duration) (int, error)
	ClearVerificationFailures(ctx context.Context, key string) error

	AppendMessages(ctx context.Context, conversationID string, messages ...models.Message) error
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)

	Ping(ctx context.Context) error
}

func decodeState(conversationID string, data []byte) (*models.ConversationState, error) {
	state := &models.ConversationState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to decode conversation state: %w", err)
	}
	if state.ConversationID == "" {
		state.ConversationID = conversationID
	}
	state.Normalize()
	return state, nil
}

// cloneState deep-copies through the JSON form so callers never share
// slices with the stored record.
func cloneState(state *models.ConversationState) (*models.ConversationState, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode conversation state: %w", err)
	}
	return decodeState(state.ConversationID, data)
}
