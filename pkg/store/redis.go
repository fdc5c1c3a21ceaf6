package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"conversation-router/pkg/constants"
	"conversation-router/pkg/metrics"
	"conversation-router/pkg/models"
)

const (
	maxUpdateRetries = 5
	// authGrace keeps expired verification records around long enough for
	// Status to report "expired" instead of "never verified".
	authGrace = 24 * time.Hour
)

// RedisStore keeps each conversation as one JSON document. State updates use
// WATCH/MULTI so a concurrent turn for the same conversation retries instead
// of silently overwriting.
type RedisStore struct {
	rdb          *redis.Client
	historyLimit int
	logger       *logrus.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rdb *redis.Client, historyLimit int, logger *logrus.Logger, metrics *metrics.Metrics) *RedisStore {
	return &RedisStore{
		rdb:          rdb,
		historyLimit: historyLimit,
		logger:       logger,
		metrics:      metrics,
		now:          time.Now,
	}
}

func stateKey(conversationID string) string {
	return constants.ConversationStateKeyPrefix + conversationID
}

func historyKey(conversationID string) string {
	return constants.ConversationHistoryPrefix + conversationID
}

func customerAuthKey(emailHash string) string {
	return constants.CustomerAuthKeyPrefix + emailHash
}

func toolSessionKey(conversationID string) string {
	return constants.ToolSessionKeyPrefix + conversationID
}

func verifyFailuresKey(key string) string {
	return constants.VerifyFailuresKeyPrefix + key
}

func (s *RedisStore) observe(operation string, start time.Time) {
	s.metrics.StoreOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (s *RedisStore) GetConversationState(ctx context.Context, conversationID string) (*models.ConversationState, error) {
	start := time.Now()
	defer s.observe("get_state", start)

	data, err := s.rdb.Get(ctx, stateKey(conversationID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return models.NewConversationState(conversationID), nil
		}
		return nil, fmt.Errorf("failed to get conversation state: %w", err)
	}
	return decodeState(conversationID, data)
}

func (s *RedisStore) UpdateConversationState(ctx context.Context, conversationID string, mutate MutateFunc) (*models.ConversationState, error) {
	start := time.Now()
	defer s.observe("update_state", start)

	key := stateKey(conversationID)
	var result *models.ConversationState

	txf := func(tx *redis.Tx) error {
		st := models.NewConversationState(conversationID)
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil:
		case err != nil:
			return fmt.Errorf("failed to get conversation state: %w", err)
		default:
			if st, err = decodeState(conversationID, data); err != nil {
				return err
			}
		}

		if err := mutate(st); err != nil {
			return err
		}
		st.Normalize()
		st.UpdatedAt = s.now()

		encoded, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("failed to encode conversation state: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		if err != nil {
			return err
		}
		result = st
		return nil
	}

	for attempt := 1; attempt <= maxUpdateRetries; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
		s.logger.WithFields(logrus.Fields{
			"conversation_id": conversationID,
			"attempt":         attempt,
		}).Warn("Conversation state changed during update, retrying")
	}

	return nil, fmt.Errorf("%w: %s", ErrConflict, conversationID)
}

func (s *RedisStore) UpdateFullConversationState(ctx context.Context, state *models.ConversationState) error {
	start := time.Now()
	defer s.observe("replace_state", start)

	state.Normalize()
	state.UpdatedAt = s.now()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode conversation state: %w", err)
	}
	if err := s.rdb.Set(ctx, stateKey(state.ConversationID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store conversation state: %w", err)
	}
	return nil
}

func (s *RedisStore) SetActiveGoal(ctx context.Context, conversationID string, goal *models.CustomerGoal) error {
	_, err := s.UpdateConversationState(ctx, conversationID, func(st *models.ConversationState) error {
		st.ActiveGoal = goal
		return nil
	})
	return err
}

func (s *RedisStore) GetCustomerAuth(ctx context.Context, emailHash string) (*models.CustomerAuthState, error) {
	start := time.Now()
	defer s.observe("get_customer_auth", start)

	state := &models.CustomerAuthState{}
	found, err := s.getJSON(ctx, customerAuthKey(emailHash), state)
	if err != nil || !found {
		return nil, err
	}
	return state, nil
}

func (s *RedisStore) SetCustomerAuth(ctx context.Context, state *models.CustomerAuthState) error {
	start := time.Now()
	defer s.observe("set_customer_auth", start)

	return s.setJSON(ctx, customerAuthKey(state.EmailHash), state, s.ttlUntil(state.ExpiresAt))
}

func (s *RedisStore) GetToolSession(ctx context.Context, conversationID string) (*models.ToolSession, error) {
	start := time.Now()
	defer s.observe("get_tool_session", start)

	session := &models.ToolSession{}
	found, err := s.getJSON(ctx, toolSessionKey(conversationID), session)
	if err != nil || !found {
		return nil, err
	}
	return session, nil
}

func (s *RedisStore) SetToolSession(ctx context.Context, session *models.ToolSession) error {
	start := time.Now()
	defer s.observe("set_tool_session", start)

	return s.setJSON(ctx, toolSessionKey(session.ConversationID), session, s.ttlUntil(session.ExpiresAt))
}

func (s *RedisStore) VerificationFailures(ctx context.Context, key string) (int, error) {
	start := time.Now()
	defer s.observe("get_verify_failures", start)

	count, err := s.rdb.Get(ctx, verifyFailuresKey(key)).Int()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get verification failures: %w", err)
	}
	return count, nil
}

// RecordVerificationFailure increments and re-arms the expiry in one
// transaction.
func (s *RedisStore) RecordVerificationFailure(ctx context.Context, key string, window time.Duration) (int, error) {
	start := time.Now()
	defer s.observe("record_verify_failure", start)

	redisKey := verifyFailuresKey(key)
	var incr *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.Expire(ctx, redisKey, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record verification failure: %w", err)
	}
	return int(incr.Val()), nil
}

func (s *RedisStore) ClearVerificationFailures(ctx context.Context, key string) error {
	start := time.Now()
	defer s.observe("clear_verify_failures", start)

	if err := s.rdb.Del(ctx, verifyFailuresKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to clear verification failures: %w", err)
	}
	return nil
}

func (s *RedisStore) ttlUntil(expiresAt time.Time) time.Duration {
	ttl := expiresAt.Sub(s.now()) + authGrace
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (s *RedisStore) getJSON(ctx context.Context, key string, dst any) (bool, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

// AppendMessages pushes masked messages and trims the list to the history
// limit in one pipeline.
func (s *RedisStore) AppendMessages(ctx context.Context, conversationID string, messages ...models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	start := time.Now()
	defer s.observe("append_messages", start)

	values := make([]interface{}, 0, len(messages))
	for _, m := range messages {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to encode message: %w", err)
		}
		values = append(values, data)
	}

	key := historyKey(conversationID)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, values...)
	if s.historyLimit > 0 {
		pipe.LTrim(ctx, key, int64(-s.historyLimit), -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.WithError(err).WithField("conversation_id", conversationID).Error("Failed to append messages")
		return fmt.Errorf("failed to append messages: %w", err)
	}
	return nil
}

func (s *RedisStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	start := time.Now()
	defer s.observe("recent_messages", start)

	from := int64(0)
	if limit > 0 {
		from = int64(-limit)
	}
	raw, err := s.rdb.LRange(ctx, historyKey(conversationID), from, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	out := make([]models.Message, 0, len(raw))
	for _, item := range raw {
		var m models.Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			s.logger.WithError(err).WithField("conversation_id", conversationID).Warn("Skipping undecodable history entry")
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
