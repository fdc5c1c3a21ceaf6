package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-router/pkg/metrics"
	"conversation-router/pkg/models"
)

var now = time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)

func setupTestRedis(t *testing.T) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   1, // Use test database
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		t.Skipf("redis not available: %v", err)
	}
	rdb.FlushDB(ctx)

	return rdb
}

func newRedisStore(t *testing.T) *RedisStore {
	rdb := setupTestRedis(t)
	t.Cleanup(func() { rdb.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewRedisStore(rdb, 4, logger, metrics.NewMetrics(prometheus.NewRegistry()))
}

// stores runs fn against every implementation available in this environment.
func stores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore(4))
	})
	t.Run("redis", func(t *testing.T) {
		fn(t, newRedisStore(t))
	})
}

func TestStore_DefaultStateForUnknownConversation(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		st, err := s.GetConversationState(context.Background(), "never-written")
		require.NoError(t, err)
		require.NotNil(t, st)

		assert.Equal(t, "never-written", st.ConversationID)
		assert.Equal(t, models.PhaseActive, st.State)
		assert.NotNil(t, st.Products)
		assert.NotNil(t, st.RecentGoals)
		assert.Nil(t, st.ActiveGoal)
	})
}

func TestStore_UpdateConversationState(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.UpdateConversationState(ctx, "conv-1", func(st *models.ConversationState) error {
			st.Products = append(st.Products, models.ProductMention{ID: "1", Name: "JEAN", MentionedAt: now})
			st.LastTopic = "jeans"
			return nil
		})
		require.NoError(t, err)

		updated, err := s.UpdateConversationState(ctx, "conv-1", func(st *models.ConversationState) error {
			st.Products = append(st.Products, models.ProductMention{ID: "2", Name: "BUZO", MentionedAt: now})
			return nil
		})
		require.NoError(t, err)
		assert.Len(t, updated.Products, 2)

		st, err := s.GetConversationState(ctx, "conv-1")
		require.NoError(t, err)
		assert.Len(t, st.Products, 2)
		assert.Equal(t, "jeans", st.LastTopic)
		assert.Equal(t, now, st.Products[0].LastMentionedAt)
	})
}

func TestStore_MutateErrorAbortsWrite(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		boom := errors.New("boom")

		_, err := s.UpdateConversationState(ctx, "conv-1", func(st *models.ConversationState) error {
			st.LastTopic = "should not persist"
			return boom
		})
		assert.ErrorIs(t, err, boom)

		st, err := s.GetConversationState(ctx, "conv-1")
		require.NoError(t, err)
		assert.Empty(t, st.LastTopic)
	})
}

func TestStore_ConcurrentUpdatesKeepEveryMention(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.UpdateConversationState(ctx, "conv-race", func(st *models.ConversationState) error {
					st.Products = append(st.Products, models.ProductMention{ID: fmt.Sprint(i), MentionedAt: now})
					return nil
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		st, err := s.GetConversationState(ctx, "conv-race")
		require.NoError(t, err)
		assert.Len(t, st.Products, 3)
	})
}

func TestStore_SetActiveGoalAndFullReplace(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		goal := &models.CustomerGoal{ID: "g1", Type: models.GoalProductSearch, Status: models.GoalActive, StartedAt: now}
		require.NoError(t, s.SetActiveGoal(ctx, "conv-1", goal))

		st, err := s.GetConversationState(ctx, "conv-1")
		require.NoError(t, err)
		require.NotNil(t, st.ActiveGoal)
		assert.Equal(t, "g1", st.ActiveGoal.ID)
		assert.NotNil(t, st.ActiveGoal.ProgressMarkers)

		st.Summary = "cliente busca jeans"
		require.NoError(t, s.UpdateFullConversationState(ctx, st))

		st, err = s.GetConversationState(ctx, "conv-1")
		require.NoError(t, err)
		assert.Equal(t, "cliente busca jeans", st.Summary)
		assert.Equal(t, "g1", st.ActiveGoal.ID)
	})
}

func TestStore_AuthRecords(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		missing, err := s.GetToolSession(ctx, "conv-1")
		require.NoError(t, err)
		assert.Nil(t, missing)

		session := &models.ToolSession{ConversationID: "conv-1", EmailHash: "h", VerifiedAt: now, ExpiresAt: now.Add(30 * time.Minute)}
		require.NoError(t, s.SetToolSession(ctx, session))

		got, err := s.GetToolSession(ctx, "conv-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, session.ExpiresAt.Equal(got.ExpiresAt))

		noAuth, err := s.GetCustomerAuth(ctx, "h")
		require.NoError(t, err)
		assert.Nil(t, noAuth)

		auth := &models.CustomerAuthState{EmailHash: "h", Verified: true, VerifiedAt: now, ExpiresAt: now.Add(24 * time.Hour), VerifiedInConversationID: "conv-1"}
		require.NoError(t, s.SetCustomerAuth(ctx, auth))

		gotAuth, err := s.GetCustomerAuth(ctx, "h")
		require.NoError(t, err)
		require.NotNil(t, gotAuth)
		assert.True(t, gotAuth.Verified)
		assert.Equal(t, "conv-1", gotAuth.VerifiedInConversationID)
	})
}

func TestStore_HistoryIsBounded(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		for i := 0; i < 6; i++ {
			require.NoError(t, s.AppendMessages(ctx, "conv-1", models.Message{Role: models.RoleUser, Content: fmt.Sprintf("m%d", i), CreatedAt: now}))
		}

		all, err := s.RecentMessages(ctx, "conv-1", 0)
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, "m2", all[0].Content)

		last, err := s.RecentMessages(ctx, "conv-1", 2)
		require.NoError(t, err)
		require.Len(t, last, 2)
		assert.Equal(t, "m4", last[0].Content)
		assert.Equal(t, "m5", last[1].Content)
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()

	_, err := s.UpdateConversationState(ctx, "conv-1", func(st *models.ConversationState) error {
		st.Products = append(st.Products, models.ProductMention{ID: "1", MentionedAt: now})
		return nil
	})
	require.NoError(t, err)

	st, err := s.GetConversationState(ctx, "conv-1")
	require.NoError(t, err)
	st.Products[0].Name = "changed"

	again, err := s.GetConversationState(ctx, "conv-1")
	require.NoError(t, err)
	assert.Empty(t, again.Products[0].Name)
}

func TestStore_VerificationFailures(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		count, err := s.VerificationFailures(ctx, "conversation:conv-1")
		require.NoError(t, err)
		assert.Zero(t, count)

		for want := 1; want <= 3; want++ {
			got, err := s.RecordVerificationFailure(ctx, "conversation:conv-1", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}

		count, err = s.VerificationFailures(ctx, "conversation:conv-1")
		require.NoError(t, err)
		assert.Equal(t, 3, count)

		require.NoError(t, s.ClearVerificationFailures(ctx, "conversation:conv-1"))
		count, err = s.VerificationFailures(ctx, "conversation:conv-1")
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

func TestMemoryStore_VerificationFailuresExpire(t *testing.T) {
	s := NewMemoryStore(10)
	clock := now
	s.now = func() time.Time { return clock }
	ctx := context.Background()

	_, err := s.RecordVerificationFailure(ctx, "email:h", 15*time.Minute)
	require.NoError(t, err)
	clock = clock.Add(10 * time.Minute)
	count, err := s.RecordVerificationFailure(ctx, "email:h", 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	clock = clock.Add(14 * time.Minute)
	count, err = s.VerificationFailures(ctx, "email:h")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	clock = clock.Add(time.Minute)
	count, err = s.VerificationFailures(ctx, "email:h")
	require.NoError(t, err)
	assert.Zero(t, count)

	count, err = s.RecordVerificationFailure(ctx, "email:h", 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
