package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-router/pkg/metrics"
	"conversation-router/pkg/models"
	"conversation-router/pkg/store"
)

type fakeLookup map[string]string

func (f fakeLookup) FindIdentificationByEmail(_ context.Context, email string) (string, error) {
	if email == "down@example.com" {
		return "", errors.New("identity service unavailable")
	}
	return f[email], nil
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newTestManager(t *testing.T) (*Manager, *clock, *store.MemoryStore) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	c := &clock{t: time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore(10)
	lookup := fakeLookup{"juan@example.com": "30.123.456"}

	mgr := NewManager(st, lookup, Options{
		Digits:          3,
		SessionDuration: 30 * time.Minute,
		AccountWindow:   24 * time.Hour,
		Now:             c.Now,
	}, logger, metrics.NewMetrics(prometheus.NewRegistry()))
	return mgr, c, st
}

func TestVerify_Success(t *testing.T) {
	mgr, c, st := newTestManager(t)
	ctx := context.Background()

	res := mgr.Verify(ctx, "conv-1", " Juan@Example.com ", "456")
	require.True(t, res.Verified)
	require.NotNil(t, res.ExpiresAt)
	assert.Equal(t, c.t.Add(30*time.Minute), *res.ExpiresAt)
	assert.Empty(t, res.Error)
	assert.Equal(t, HashEmail("juan@example.com"), res.EmailHash)

	account, err := st.GetCustomerAuth(ctx, HashEmail("juan@example.com"))
	require.NoError(t, err)
	require.NotNil(t, account)
	assert.Equal(t, c.t.Add(24*time.Hour), account.ExpiresAt)
	assert.Equal(t, "conv-1", account.VerifiedInConversationID)
}

func TestVerify_FailuresAreNotEnumerable(t *testing.T) {
	mgr, _, st := newTestManager(t)
	ctx := context.Background()

	wrongDigits := mgr.Verify(ctx, "conv-1", "juan@example.com", "999")
	unknownEmail := mgr.Verify(ctx, "conv-1", "nadie@example.com", "456")

	assert.False(t, wrongDigits.Verified)
	assert.False(t, unknownEmail.Verified)
	assert.NotEmpty(t, wrongDigits.Error)
	assert.Equal(t, wrongDigits.Error, unknownEmail.Error)
	assert.Nil(t, wrongDigits.ExpiresAt)

	session, err := st.GetToolSession(ctx, "conv-1")
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestVerify_DigitFormat(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	for _, digits := range []string{"", "45", "4567", "4a6", "45 6"} {
		res := mgr.Verify(context.Background(), "conv-1", "juan@example.com", digits)
		assert.False(t, res.Verified, digits)
		assert.Contains(t, res.Error, "3 dígitos", digits)
	}
}

func TestVerify_LookupFailure(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	res := mgr.Verify(context.Background(), "conv-1", "down@example.com", "456")
	assert.False(t, res.Verified)
	assert.Equal(t, msgUnavailable, res.Error)
}

func TestStatus_ExpiryBoundary(t *testing.T) {
	mgr, c, _ := newTestManager(t)
	ctx := context.Background()

	st, err := mgr.Status(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, Status{}, st)

	require.True(t, mgr.Verify(ctx, "conv-1", "juan@example.com", "456").Verified)

	st, err = mgr.Status(ctx, "conv-1")
	require.NoError(t, err)
	assert.True(t, st.Authenticated)
	assert.False(t, st.Expired)
	assert.Equal(t, 30, st.RemainingMinutes)

	c.t = c.t.Add(29*time.Minute + 30*time.Second)
	st, err = mgr.Status(ctx, "conv-1")
	require.NoError(t, err)
	assert.True(t, st.Authenticated)
	assert.Equal(t, 1, st.RemainingMinutes)

	c.t = c.t.Add(31 * time.Second)
	st, err = mgr.Status(ctx, "conv-1")
	require.NoError(t, err)
	assert.False(t, st.Authenticated)
	assert.True(t, st.Expired)

	// reading never extends or clears the session
	st, err = mgr.Status(ctx, "conv-1")
	require.NoError(t, err)
	assert.True(t, st.Expired)
}

func TestAccountWindow_AdvancesOnlyOnVerify(t *testing.T) {
	mgr, c, st := newTestManager(t)
	ctx := context.Background()
	hash := HashEmail("juan@example.com")

	ok, err := mgr.AccountVerified(ctx, "juan@example.com")
	require.NoError(t, err)
	assert.False(t, ok)

	require.True(t, mgr.Verify(ctx, "conv-1", "juan@example.com", "456").Verified)
	first, err := st.GetCustomerAuth(ctx, hash)
	require.NoError(t, err)

	c.t = c.t.Add(2 * time.Hour)
	ok, err = mgr.AccountVerified(ctx, "JUAN@example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	afterRead, err := st.GetCustomerAuth(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, first.ExpiresAt, afterRead.ExpiresAt)

	// the tool session expired but the account window is still open
	status, err := mgr.Status(ctx, "conv-1")
	require.NoError(t, err)
	assert.True(t, status.Expired)

	require.True(t, mgr.Verify(ctx, "conv-2", "juan@example.com", "456").Verified)
	second, err := st.GetCustomerAuth(ctx, hash)
	require.NoError(t, err)
	assert.True(t, second.ExpiresAt.After(first.ExpiresAt))
	assert.Equal(t, "conv-2", second.VerifiedInConversationID)

	c.t = c.t.Add(25 * time.Hour)
	ok, err = mgr.AccountVerified(ctx, "juan@example.com")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAccountWindow_NeverMovesBackwards(t *testing.T) {
	mgr, c, st := newTestManager(t)
	ctx := context.Background()
	hash := HashEmail("juan@example.com")

	future := c.t.Add(72 * time.Hour)
	require.NoError(t, st.SetCustomerAuth(ctx, &models.CustomerAuthState{EmailHash: hash, Verified: true, ExpiresAt: future}))

	require.True(t, mgr.Verify(ctx, "conv-1", "juan@example.com", "456").Verified)
	got, err := st.GetCustomerAuth(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, future, got.ExpiresAt)
}

func TestProtect(t *testing.T) {
	mgr, c, _ := newTestManager(t)
	ctx := context.Background()

	called := false
	op := func(_ context.Context, session models.ToolSession) (string, error) {
		called = true
		return "order for " + session.EmailHash[:8], nil
	}

	_, err := Protect(ctx, mgr, "conv-1", op)
	assert.ErrorIs(t, err, ErrVerificationRequired)
	assert.False(t, called)

	require.True(t, mgr.Verify(ctx, "conv-1", "juan@example.com", "456").Verified)
	out, err := Protect(ctx, mgr, "conv-1", op)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Contains(t, out, HashEmail("juan@example.com")[:8])

	called = false
	c.t = c.t.Add(31 * time.Minute)
	_, err = Protect(ctx, mgr, "conv-1", op)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.False(t, called)
}

func TestVerify_LocksAfterRepeatedFailures(t *testing.T) {
	mgr, _, st := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res := mgr.Verify(ctx, "conv-1", "juan@example.com", "999")
		require.False(t, res.Verified)
		require.Equal(t, msgVerificationFailed, res.Error)
	}

	res := mgr.Verify(ctx, "conv-1", "juan@example.com", "456")
	assert.False(t, res.Verified)
	assert.Equal(t, msgLocked, res.Error)

	// Same email from a fresh conversation is locked too.
	res = mgr.Verify(ctx, "conv-2", "juan@example.com", "456")
	assert.False(t, res.Verified)
	assert.Equal(t, msgLocked, res.Error)

	session, err := st.GetToolSession(ctx, "conv-2")
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestVerify_ConversationLockCoversOtherEmails(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		mgr.Verify(ctx, "conv-1", fmt.Sprintf("otro%d@example.com", i), "456")
	}

	res := mgr.Verify(ctx, "conv-1", "juan@example.com", "456")
	assert.Equal(t, msgLocked, res.Error)

	assert.True(t, mgr.Verify(ctx, "conv-2", "juan@example.com", "456").Verified)
}

func TestVerify_SuccessClearsFailures(t *testing.T) {
	mgr, _, st := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		mgr.Verify(ctx, "conv-1", "juan@example.com", "999")
	}
	require.True(t, mgr.Verify(ctx, "conv-1", "juan@example.com", "456").Verified)

	count, err := st.VerificationFailures(ctx, "conversation:conv-1")
	require.NoError(t, err)
	assert.Zero(t, count)

	res := mgr.Verify(ctx, "conv-1", "juan@example.com", "999")
	assert.Equal(t, msgVerificationFailed, res.Error)
}
