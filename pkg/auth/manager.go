// Package auth gates access to private order data behind a customer
// verification step.
//
// Two windows exist. The tool session is short, bound to one conversation,
// and is what protected tools check. The account window is long, keyed by
// the email hash, and only decides whether the customer has to be asked to
// verify at all. Both are written only by a successful Verify; reads never
// extend either of them.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"conversation-router/pkg/constants"
	"conversation-router/pkg/metrics"
	"conversation-router/pkg/models"
	"conversation-router/pkg/pii"
)

var (
	ErrVerificationRequired = errors.New("customer verification required")
	ErrSessionExpired       = errors.New("verification session expired")
)

const (
	msgVerificationFailed = "No pudimos verificar tus datos. Revisá el email y los dígitos e intentá de nuevo."
	msgUnavailable        = "No pudimos verificar tus datos en este momento. Intentá de nuevo en unos minutos."
	msgLocked             = "Hubo demasiados intentos de verificación. Intentá de nuevo más tarde."
)

// IdentityLookup finds the identification number on file for an email.
// It returns "" when the email is unknown.
type IdentityLookup interface {
	FindIdentificationByEmail(ctx context.Context, email string) (string, error)
}

// SessionStore is the persistence the manager needs.
type SessionStore interface {
	GetToolSession(ctx context.Context, conversationID string) (*models.ToolSession, error)
	SetToolSession(ctx context.Context, session *models.ToolSession) error
	GetCustomerAuth(ctx context.Context, emailHash string) (*models.CustomerAuthState, error)
	SetCustomerAuth(ctx context.Context, state *models.CustomerAuthState) error
	VerificationFailures(ctx context.Context, key string) (int, error)
	RecordVerificationFailure(ctx context.Context, key string, window time.Duration) (int, error)
	ClearVerificationFailures(ctx context.Context, key string) error
}

type VerifyResult struct {
	Verified  bool       `json:"verified"`
	Error     string     `json:"error,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	EmailHash string     `json:"-"`
}

type Status struct {
	Authenticated    bool `json:"authenticated"`
	Expired          bool `json:"expired,omitempty"`
	RemainingMinutes int  `json:"remaining_minutes,omitempty"`
}

type Options struct {
	Digits          int
	SessionDuration time.Duration
	AccountWindow   time.Duration
	// MaxFailures rejected attempts, per conversation and per email, lock
	// verification until LockoutWindow has passed since the last one.
	MaxFailures   int
	LockoutWindow time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

type Manager struct {
	store    SessionStore
	lookup   IdentityLookup
	opts     Options
	digitsRe *regexp.Regexp
	logger   *logrus.Logger
	metrics  *metrics.Metrics
}

func NewManager(store SessionStore, lookup IdentityLookup, opts Options, logger *logrus.Logger, m *metrics.Metrics) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Digits <= 0 {
		opts.Digits = 3
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = constants.MaxVerificationFailures
	}
	if opts.LockoutWindow <= 0 {
		opts.LockoutWindow = constants.MinutesToDuration(constants.VerificationLockoutMinutes)
	}
	return &Manager{
		store:    store,
		lookup:   lookup,
		opts:     opts,
		digitsRe: regexp.MustCompile(fmt.Sprintf(`^\d{%d}$`, opts.Digits)),
		logger:   logger,
		metrics:  m,
	}
}

// HashEmail returns the at-rest key for an email address.
func HashEmail(email string) string {
	sum := sha256.Sum256([]byte(normalizeEmail(email)))
	return hex.EncodeToString(sum[:])
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Verify checks lastDigits against the tail of the identification number on
// file for email. Failures never say which field was wrong. After
// MaxFailures rejections for the conversation or the email, every attempt is
// refused until the lockout window passes.
func (m *Manager) Verify(ctx context.Context, conversationID, email, lastDigits string) VerifyResult {
	digits := strings.TrimSpace(lastDigits)
	if !m.digitsRe.MatchString(digits) {
		m.observe("invalid_format")
		return VerifyResult{Error: fmt.Sprintf("Ingresá los últimos %d dígitos de tu DNI, solo números.", m.opts.Digits)}
	}

	email = normalizeEmail(email)
	hash := HashEmail(email)
	keys := failureKeys(conversationID, hash)

	locked, err := m.locked(ctx, keys)
	if err != nil {
		m.logger.WithError(err).WithField("conversation_id", conversationID).Error("Failed to read verification failures")
		m.observe("error")
		return VerifyResult{Error: msgUnavailable}
	}
	if locked {
		m.logger.WithField("conversation_id", conversationID).Warn("Verification locked after repeated failures")
		m.observe("locked")
		return VerifyResult{Error: msgLocked}
	}

	if email == "" || !strings.Contains(email, "@") {
		return m.reject(ctx, conversationID, keys[:1])
	}

	identification, err := m.lookup.FindIdentificationByEmail(ctx, email)
	if err != nil {
		m.logger.WithError(err).WithField("conversation_id", conversationID).Error("Identity lookup failed")
		m.observe("error")
		return VerifyResult{Error: msgUnavailable}
	}

	onFile := pii.DigitsOnly(identification)
	if len(onFile) < m.opts.Digits {
		return m.reject(ctx, conversationID, keys)
	}
	tail := onFile[len(onFile)-m.opts.Digits:]
	if subtle.ConstantTimeCompare([]byte(tail), []byte(digits)) != 1 {
		return m.reject(ctx, conversationID, keys)
	}

	for _, key := range keys {
		if err := m.store.ClearVerificationFailures(ctx, key); err != nil {
			m.logger.WithError(err).WithField("conversation_id", conversationID).Warn("Failed to clear verification failures")
		}
	}

	now := m.opts.Now()
	expiresAt := now.Add(m.opts.SessionDuration)

	session := &models.ToolSession{
		ConversationID: conversationID,
		EmailHash:      hash,
		VerifiedAt:     now,
		ExpiresAt:      expiresAt,
	}
	if err := m.store.SetToolSession(ctx, session); err != nil {
		m.logger.WithError(err).WithField("conversation_id", conversationID).Error("Failed to open verification session")
		m.observe("error")
		return VerifyResult{Error: msgUnavailable}
	}

	m.advanceAccountWindow(ctx, hash, conversationID, now)

	m.logger.WithFields(logrus.Fields{
		"conversation_id": conversationID,
		"expires_at":      expiresAt,
	}).Info("Customer verified")
	m.observe("verified")

	return VerifyResult{Verified: true, ExpiresAt: &expiresAt, EmailHash: hash}
}

// failureKeys returns the conversation key first, then the email key.
func failureKeys(conversationID, emailHash string) []string {
	return []string{"conversation:" + conversationID, "email:" + emailHash}
}

func (m *Manager) locked(ctx context.Context, keys []string) (bool, error) {
	for _, key := range keys {
		count, err := m.store.VerificationFailures(ctx, key)
		if err != nil {
			return false, err
		}
		if count >= m.opts.MaxFailures {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) reject(ctx context.Context, conversationID string, keys []string) VerifyResult {
	for _, key := range keys {
		if _, err := m.store.RecordVerificationFailure(ctx, key, m.opts.LockoutWindow); err != nil {
			m.logger.WithError(err).WithField("conversation_id", conversationID).Warn("Failed to record verification failure")
		}
	}
	m.observe("rejected")
	return VerifyResult{Error: msgVerificationFailed}
}

// advanceAccountWindow moves the long window forward. ExpiresAt never goes
// backwards. Failures are logged and swallowed.
func (m *Manager) advanceAccountWindow(ctx context.Context, hash, conversationID string, now time.Time) {
	expiresAt := now.Add(m.opts.AccountWindow)

	existing, err := m.store.GetCustomerAuth(ctx, hash)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to read account verification state")
	}
	if existing != nil && existing.ExpiresAt.After(expiresAt) {
		expiresAt = existing.ExpiresAt
	}

	state := &models.CustomerAuthState{
		EmailHash:                hash,
		Verified:                 true,
		VerifiedAt:               now,
		ExpiresAt:                expiresAt,
		VerifiedInConversationID: conversationID,
	}
	if err := m.store.SetCustomerAuth(ctx, state); err != nil {
		m.logger.WithError(err).WithField("conversation_id", conversationID).Error("Failed to store account verification state")
	}
}

// Status reports the conversation's tool session. Expiry is observed, never
// written back.
func (m *Manager) Status(ctx context.Context, conversationID string) (Status, error) {
	_, st, err := m.session(ctx, conversationID)
	return st, err
}

func (m *Manager) session(ctx context.Context, conversationID string) (*models.ToolSession, Status, error) {
	session, err := m.store.GetToolSession(ctx, conversationID)
	if err != nil {
		return nil, Status{}, fmt.Errorf("failed to read verification session: %w", err)
	}
	if session == nil {
		return nil, Status{}, nil
	}

	now := m.opts.Now()
	if !now.Before(session.ExpiresAt) {
		return session, Status{Expired: true}, nil
	}

	remaining := int(math.Ceil(session.ExpiresAt.Sub(now).Minutes()))
	return session, Status{Authenticated: true, RemainingMinutes: remaining}, nil
}

// AccountVerified reports whether the long account window is still open for
// email, in which case the customer does not need to be asked again.
func (m *Manager) AccountVerified(ctx context.Context, email string) (bool, error) {
	state, err := m.store.GetCustomerAuth(ctx, HashEmail(email))
	if err != nil {
		return false, fmt.Errorf("failed to read account verification state: %w", err)
	}
	if state == nil || !state.Verified {
		return false, nil
	}
	return m.opts.Now().Before(state.ExpiresAt), nil
}

func (m *Manager) observe(result string) {
	if m.metrics != nil {
		m.metrics.VerificationAttempts.WithLabelValues(result).Inc()
	}
}

// Protect runs op only while the conversation holds a live tool session. It
// fails closed with ErrVerificationRequired or ErrSessionExpired.
func Protect[T any](ctx context.Context, m *Manager, conversationID string, op func(ctx context.Context, session models.ToolSession) (T, error)) (T, error) {
	var zero T

	session, st, err := m.session(ctx, conversationID)
	if err != nil {
		return zero, err
	}
	switch {
	case st.Expired:
		return zero, ErrSessionExpired
	case !st.Authenticated:
		return zero, ErrVerificationRequired
	}
	return op(ctx, *session)
}
