package goals

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"conversation-router/pkg/intent"
	"conversation-router/pkg/models"
)

// BusinessHours is a weekday set plus an [Start, End) hour window in a fixed
// location.
type BusinessHours struct {
	Location  *time.Location
	Days      []time.Weekday
	StartHour int
	EndHour   int
}

// Contains reports whether t falls inside business hours.
func (b BusinessHours) Contains(t time.Time) bool {
	loc := b.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)

	open := false
	for _, d := range b.Days {
		if d == local.Weekday() {
			open = true
			break
		}
	}
	if !open {
		return false
	}
	h := local.Hour()
	return h >= b.StartHour && h < b.EndHour
}

// AuditLedger persists unknown cases.
type AuditLedger interface {
	RecordUnknownCase(ctx context.Context, c models.UnknownCase) error
}

// PolicyResult is the outcome of evaluating one turn.
type PolicyResult struct {
	Unknown bool
	Handoff bool
	Reason  string
}

const ReasonUnknownCase = "unknown_case"

// UnknownCasePolicy audits OTHERS and low-confidence turns and asks for a
// human inside business hours.
type UnknownCasePolicy struct {
	ledger    AuditLedger
	hours     BusinessHours
	threshold float64
	logger    *logrus.Logger
}

func NewUnknownCasePolicy(ledger AuditLedger, hours BusinessHours, threshold float64, logger *logrus.Logger) *UnknownCasePolicy {
	return &UnknownCasePolicy{
		ledger:    ledger,
		hours:     hours,
		threshold: threshold,
		logger:    logger,
	}
}

// Evaluate never fails the turn: ledger errors are logged.
func (p *UnknownCasePolicy) Evaluate(ctx context.Context, conversationID, maskedMessage string, c models.Classification, now time.Time) PolicyResult {
	if !intent.IsUnknownCase(c, p.threshold) {
		return PolicyResult{}
	}

	inHours := p.hours.Contains(now)
	res := PolicyResult{Unknown: true, Handoff: inHours}
	if inHours {
		res.Reason = ReasonUnknownCase
	}

	record := models.UnknownCase{
		ConversationID:      conversationID,
		Message:             maskedMessage,
		Intent:              c.Intent,
		Confidence:          c.Confidence,
		WithinBusinessHours: inHours,
		HandoffTriggered:    inHours,
		CreatedAt:           now,
	}
	if p.ledger != nil {
		if err := p.ledger.RecordUnknownCase(ctx, record); err != nil {
			p.logger.WithError(err).WithField("conversation_id", conversationID).Error("Failed to record unknown case")
		}
	}

	p.logger.WithFields(logrus.Fields{
		"conversation_id": conversationID,
		"intent":          c.Intent,
		"confidence":      c.Confidence,
		"handoff":         inHours,
	}).Info("Unknown case detected")

	return res
}
