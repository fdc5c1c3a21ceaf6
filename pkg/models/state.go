package models

import (
	"time"

	"conversation-router/pkg/constants"
)

// ConversationPhase is the coarse state reported back with every response.
type ConversationPhase string

const (
	PhaseActive               ConversationPhase = "active"
	PhaseAwaitingVerification ConversationPhase = "awaiting_verification"
	PhaseExchange             ConversationPhase = "exchange"
	PhaseHandedOff            ConversationPhase = "handed_off"
)

// ConversationState is the accumulating per-conversation ledger.
//
// Products and Orders are unique by ID. RecentGoals holds at most
// constants.MaxRecentGoals completed goals, newest last. Records are merged,
// never deleted.
type ConversationState struct {
	Version          int               `json:"version"`
	ConversationID   string            `json:"conversation_id"`
	State            ConversationPhase `json:"state"`
	Products         []ProductMention  `json:"products"`
	Orders           []OrderMention    `json:"orders"`
	ActiveGoal       *CustomerGoal     `json:"active_goal,omitempty"`
	RecentGoals      []CustomerGoal    `json:"recent_goals"`
	LastTopic        string            `json:"last_topic"`
	Summary          string            `json:"summary"`
	NeedsHumanHelp   bool              `json:"needs_human_help"`
	EscalationReason string            `json:"escalation_reason"`
	Exchange         *ExchangeState    `json:"exchange,omitempty"`
	AuthEmailHash    string            `json:"auth_email_hash,omitempty"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// NewConversationState returns the default record for a conversation that has
// never been written.
func NewConversationState(conversationID string) *ConversationState {
	st := &ConversationState{ConversationID: conversationID}
	st.Normalize()
	return st
}

// Normalize fills defaults for fields missing from older or partial records so
// merge code never has to distinguish absent from empty.
func (s *ConversationState) Normalize() {
	if s.Version < constants.StateVersion {
		s.Version = constants.StateVersion
	}
	if s.State == "" {
		s.State = PhaseActive
	}
	if s.Products == nil {
		s.Products = []ProductMention{}
	}
	if s.Orders == nil {
		s.Orders = []OrderMention{}
	}
	if s.RecentGoals == nil {
		s.RecentGoals = []CustomerGoal{}
	}
	for i := range s.Products {
		if s.Products[i].LastMentionedAt.IsZero() {
			s.Products[i].LastMentionedAt = s.Products[i].MentionedAt
		}
	}
	for i := range s.Orders {
		if s.Orders[i].LastMentionedAt.IsZero() {
			s.Orders[i].LastMentionedAt = s.Orders[i].MentionedAt
		}
	}
	if len(s.RecentGoals) > constants.MaxRecentGoals {
		s.RecentGoals = s.RecentGoals[len(s.RecentGoals)-constants.MaxRecentGoals:]
	}
	if s.ActiveGoal != nil && s.ActiveGoal.ProgressMarkers == nil {
		s.ActiveGoal.ProgressMarkers = []string{}
	}
	if len([]rune(s.Summary)) > constants.MaxSummaryLength {
		s.Summary = string([]rune(s.Summary)[:constants.MaxSummaryLength])
	}
}

// PushRecentGoal appends a completed goal, evicting the oldest past the cap.
func (s *ConversationState) PushRecentGoal(goal CustomerGoal) {
	s.RecentGoals = append(s.RecentGoals, goal)
	if len(s.RecentGoals) > constants.MaxRecentGoals {
		s.RecentGoals = s.RecentGoals[len(s.RecentGoals)-constants.MaxRecentGoals:]
	}
}

// GoalType is the closed set of tracked customer goals.
type GoalType string

const (
	GoalOrderInquiry    GoalType = "ORDER_INQUIRY"
	GoalProductSearch   GoalType = "PRODUCT_SEARCH"
	GoalProductQuestion GoalType = "PRODUCT_QUESTION"
	GoalStoreInfo       GoalType = "STORE_INFO"
	GoalGreeting        GoalType = "GREETING"
	GoalOther           GoalType = "OTHER"
)

// ProductFamily reports whether the type belongs to the product-related family.
func (g GoalType) ProductFamily() bool {
	switch g {
	case GoalProductSearch, GoalProductQuestion:
		return true
	}
	return false
}

type GoalStatus string

const (
	GoalActive    GoalStatus = "active"
	GoalCompleted GoalStatus = "completed"
)

type GoalContext struct {
	OrderID    string   `json:"order_id,omitempty"`
	ProductIDs []string `json:"product_ids,omitempty"`
	Topic      string   `json:"topic,omitempty"`
}

// CustomerGoal is a tracked customer intent spanning one or more turns.
type CustomerGoal struct {
	ID              string      `json:"id"`
	Type            GoalType    `json:"type"`
	Status          GoalStatus  `json:"status"`
	StartedAt       time.Time   `json:"started_at"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	LastActivityAt  time.Time   `json:"last_activity_at"`
	Context         GoalContext `json:"context"`
	ProgressMarkers []string    `json:"progress_markers"`
	DetectedFrom    string      `json:"detected_from"`
}

// HasMarker reports whether the progress marker was already recorded.
func (g *CustomerGoal) HasMarker(marker string) bool {
	for _, m := range g.ProgressMarkers {
		if m == marker {
			return true
		}
	}
	return false
}

// CustomerAuthState is the long-window account verification record, keyed by
// the hash of the normalized customer email.
type CustomerAuthState struct {
	EmailHash                string    `json:"email_hash"`
	Verified                 bool      `json:"verified"`
	VerifiedAt               time.Time `json:"verified_at"`
	ExpiresAt                time.Time `json:"expires_at"`
	VerifiedInConversationID string    `json:"verified_in_conversation_id"`
}

// ToolSession is the short-lived verification session bound to a conversation.
type ToolSession struct {
	ConversationID string    `json:"conversation_id"`
	EmailHash      string    `json:"email_hash"`
	VerifiedAt     time.Time `json:"verified_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// ExchangeStep enumerates the product-exchange flow.
type ExchangeStep string

const (
	StepIdentifyCustomer ExchangeStep = "identify_customer"
	StepValidateOrder    ExchangeStep = "validate_order"
	StepSelectProduct    ExchangeStep = "select_product"
	StepGetNewProduct    ExchangeStep = "get_new_product"
	StepCheckStock       ExchangeStep = "check_stock"
	StepConfirmExchange  ExchangeStep = "confirm_exchange"
	StepGetAddress       ExchangeStep = "get_address"
	StepExplainPolicy    ExchangeStep = "explain_policy"
	StepReadyForHandoff  ExchangeStep = "ready_for_handoff"
)

// ExchangeState accumulates the fields collected by each exchange step.
type ExchangeState struct {
	Step               ExchangeStep `json:"step"`
	StartedAt          time.Time    `json:"started_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
	CustomerEmailHash  string       `json:"customer_email_hash,omitempty"`
	OrderID            string       `json:"order_id,omitempty"`
	OrderNumber        string       `json:"order_number,omitempty"`
	ProductID          string       `json:"product_id,omitempty"`
	NewProductID       string       `json:"new_product_id,omitempty"`
	NewSize            string       `json:"new_size,omitempty"`
	Confirmed          bool         `json:"confirmed"`
	Address            string       `json:"address,omitempty"` // placeholder form only
	PolicyExplained    bool         `json:"policy_explained"`
	ValidationAttempts int          `json:"validation_attempts"`
}

// CheckKind identifies a guardrail check.
type CheckKind string

const (
	CheckPII             CheckKind = "pii"
	CheckToxicity        CheckKind = "toxicity"
	CheckPromptInjection CheckKind = "prompt_injection"
	CheckLength          CheckKind = "length"
	CheckTone            CheckKind = "tone"
	CheckRelevance       CheckKind = "relevance"
)

type CheckResult struct {
	Kind    CheckKind `json:"kind"`
	Passed  bool      `json:"passed"`
	Message string    `json:"message,omitempty"`
	Score   *float64  `json:"score,omitempty"`
}

// GuardrailResult is the outcome of validating one piece of text.
type GuardrailResult struct {
	Allowed          bool              `json:"allowed"`
	Checks           []CheckResult     `json:"checks"`
	SanitizedContent string            `json:"sanitized_content,omitempty"`
	PIIMetadata      map[string]string `json:"-"`
}

// FirstFailure returns the first failed check, if any.
func (r *GuardrailResult) FirstFailure() (CheckResult, bool) {
	for _, c := range r.Checks {
		if !c.Passed {
			return c, true
		}
	}
	return CheckResult{}, false
}
