package models

import (
	"encoding/json"
	"time"
)

// Intent is the closed set of classifier outputs.
type Intent string

const (
	IntentOrderStatus Intent = "ORDER_STATUS"
	IntentProductInfo Intent = "PRODUCT_INFO"
	IntentStoreInfo   Intent = "STORE_INFO"
	IntentOthers      Intent = "OTHERS"
)

// Valid reports whether the intent belongs to the closed set.
func (i Intent) Valid() bool {
	switch i {
	case IntentOrderStatus, IntentProductInfo, IntentStoreInfo, IntentOthers:
		return true
	}
	return false
}

// Classification is the classifier output for a single turn.
type Classification struct {
	Intent     Intent  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// MentionContext records which kind of lookup surfaced a mention.
type MentionContext string

const (
	MentionSearch   MentionContext = "search"
	MentionLookup   MentionContext = "lookup"
	MentionStock    MentionContext = "stock"
	MentionTracking MentionContext = "tracking"
	MentionPayment  MentionContext = "payment"
	MentionText     MentionContext = "text" // recovered from free text, no reliable id
)

// ProductMention is a product shown or discussed in the conversation.
type ProductMention struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	MentionedAt     time.Time      `json:"mentioned_at"`
	LastMentionedAt time.Time      `json:"last_mentioned_at"`
	Context         MentionContext `json:"context"`
	LastKnownStatus string         `json:"last_known_status,omitempty"`
}

// OrderMention is an order looked up during the conversation.
type OrderMention struct {
	ID              string         `json:"id"`
	Number          string         `json:"number"`
	MentionedAt     time.Time      `json:"mentioned_at"`
	LastMentionedAt time.Time      `json:"last_mentioned_at"`
	Context         MentionContext `json:"context"`
	LastKnownStatus string         `json:"last_known_status,omitempty"`
}

// LastSeen returns the most recent disclosure time.
func (m ProductMention) LastSeen() time.Time {
	if m.LastMentionedAt.After(m.MentionedAt) {
		return m.LastMentionedAt
	}
	return m.MentionedAt
}

// LastSeen returns the most recent disclosure time.
func (m OrderMention) LastSeen() time.Time {
	if m.LastMentionedAt.After(m.MentionedAt) {
		return m.LastMentionedAt
	}
	return m.MentionedAt
}

// Message is a persisted conversation turn. Content is always the masked form.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolInvocation is one external lookup performed by a handler during a turn.
type ToolInvocation struct {
	Name   string         `json:"name"`
	Args   map[string]any `json:"args,omitempty"`
	Output string         `json:"output"`
}

// Error codes the router itself writes as a tool output ({"error":"<code>"})
// when a call never reached the tool.
const (
	ToolErrorVerificationRequired = "verification_required"
	ToolErrorSessionExpired       = "session_expired"
	ToolErrorFailed               = "tool_failed"
)

// RouterError returns the router error code carried by the output, if any.
// Errors reported by the tool itself are not router errors.
func (t ToolInvocation) RouterError() (string, bool) {
	var res struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(t.Output), &res); err != nil {
		return "", false
	}
	switch res.Error {
	case ToolErrorVerificationRequired, ToolErrorSessionExpired, ToolErrorFailed:
		return res.Error, true
	}
	return "", false
}

// AIServiceResponse is what a processed turn returns to the transport layer.
type AIServiceResponse struct {
	Response         string           `json:"response"`
	Products         []ProductMention `json:"products"`
	Intent           string           `json:"intent,omitempty"`
	HandoffTriggered bool             `json:"handoff_triggered,omitempty"`
	HandoffReason    string           `json:"handoff_reason,omitempty"`
	Metadata         ResponseMetadata `json:"metadata"`
}

type ResponseMetadata struct {
	State ConversationPhase `json:"state"`
}

// UnknownCase is one audited turn the classifier could not place confidently.
type UnknownCase struct {
	ID                  int64     `json:"id"`
	ConversationID      string    `json:"conversation_id"`
	Message             string    `json:"message"` // masked
	Intent              Intent    `json:"intent"`
	Confidence          float64   `json:"confidence"`
	WithinBusinessHours bool      `json:"within_business_hours"`
	HandoffTriggered    bool      `json:"handoff_triggered"`
	CreatedAt           time.Time `json:"created_at"`
}
