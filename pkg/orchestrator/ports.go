package orchestrator

import (
	"context"

	"conversation-router/pkg/auth"
	"conversation-router/pkg/intent"
	"conversation-router/pkg/models"
	"conversation-router/pkg/pii"
)

// HandlerResult is what a specialist capability produced for one turn.
type HandlerResult struct {
	Text            string
	ToolInvocations []models.ToolInvocation
}

// HandlerPort runs a specialist capability. Implementations call
// PromptContext.ResolveToolArgs right before executing any tool, and never
// anywhere else.
type HandlerPort interface {
	Run(ctx context.Context, capability intent.Capability, pc *PromptContext) (HandlerResult, error)
}

// HandoffPort hands a conversation to the human-agent desk.
type HandoffPort interface {
	AssignToHuman(ctx context.Context, conversationID, reason string) error
}

// AuthStatus reads the conversation's verification session.
type AuthStatus interface {
	Status(ctx context.Context, conversationID string) (auth.Status, error)
}

// PromptContext is everything a capability sees. Message and History are in
// masked form; the placeholder table travels alongside but is never
// serialized.
type PromptContext struct {
	ConversationID    string                  `json:"conversation_id"`
	Intent            models.Intent           `json:"intent"`
	Message           string                  `json:"message"`
	History           []models.Message        `json:"history"`
	ActiveGoal        *models.CustomerGoal    `json:"active_goal,omitempty"`
	Products          []models.ProductMention `json:"products"`
	Orders            []models.OrderMention   `json:"orders"`
	Presentation      string                  `json:"presentation"`
	OrderPresentation string                  `json:"order_presentation"`
	Auth              auth.Status             `json:"auth"`
	Exchange          *models.ExchangeState   `json:"exchange,omitempty"`
	Summary           string                  `json:"summary,omitempty"`

	PII pii.Metadata `json:"-"`
}

// ResolveToolArgs swaps placeholders in tool arguments for the real values.
// It is the only place a handler may see unmasked personal data.
func (pc *PromptContext) ResolveToolArgs(args map[string]any) map[string]any {
	return pii.ResolveArgs(args, pc.PII)
}

// MaskToolOutput masks a tool result before it goes back to the handler.
// New values extend the turn's placeholder table.
func (pc *PromptContext) MaskToolOutput(output string) string {
	masked, meta := pii.MaskWith(output, pc.PII)
	pc.PII = meta
	return masked
}
