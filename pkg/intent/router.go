// Package intent classifies a customer message into a closed set of intents
// and routes each intent to exactly one specialist capability.
package intent

import (
	"context"

	"conversation-router/pkg/models"
)

// Capability names a specialist handler.
type Capability string

const (
	CapabilityOrders  Capability = "order_specialist"
	CapabilityProduct Capability = "product_specialist"
	CapabilityStore   Capability = "store_specialist"
	CapabilityGeneral Capability = "general_assistant"
)

var routes = map[models.Intent]Capability{
	models.IntentOrderStatus: CapabilityOrders,
	models.IntentProductInfo: CapabilityProduct,
	models.IntentStoreInfo:   CapabilityStore,
	models.IntentOthers:      CapabilityGeneral,
}

// Route maps an intent to its capability. Anything outside the closed set
// goes to the general assistant.
func Route(intent models.Intent) Capability {
	if c, ok := routes[intent]; ok {
		return c
	}
	return CapabilityGeneral
}

// IsUnknownCase reports whether the turn must go to the unknown-case audit:
// OTHERS, anything outside the closed set, or a low-confidence result.
func IsUnknownCase(c models.Classification, threshold float64) bool {
	if !c.Intent.Valid() || c.Intent == models.IntentOthers {
		return true
	}
	return c.Confidence < threshold
}

// Hints is what the orchestrator passes along with the message. It never
// includes accumulated goal state: classification is stateless per turn.
type Hints struct {
	ConversationID string
	Locale         string
}

// Classifier is the port for intent classification.
type Classifier interface {
	Classify(ctx context.Context, text string, hints Hints) (models.Classification, error)
}
