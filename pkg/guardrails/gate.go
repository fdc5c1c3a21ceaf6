// Package guardrails validates inbound and outbound text against an ordered
// list of checks.
package guardrails

import (
	"context"

	"github.com/sirupsen/logrus"

	"conversation-router/pkg/models"
	"conversation-router/pkg/pii"
)

// Direction tells which side of the pipeline is being validated.
type Direction string

const (
	Inbound  Direction = "input"
	Outbound Direction = "output"
)

// CheckContext carries what a check may need besides the text itself.
type CheckContext struct {
	ConversationID string
	// UserMessage is the customer's unmasked message for this turn.
	UserMessage string
	// History holds the last turns, oldest first, ending with the raw user
	// message. Earlier turns keep their placeholders since their values are
	// never stored. The output relevance check relies on it.
	History []models.Message
	// PII is the turn's placeholder table so output masking reuses the same
	// placeholders as input masking.
	PII pii.Metadata
}

// Port is the guardrail contract the orchestrator depends on.
type Port interface {
	ValidateInput(ctx context.Context, text string, cc CheckContext) (*models.GuardrailResult, error)
	ValidateOutput(ctx context.Context, text string, cc CheckContext) (*models.GuardrailResult, error)
}

// Gate is the in-process guardrail implementation.
type Gate struct {
	input  []Check
	output []Check
	logger *logrus.Logger
}

var _ Port = (*Gate)(nil)

// NewGate builds a gate with the default check order for each direction.
func NewGate(maxLength int, logger *logrus.Logger) *Gate {
	return &Gate{
		input: []Check{
			PIICheck(),
			LengthCheck(maxLength),
			PromptInjectionCheck(),
			ToxicityCheck(),
		},
		output: []Check{
			PIICheck(),
			LengthCheck(maxLength * 2),
			ToxicityCheck(),
			ToneCheck(),
			RelevanceCheck(),
		},
		logger: logger,
	}
}

// NewGateWithChecks builds a gate from explicit check lists.
func NewGateWithChecks(input, output []Check, logger *logrus.Logger) *Gate {
	return &Gate{input: input, output: output, logger: logger}
}

func (g *Gate) ValidateInput(ctx context.Context, text string, cc CheckContext) (*models.GuardrailResult, error) {
	return g.run(Inbound, g.input, text, cc), nil
}

func (g *Gate) ValidateOutput(ctx context.Context, text string, cc CheckContext) (*models.GuardrailResult, error) {
	return g.run(Outbound, g.output, text, cc), nil
}

// run evaluates every check so the result lists all verdicts. Checks after
// the pii check see the masked text.
func (g *Gate) run(direction Direction, checks []Check, text string, cc CheckContext) *models.GuardrailResult {
	result := &models.GuardrailResult{Allowed: true}
	current := text

	for _, check := range checks {
		outcome := check.Run(current, cc)
		result.Checks = append(result.Checks, models.CheckResult{
			Kind:    check.Kind(),
			Passed:  outcome.Passed,
			Message: outcome.Message,
			Score:   outcome.Score,
		})

		if outcome.Sanitized != "" {
			current = outcome.Sanitized
			result.SanitizedContent = outcome.Sanitized
			result.PIIMetadata = outcome.PII
			cc.PII = outcome.PII
		}

		if !outcome.Passed {
			result.Allowed = false
			g.logger.WithFields(logrus.Fields{
				"conversation_id": cc.ConversationID,
				"direction":       direction,
				"check":           check.Kind(),
				"detail":          outcome.Message,
			}).Info("Guardrail check failed")
		}
	}

	return result
}

var fallbackMessages = map[models.CheckKind]string{
	models.CheckLength:          "Tu mensaje es demasiado largo o está vacío. ¿Podés resumir tu consulta en pocas líneas?",
	models.CheckPromptInjection: "Solo puedo ayudarte con consultas sobre productos, pedidos y la tienda. ¿En qué te puedo ayudar?",
	models.CheckToxicity:        "Entiendo que puedas estar molesto. Para poder ayudarte, te pido que mantengamos un trato respetuoso. ¿Cuál es tu consulta?",
	models.CheckTone:            "Disculpá, no pude armar una buena respuesta. ¿Podés repetirme tu consulta?",
	models.CheckRelevance:       "Disculpá, no pude armar una respuesta sobre tu consulta. ¿Me contás de nuevo qué necesitás sobre tus pedidos o productos?",
}

const genericFallback = "Disculpá, no pude procesar tu mensaje. ¿Podés intentarlo de nuevo?"

// FallbackMessage returns the fixed customer-facing message for a failed check.
func FallbackMessage(kind models.CheckKind) string {
	if msg, ok := fallbackMessages[kind]; ok {
		return msg
	}
	return genericFallback
}
