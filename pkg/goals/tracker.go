// Package goals tracks the customer's current goal across turns and decides
// when an unknown case needs a human.
package goals

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"conversation-router/pkg/models"
	"conversation-router/pkg/textnorm"
)

// Progress markers appended to a goal from handler responses.
const (
	MarkerProductsShown         = "products_shown"
	MarkerSizesChecked          = "sizes_checked"
	MarkerOrderFound            = "order_found"
	MarkerTrackingShared        = "tracking_shared"
	MarkerStoreInfoGiven        = "store_info_given"
	MarkerVerificationRequested = "verification_requested"
)

type markerRule struct {
	marker  string
	pattern *regexp.Regexp
}

type topicBucket struct {
	topic   string
	pattern *regexp.Regexp
}

// Tracker maps classifications to goals. It holds no per-conversation state.
type Tracker struct {
	logger   *logrus.Logger
	question *regexp.Regexp
	orderID  *regexp.Regexp
	closing  *regexp.Regexp
	topics   []topicBucket
	markers  []markerRule
}

func NewTracker(logger *logrus.Logger) *Tracker {
	return &Tracker{
		logger:   logger,
		question: regexp.MustCompile(`\b(talles?|tallas?|stock|disponible|disponibilidad|queda(n)?|hay en|tienen en|sizes?)\b`),
		orderID:  regexp.MustCompile(`#?\b(\d{4,10})\b`),
		closing:  regexp.MustCompile(`^\s*(muchas\s+)?(gracias|listo|perfecto|genial|eso era todo|nada mas|joya|dale gracias)\b`),
		topics: []topicBucket{
			{"horarios", regexp.MustCompile(`\b(horarios?|abren|cierran|abierto|feriado)`)},
			{"ubicacion", regexp.MustCompile(`\b(direccion|local(es)?|sucursal|donde queda|ubicacion)`)},
			{"envios", regexp.MustCompile(`\b(envios?|envian|shipping|retiro)`)},
			{"pagos", regexp.MustCompile(`\b(pagos?|cuotas|tarjeta|transferencia|efectivo)`)},
			{"cambios", regexp.MustCompile(`\b(cambios?|devolucion|devolver)`)},
		},
		markers: []markerRule{
			{MarkerProductsShown, regexp.MustCompile(`\$\s?\d`)},
			{MarkerSizesChecked, regexp.MustCompile(`\b(talles?|stock)\b`)},
			{MarkerOrderFound, regexp.MustCompile(`\b(tu pedido|tu orden|pedido #?\d+)`)},
			{MarkerTrackingShared, regexp.MustCompile(`\b(seguimiento|tracking|codigo de envio)`)},
			{MarkerStoreInfoGiven, regexp.MustCompile(`\b(horario|direccion|abrimos|estamos en)`)},
			{MarkerVerificationRequested, regexp.MustCompile(`\b(verific|ultimos \d+ digitos|dni)`)},
		},
	}
}

// GoalTypeFor is the fixed intent to goal table. PRODUCT_INFO splits on
// size/availability keywords.
func (t *Tracker) GoalTypeFor(message string, intent models.Intent) models.GoalType {
	switch intent {
	case models.IntentOrderStatus:
		return models.GoalOrderInquiry
	case models.IntentProductInfo:
		if t.question.MatchString(textnorm.Fold(message)) {
			return models.GoalProductQuestion
		}
		return models.GoalProductSearch
	case models.IntentStoreInfo:
		return models.GoalStoreInfo
	case models.IntentOthers:
		return models.GoalGreeting
	default:
		return models.GoalOther
	}
}

// Detect returns the goal this turn belongs to. The active goal is continued
// (same id, refreshed LastActivityAt) when the new type matches it or both are
// product goals; otherwise a fresh goal is minted. Returns nil for a blank
// message. The state is not modified.
func (t *Tracker) Detect(message string, c models.Classification, history []models.Message, state *models.ConversationState, now time.Time) *models.CustomerGoal {
	if strings.TrimSpace(message) == "" {
		return nil
	}

	goalType := t.GoalTypeFor(message, c.Intent)

	if state != nil && state.ActiveGoal != nil && state.ActiveGoal.Status == models.GoalActive {
		active := *state.ActiveGoal
		if continues(active.Type, goalType) {
			active.LastActivityAt = now
			active.ProgressMarkers = append([]string{}, active.ProgressMarkers...)
			if goalType == models.GoalOrderInquiry && active.Context.OrderID == "" {
				active.Context.OrderID = t.extractOrderID(message, history)
			}
			t.logger.WithFields(logrus.Fields{
				"goal_id":   active.ID,
				"goal_type": active.Type,
			}).Debug("Continuing active goal")
			return &active
		}
	}

	goal := &models.CustomerGoal{
		ID:              uuid.NewString(),
		Type:            goalType,
		Status:          models.GoalActive,
		StartedAt:       now,
		LastActivityAt:  now,
		ProgressMarkers: []string{},
		DetectedFrom:    string(c.Intent),
	}

	switch goalType {
	case models.GoalOrderInquiry:
		goal.Context.OrderID = t.extractOrderID(message, history)
	case models.GoalStoreInfo:
		goal.Context.Topic = t.Topic(message)
	}

	t.logger.WithFields(logrus.Fields{
		"goal_id":   goal.ID,
		"goal_type": goal.Type,
	}).Debug("Detected new goal")

	return goal
}

func continues(active, next models.GoalType) bool {
	return active == next || (active.ProductFamily() && next.ProductFamily())
}

// extractOrderID looks at the message first, then at the most recent user
// turns.
func (t *Tracker) extractOrderID(message string, history []models.Message) string {
	if m := t.orderID.FindStringSubmatch(message); m != nil {
		return m[1]
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != models.RoleUser {
			continue
		}
		if m := t.orderID.FindStringSubmatch(history[i].Content); m != nil {
			return m[1]
		}
	}
	return ""
}

// Topic returns the store-info keyword bucket of the message, or "general".
func (t *Tracker) Topic(message string) string {
	folded := textnorm.Fold(message)
	for _, b := range t.topics {
		if b.pattern.MatchString(folded) {
			return b.topic
		}
	}
	return "general"
}

// ApplyProgress appends markers signalled by the handler's response. Markers
// are never removed and the goal is never completed here. Reports whether
// anything was added.
func (t *Tracker) ApplyProgress(goal *models.CustomerGoal, responseText string) bool {
	if goal == nil || responseText == "" {
		return false
	}
	folded := textnorm.Fold(responseText)
	added := false
	for _, r := range t.markers {
		if goal.HasMarker(r.marker) {
			continue
		}
		if r.pattern.MatchString(folded) {
			goal.ProgressMarkers = append(goal.ProgressMarkers, r.marker)
			added = true
		}
	}
	return added
}

// AttachProducts records product ids on the goal context, keeping order and
// skipping duplicates.
func AttachProducts(goal *models.CustomerGoal, ids ...string) {
	if goal == nil {
		return
	}
	have := make(map[string]bool, len(goal.Context.ProductIDs))
	for _, id := range goal.Context.ProductIDs {
		have[id] = true
	}
	for _, id := range ids {
		if id == "" || have[id] {
			continue
		}
		have[id] = true
		goal.Context.ProductIDs = append(goal.Context.ProductIDs, id)
	}
}

// IsClosing reports whether the message wraps up the current interaction.
func (t *Tracker) IsClosing(message string) bool {
	return t.closing.MatchString(textnorm.Fold(message))
}

// Complete moves the active goal into the bounded RecentGoals ring. A
// completed goal is never reactivated.
func Complete(state *models.ConversationState, now time.Time) {
	if state == nil || state.ActiveGoal == nil {
		return
	}
	done := *state.ActiveGoal
	done.Status = models.GoalCompleted
	completedAt := now
	done.CompletedAt = &completedAt
	state.PushRecentGoal(done)
	state.ActiveGoal = nil
}
