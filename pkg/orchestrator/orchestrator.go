// Package orchestrator runs one customer turn end to end: guardrails, state,
// classification, dispatch to a specialist capability, mention and goal
// bookkeeping, persistence and human handoff.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"conversation-router/pkg/constants"
	"conversation-router/pkg/exchange"
	"conversation-router/pkg/goals"
	"conversation-router/pkg/guardrails"
	"conversation-router/pkg/intent"
	"conversation-router/pkg/mentions"
	"conversation-router/pkg/metrics"
	"conversation-router/pkg/models"
	"conversation-router/pkg/pii"
	"conversation-router/pkg/presentation"
	"conversation-router/pkg/store"
)

// ErrNoHandlerOutput is returned when a capability answers with empty text.
var ErrNoHandlerOutput = errors.New("handler produced no output")

// ToolRequestHuman is the tool a capability calls to ask for a human agent.
const ToolRequestHuman = "request_human"

// ReasonRequested is the handoff reason when the capability asked for it.
const ReasonRequested = "requested_by_handler"

// Dependencies are the ports and components a turn runs through.
type Dependencies struct {
	Guardrails   guardrails.Port
	Classifier   intent.Classifier
	Store        store.Store
	Handler      HandlerPort
	Handoff      HandoffPort
	Auth         AuthStatus
	Presentation *presentation.Engine
	Goals        *goals.Tracker
	Policy       *goals.UnknownCasePolicy
	Mentions     *mentions.Extractor
	Exchange     *exchange.Machine
}

type Options struct {
	// HistoryLimit is how many persisted messages are loaded for the prompt.
	HistoryLimit int
	Locale       string
	// Now defaults to time.Now.
	Now func() time.Time
}

type Orchestrator struct {
	deps    Dependencies
	opts    Options
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func New(deps Dependencies, opts Options, logger *logrus.Logger, metrics *metrics.Metrics) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = constants.DefaultHistoryLimit
	}
	if opts.Locale == "" {
		opts.Locale = "es"
	}
	return &Orchestrator{
		deps:    deps,
		opts:    opts,
		logger:  logger,
		metrics: metrics,
	}
}

// turn carries what one pass of the pipeline has accumulated.
type turn struct {
	conversationID string
	message        string
	masked         string
	meta           pii.Metadata
	now            time.Time

	state          *models.ConversationState
	history        []models.Message
	classification models.Classification
	extracted      mentions.Result
	verifiedNow    bool
	handoffReason  string
}

// ProcessMessage runs the full pipeline for one customer message. Guardrail
// rejections come back as a normal response carrying the fallback text;
// only classifier and handler failures are returned as errors.
func (o *Orchestrator) ProcessMessage(ctx context.Context, conversationID, message string) (*models.AIServiceResponse, error) {
	start := time.Now()
	defer func() {
		o.metrics.TurnDuration.Observe(time.Since(start).Seconds())
	}()

	t := &turn{
		conversationID: conversationID,
		message:        message,
		now:            o.opts.Now(),
	}
	log := o.logger.WithField("conversation_id", conversationID)

	in, err := o.deps.Guardrails.ValidateInput(ctx, message, guardrails.CheckContext{
		ConversationID: conversationID,
		UserMessage:    message,
	})
	if err != nil {
		o.metrics.TurnsProcessed.WithLabelValues("", "error").Inc()
		return nil, fmt.Errorf("failed to validate input: %w", err)
	}
	if !in.Allowed {
		return o.rejectInput(ctx, conversationID, in), nil
	}

	t.masked = message
	if in.SanitizedContent != "" {
		t.masked = in.SanitizedContent
	}
	t.meta = pii.Metadata(in.PIIMetadata)

	o.loadState(ctx, t)

	t.classification, err = o.deps.Classifier.Classify(ctx, t.masked, intent.Hints{
		ConversationID: conversationID,
		Locale:         o.opts.Locale,
	})
	if err != nil {
		o.metrics.TurnsProcessed.WithLabelValues("", "error").Inc()
		return nil, fmt.Errorf("failed to classify message: %w", err)
	}
	log = log.WithFields(logrus.Fields{
		"intent":     t.classification.Intent,
		"confidence": t.classification.Confidence,
	})

	policy := o.deps.Policy.Evaluate(ctx, conversationID, t.masked, t.classification, t.now)
	if policy.Unknown {
		o.metrics.UnknownCases.Inc()
	}
	if policy.Handoff {
		t.handoffReason = policy.Reason
	}

	o.trackGoal(t)

	result, pc, err := o.dispatch(ctx, t)
	if err != nil {
		o.metrics.TurnsProcessed.WithLabelValues(string(t.classification.Intent), "error").Inc()
		return nil, err
	}
	t.meta = pc.PII

	o.applyResult(ctx, t, result)

	reply, maskedReply, outcome, err := o.validateOutput(ctx, t, result.Text)
	if err != nil {
		o.metrics.TurnsProcessed.WithLabelValues(string(t.classification.Intent), "error").Inc()
		return nil, err
	}

	saved := o.persist(ctx, t, maskedReply)

	handoff := o.handoff(ctx, t)

	o.metrics.TurnsProcessed.WithLabelValues(string(t.classification.Intent), outcome).Inc()
	log.WithFields(logrus.Fields{
		"outcome":  outcome,
		"handoff":  handoff,
		"products": len(t.extracted.Products),
	}).Info("Turn processed")

	products := t.extracted.Products
	if products == nil {
		products = []models.ProductMention{}
	}
	resp := &models.AIServiceResponse{
		Response:         reply,
		Products:         products,
		Intent:           string(t.classification.Intent),
		HandoffTriggered: handoff,
		Metadata:         models.ResponseMetadata{State: saved.State},
	}
	if handoff {
		resp.HandoffReason = t.handoffReason
	}
	return resp, nil
}

// ConversationState returns the stored state of a conversation.
func (o *Orchestrator) ConversationState(ctx context.Context, conversationID string) (*models.ConversationState, error) {
	return o.deps.Store.GetConversationState(ctx, conversationID)
}

func (o *Orchestrator) rejectInput(ctx context.Context, conversationID string, res *models.GuardrailResult) *models.AIServiceResponse {
	failed, _ := res.FirstFailure()
	o.metrics.GuardrailRejections.WithLabelValues(string(guardrails.Inbound), string(failed.Kind)).Inc()
	o.metrics.TurnsProcessed.WithLabelValues("", "rejected_input").Inc()

	phase := models.PhaseActive
	if state, err := o.deps.Store.GetConversationState(ctx, conversationID); err == nil {
		phase = state.State
	}

	return &models.AIServiceResponse{
		Response: guardrails.FallbackMessage(failed.Kind),
		Products: []models.ProductMention{},
		Metadata: models.ResponseMetadata{State: phase},
	}
}

// loadState never fails the turn: a store outage degrades to a fresh state
// and no history.
func (o *Orchestrator) loadState(ctx context.Context, t *turn) {
	state, err := o.deps.Store.GetConversationState(ctx, t.conversationID)
	if err != nil {
		o.storeFailure("get_state", t.conversationID, err)
		state = models.NewConversationState(t.conversationID)
	}
	t.state = state

	history, err := o.deps.Store.RecentMessages(ctx, t.conversationID, o.opts.HistoryLimit)
	if err != nil {
		o.storeFailure("recent_messages", t.conversationID, err)
		history = nil
	}
	t.history = detachHistory(history, t.meta)
}

// detachHistory returns a copy of history in which placeholders that this
// turn numbered again are reduced to their bare kind.
func detachHistory(history []models.Message, meta pii.Metadata) []models.Message {
	if len(history) == 0 || len(meta) == 0 {
		return history
	}
	out := make([]models.Message, len(history))
	for i, m := range history {
		m.Content = pii.Detach(m.Content, meta)
		out[i] = m
	}
	return out
}

// trackGoal closes the active goal on a wrap-up message, otherwise continues
// it or replaces it with a freshly detected one.
func (o *Orchestrator) trackGoal(t *turn) {
	active := t.state.ActiveGoal
	if active != nil && len(active.ProgressMarkers) > 0 && o.deps.Goals.IsClosing(t.masked) {
		goals.Complete(t.state, t.now)
		t.state.LastTopic = strings.ToLower(string(t.classification.Intent))
		return
	}

	goal := o.deps.Goals.Detect(t.masked, t.classification, t.history, t.state, t.now)
	if goal == nil {
		return
	}
	if active != nil && active.ID != goal.ID {
		goals.Complete(t.state, t.now)
	}
	t.state.ActiveGoal = goal

	t.state.LastTopic = strings.ToLower(string(t.classification.Intent))
	if goal.Context.Topic != "" {
		t.state.LastTopic = goal.Context.Topic
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, t *turn) (HandlerResult, *PromptContext, error) {
	decision := o.deps.Presentation.Decide(t.masked, t.state.Products, t.now)
	orderDecision := o.deps.Presentation.DecideOrder(t.masked, t.state.Orders, t.now)
	o.metrics.PresentationDecisions.WithLabelValues(string(decision.Mode)).Inc()

	pc := &PromptContext{
		ConversationID:    t.conversationID,
		Intent:            t.classification.Intent,
		Message:           t.masked,
		History:           t.history,
		ActiveGoal:        t.state.ActiveGoal,
		Products:          t.state.Products,
		Orders:            t.state.Orders,
		Presentation:      decision.Instructions(),
		OrderPresentation: orderDecision.Instructions(),
		Exchange:          t.state.Exchange,
		Summary:           t.state.Summary,
		PII:               t.meta,
	}

	status, err := o.deps.Auth.Status(ctx, t.conversationID)
	if err != nil {
		o.logger.WithError(err).WithField("conversation_id", t.conversationID).Warn("Failed to read verification status")
	}
	pc.Auth = status

	capability := intent.Route(t.classification.Intent)
	result, err := o.deps.Handler.Run(ctx, capability, pc)
	if err != nil {
		return HandlerResult{}, nil, fmt.Errorf("failed to run %s: %w", capability, err)
	}
	if strings.TrimSpace(result.Text) == "" {
		return HandlerResult{}, nil, fmt.Errorf("%s: %w", capability, ErrNoHandlerOutput)
	}
	return result, pc, nil
}

// applyResult folds the handler's tool invocations and answer into the
// in-memory state: mentions, goal progress, exchange flow and handoff
// signals.
func (o *Orchestrator) applyResult(ctx context.Context, t *turn, result HandlerResult) {
	t.extracted = o.deps.Mentions.Extract(result.ToolInvocations, result.Text, t.now)
	for _, tool := range t.extracted.Skipped {
		o.metrics.MentionParseFailures.WithLabelValues(tool).Inc()
	}
	o.metrics.MentionsExtracted.WithLabelValues("product").Add(float64(len(t.extracted.Products)))
	o.metrics.MentionsExtracted.WithLabelValues("order").Add(float64(len(t.extracted.Orders)))

	t.state.Products = mentions.MergeProducts(t.state.Products, t.extracted.Products, t.now)
	t.state.Orders = mentions.MergeOrders(t.state.Orders, t.extracted.Orders, t.now)

	if goal := t.state.ActiveGoal; goal != nil {
		o.deps.Goals.ApplyProgress(goal, result.Text)
		var ids []string
		for _, p := range t.extracted.Products {
			if p.ID != mentions.UnknownID {
				ids = append(ids, p.ID)
			}
		}
		goals.AttachProducts(goal, ids...)
		if goal.Type == models.GoalOrderInquiry && goal.Context.OrderID == "" && len(t.extracted.Orders) > 0 {
			goal.Context.OrderID = t.extracted.Orders[0].Number
		}
	}

	start, events := exchange.Derive(result.ToolInvocations, t.meta)
	for _, ev := range events {
		if ev.Kind == exchange.EventCustomerIdentified {
			t.verifiedNow = true
		}
	}

	var hash string
	if t.verifiedNow || start {
		hash = o.sessionHash(ctx, t)
		if hash != "" {
			t.state.AuthEmailHash = hash
		}
	}

	if start && (t.state.Exchange == nil || t.state.Exchange.Step == models.StepReadyForHandoff) {
		t.state.Exchange = o.deps.Exchange.Start(hash, t.now)
	}
	if t.state.Exchange != nil && len(events) > 0 {
		for i := range events {
			if events[i].Kind == exchange.EventCustomerIdentified {
				events[i].EmailHash = hash
			}
		}
		out := o.deps.Exchange.ApplyAll(t.state.Exchange, events, t.now)
		t.state.Exchange = out.State
		if out.Handoff {
			t.handoffReason = out.Reason
		}
	}

	if t.handoffReason == "" {
		for _, inv := range result.ToolInvocations {
			if strings.EqualFold(inv.Name, ToolRequestHuman) {
				t.handoffReason = ReasonRequested
				if reason, ok := inv.Args["reason"].(string); ok && reason != "" {
					t.handoffReason = reason
				}
				break
			}
		}
	}

	// A conversation already with a human is not handed off twice.
	if t.state.State == models.PhaseHandedOff {
		t.handoffReason = ""
	}
	if t.handoffReason != "" {
		t.state.NeedsHumanHelp = true
		t.state.EscalationReason = t.handoffReason
	}

	t.state.State = o.phase(t)
	t.state.Summary = summarize(t.state)
}

func (o *Orchestrator) sessionHash(ctx context.Context, t *turn) string {
	session, err := o.deps.Store.GetToolSession(ctx, t.conversationID)
	if err != nil {
		o.storeFailure("get_tool_session", t.conversationID, err)
		return ""
	}
	if session == nil || !t.now.Before(session.ExpiresAt) {
		return ""
	}
	return session.EmailHash
}

func (o *Orchestrator) phase(t *turn) models.ConversationPhase {
	switch {
	case t.state.State == models.PhaseHandedOff || t.handoffReason != "":
		return models.PhaseHandedOff
	case t.state.Exchange != nil && t.state.Exchange.Step != models.StepReadyForHandoff:
		return models.PhaseExchange
	case !t.verifiedNow && t.state.AuthEmailHash == "" &&
		t.state.ActiveGoal != nil && t.state.ActiveGoal.HasMarker(goals.MarkerVerificationRequested):
		return models.PhaseAwaitingVerification
	default:
		return models.PhaseActive
	}
}

// validateOutput resolves the reply for the customer and checks it. It
// returns the reply to send, its masked form for history, and the outcome
// label.
func (o *Orchestrator) validateOutput(ctx context.Context, t *turn, text string) (string, string, string, error) {
	reply := pii.Resolve(text, t.meta)

	res, err := o.deps.Guardrails.ValidateOutput(ctx, reply, guardrails.CheckContext{
		ConversationID: t.conversationID,
		UserMessage:    t.message,
		History:        relevanceHistory(t.history, t.message, t.now),
		PII:            t.meta,
	})
	if err != nil {
		return "", "", "", fmt.Errorf("failed to validate output: %w", err)
	}

	if !res.Allowed {
		failed, _ := res.FirstFailure()
		o.metrics.GuardrailRejections.WithLabelValues(string(guardrails.Outbound), string(failed.Kind)).Inc()
		fallback := guardrails.FallbackMessage(failed.Kind)
		return fallback, fallback, "rejected_output", nil
	}

	masked := reply
	if res.SanitizedContent != "" {
		masked = res.SanitizedContent
	}
	return reply, masked, "ok", nil
}

// relevanceHistory returns the last turns with the raw current message
// appended. Earlier turns stay masked: their values are gone and their
// numbering is not this turn's.
func relevanceHistory(history []models.Message, message string, now time.Time) []models.Message {
	all := make([]models.Message, 0, len(history)+1)
	all = append(all, history...)
	all = append(all, models.Message{Role: models.RoleUser, Content: message, CreatedAt: now})

	if len(all) > constants.RelevanceHistoryTurns {
		all = all[len(all)-constants.RelevanceHistoryTurns:]
	}
	return all
}

// persist writes the turn. Failures are logged and swallowed; the returned
// state is the stored one, or the in-memory one when the write failed.
func (o *Orchestrator) persist(ctx context.Context, t *turn, maskedReply string) *models.ConversationState {
	local := t.state
	saved, err := o.deps.Store.UpdateConversationState(ctx, t.conversationID, func(cur *models.ConversationState) error {
		cur.Products = mentions.MergeProducts(cur.Products, t.extracted.Products, t.now)
		cur.Orders = mentions.MergeOrders(cur.Orders, t.extracted.Orders, t.now)
		cur.ActiveGoal = local.ActiveGoal
		cur.RecentGoals = local.RecentGoals
		cur.LastTopic = local.LastTopic
		cur.Exchange = local.Exchange
		cur.State = local.State
		if local.NeedsHumanHelp {
			cur.NeedsHumanHelp = true
			cur.EscalationReason = local.EscalationReason
		}
		if local.AuthEmailHash != "" {
			cur.AuthEmailHash = local.AuthEmailHash
		}
		cur.Summary = summarize(cur)
		return nil
	})
	if err != nil {
		o.storeFailure("update_state", t.conversationID, err)
	}
	if saved == nil {
		saved = local
	}

	err = o.deps.Store.AppendMessages(ctx, t.conversationID,
		models.Message{Role: models.RoleUser, Content: t.masked, CreatedAt: t.now},
		models.Message{Role: models.RoleAssistant, Content: maskedReply, CreatedAt: t.now},
	)
	if err != nil {
		o.storeFailure("append_messages", t.conversationID, err)
	}

	return saved
}

// handoff reports whether a handoff was requested this turn. A failing desk
// is logged; the customer still gets the answer.
func (o *Orchestrator) handoff(ctx context.Context, t *turn) bool {
	if t.handoffReason == "" {
		return false
	}
	if o.deps.Handoff != nil {
		if err := o.deps.Handoff.AssignToHuman(ctx, t.conversationID, t.handoffReason); err != nil {
			o.logger.WithError(err).WithFields(logrus.Fields{
				"conversation_id": t.conversationID,
				"reason":          t.handoffReason,
			}).Error("Failed to hand conversation to a human agent")
		}
	}
	return true
}

func (o *Orchestrator) storeFailure(operation, conversationID string, err error) {
	o.metrics.StoreFailures.WithLabelValues(operation).Inc()
	o.logger.WithError(err).WithFields(logrus.Fields{
		"conversation_id": conversationID,
		"operation":       operation,
	}).Warn("Conversation store operation failed")
}

// summarize renders a short digest of the conversation for the next prompt.
func summarize(state *models.ConversationState) string {
	var parts []string
	if g := state.ActiveGoal; g != nil {
		parts = append(parts, "goal "+strings.ToLower(string(g.Type)))
	}
	if n := len(state.Products); n > 0 {
		names := make([]string, 0, 3)
		for i := n - 1; i >= 0 && len(names) < 3; i-- {
			names = append(names, state.Products[i].Name)
		}
		parts = append(parts, "products "+strings.Join(names, ", "))
	}
	if n := len(state.Orders); n > 0 {
		parts = append(parts, "order #"+state.Orders[n-1].Number)
	}
	if state.Exchange != nil {
		parts = append(parts, "exchange at "+string(state.Exchange.Step))
	}

	summary := strings.Join(parts, "; ")
	if r := []rune(summary); len(r) > constants.MaxSummaryLength {
		summary = string(r[:constants.MaxSummaryLength])
	}
	return summary
}
