// Package exchange drives the multi-turn product exchange flow up to the
// point where a human agent takes over.
package exchange

import (
	"time"

	"conversation-router/pkg/constants"
	"conversation-router/pkg/models"
)

type EventKind string

const (
	EventCustomerIdentified    EventKind = "customer_identified"
	EventOrderValidated        EventKind = "order_validated"
	EventOrderValidationFailed EventKind = "order_validation_failed"
	EventProductSelected       EventKind = "product_selected"
	EventNewProductChosen      EventKind = "new_product_chosen"
	EventStockChecked          EventKind = "stock_checked"
	EventConfirmationReceived  EventKind = "confirmation_received"
	EventAddressProvided       EventKind = "address_provided"
	EventPolicyAcknowledged    EventKind = "policy_acknowledged"
)

// Event carries the fields collected by one step. Only the fields relevant
// to Kind are read.
type Event struct {
	Kind         EventKind
	EmailHash    string
	OrderID      string
	OrderNumber  string
	ProductID    string
	NewProductID string
	Size         string
	Available    bool
	Confirmed    bool
	Address      string
}

const (
	ReasonExchangeReady            = "exchange_ready"
	ReasonExchangeValidationFailed = "exchange_validation_failed"
)

// Outcome is the result of applying one event.
type Outcome struct {
	State    *models.ExchangeState
	Advanced bool
	Handoff  bool
	Reason   string
}

type Machine struct {
	maxAttempts int
}

func NewMachine(maxAttempts int) *Machine {
	if maxAttempts <= 0 {
		maxAttempts = constants.MaxExchangeValidationAttempts
	}
	return &Machine{maxAttempts: maxAttempts}
}

// Start opens a flow. A customer already verified skips identification.
func (m *Machine) Start(emailHash string, now time.Time) *models.ExchangeState {
	st := &models.ExchangeState{
		Step:      models.StepIdentifyCustomer,
		StartedAt: now,
		UpdatedAt: now,
	}
	if emailHash != "" {
		st.CustomerEmailHash = emailHash
		st.Step = models.StepValidateOrder
	}
	return st
}

// Apply returns the next state. Events that do not fit the current step are
// ignored. The input state is not modified.
func (m *Machine) Apply(state *models.ExchangeState, ev Event, now time.Time) Outcome {
	if state == nil {
		return Outcome{}
	}
	next := *state
	out := Outcome{State: &next}

	if next.Step == models.StepReadyForHandoff {
		return out
	}

	advance := func(step models.ExchangeStep) {
		next.Step = step
		next.UpdatedAt = now
		out.Advanced = true
	}

	switch next.Step {
	case models.StepIdentifyCustomer:
		if ev.Kind == EventCustomerIdentified && ev.EmailHash != "" {
			next.CustomerEmailHash = ev.EmailHash
			advance(models.StepValidateOrder)
		}

	case models.StepValidateOrder:
		switch ev.Kind {
		case EventOrderValidated:
			next.OrderID = ev.OrderID
			next.OrderNumber = ev.OrderNumber
			next.ValidationAttempts = 0
			advance(models.StepSelectProduct)
		case EventOrderValidationFailed:
			next.ValidationAttempts++
			next.UpdatedAt = now
			if next.ValidationAttempts >= m.maxAttempts {
				out.Handoff = true
				out.Reason = ReasonExchangeValidationFailed
			}
		}

	case models.StepSelectProduct:
		if ev.Kind == EventProductSelected && ev.ProductID != "" {
			next.ProductID = ev.ProductID
			advance(models.StepGetNewProduct)
		}

	case models.StepGetNewProduct:
		if ev.Kind == EventNewProductChosen && ev.NewProductID != "" {
			next.NewProductID = ev.NewProductID
			next.NewSize = ev.Size
			advance(models.StepCheckStock)
		}

	case models.StepCheckStock:
		if ev.Kind == EventStockChecked {
			if ev.Available {
				advance(models.StepConfirmExchange)
			} else {
				next.NewProductID = ""
				next.NewSize = ""
				advance(models.StepGetNewProduct)
			}
		}

	case models.StepConfirmExchange:
		if ev.Kind == EventConfirmationReceived {
			next.Confirmed = ev.Confirmed
			if ev.Confirmed {
				advance(models.StepGetAddress)
			} else {
				next.NewProductID = ""
				next.NewSize = ""
				advance(models.StepGetNewProduct)
			}
		}

	case models.StepGetAddress:
		if ev.Kind == EventAddressProvided && ev.Address != "" {
			next.Address = ev.Address
			advance(models.StepExplainPolicy)
		}

	case models.StepExplainPolicy:
		if ev.Kind == EventPolicyAcknowledged {
			next.PolicyExplained = true
			advance(models.StepReadyForHandoff)
			out.Handoff = true
			out.Reason = ReasonExchangeReady
		}
	}

	return out
}

// ApplyAll folds events in order, stopping at the first handoff.
func (m *Machine) ApplyAll(state *models.ExchangeState, events []Event, now time.Time) Outcome {
	out := Outcome{State: state}
	for _, ev := range events {
		step := m.Apply(out.State, ev, now)
		if step.State == nil {
			break
		}
		out.State = step.State
		out.Advanced = out.Advanced || step.Advanced
		if step.Handoff {
			out.Handoff, out.Reason = true, step.Reason
			break
		}
	}
	return out
}
