package exchange

import (
	"encoding/json"
	"strconv"
	"strings"

	"conversation-router/pkg/auth"
	"conversation-router/pkg/mentions"
	"conversation-router/pkg/models"
	"conversation-router/pkg/pii"
)

// Tool names the exchange-aware handler uses.
const (
	ToolStartExchange    = "start_exchange"
	ToolSelectProduct    = "exchange_select_product"
	ToolSelectNewProduct = "exchange_select_new_product"
	ToolConfirm          = "exchange_confirm"
	ToolSetAddress       = "exchange_set_address"
	ToolExplainPolicy    = "exchange_explain_policy"
	ToolCheckStock       = "check_stock"
)

// Derive turns the handler's tool invocations into exchange events, in
// invocation order. start reports whether the handler opened a flow. The
// address is stored in masked form, reusing the turn's placeholders. A
// successful verification yields EventCustomerIdentified without a hash; the
// caller fills it from the session.
func Derive(invocations []models.ToolInvocation, meta pii.Metadata) (start bool, events []Event) {
	for _, inv := range invocations {
		name := strings.ToLower(inv.Name)

		switch name {
		case ToolStartExchange:
			start = true
			continue
		case ToolSelectProduct:
			events = append(events, Event{Kind: EventProductSelected, ProductID: stringArg(inv.Args, "product_id")})
			continue
		case ToolSelectNewProduct:
			events = append(events, Event{
				Kind:         EventNewProductChosen,
				NewProductID: stringArg(inv.Args, "product_id"),
				Size:         stringArg(inv.Args, "size"),
			})
			continue
		case ToolConfirm:
			events = append(events, Event{Kind: EventConfirmationReceived, Confirmed: boolArg(inv.Args, "confirmed")})
			continue
		case ToolSetAddress:
			addr, _ := pii.MaskWith(stringArg(inv.Args, "address"), meta)
			events = append(events, Event{Kind: EventAddressProvided, Address: addr})
			continue
		case ToolExplainPolicy:
			events = append(events, Event{Kind: EventPolicyAcknowledged})
			continue
		case ToolCheckStock:
			events = append(events, Event{Kind: EventStockChecked, Available: stockAvailable(inv.Output)})
			continue
		case auth.ToolVerifyCustomer:
			if verified(inv.Output) {
				events = append(events, Event{Kind: EventCustomerIdentified})
			}
			continue
		}

		kind, tag, ok := mentions.Family(name)
		if !ok || kind != mentions.OrderKind || tag != models.MentionLookup {
			continue
		}
		// A lookup the router refused or that never reached the gateway says
		// nothing about the order; it is not a validation attempt.
		if _, refused := inv.RouterError(); refused {
			continue
		}
		events = append(events, orderEvent(inv.Output))
	}
	return start, events
}

func orderEvent(output string) Event {
	payload, err := mentions.Decode(mentions.OrderKind, output)
	if err != nil {
		return Event{Kind: EventOrderValidationFailed}
	}
	records, ok := payload.(mentions.OrderRecords)
	if !ok || len(records.Records) == 0 {
		return Event{Kind: EventOrderValidationFailed}
	}
	r := records.Records[0]
	return Event{Kind: EventOrderValidated, OrderID: r.ID, OrderNumber: r.Number}
}

func verified(output string) bool {
	var res struct {
		Verified bool `json:"verified"`
	}
	if err := json.Unmarshal([]byte(output), &res); err != nil {
		return false
	}
	return res.Verified
}

func stockAvailable(output string) bool {
	var obj map[string]any
	if err := json.Unmarshal([]byte(output), &obj); err != nil {
		return false
	}
	if v, ok := obj["available"].(bool); ok {
		return v
	}
	if v, ok := obj["in_stock"].(bool); ok {
		return v
	}
	if v, ok := obj["stock"].(float64); ok {
		return v > 0
	}
	return false
}

func stringArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func boolArg(args map[string]any, key string) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}
