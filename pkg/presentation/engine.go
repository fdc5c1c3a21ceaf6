package presentation

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"conversation-router/pkg/constants"
	"conversation-router/pkg/mentions"
	"conversation-router/pkg/models"
	"conversation-router/pkg/textnorm"
)

// Mode is how a product is re-disclosed.
type Mode string

const (
	ModeFullCard Mode = "FULL_CARD"
	ModeSizeOnly Mode = "SIZE_ONLY"
	ModeCompact  Mode = "COMPACT"
	ModeTextOnly Mode = "TEXT_ONLY"
)

// OrderMode is how an order is re-disclosed.
type OrderMode string

const (
	OrderFullDetail OrderMode = "FULL_DETAIL"
	OrderStatusOnly OrderMode = "STATUS_ONLY"
	OrderSummary    OrderMode = "SUMMARY"
	OrderTextOnly   OrderMode = "TEXT_ONLY"
)

// Decision is the product presentation policy for one turn.
type Decision struct {
	QueryType    QueryType
	Mode         Mode
	Referenced   []models.ProductMention
	WithinWindow bool
}

// OrderDecision is the order presentation policy for one turn.
type OrderDecision struct {
	Mode       OrderMode
	Referenced []models.OrderMention
}

// Engine holds no state between calls; now is always passed in.
type Engine struct {
	detector QueryTypeDetector
	window   time.Duration
	ordinals []ordinal
	status   *regexp.Regexp
	plural   *regexp.Regexp
}

type ordinal struct {
	pattern *regexp.Regexp
	index   int
}

func NewEngine(detector QueryTypeDetector, window time.Duration) *Engine {
	if window <= 0 {
		window = constants.MinutesToDuration(constants.DefaultRecencyWindowMinutes)
	}
	return &Engine{
		detector: detector,
		window:   window,
		ordinals: []ordinal{
			{regexp.MustCompile(`\b(primer[oa]?|first|1(ro|ra))\b`), 0},
			{regexp.MustCompile(`\b(segund[oa]|second|2(do|da))\b`), 1},
			{regexp.MustCompile(`\b(tercer[oa]?|third|3(ro|ra))\b`), 2},
		},
		status: regexp.MustCompile(`\b(donde esta|estado|llega|llego|seguimiento|tracking|envio|despach|entrega)`),
		plural: regexp.MustCompile(`\b(mis|los|todos (mis|los)) (pedidos|compras|ordenes)\b`),
	}
}

// Decide applies, in order: RE_SHOW is always FULL_CARD; SIZE_QUERY is
// SIZE_ONLY for any referenced known product; COMPARISON is COMPACT and
// ATTRIBUTE_QUERY is TEXT_ONLY only while some referenced product is inside
// the recency window; everything else is FULL_CARD.
func (e *Engine) Decide(message string, products []models.ProductMention, now time.Time) Decision {
	qt := e.detector.Detect(message)
	refs := e.References(message, products)
	recent := e.anyRecent(refs, now)

	d := Decision{QueryType: qt, Referenced: refs, WithinWindow: recent, Mode: ModeFullCard}
	switch qt {
	case QueryReShow:
		d.Mode = ModeFullCard
	case QuerySize:
		if len(refs) > 0 {
			d.Mode = ModeSizeOnly
		}
	case QueryComparison:
		if recent {
			d.Mode = ModeCompact
		}
	case QueryAttribute:
		if recent {
			d.Mode = ModeTextOnly
		}
	}
	return d
}

func (e *Engine) anyRecent(refs []models.ProductMention, now time.Time) bool {
	for _, r := range refs {
		if now.Sub(r.LastSeen()) <= e.window {
			return true
		}
	}
	return false
}

// References returns the known products the message points at, either by
// name tokens (min(2, tokens in name) must appear) or by ordinal over the
// most recently shown batch.
func (e *Engine) References(message string, products []models.ProductMention) []models.ProductMention {
	if len(products) == 0 {
		return nil
	}

	folded := textnorm.Fold(message)
	words := make(map[string]bool)
	for _, tok := range textnorm.Tokens(message) {
		words[tok] = true
	}

	var refs []models.ProductMention
	for _, p := range products {
		nameTokens := textnorm.SignificantTokens(p.Name)
		if len(nameTokens) == 0 {
			continue
		}
		need := 2
		if len(nameTokens) < need {
			need = len(nameTokens)
		}
		hits := 0
		for _, tok := range nameTokens {
			if words[tok] {
				hits++
			}
		}
		if hits >= need {
			refs = append(refs, p)
		}
	}
	if len(refs) > 0 {
		return refs
	}

	batch := lastBatch(products)
	for _, o := range e.ordinals {
		if o.pattern.MatchString(folded) && o.index < len(batch) {
			refs = append(refs, batch[o.index])
		}
	}
	return refs
}

// lastBatch returns the products sharing the most recent LastSeen, in state
// order. That is what the customer last saw listed.
func lastBatch(products []models.ProductMention) []models.ProductMention {
	var latest time.Time
	for _, p := range products {
		if p.LastSeen().After(latest) {
			latest = p.LastSeen()
		}
	}
	var out []models.ProductMention
	for _, p := range products {
		if p.LastSeen().Equal(latest) {
			out = append(out, p)
		}
	}
	return out
}

// DecideOrder is the order analogue of Decide.
func (e *Engine) DecideOrder(message string, orders []models.OrderMention, now time.Time) OrderDecision {
	folded := textnorm.Fold(message)
	qt := e.detector.Detect(message)
	refs := referencedOrders(folded, orders)

	d := OrderDecision{Mode: OrderFullDetail, Referenced: refs}
	switch {
	case qt == QueryReShow:
	case e.plural.MatchString(folded) && len(orders) > 1:
		d.Mode = OrderSummary
		d.Referenced = orders
	case len(refs) == 0:
	case !e.ordersRecent(refs, now):
	case e.status.MatchString(folded):
		d.Mode = OrderStatusOnly
	case qt == QueryAttribute:
		d.Mode = OrderTextOnly
	}
	return d
}

func (e *Engine) ordersRecent(refs []models.OrderMention, now time.Time) bool {
	for _, r := range refs {
		if now.Sub(r.LastSeen()) > e.window {
			return false
		}
	}
	return true
}

var digitRun = regexp.MustCompile(`\d{3,}`)

// referencedOrders matches order numbers or ids quoted in the message. A
// generic "mi pedido" with a single known order refers to that order.
func referencedOrders(folded string, orders []models.OrderMention) []models.OrderMention {
	if len(orders) == 0 {
		return nil
	}
	numbers := make(map[string]bool)
	for _, n := range digitRun.FindAllString(folded, -1) {
		numbers[n] = true
	}

	var refs []models.OrderMention
	for _, o := range orders {
		if numbers[o.Number] || numbers[o.ID] {
			refs = append(refs, o)
		}
	}
	if len(refs) == 0 && len(numbers) == 0 && len(orders) == 1 &&
		(strings.Contains(folded, "pedido") || strings.Contains(folded, "compra") || strings.Contains(folded, "orden")) {
		refs = append(refs, orders[0])
	}
	return refs
}

// Instructions renders the decision as a directive for the handler. It only
// ever names ids already present in the conversation state.
func (d Decision) Instructions() string {
	var b strings.Builder
	fmt.Fprintf(&b, "PRESENTATION MODE: %s (query type %s).", d.Mode, d.QueryType)

	if len(d.Referenced) > 0 {
		b.WriteString(" Products already shown in this conversation: ")
		for i, p := range d.Referenced {
			if i > 0 {
				b.WriteString("; ")
			}
			if p.ID == "" || p.ID == mentions.UnknownID {
				fmt.Fprintf(&b, "%q (no catalog id, look it up by name)", p.Name)
				continue
			}
			fmt.Fprintf(&b, "id %s %q", p.ID, p.Name)
		}
		b.WriteString(".")
	}

	switch d.Mode {
	case ModeSizeOnly:
		b.WriteString(" Do not run a new product search. Check sizes/stock for the ids above and answer with size availability only, without image, price or description.")
	case ModeCompact:
		b.WriteString(" Compare the products above in a compact list: name, price and one key difference each. No images.")
	case ModeTextOnly:
		b.WriteString(" Answer the question in plain text about the products above. Do not resend product cards.")
	default:
		if len(d.Referenced) > 0 {
			b.WriteString(" Show a full product card (image, price, sizes) for the products above, reusing their ids.")
		} else {
			b.WriteString(" Show full product cards for any product you present.")
		}
	}
	return b.String()
}

// Instructions renders the order decision for the handler.
func (d OrderDecision) Instructions() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ORDER PRESENTATION MODE: %s.", d.Mode)
	if len(d.Referenced) > 0 {
		b.WriteString(" Orders already looked up: ")
		for i, o := range d.Referenced {
			if i > 0 {
				b.WriteString("; ")
			}
			fmt.Fprintf(&b, "#%s (id %s", o.Number, o.ID)
			if o.LastKnownStatus != "" {
				fmt.Fprintf(&b, ", last status %s", o.LastKnownStatus)
			}
			b.WriteString(")")
		}
		b.WriteString(".")
	}
	switch d.Mode {
	case OrderStatusOnly:
		b.WriteString(" Reply with the current status only.")
	case OrderSummary:
		b.WriteString(" Reply with one line per order.")
	case OrderTextOnly:
		b.WriteString(" Answer in plain text without repeating the order detail.")
	}
	return b.String()
}
