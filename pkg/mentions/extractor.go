// Package mentions derives typed product and order mentions from the tool
// invocations a handler performed during a turn.
package mentions

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"

	"conversation-router/pkg/models"
)

// UnknownID marks a mention recovered from free text without a reliable id.
const UnknownID = "unknown"

// RecordKind selects the record collection a tool returns.
type RecordKind int

const (
	ProductKind RecordKind = iota + 1
	OrderKind
)

type toolFamily struct {
	kind    RecordKind
	context models.MentionContext
}

var families = map[string]toolFamily{
	"search_products":     {ProductKind, models.MentionSearch},
	"get_product":         {ProductKind, models.MentionLookup},
	"get_product_by_id":   {ProductKind, models.MentionLookup},
	"check_stock":         {ProductKind, models.MentionStock},
	"get_order":           {OrderKind, models.MentionLookup},
	"get_order_by_number": {OrderKind, models.MentionLookup},
	"track_order":         {OrderKind, models.MentionTracking},
	"get_tracking":        {OrderKind, models.MentionTracking},
	"get_payment_status":  {OrderKind, models.MentionPayment},
}

// Family returns the record kind and context tag for a tool name. Names
// carrying a provider prefix ("tiendanube_get_order") resolve by suffix.
func Family(tool string) (RecordKind, models.MentionContext, bool) {
	name := strings.ToLower(strings.TrimSpace(tool))
	if f, ok := families[name]; ok {
		return f.kind, f.context, true
	}
	for known, f := range families {
		if strings.HasSuffix(name, "_"+known) {
			return f.kind, f.context, true
		}
	}
	return 0, "", false
}

// Result is the set of mentions extracted from one turn.
type Result struct {
	Products []models.ProductMention
	Orders   []models.OrderMention
	// Skipped lists tools whose output could not be parsed.
	Skipped []string
	// Rejected counts records that failed schema validation.
	Rejected int
}

// Extractor is safe for concurrent use.
type Extractor struct {
	logger *logrus.Logger
	bold   *regexp.Regexp
}

func NewExtractor(logger *logrus.Logger) *Extractor {
	return &Extractor{
		logger: logger,
		bold:   regexp.MustCompile(`\*\*([^*\n]{3,80})\*\*`),
	}
}

// Extract maps tool invocations to mentions stamped with now. Ids are
// deduplicated keeping the first occurrence's context. When no structured
// product mention exists, bolded capitalized names in responseText are
// returned with UnknownID.
func (e *Extractor) Extract(invocations []models.ToolInvocation, responseText string, now time.Time) Result {
	var res Result
	seenProducts := make(map[string]bool)
	seenOrders := make(map[string]bool)

	for _, inv := range invocations {
		kind, tag, ok := Family(inv.Name)
		if !ok {
			continue
		}

		payload, err := Decode(kind, inv.Output)
		if err != nil {
			e.logger.WithError(err).WithField("tool", inv.Name).Warn("Skipping unparseable tool output")
			res.Skipped = append(res.Skipped, inv.Name)
			continue
		}

		switch p := payload.(type) {
		case ProductRecords:
			res.Rejected += p.Rejected
			for _, r := range p.Records {
				if seenProducts[r.ID] {
					continue
				}
				seenProducts[r.ID] = true
				res.Products = append(res.Products, models.ProductMention{
					ID:              r.ID,
					Name:            r.Name,
					MentionedAt:     now,
					LastMentionedAt: now,
					Context:         tag,
					LastKnownStatus: r.Status,
				})
			}
		case OrderRecords:
			res.Rejected += p.Rejected
			for _, r := range p.Records {
				if seenOrders[r.ID] {
					continue
				}
				seenOrders[r.ID] = true
				res.Orders = append(res.Orders, models.OrderMention{
					ID:              r.ID,
					Number:          r.Number,
					MentionedAt:     now,
					LastMentionedAt: now,
					Context:         tag,
					LastKnownStatus: r.Status,
				})
			}
		case Unrecognized:
			e.logger.WithFields(logrus.Fields{
				"tool":   inv.Name,
				"reason": p.Reason,
			}).Debug("Tool output has no recognizable records")
		}
	}

	if len(res.Products) == 0 && responseText != "" {
		res.Products = e.scanText(responseText, now)
	}

	return res
}

func (e *Extractor) scanText(text string, now time.Time) []models.ProductMention {
	var out []models.ProductMention
	seen := make(map[string]bool)
	for _, m := range e.bold.FindAllStringSubmatch(text, -1) {
		name := strings.TrimSpace(m[1])
		if !capitalized(name) || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, models.ProductMention{
			ID:              UnknownID,
			Name:            name,
			MentionedAt:     now,
			LastMentionedAt: now,
			Context:         models.MentionText,
		})
	}
	return out
}

// capitalized reports whether the name has at least three letters and no
// lowercase ones.
func capitalized(s string) bool {
	letters := 0
	for _, r := range s {
		if !unicode.IsLetter(r) {
			continue
		}
		if unicode.IsLower(r) {
			return false
		}
		letters++
	}
	return letters >= 3
}
