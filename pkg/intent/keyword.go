package intent

import (
	"context"
	"regexp"

	"conversation-router/pkg/models"
	"conversation-router/pkg/textnorm"
)

// Rules is a keyword table per intent. Swap it to support another locale.
type Rules map[models.Intent][]*regexp.Regexp

// KeywordClassifier scores each intent by the number of matching patterns.
type KeywordClassifier struct {
	rules    Rules
	order    []models.Intent
	greeting *regexp.Regexp
}

var _ Classifier = (*KeywordClassifier)(nil)

func NewKeywordClassifier(rules Rules) *KeywordClassifier {
	return &KeywordClassifier{
		rules:    rules,
		order:    []models.Intent{models.IntentOrderStatus, models.IntentProductInfo, models.IntentStoreInfo},
		greeting: regexp.MustCompile(`^\s*(hola|buen(os|as)\s+(dias|tardes|noches)|hi|hello|gracias|chau|saludos)\b`),
	}
}

// SpanishRules is the default rioplatense Spanish keyword table.
func SpanishRules() Rules {
	return Rules{
		models.IntentOrderStatus: compile(
			`\bpedido`, `\borden\b`, `\bcompra\b`, `\bcompre\b`, `\bseguimiento\b`,
			`\btracking\b`, `\bllego\b`, `\bllega\b`, `\bdespach`, `#\s?\d{3,}`,
			`\bcambi(o|ar)\b`, `\bpague\b`, `\bpago\s+de\s+mi\b`, `\bmi\s+envio\b`,
		),
		models.IntentProductInfo: compile(
			`\btalles?\b`, `\btallas?\b`, `\bstock\b`, `\bprecio`, `\bjeans?\b`,
			`\bremeras?\b`, `\bbuzos?\b`, `\bcamperas?\b`, `\bzapatillas?\b`,
			`\bvestidos?\b`, `\bpantalon`, `\bmodelos?\b`, `\bcolor(es)?\b`,
			`\bproductos?\b`, `\btienen\b`, `\bdisponible`, `\bcuanto\s+(sale|cuesta)`,
		),
		models.IntentStoreInfo: compile(
			`\bhorarios?\b`, `\blocal(es)?\b`, `\bsucursal`, `\bdireccion\b`,
			`\babren\b`, `\bcierran\b`, `\bubicacion\b`, `\benvios?\s+a\b`,
			`\bmedios\s+de\s+pago\b`, `\bcuotas\b`, `\bpolitica`, `\bdevoluci`,
		),
	}
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// Classify picks the intent with most matches. Ties resolve in the fixed
// order orders > products > store. No match yields OTHERS.
func (c *KeywordClassifier) Classify(ctx context.Context, text string, hints Hints) (models.Classification, error) {
	folded := textnorm.Fold(text)

	scores := make(map[models.Intent]int, len(c.order))
	for _, in := range c.order {
		for _, p := range c.rules[in] {
			if p.MatchString(folded) {
				scores[in]++
			}
		}
	}

	best, second := models.IntentOthers, 0
	top := 0
	for _, in := range c.order {
		s := scores[in]
		switch {
		case s > top:
			second = top
			best, top = in, s
		case s > second:
			second = s
		}
	}

	if top == 0 {
		if c.greeting.MatchString(folded) {
			return models.Classification{Intent: models.IntentOthers, Confidence: 0.9}, nil
		}
		return models.Classification{Intent: models.IntentOthers, Confidence: 0.4}, nil
	}

	return models.Classification{Intent: best, Confidence: confidence(top, second)}, nil
}

func confidence(top, second int) float64 {
	if second == 0 {
		c := 0.6 + 0.15*float64(top)
		if c > 0.95 {
			c = 0.95
		}
		return c
	}
	return 0.9 * float64(top) / float64(top+second)
}
