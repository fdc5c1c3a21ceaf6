package guardrails

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"conversation-router/pkg/models"
	"conversation-router/pkg/pii"
	"conversation-router/pkg/textnorm"
)

// Check is one guardrail rule.
type Check interface {
	Kind() models.CheckKind
	Run(text string, cc CheckContext) Outcome
}

// Outcome is a single check's verdict. Sanitized and PII are only set by the
// pii check.
type Outcome struct {
	Passed    bool
	Message   string
	Score     *float64
	Sanitized string
	PII       pii.Metadata
}

func score(v float64) *float64 {
	return &v
}

type piiCheck struct{}

// PIICheck masks personal data. It never rejects.
func PIICheck() Check { return piiCheck{} }

func (piiCheck) Kind() models.CheckKind { return models.CheckPII }

func (piiCheck) Run(text string, cc CheckContext) Outcome {
	masked, meta := pii.MaskWith(text, cc.PII)
	if masked == text {
		return Outcome{Passed: true}
	}
	return Outcome{
		Passed:    true,
		Message:   "masked " + strings.Join(meta.Kinds(), ","),
		Sanitized: masked,
		PII:       meta,
	}
}

type lengthCheck struct {
	max int
}

// LengthCheck enforces the business rule on message size. Blank text fails.
func LengthCheck(max int) Check { return lengthCheck{max: max} }

func (lengthCheck) Kind() models.CheckKind { return models.CheckLength }

func (c lengthCheck) Run(text string, _ CheckContext) Outcome {
	n := len([]rune(strings.TrimSpace(text)))
	if n == 0 {
		return Outcome{Passed: false, Message: "empty content", Score: score(0)}
	}
	ratio := float64(n) / float64(c.max)
	if n > c.max {
		return Outcome{Passed: false, Message: fmt.Sprintf("content length %d exceeds %d", n, c.max), Score: score(ratio)}
	}
	return Outcome{Passed: true, Score: score(ratio)}
}

type patternCheck struct {
	kind     models.CheckKind
	patterns []*regexp.Regexp
	label    string
}

func (c patternCheck) Kind() models.CheckKind { return c.kind }

func (c patternCheck) Run(text string, _ CheckContext) Outcome {
	folded := textnorm.Fold(text)
	hits := 0
	for _, p := range c.patterns {
		if p.MatchString(folded) {
			hits++
		}
	}
	if hits > 0 {
		return Outcome{Passed: false, Message: fmt.Sprintf("%s: %d pattern(s) matched", c.label, hits), Score: score(float64(hits))}
	}
	return Outcome{Passed: true, Score: score(0)}
}

// PromptInjectionCheck flags attempts to override the assistant's instructions.
func PromptInjectionCheck() Check {
	return patternCheck{
		kind:  models.CheckPromptInjection,
		label: "prompt injection",
		patterns: compileAll(
			`ignor\w*\s+(all\s+|the\s+)?(previous|prior|above)\s+(instructions|prompts?)`,
			`ignor\w*\s+(todas\s+)?(las|tus)\s+instrucciones`,
			`olvid\w*\s+(todas\s+)?(las|tus)\s+instrucciones`,
			`system\s+prompt`,
			`prompt\s+del\s+sistema`,
			`you\s+are\s+now\s+`,
			`developer\s+mode`,
			`modo\s+desarrollador`,
			`\bjailbreak\b`,
			`<\|im_(start|end)\|>`,
			`\[/?inst\]`,
		),
	}
}

// ToxicityCheck flags insults and slurs.
func ToxicityCheck() Check {
	return patternCheck{
		kind:  models.CheckToxicity,
		label: "toxicity",
		patterns: compileAll(
			`\bidiotas?\b`,
			`\bestupid[oa]s?\b`,
			`\bimbecil(es)?\b`,
			`\bpelotud[oa]s?\b`,
			`\bforros?\b`,
			`\bmierda\b`,
			`\bputos?\b`,
			`\bla\s+concha\b`,
			`\bfuck\w*\b`,
			`\bshit\b`,
			`\bbitch\b`,
			`\basshole\b`,
		),
	}
}

type toneCheck struct {
	dismissive []*regexp.Regexp
}

var boldSegment = regexp.MustCompile(`\*\*[^*]+\*\*`)

// ToneCheck rejects shouting and dismissive replies. Bold segments are
// excluded from the shouting ratio since product names are upper case.
func ToneCheck() Check {
	return toneCheck{
		dismissive: compileAll(
			`no\s+es\s+mi\s+problema`,
			`no\s+me\s+importa`,
			`calmate`,
			`not\s+my\s+problem`,
			`i\s+don'?t\s+care`,
		),
	}
}

func (toneCheck) Kind() models.CheckKind { return models.CheckTone }

func (c toneCheck) Run(text string, _ CheckContext) Outcome {
	folded := textnorm.Fold(text)
	for _, p := range c.dismissive {
		if p.MatchString(folded) {
			return Outcome{Passed: false, Message: "dismissive phrasing"}
		}
	}

	var letters, upper int
	for _, r := range boldSegment.ReplaceAllString(text, "") {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters < 40 {
		return Outcome{Passed: true, Score: score(0)}
	}
	ratio := float64(upper) / float64(letters)
	if ratio > 0.7 {
		return Outcome{Passed: false, Message: "shouting", Score: score(ratio)}
	}
	return Outcome{Passed: true, Score: score(ratio)}
}

type relevanceCheck struct {
	offTopic []string
}

// RelevanceCheck rejects replies that drift into topics the store never
// handles, unless the customer brought the topic up in the recent history.
func RelevanceCheck() Check {
	return relevanceCheck{
		offTopic: []string{
			"bitcoin", "criptomoneda", "crypto", "politica", "elecciones",
			"religion", "apuestas", "casino", "horoscopo", "receta de",
		},
	}
}

func (relevanceCheck) Kind() models.CheckKind { return models.CheckRelevance }

func (c relevanceCheck) Run(text string, cc CheckContext) Outcome {
	reply := textnorm.Fold(text)

	var b strings.Builder
	b.WriteString(textnorm.Fold(cc.UserMessage))
	for _, m := range cc.History {
		b.WriteString(" ")
		b.WriteString(textnorm.Fold(m.Content))
	}
	seen := b.String()

	for _, topic := range c.offTopic {
		if strings.Contains(reply, topic) && !strings.Contains(seen, topic) {
			return Outcome{Passed: false, Message: "off-topic reply: " + topic, Score: score(0)}
		}
	}
	return Outcome{Passed: true, Score: score(1)}
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(`(?i)` + e)
	}
	return out
}
