// Package presentation decides how much detail to re-disclose for products
// and orders the customer has already seen.
package presentation

import (
	"regexp"

	"conversation-router/pkg/textnorm"
)

// QueryType is the coarse shape of the customer's question.
type QueryType string

const (
	QueryInitialSearch QueryType = "INITIAL_SEARCH"
	QuerySize          QueryType = "SIZE_QUERY"
	QueryComparison    QueryType = "COMPARISON"
	QueryAttribute     QueryType = "ATTRIBUTE_QUERY"
	QueryReShow        QueryType = "RE_SHOW"
)

// QueryTypeDetector classifies a message. Implementations must be pure.
type QueryTypeDetector interface {
	Detect(message string) QueryType
}

// PatternSet is the per-locale pattern table of a RegexDetector.
type PatternSet struct {
	ReShow     []*regexp.Regexp
	Size       []*regexp.Regexp
	Comparison []*regexp.Regexp
	Attribute  []*regexp.Regexp
}

// RegexDetector matches folded text against a PatternSet. Priority is
// RE_SHOW, SIZE_QUERY, COMPARISON, ATTRIBUTE_QUERY; no match is
// INITIAL_SEARCH.
type RegexDetector struct {
	patterns PatternSet
}

var _ QueryTypeDetector = (*RegexDetector)(nil)

func NewRegexDetector(patterns PatternSet) *RegexDetector {
	return &RegexDetector{patterns: patterns}
}

// SpanishPatterns covers rioplatense Spanish plus a few English phrasings.
func SpanishPatterns() PatternSet {
	return PatternSet{
		ReShow: compile(
			`\bmostra(me|mela|melo|rme)?\b`, `\bvolve(r)? a mostrar`, `\bde nuevo\b`, `\botra vez\b`,
			`\b(la|las) fotos?\b`, `\bver (la|el|los|las) (foto|imagen|imagenes|producto)`,
			`\bshow (me )?(it |them )?again\b`, `\bpasame (el|la|los) (link|foto)`,
		),
		Size: compile(
			`\btalles?\b`, `\btallas?\b`, `\bsizes?\b`, `\bmedidas?\b`, `\b(xs|xl|xxl|xxxl)\b`,
			`\bque numero\b`, `\ben (el )?\d{2}\b`,
		),
		Comparison: compile(
			`\bcompar`, `\bdiferencia`, `\bcual (me )?conviene\b`, `\bcual es mejor\b`,
			`\bvs\.?\b`, `\bversus\b`, `\bentre (el|la|los|las)\b.*\by\b`,
		),
		Attribute: compile(
			`\bcolor(es)?\b`, `\bmaterial(es)?\b`, `\btela\b`, `\bprecio\b`, `\bcuanto (sale|cuesta)`,
			`\bde que (es|esta hecho)`, `\bbolsillos?\b`, `\blavar`, `\bcalce\b`, `\belastizad`,
			`\bmodelo\b`, `\bcomposicion\b`,
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

func (d *RegexDetector) Detect(message string) QueryType {
	folded := textnorm.Fold(message)
	switch {
	case anyMatch(d.patterns.ReShow, folded):
		return QueryReShow
	case anyMatch(d.patterns.Size, folded):
		return QuerySize
	case anyMatch(d.patterns.Comparison, folded):
		return QueryComparison
	case anyMatch(d.patterns.Attribute, folded):
		return QueryAttribute
	default:
		return QueryInitialSearch
	}
}

func anyMatch(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}
