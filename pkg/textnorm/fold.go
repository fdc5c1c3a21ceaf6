// Package textnorm normalises customer text for keyword heuristics.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lower-cases text and strips diacritics, so "Olvidá" and "olvida"
// compare equal and keyword tables can be written once.
func Fold(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, text)
	if err != nil {
		out = text
	}
	return strings.ToLower(out)
}

var stopwords = map[string]bool{
	"de": true, "del": true, "la": true, "las": true, "el": true, "los": true,
	"en": true, "con": true, "por": true, "para": true, "que": true, "una": true,
	"uno": true, "un": true, "y": true, "o": true, "the": true, "and": true,
	"tienen": true, "hay": true, "talle": true, "talles": true, "color": true,
}

// Tokens splits folded text on anything that is not a letter or digit.
func Tokens(text string) []string {
	return strings.FieldsFunc(Fold(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// SignificantTokens keeps tokens of three or more characters that are not
// stopwords, preserving order and dropping duplicates.
func SignificantTokens(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range Tokens(text) {
		if len([]rune(tok)) < 3 || stopwords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}
