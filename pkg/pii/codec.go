// Package pii masks personal data into stable placeholders and reverses the
// mapping at the tool execution boundary.
//
// Placeholders look like [EMAIL_1]. Numbering is per kind and per turn, and a
// value seen twice in the same turn reuses its placeholder. Metadata (the
// placeholder → value table) lives only for the turn; anything persisted keeps
// the placeholder form. Earlier turns' text goes through Detach before it sits
// next to a new table.
package pii

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Kind names a category of personal data.
type Kind string

const (
	KindEmail Kind = "EMAIL"
	KindCard  Kind = "CARD"
	KindPhone Kind = "PHONE"
	KindDNI   Kind = "DNI"
)

// Metadata maps placeholder tokens to the real values they replaced.
type Metadata map[string]string

// Clone returns an independent copy.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Kinds returns the distinct kinds present, sorted. Safe to log.
func (m Metadata) Kinds() []string {
	seen := make(map[string]bool)
	var kinds []string
	for placeholder := range m {
		kind := placeholderKind(placeholder)
		if kind != "" && !seen[kind] {
			seen[kind] = true
			kinds = append(kinds, kind)
		}
	}
	sort.Strings(kinds)
	return kinds
}

type rule struct {
	kind    Kind
	pattern *regexp.Regexp
	valid   func(match string) bool
}

// Detection order matters: cards are tried before phones so a Luhn-valid
// number is never split into a phone, and emails go first because their
// local part may contain digits.
var rules = []rule{
	{
		kind:    KindEmail,
		pattern: regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	},
	{
		kind:    KindCard,
		pattern: regexp.MustCompile(`\b(?:\d[ \-]?){12,18}\d\b`),
		valid:   luhnValid,
	},
	{
		kind:    KindPhone,
		pattern: regexp.MustCompile(`\+?\(?\d[\d \-()]{8,18}\d`),
		valid: func(match string) bool {
			n := len(digitsOnly(match))
			return n >= 10 && n <= 15
		},
	},
	{
		kind:    KindDNI,
		pattern: regexp.MustCompile(`\b\d{1,2}\.?\d{3}\.?\d{3}\b`),
	},
}

var placeholderPattern = regexp.MustCompile(`\[([A-Z]+)_(\d+)\]`)

// Mask replaces every detected span with a placeholder and returns the table
// needed to reverse it.
func Mask(text string) (string, Metadata) {
	return MaskWith(text, nil)
}

// MaskWith masks text continuing an existing turn table: values already known
// reuse their placeholder and new values continue the numbering. The input
// table is not modified.
func MaskWith(text string, existing Metadata) (string, Metadata) {
	meta := existing.Clone()
	byValue := make(map[string]string, len(meta))
	counters := make(map[Kind]int)
	for placeholder, value := range meta {
		byValue[value] = placeholder
		if m := placeholderPattern.FindStringSubmatch(placeholder); m != nil {
			if n, err := strconv.Atoi(m[2]); err == nil && n > counters[Kind(m[1])] {
				counters[Kind(m[1])] = n
			}
		}
	}

	masked := text
	for _, r := range rules {
		masked = r.pattern.ReplaceAllStringFunc(masked, func(match string) string {
			if r.valid != nil && !r.valid(match) {
				return match
			}
			if placeholder, ok := byValue[match]; ok {
				return placeholder
			}
			counters[r.kind]++
			placeholder := fmt.Sprintf("[%s_%d]", r.kind, counters[r.kind])
			meta[placeholder] = match
			byValue[match] = placeholder
			return placeholder
		})
	}

	return masked, meta
}

// Detach rewrites placeholders that are keys of meta to their bare kind
// ("[EMAIL]"). Text persisted by an earlier turn was numbered independently,
// so its [EMAIL_1] must not resolve to this turn's [EMAIL_1].
func Detach(text string, meta Metadata) string {
	if len(meta) == 0 || text == "" {
		return text
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(placeholder string) string {
		if _, ok := meta[placeholder]; !ok {
			return placeholder
		}
		return "[" + placeholderKind(placeholder) + "]"
	})
}

// Resolve substitutes every placeholder occurrence with its value. The
// placeholders are escaped before being compiled into the matcher and the
// values are inserted literally, so neither may contain anything that breaks
// the substitution. Text without placeholders is returned unchanged.
func Resolve(text string, meta Metadata) string {
	if len(meta) == 0 || text == "" {
		return text
	}
	matcher := compileMatcher(meta)
	if matcher == nil {
		return text
	}
	return matcher.ReplaceAllStringFunc(text, func(placeholder string) string {
		return meta[placeholder]
	})
}

// ResolveValue resolves placeholders nested anywhere inside tool-call
// parameters: maps, slices and strings. Other values pass through untouched.
// The input is never mutated.
func ResolveValue(v any, meta Metadata) any {
	if len(meta) == 0 {
		return v
	}
	switch val := v.(type) {
	case string:
		return Resolve(val, meta)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = ResolveValue(item, meta)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, item := range val {
			out[k] = Resolve(item, meta)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = ResolveValue(item, meta)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = Resolve(item, meta)
		}
		return out
	default:
		return v
	}
}

// ResolveArgs is ResolveValue specialised for tool argument maps.
func ResolveArgs(args map[string]any, meta Metadata) map[string]any {
	if args == nil {
		return nil
	}
	return ResolveValue(args, meta).(map[string]any)
}

// ContainsPlaceholder reports whether text carries any placeholder-shaped token.
func ContainsPlaceholder(text string) bool {
	return placeholderPattern.MatchString(text)
}

func compileMatcher(meta Metadata) *regexp.Regexp {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		if k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = regexp.QuoteMeta(k)
	}
	return regexp.MustCompile(strings.Join(quoted, "|"))
}

func placeholderKind(placeholder string) string {
	if m := placeholderPattern.FindStringSubmatch(placeholder); m != nil {
		return m[1]
	}
	return ""
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// DigitsOnly strips everything but ASCII digits.
func DigitsOnly(s string) string {
	return digitsOnly(s)
}

func luhnValid(match string) bool {
	digits := digitsOnly(match)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
