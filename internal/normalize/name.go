package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultStopWords are the corporate suffixes removed from entity names
// before comparison. They are matched as whole tokens only.
var DefaultStopWords = []string{
	"pty", "ltd", "limited", "australia", "australian", "company", "inc", "co",
}

// Rules configures name normalization.
type Rules struct {
	StopWords      []string `yaml:"stop_words"`
	FoldDiacritics bool     `yaml:"fold_diacritics"`
}

// DefaultRules returns the stop-word list above. Accented letters are
// treated like any other character outside [a-z0-9 ].
func DefaultRules() Rules {
	return Rules{StopWords: append([]string(nil), DefaultStopWords...)}
}

// Normalizer maps raw names to canonical comparison strings. It is
// immutable after construction and safe for concurrent use.
type Normalizer struct {
	stop map[string]struct{}
	fold bool
}

// New builds a Normalizer from rules. Stop words are normalized the same
// way names are, so "Pty." and "PTY" both remove the token "pty".
func New(rules Rules) *Normalizer {
	n := &Normalizer{
		stop: make(map[string]struct{}, len(rules.StopWords)),
		fold: rules.FoldDiacritics,
	}
	for _, w := range rules.StopWords {
		for _, tok := range strings.Fields(n.clean(w)) {
			n.stop[tok] = struct{}{}
		}
	}
	return n
}

// Name lower-cases raw, replaces everything outside [a-z0-9 ] with a space,
// drops stop-word tokens and collapses whitespace.
func (n *Normalizer) Name(raw string) string {
	if raw == "" {
		return ""
	}
	tokens := strings.Fields(n.clean(raw))
	kept := tokens[:0]
	for _, tok := range tokens {
		if _, stop := n.stop[tok]; stop {
			continue
		}
		kept = append(kept, tok)
	}
	return strings.Join(kept, " ")
}

// Value is the fail-soft form of Name for untyped input such as decoded
// JSON: strings (and non-nil *string) are normalized, anything else,
// including nil, yields "".
func (n *Normalizer) Value(v any) string {
	switch s := v.(type) {
	case string:
		return n.Name(s)
	case *string:
		if s == nil {
			return ""
		}
		return n.Name(*s)
	default:
		return ""
	}
}

// clean lower-cases and blanks out characters outside [a-z0-9 ].
func (n *Normalizer) clean(raw string) string {
	s := raw
	if n.fold {
		s = foldDiacritics(s)
	}
	s = strings.ToLower(s)

	b := strings.Builder{}
	b.Grow(len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	return b.String()
}

func foldDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
