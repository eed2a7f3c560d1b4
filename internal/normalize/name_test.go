package normalize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "suffixes removed", input: "Acme Pty Ltd", want: "acme"},
		{name: "punctuation becomes space", input: "Acme-Solutions (Aust.)", want: "acme solutions aust"},
		{name: "whole tokens only", input: "Copty Industries", want: "copty industries"},
		{name: "leading stop words", input: "Pty Computing Co", want: "computing"},
		{name: "all stop words", input: "Australian Company Limited", want: ""},
		{name: "whitespace collapsed", input: "  Big   \tRiver\nTimber  ", want: "big river timber"},
		{name: "digits kept", input: "7-Eleven Stores Pty. Ltd.", want: "7 eleven stores"},
		{name: "accented letters blanked", input: "Société Générale Pty Ltd", want: "soci t g n rale"},
		{name: "empty", input: "", want: ""},
		{name: "only symbols", input: "&&& ---", want: ""},
	}

	n := New(DefaultRules())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, n.Name(tt.input))
		})
	}
}

func TestNormalizeNameIdempotent(t *testing.T) {
	inputs := []string{
		"Acme Pty Ltd",
		"THE TRUSTEE FOR SMITH FAMILY TRUST",
		"Co-Op Co Pty",
		"Ünïcödé & Sons Inc.",
		"pty pty co co",
		"a.b.c limited",
		"   ",
		"Acme's \"Best\" Widgets (Australia) Company",
	}
	for _, rules := range []Rules{DefaultRules(), {StopWords: DefaultStopWords, FoldDiacritics: true}} {
		n := New(rules)
		for _, in := range inputs {
			once := n.Name(in)
			assert.Equal(t, once, n.Name(once), "input %q fold=%v", in, rules.FoldDiacritics)
		}
	}
}

func TestNormalizeNameStopTokens(t *testing.T) {
	n := New(DefaultRules())
	got := n.Name("Pty Computing Co")
	for _, tok := range strings.Fields(got) {
		assert.NotEqual(t, "pty", tok)
		assert.NotEqual(t, "co", tok)
	}
	assert.Contains(t, strings.Fields(n.Name("Copty Industries")), "copty")
}

func TestNormalizerCustomRules(t *testing.T) {
	n := New(Rules{StopWords: []string{"Trust", "The"}, FoldDiacritics: false})

	assert.Equal(t, "smith family", n.Name("The Smith Family Trust"))
	assert.Equal(t, "acme pty ltd", n.Name("Acme Pty Ltd"))
	// Without folding, accented letters fall outside [a-z0-9] and split the token.
	assert.Equal(t, "caf", n.Name("Café"))
}

func TestNormalizerFoldDiacritics(t *testing.T) {
	rules := DefaultRules()
	rules.FoldDiacritics = true
	n := New(rules)

	assert.Equal(t, "societe generale", n.Name("Société Générale Pty Ltd"))
	assert.Equal(t, "cafe creme", n.Name("Café Crème Pty Ltd"))
	assert.Equal(t, "soci t g n rale", New(DefaultRules()).Name("Société Générale Pty Ltd"))
}

func TestNormalizerValue(t *testing.T) {
	n := New(DefaultRules())
	s := "Acme Pty Ltd"

	assert.Equal(t, "acme", n.Value(s))
	assert.Equal(t, "acme", n.Value(&s))
	assert.Equal(t, "", n.Value((*string)(nil)))
	assert.Equal(t, "", n.Value(nil))
	assert.Equal(t, "", n.Value(42))
	assert.Equal(t, "", n.Value(3.14))
}

func TestDomainRoot(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"www.acme.com.au", "acme"},
		{"acme.org", "acme"},
		{"ACME.COM.AU", "acme"},
		{"acme.net.au", "acme"},
		{"shop.acme.com", "shop"},
		{"localhost", "localhost"},
		{"www.acme.org", "acme"},
		{"", ""},
		{"  www.big-river.com.au ", "big-river"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, DomainRoot(tt.input))
		})
	}
}
