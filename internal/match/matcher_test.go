package match

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entitylink/internal/model"
	"github.com/entitylink/internal/normalize"
)

func newTestMatcher(t *testing.T, entries []Entry, cfg *Config) *Matcher {
	t.Helper()
	norm := normalize.New(normalize.DefaultRules())
	return NewMatcher(Build(entries, norm), norm, cfg, nil)
}

func TestMatcherAcmeDomain(t *testing.T) {
	m := newTestMatcher(t, []Entry{
		{ABN: 123, Name: "Acme Pty Ltd", TradingNames: []string{"Acme Solutions"}},
	}, nil)

	assert.Equal(t, "acme", m.Query("www.acme.com.au"))

	got := m.Match(model.CrawlRecord{Domain: "acme.com.au", URL: "https://acme.com.au/"})
	require.True(t, got.Matched())
	assert.Equal(t, int64(123), *got.ABN)
	assert.Equal(t, "Acme Pty Ltd", *got.EntityName)
	require.NotNil(t, got.TradingName)
	assert.Equal(t, "Acme Solutions", *got.TradingName)
	assert.GreaterOrEqual(t, got.Score, 90.0)
	assert.Equal(t, model.MatchedOnLegal, got.MatchedOn)
	assert.Equal(t, 0, got.Tied)
	assert.Equal(t, "https://acme.com.au/", got.URL)
}

func TestMatcherThresholdBoundary(t *testing.T) {
	short := []Entry{{ABN: 1, Name: "abcdefghix"}}
	// 17 of 19 characters in common.
	long := []Entry{{ABN: 2, Name: "abcdefghijklmnopqrs"}}

	tests := []struct {
		name      string
		corpus    []Entry
		threshold float64
		domain    string
		matched   bool
		score     float64
	}{
		{name: "exactly at threshold", corpus: short, threshold: 90, domain: "abcdefghij.com.au", matched: true, score: 90},
		{name: "just above score", corpus: short, threshold: 90.000001, domain: "abcdefghij.com.au", matched: false, score: 90},
		{name: "lower threshold", corpus: short, threshold: 85, domain: "abcdefghij.com.au", matched: true, score: 90},
		{name: "below threshold", corpus: short, threshold: 90, domain: "abcdefgxyz.com.au", matched: false, score: 80},
		{name: "89 rejected", corpus: long, threshold: 90, domain: "abcdefghijklmnopqxy.com.au", matched: false, score: 3400.0 / 38},
		{name: "89 accepted at 89", corpus: long, threshold: 89, domain: "abcdefghijklmnopqxy.com.au", matched: true, score: 3400.0 / 38},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.AcceptThreshold = tt.threshold
			m := newTestMatcher(t, tt.corpus, cfg)

			got := m.Match(model.CrawlRecord{Domain: tt.domain})
			assert.Equal(t, tt.matched, got.Matched())
			assert.InDelta(t, tt.score, got.Score, 1e-9)
			if !tt.matched {
				assert.Nil(t, got.ABN)
				assert.Nil(t, got.EntityName)
				assert.Empty(t, got.MatchedOn)
			}
		})
	}
}

func TestMatcherEmptyCorpus(t *testing.T) {
	m := newTestMatcher(t, nil, nil)

	got := m.Match(model.CrawlRecord{Domain: "acme.com.au"})
	assert.False(t, got.Matched())
	assert.Equal(t, 0.0, got.Score)
}

func TestMatcherReportsTies(t *testing.T) {
	m := newTestMatcher(t, []Entry{
		{ABN: 10, Name: "Acme Pty Ltd"},
		{ABN: 20, Name: "Acme Limited"},
	}, nil)

	got := m.Match(model.CrawlRecord{Domain: "acme.com.au"})
	require.True(t, got.Matched())
	assert.Equal(t, int64(10), *got.ABN)
	assert.Equal(t, 1, got.Tied)
}

func TestMatcherLookup(t *testing.T) {
	m := newTestMatcher(t, []Entry{
		{ABN: 5, Name: "Big River Timber Pty Ltd"},
	}, nil)

	hit, ok := m.Lookup("Timber, Big River")
	require.True(t, ok)
	assert.Equal(t, 100.0, hit.Score)
	assert.Equal(t, int64(5), hit.Refs[0].Entry.ABN)
	assert.True(t, m.Accepted(hit))

	hit, _ = m.Lookup("Small Creek Quarry")
	assert.False(t, m.Accepted(hit))
	assert.False(t, m.Accepted(Hit{}))
}

func TestMatchAllPreservesOrder(t *testing.T) {
	var entries []Entry
	var recs []model.CrawlRecord
	for i := 0; i < 1000; i++ {
		name := fmt.Sprintf("company%d", i)
		entries = append(entries, Entry{ABN: int64(i + 1), Name: name})
		recs = append(recs, model.CrawlRecord{Domain: name + ".com.au"})
	}

	cfg := DefaultConfig()
	cfg.Workers = 8
	m := newTestMatcher(t, entries, cfg)

	out, err := m.MatchAll(context.Background(), recs)
	require.NoError(t, err)
	require.Len(t, out, len(recs))
	for i, r := range out {
		assert.Equal(t, recs[i].Domain, r.Domain)
		require.True(t, r.Matched(), r.Domain)
		assert.Equal(t, int64(i+1), *r.ABN)
	}
}

func TestMatchAllCancelled(t *testing.T) {
	m := newTestMatcher(t, []Entry{{ABN: 1, Name: "Acme"}}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.MatchAll(ctx, []model.CrawlRecord{{Domain: "acme.com.au"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCrawlFilter(t *testing.T) {
	f := NewCrawlFilter(".au")
	recs := []model.CrawlRecord{
		{Domain: "acme.com.au", URL: "first"},
		{Domain: "acme.com", URL: "dropped"},
		{Domain: "ACME.COM.AU", URL: "duplicate"},
		{Domain: "", URL: "empty"},
		{Domain: "river.net.au", URL: "second"},
	}

	kept := f.Apply(recs)
	require.Len(t, kept, 2)
	assert.Equal(t, "first", kept[0].URL)
	assert.Equal(t, "second", kept[1].URL)

	// State carries across batches.
	assert.Empty(t, f.Apply([]model.CrawlRecord{{Domain: "acme.com.au"}}))

	all := NewCrawlFilter("")
	assert.Len(t, all.Apply([]model.CrawlRecord{{Domain: "acme.com"}, {Domain: "acme.org"}}), 2)
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)

	abn := int64(123)
	name := "Acme Pty Ltd"
	tn := "Acme Solutions"
	require.NoError(t, w.Write([]model.MatchRecord{
		{Domain: "acme.com.au", URL: "https://acme.com.au", ABN: &abn, EntityName: &name, TradingName: &tn, Score: 100, MatchedOn: model.MatchedOnLegal},
		{Domain: "other.com.au", Score: 42.857142},
	}))
	require.NoError(t, w.Flush())

	assert.Equal(t, 2, w.Written())
	assert.Equal(t,
		"domain,url,abn,entity_name,trading_name,score,matched_on,tied\n"+
			"acme.com.au,https://acme.com.au,123,Acme Pty Ltd,Acme Solutions,100.00,legal,0\n"+
			"other.com.au,,,,,42.86,,0\n",
		buf.String())
}
