package match

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/entitylink/internal/metrics"
	"github.com/entitylink/internal/model"
	"github.com/entitylink/internal/normalize"
)

// Config holds the match decision policy.
type Config struct {
	// AcceptThreshold is the inclusive score a candidate needs to be
	// reported as a match.
	AcceptThreshold float64
	// ScoreFloor prunes candidates that cannot reach it. Zero keeps the
	// reported score of unmatched domains exact; raising it trades that
	// audit detail for speed on large corpora.
	ScoreFloor float64
	Workers    int
	// DomainSuffix, when set, drops crawled domains not ending in it.
	DomainSuffix string
}

// DefaultConfig returns the production policy.
func DefaultConfig() *Config {
	return &Config{
		AcceptThreshold: 90,
		ScoreFloor:      0,
		Workers:         4,
		DomainSuffix:    ".au",
	}
}

const matchBlockSize = 256

// Matcher turns crawled domains into match decisions against an Index.
type Matcher struct {
	index  *Index
	norm   *normalize.Normalizer
	cfg    Config
	logger *zap.Logger
}

// NewMatcher builds a Matcher. norm must be the normalizer the index was
// built with.
func NewMatcher(index *Index, norm *normalize.Normalizer, cfg *Config, logger *zap.Logger) *Matcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{index: index, norm: norm, cfg: *cfg, logger: logger}
}

// Query returns the normalized domain root used to search for domain.
func (m *Matcher) Query(domain string) string {
	return m.norm.Name(normalize.DomainRoot(domain))
}

// Normalize returns the canonical form of name.
func (m *Matcher) Normalize(name string) string {
	return m.norm.Name(name)
}

// Lookup scores a free-text query (already a name, not a domain).
func (m *Matcher) Lookup(name string) (Hit, bool) {
	return m.index.BestAbove(m.norm.Name(name), m.cfg.ScoreFloor)
}

// LookupDomain scores the root of domain.
func (m *Matcher) LookupDomain(domain string) (Hit, bool) {
	return m.index.BestAbove(m.Query(domain), m.cfg.ScoreFloor)
}

// Accepted reports whether hit clears the accept threshold.
func (m *Matcher) Accepted(hit Hit) bool {
	return len(hit.Refs) > 0 && hit.Score >= m.cfg.AcceptThreshold
}

// Match decides one crawled record. A record below the threshold still
// carries its best score.
func (m *Matcher) Match(rec model.CrawlRecord) model.MatchRecord {
	out := model.MatchRecord{Domain: rec.Domain, URL: rec.URL}

	hit, ok := m.LookupDomain(rec.Domain)
	out.Score = hit.Score
	metrics.MatchScore.Observe(hit.Score)

	if !ok || hit.Score < m.cfg.AcceptThreshold {
		metrics.MatchDecisionsTotal.WithLabelValues("unmatched").Inc()
		return out
	}

	first := hit.Refs[0]
	abn := first.Entry.ABN
	name := first.Entry.Name
	out.ABN = &abn
	out.EntityName = &name
	if len(first.Entry.TradingNames) > 0 {
		tn := strings.Join(first.Entry.TradingNames, "; ")
		out.TradingName = &tn
	}
	out.MatchedOn = first.Form
	out.Tied = len(hit.Refs) - 1

	if out.Tied > 0 {
		m.logger.Debug("Ambiguous candidate, first entity reported",
			zap.String("domain", rec.Domain),
			zap.String("candidate", hit.Candidate),
			zap.Int("tied", out.Tied))
	}
	metrics.MatchDecisionsTotal.WithLabelValues("matched").Inc()
	return out
}

// MatchAll decides every record, spreading blocks of records over up to
// cfg.Workers goroutines. Output order follows input order.
func (m *Matcher) MatchAll(ctx context.Context, recs []model.CrawlRecord) ([]model.MatchRecord, error) {
	out := make([]model.MatchRecord, len(recs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, m.cfg.Workers))

	for start := 0; start < len(recs); start += matchBlockSize {
		end := min(start+matchBlockSize, len(recs))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				out[i] = m.Match(recs[i])
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// CrawlFilter keeps the first record seen for each domain, optionally
// restricted to a suffix. It is not safe for concurrent use.
type CrawlFilter struct {
	suffix string
	seen   map[string]struct{}
}

// NewCrawlFilter returns a filter for suffix ("" keeps every domain).
func NewCrawlFilter(suffix string) *CrawlFilter {
	return &CrawlFilter{suffix: strings.ToLower(suffix), seen: make(map[string]struct{})}
}

// Apply returns the records of recs that pass, reusing its backing array.
func (f *CrawlFilter) Apply(recs []model.CrawlRecord) []model.CrawlRecord {
	kept := recs[:0]
	for _, r := range recs {
		if f.keep(r) {
			kept = append(kept, r)
		}
	}
	return kept
}

func (f *CrawlFilter) keep(r model.CrawlRecord) bool {
	d := strings.ToLower(r.Domain)
	if d == "" {
		return false
	}
	if f.suffix != "" && !strings.HasSuffix(d, f.suffix) {
		return false
	}
	if _, dup := f.seen[d]; dup {
		return false
	}
	f.seen[d] = struct{}{}
	return true
}
