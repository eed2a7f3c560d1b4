package ingest

import (
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/entitylink/internal/model"
)

// Crawl and match output column names.
const (
	ColDomain      = "domain"
	ColURL         = "url"
	ColMeta        = "meta"
	ColTradingName = "trading_name"
	ColScore       = "score"
	ColMatchedOn   = "matched_on"
	ColTied        = "tied"
)

// NewCrawlReader reads crawled page records, the input of the match step
// and of the domain stage.
func NewCrawlReader(r io.Reader, chunkSize int, logger *zap.Logger) (*Reader[model.CrawlRecord], error) {
	return NewReader("crawl", r, []string{ColURL}, ParseCrawl, chunkSize, logger)
}

// ParseCrawl maps a crawl row to a CrawlRecord. A blank domain is taken
// from the URL host.
func ParseCrawl(row Row) (model.CrawlRecord, error) {
	rec := model.CrawlRecord{URL: row.Get(ColURL)}

	domain, err := resolveDomain(row.Get(ColDomain), rec.URL)
	if err != nil {
		return rec, err
	}
	rec.Domain = domain

	if rec.ABN, err = optionalID(row.Get(ColABN)); err != nil {
		return rec, fmt.Errorf("invalid %s: %w", ColABN, err)
	}

	if rec.Meta, rec.Social, err = ParseMeta(row.Get(ColMeta)); err != nil {
		return rec, err
	}
	return rec, nil
}

// NewMatchReader reads match step output, the input of the scored-link
// stage.
func NewMatchReader(r io.Reader, chunkSize int, logger *zap.Logger) (*Reader[model.MatchRecord], error) {
	return NewReader("links", r, []string{ColDomain, ColScore}, ParseMatch, chunkSize, logger)
}

// ParseMatch maps a match output row to a MatchRecord.
func ParseMatch(row Row) (model.MatchRecord, error) {
	rec := model.MatchRecord{
		URL:         row.Get(ColURL),
		EntityName:  optionalString(row.Get(ColEntityName)),
		TradingName: optionalString(row.Get(ColTradingName)),
		MatchedOn:   row.Get(ColMatchedOn),
	}

	domain, err := resolveDomain(row.Get(ColDomain), rec.URL)
	if err != nil {
		return rec, err
	}
	rec.Domain = domain

	if rec.ABN, err = optionalID(row.Get(ColABN)); err != nil {
		return rec, fmt.Errorf("invalid %s: %w", ColABN, err)
	}
	if rec.Score, err = strconv.ParseFloat(row.Get(ColScore), 64); err != nil {
		return rec, fmt.Errorf("invalid %s: %w", ColScore, err)
	}
	if tied := row.Get(ColTied); tied != "" {
		if rec.Tied, err = strconv.Atoi(tied); err != nil {
			return rec, fmt.Errorf("invalid %s: %w", ColTied, err)
		}
	}
	return rec, nil
}

func resolveDomain(domain, rawURL string) (string, error) {
	domain = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
	if domain != "" {
		return domain, nil
	}
	if rawURL == "" {
		return "", fmt.Errorf("no domain or url")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return strings.ToLower(u.Hostname()), nil
}

func optionalID(s string) (*int64, error) {
	if s == "" || isNull(s) {
		return nil, nil
	}
	n, err := parseID(s)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func optionalString(s string) *string {
	if s == "" || isNull(s) {
		return nil
	}
	return &s
}
