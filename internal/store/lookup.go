package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/entitylink/internal/match"
)

// ErrNotFound is returned by lookups for keys with no row.
var ErrNotFound = errors.New("not found")

// EntityDetail is an entity with its trading names and owned domains.
type EntityDetail struct {
	ABN               int64      `db:"abn" json:"abn"`
	EntityName        string     `db:"entity_name" json:"entity_name"`
	EntityType        *string    `db:"entity_type" json:"entity_type,omitempty"`
	EntityTypeCode    *string    `db:"entity_type_code" json:"entity_type_code,omitempty"`
	ABNStatus         *string    `db:"abn_status" json:"abn_status,omitempty"`
	ABNStatusFrom     *time.Time `db:"abn_status_from" json:"abn_status_from,omitempty"`
	ASICNumber        *int64     `db:"asic_number" json:"asic_number,omitempty"`
	GSTStatus         *string    `db:"gst_status" json:"gst_status,omitempty"`
	GSTFrom           *time.Time `db:"gst_from" json:"gst_from,omitempty"`
	State             *string    `db:"state" json:"state,omitempty"`
	Postcode          *string    `db:"postcode" json:"postcode,omitempty"`
	RecordLastUpdated time.Time  `db:"record_last_updated" json:"record_last_updated"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`

	TradingNames []string `db:"-" json:"trading_names"`
	Domains      []string `db:"-" json:"domains"`
}

// MetadataRow is one stored page metadata row.
type MetadataRow struct {
	URL                string    `db:"url" json:"url"`
	Title              *string   `db:"title" json:"title,omitempty"`
	Description        *string   `db:"description" json:"description,omitempty"`
	Keywords           *string   `db:"keywords" json:"keywords,omitempty"`
	OGTitle            *string   `db:"og_title" json:"og_title,omitempty"`
	OGDescription      *string   `db:"og_description" json:"og_description,omitempty"`
	OGSiteName         *string   `db:"og_site_name" json:"og_site_name,omitempty"`
	TwitterTitle       *string   `db:"twitter_title" json:"twitter_title,omitempty"`
	TwitterDescription *string   `db:"twitter_description" json:"twitter_description,omitempty"`
	Canonical          *string   `db:"canonical" json:"canonical,omitempty"`
	H1                 *string   `db:"h1" json:"h1,omitempty"`
	Language           *string   `db:"language" json:"language,omitempty"`
	RecordLastUpdated  time.Time `db:"record_last_updated" json:"record_last_updated"`
}

// SocialLinkRow is one stored social link.
type SocialLinkRow struct {
	Platform          string    `db:"platform" json:"platform"`
	URL               string    `db:"url" json:"url"`
	RecordLastUpdated time.Time `db:"record_last_updated" json:"record_last_updated"`
}

// DomainDetail is a domain with its owner, metadata and social links.
type DomainDetail struct {
	ID                int64     `db:"id" json:"id"`
	Domain            string    `db:"domain" json:"domain"`
	ABN               *int64    `db:"abn" json:"abn,omitempty"`
	EntityName        *string   `db:"entity_name" json:"entity_name,omitempty"`
	RecordLastUpdated time.Time `db:"record_last_updated" json:"record_last_updated"`

	Metadata    []MetadataRow   `db:"-" json:"metadata"`
	SocialLinks []SocialLinkRow `db:"-" json:"social_links"`
}

// Stats counts the rows of each table.
type Stats struct {
	Entities     int64 `db:"entities" json:"entities"`
	TradingNames int64 `db:"trading_names" json:"trading_names"`
	Domains      int64 `db:"domains" json:"domains"`
	OwnedDomains int64 `db:"owned_domains" json:"owned_domains"`
	Metadata     int64 `db:"metadata" json:"metadata"`
	SocialLinks  int64 `db:"social_links" json:"social_links"`
}

var (
	entityStruct   = sqlbuilder.NewStruct(new(EntityDetail)).For(sqlbuilder.PostgreSQL)
	metadataStruct = sqlbuilder.NewStruct(new(MetadataRow)).For(sqlbuilder.PostgreSQL)
	socialStruct   = sqlbuilder.NewStruct(new(SocialLinkRow)).For(sqlbuilder.PostgreSQL)
)

// GetEntity returns the entity with abn.
func (s *Store) GetEntity(ctx context.Context, abn int64) (*EntityDetail, error) {
	sb := entityStruct.SelectFrom("au_entities")
	sb.Where(sb.Equal("abn", abn))
	query, args := sb.Build()

	var e EntityDetail
	if err := s.db.GetContext(ctx, &e, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get entity %d: %w", abn, err)
	}

	tb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	tb.Select("trading_name").From("au_entity_trading_names").
		Where(tb.Equal("abn", abn)).
		OrderBy("trading_name")
	query, args = tb.Build()
	e.TradingNames = []string{}
	if err := s.db.SelectContext(ctx, &e.TradingNames, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get trading names of %d: %w", abn, err)
	}

	db := sqlbuilder.PostgreSQL.NewSelectBuilder()
	db.Select("domain").From("au_entity_domains").
		Where(db.Equal("abn", abn)).
		OrderBy("domain")
	query, args = db.Build()
	e.Domains = []string{}
	if err := s.db.SelectContext(ctx, &e.Domains, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get domains of %d: %w", abn, err)
	}

	return &e, nil
}

// GetDomain returns domain with its metadata and social links.
func (s *Store) GetDomain(ctx context.Context, domain string) (*DomainDetail, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("d.id", "d.domain", "d.abn", "e.entity_name", "d.record_last_updated").
		From("au_entity_domains d").
		JoinWithOption(sqlbuilder.LeftJoin, "au_entities e", "e.abn = d.abn").
		Where(sb.Equal("d.domain", domain))
	query, args := sb.Build()

	var d DomainDetail
	if err := s.db.GetContext(ctx, &d, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get domain %s: %w", domain, err)
	}

	mb := metadataStruct.SelectFrom("au_domain_metadata")
	mb.Where(mb.Equal("domain_id", d.ID)).OrderBy("url")
	query, args = mb.Build()
	d.Metadata = []MetadataRow{}
	if err := s.db.SelectContext(ctx, &d.Metadata, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get metadata of %s: %w", domain, err)
	}

	lb := socialStruct.SelectFrom("au_entity_social_links")
	lb.Where(lb.Equal("domain_id", d.ID)).OrderBy("platform")
	query, args = lb.Build()
	d.SocialLinks = []SocialLinkRow{}
	if err := s.db.SelectContext(ctx, &d.SocialLinks, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get social links of %s: %w", domain, err)
	}

	return &d, nil
}

const statsSQL = `
SELECT
    (SELECT count(*) FROM au_entities) AS entities,
    (SELECT count(*) FROM au_entity_trading_names) AS trading_names,
    (SELECT count(*) FROM au_entity_domains) AS domains,
    (SELECT count(*) FROM au_entity_domains WHERE abn IS NOT NULL) AS owned_domains,
    (SELECT count(*) FROM au_domain_metadata) AS metadata,
    (SELECT count(*) FROM au_entity_social_links) AS social_links`

// Stats counts the rows of each table.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.GetContext(ctx, &st, statsSQL); err != nil {
		return Stats{}, fmt.Errorf("failed to count rows: %w", err)
	}
	return st, nil
}

// LoadCorpus reads every entity with its trading names, ordered by ABN,
// as index entries.
func (s *Store) LoadCorpus(ctx context.Context) ([]match.Entry, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(
		"e.abn",
		"e.entity_name",
		"COALESCE(array_agg(t.trading_name ORDER BY t.trading_name) FILTER (WHERE t.trading_name IS NOT NULL), '{}') AS trading_names",
	).
		From("au_entities e").
		JoinWithOption(sqlbuilder.LeftJoin, "au_entity_trading_names t", "t.abn = e.abn").
		GroupBy("e.abn").
		OrderBy("e.abn")
	query, args := sb.Build()

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query corpus: %w", err)
	}
	defer rows.Close()

	var entries []match.Entry
	for rows.Next() {
		var r struct {
			ABN          int64          `db:"abn"`
			EntityName   string         `db:"entity_name"`
			TradingNames pq.StringArray `db:"trading_names"`
		}
		if err := rows.StructScan(&r); err != nil {
			return nil, fmt.Errorf("failed to scan corpus row: %w", err)
		}
		entries = append(entries, match.Entry{
			ABN:          r.ABN,
			Name:         r.EntityName,
			TradingNames: []string(r.TradingNames),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read corpus: %w", err)
	}
	return entries, nil
}
