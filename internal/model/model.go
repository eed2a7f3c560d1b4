// Package model holds the record types shared by the ingest, match, loader
// and store packages.
package model

import "time"

// Entity is a registered business keyed by its ABN.
type Entity struct {
	ABN               int64  `validate:"gt=0"`
	EntityName        string `validate:"required"`
	EntityType        string
	EntityTypeCode    string
	ABNStatus         string
	ABNStatusFrom     *time.Time
	ASICNumber        *int64
	GSTStatus         string
	GSTFrom           *time.Time
	State             string
	Postcode          string
	RecordLastUpdated *time.Time
	TradingNames      []string
}

// TradingName is one row of the append-only trading name set.
type TradingName struct {
	ABN  int64
	Name string
}

// Social platforms recognised in page metadata, in the order they are
// written.
var SocialPlatforms = []string{"linkedin", "facebook", "twitter", "instagram", "youtube"}

// PageMeta is the metadata extracted from one crawled page.
type PageMeta struct {
	Title              *string
	Description        *string
	Keywords           *string
	OGTitle            *string
	OGDescription      *string
	OGSiteName         *string
	TwitterTitle       *string
	TwitterDescription *string
	Canonical          *string
	H1                 *string
	Language           *string
}

// CrawlRecord is a crawled page: the domain stage input and, via its
// domain, the match step input. ABN is set when the record was already
// associated with an entity upstream.
type CrawlRecord struct {
	Domain string `validate:"required,hostname_rfc1123"`
	URL    string `validate:"omitempty,url"`
	ABN    *int64 `validate:"omitempty,gt=0"`
	Meta   PageMeta
	Social map[string]string
}

// DomainOwner associates a domain string with an owning entity, if any.
type DomainOwner struct {
	Domain string
	ABN    *int64
}

// PageMetadata is a metadata row resolved to its domain's surrogate id.
type PageMetadata struct {
	DomainID int64
	URL      string
	Meta     PageMeta
}

// SocialLink is one (domain, platform) link.
type SocialLink struct {
	DomainID int64
	Platform string
	URL      string
}

// MetadataKey identifies a metadata row.
type MetadataKey struct {
	DomainID int64
	URL      string
}

// Candidate forms a match can be made on.
const (
	MatchedOnLegal    = "legal"
	MatchedOnTrading  = "trading"
	MatchedOnCombined = "combined"
)

// MatchRecord is the match decision for one crawled domain. ABN,
// EntityName and TradingName are nil when the best score fell below the
// accept threshold.
type MatchRecord struct {
	Domain      string `validate:"required,hostname_rfc1123"`
	URL         string
	ABN         *int64 `validate:"omitempty,gt=0"`
	EntityName  *string
	TradingName *string
	Score       float64 `validate:"gte=0,lte=100"`
	MatchedOn   string
	Tied        int
}

// Matched reports whether the record carries an entity.
func (m MatchRecord) Matched() bool {
	return m.ABN != nil
}
