// Package store is the PostgreSQL implementation of the loader's store
// contract, plus the read queries behind the lookup API.
//
// Chunk writes pass each column as an array parameter and expand them with
// unnest, so a chunk costs one round trip per table whatever its size.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/entitylink/internal/loader"
	"github.com/entitylink/internal/model"
)

// Store runs loader transactions against PostgreSQL.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

var _ loader.Store = (*Store)(nil)

// New returns a Store over db.
func New(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InTx runs fn in a transaction, committing if it returns nil.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx loader.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("Failed to roll back transaction", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// IsTransient reports whether err is worth retrying: lost connections,
// serialization failures, deadlocks, resource exhaustion, cancelled
// statements and server shutdowns.
func IsTransient(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53":
			return true
		}
		switch pqErr.Code {
		case "40001", "40P01", "57014", "57P01", "57P02", "57P03":
			return true
		}
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return loader.IsTransient(err)
}

type pgTx struct {
	tx *sqlx.Tx
}

const upsertEntitiesSQL = `
INSERT INTO au_entities (
    abn, entity_name, entity_type, entity_type_code, abn_status, abn_status_from,
    asic_number, gst_status, gst_from, state, postcode, record_last_updated)
SELECT abn, entity_name, entity_type, entity_type_code, abn_status, abn_status_from,
       asic_number, gst_status, gst_from, state, postcode, COALESCE(record_last_updated, CURRENT_DATE)
FROM unnest($1::bigint[], $2::text[], $3::text[], $4::text[], $5::text[], $6::date[],
            $7::bigint[], $8::text[], $9::date[], $10::text[], $11::text[], $12::date[])
    AS t(abn, entity_name, entity_type, entity_type_code, abn_status, abn_status_from,
         asic_number, gst_status, gst_from, state, postcode, record_last_updated)
ON CONFLICT (abn) DO UPDATE SET
    entity_name = EXCLUDED.entity_name,
    entity_type = COALESCE(EXCLUDED.entity_type, au_entities.entity_type),
    entity_type_code = COALESCE(EXCLUDED.entity_type_code, au_entities.entity_type_code),
    abn_status = COALESCE(EXCLUDED.abn_status, au_entities.abn_status),
    abn_status_from = COALESCE(EXCLUDED.abn_status_from, au_entities.abn_status_from),
    asic_number = COALESCE(EXCLUDED.asic_number, au_entities.asic_number),
    gst_status = COALESCE(EXCLUDED.gst_status, au_entities.gst_status),
    gst_from = COALESCE(EXCLUDED.gst_from, au_entities.gst_from),
    state = COALESCE(EXCLUDED.state, au_entities.state),
    postcode = COALESCE(EXCLUDED.postcode, au_entities.postcode),
    record_last_updated = EXCLUDED.record_last_updated,
    updated_at = now()`

func (t *pgTx) UpsertEntities(ctx context.Context, entities []model.Entity) error {
	if len(entities) == 0 {
		return nil
	}

	n := len(entities)
	var (
		abns      = make([]int64, n)
		names     = make([]string, n)
		types     = make([]sql.NullString, n)
		typeCodes = make([]sql.NullString, n)
		statuses  = make([]sql.NullString, n)
		from      = make([]sql.NullString, n)
		asic      = make([]sql.NullInt64, n)
		gst       = make([]sql.NullString, n)
		gstFrom   = make([]sql.NullString, n)
		states    = make([]sql.NullString, n)
		postcodes = make([]sql.NullString, n)
		updated   = make([]sql.NullString, n)
	)
	for i, e := range entities {
		abns[i] = e.ABN
		names[i] = e.EntityName
		types[i] = nullString(e.EntityType)
		typeCodes[i] = nullString(e.EntityTypeCode)
		statuses[i] = nullString(e.ABNStatus)
		from[i] = nullDate(e.ABNStatusFrom)
		if e.ASICNumber != nil {
			asic[i] = sql.NullInt64{Int64: *e.ASICNumber, Valid: true}
		}
		gst[i] = nullString(e.GSTStatus)
		gstFrom[i] = nullDate(e.GSTFrom)
		states[i] = nullString(e.State)
		postcodes[i] = nullString(e.Postcode)
		updated[i] = nullDate(e.RecordLastUpdated)
	}

	_, err := t.tx.ExecContext(ctx, upsertEntitiesSQL,
		pq.Array(abns), pq.Array(names), pq.Array(types), pq.Array(typeCodes),
		pq.Array(statuses), pq.Array(from), pq.Array(asic), pq.Array(gst),
		pq.Array(gstFrom), pq.Array(states), pq.Array(postcodes), pq.Array(updated))
	return err
}

func (t *pgTx) InsertTradingNames(ctx context.Context, names []model.TradingName) error {
	if len(names) == 0 {
		return nil
	}
	abns := make([]int64, len(names))
	values := make([]string, len(names))
	for i, tn := range names {
		abns[i] = tn.ABN
		values[i] = tn.Name
	}
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO au_entity_trading_names (abn, trading_name)
SELECT * FROM unnest($1::bigint[], $2::text[])
ON CONFLICT DO NOTHING`, pq.Array(abns), pq.Array(values))
	return err
}

func (t *pgTx) KnownEntities(ctx context.Context, abns []int64) (map[int64]struct{}, error) {
	known := make(map[int64]struct{}, len(abns))
	if len(abns) == 0 {
		return known, nil
	}
	var found []int64
	err := t.tx.SelectContext(ctx, &found,
		`SELECT abn FROM au_entities WHERE abn = ANY($1::bigint[])`, pq.Array(abns))
	if err != nil {
		return nil, err
	}
	for _, abn := range found {
		known[abn] = struct{}{}
	}
	return known, nil
}

func domainArrays(owners []model.DomainOwner) ([]string, []sql.NullInt64) {
	domains := make([]string, len(owners))
	abns := make([]sql.NullInt64, len(owners))
	for i, o := range owners {
		domains[i] = o.Domain
		if o.ABN != nil {
			abns[i] = sql.NullInt64{Int64: *o.ABN, Valid: true}
		}
	}
	return domains, abns
}

func (t *pgTx) UpsertDomains(ctx context.Context, owners []model.DomainOwner) error {
	if len(owners) == 0 {
		return nil
	}
	domains, abns := domainArrays(owners)
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO au_entity_domains AS d (domain, abn)
SELECT * FROM unnest($1::text[], $2::bigint[])
ON CONFLICT (domain) DO UPDATE SET
    abn = COALESCE(EXCLUDED.abn, d.abn),
    record_last_updated = now()`, pq.Array(domains), pq.Array(abns))
	return err
}

func (t *pgTx) EnsureDomains(ctx context.Context, owners []model.DomainOwner) (int, error) {
	if len(owners) == 0 {
		return 0, nil
	}
	domains, abns := domainArrays(owners)
	res, err := t.tx.ExecContext(ctx, `
INSERT INTO au_entity_domains (domain, abn)
SELECT * FROM unnest($1::text[], $2::bigint[])
ON CONFLICT (domain) DO NOTHING`, pq.Array(domains), pq.Array(abns))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (t *pgTx) DomainIDs(ctx context.Context, domains []string) (map[string]int64, error) {
	ids := make(map[string]int64, len(domains))
	if len(domains) == 0 {
		return ids, nil
	}
	var rows []struct {
		ID     int64  `db:"id"`
		Domain string `db:"domain"`
	}
	err := t.tx.SelectContext(ctx, &rows,
		`SELECT id, domain FROM au_entity_domains WHERE domain = ANY($1::text[])`, pq.Array(domains))
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		ids[r.Domain] = r.ID
	}
	return ids, nil
}

const metadataColumns = `title, description, keywords, og_title, og_description, og_site_name,
    twitter_title, twitter_description, canonical, h1, language`

// upsertMetadataSQL takes the conflict action as its only verb.
const upsertMetadataSQL = `
INSERT INTO au_domain_metadata AS m (domain_id, url, ` + metadataColumns + `)
SELECT * FROM unnest($1::bigint[], $2::text[], $3::text[], $4::text[], $5::text[], $6::text[],
                     $7::text[], $8::text[], $9::text[], $10::text[], $11::text[], $12::text[], $13::text[])
ON CONFLICT (domain_id, url) DO UPDATE SET %s`

const refreshMetadataSet = `
    title = EXCLUDED.title,
    description = EXCLUDED.description,
    keywords = EXCLUDED.keywords,
    og_title = EXCLUDED.og_title,
    og_description = EXCLUDED.og_description,
    og_site_name = EXCLUDED.og_site_name,
    twitter_title = EXCLUDED.twitter_title,
    twitter_description = EXCLUDED.twitter_description,
    canonical = EXCLUDED.canonical,
    h1 = EXCLUDED.h1,
    language = EXCLUDED.language,
    record_last_updated = now()`

const touchMetadataSet = `record_last_updated = now()`

func (t *pgTx) UpsertMetadata(ctx context.Context, rows []model.PageMetadata, refresh bool) error {
	if len(rows) == 0 {
		return nil
	}

	n := len(rows)
	ids := make([]int64, n)
	urls := make([]string, n)
	var cols [11][]sql.NullString
	for c := range cols {
		cols[c] = make([]sql.NullString, n)
	}
	for i, r := range rows {
		ids[i] = r.DomainID
		urls[i] = r.URL
		for c, v := range metaValues(r.Meta) {
			if v != nil {
				cols[c][i] = sql.NullString{String: *v, Valid: true}
			}
		}
	}

	set := touchMetadataSet
	if refresh {
		set = refreshMetadataSet
	}
	args := []any{pq.Array(ids), pq.Array(urls)}
	for c := range cols {
		args = append(args, pq.Array(cols[c]))
	}
	_, err := t.tx.ExecContext(ctx, fmt.Sprintf(upsertMetadataSQL, set), args...)
	return err
}

// metaValues lists m in metadataColumns order.
func metaValues(m model.PageMeta) [11]*string {
	return [11]*string{
		m.Title, m.Description, m.Keywords, m.OGTitle, m.OGDescription, m.OGSiteName,
		m.TwitterTitle, m.TwitterDescription, m.Canonical, m.H1, m.Language,
	}
}

func (t *pgTx) UpsertSocialLinks(ctx context.Context, links []model.SocialLink) error {
	if len(links) == 0 {
		return nil
	}
	ids := make([]int64, len(links))
	platforms := make([]string, len(links))
	urls := make([]string, len(links))
	for i, l := range links {
		ids[i] = l.DomainID
		platforms[i] = l.Platform
		urls[i] = l.URL
	}
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO au_entity_social_links (domain_id, platform, url)
SELECT * FROM unnest($1::bigint[], $2::text[], $3::text[])
ON CONFLICT (domain_id, platform) DO UPDATE SET
    url = EXCLUDED.url,
    record_last_updated = now()`, pq.Array(ids), pq.Array(platforms), pq.Array(urls))
	return err
}

func (t *pgTx) TouchMetadata(ctx context.Context, keys []model.MetadataKey) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	ids := make([]int64, len(keys))
	urls := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k.DomainID
		urls[i] = k.URL
	}
	res, err := t.tx.ExecContext(ctx, `
UPDATE au_domain_metadata m SET record_last_updated = now()
FROM unnest($1::bigint[], $2::text[]) AS k(domain_id, url)
WHERE m.domain_id = k.domain_id AND m.url = k.url`, pq.Array(ids), pq.Array(urls))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullDate(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.DateOnly), Valid: true}
}
