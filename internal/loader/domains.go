package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/entitylink/internal/model"
)

// LoadDomains runs the domain stage and, chunk by chunk, the dependent
// stage over the same crawl records. A chunk's domain upserts commit
// before its metadata and social links are written against the re-read
// domain ids; a domain still missing by then is created with its owner.
// It returns the domain and the dependent summaries.
func (l *Loader) LoadDomains(ctx context.Context, src ChunkSource[model.CrawlRecord]) (StageSummary, StageSummary, error) {
	deps := StageSummary{Stage: StageDependents}
	start := time.Now()

	sum, err := runStage(ctx, l, StageDomains, src, func(ctx context.Context, idx int, chunk []model.CrawlRecord) (StageSummary, error) {
		owners := domainOwners(chunk)

		var unresolved int
		err := l.commit(ctx, StageDomains, idx, func(ctx context.Context, tx Tx) error {
			batch := append([]model.DomainOwner(nil), owners...)
			n, err := resolveOwners(ctx, tx, batch)
			if err != nil {
				return err
			}
			if err := tx.UpsertDomains(ctx, batch); err != nil {
				return fmt.Errorf("failed to upsert domains: %w", err)
			}
			unresolved = n
			return nil
		})
		if err != nil && ctx.Err() != nil {
			return StageSummary{}, ctx.Err()
		}

		// Dependents are written even when the domain upsert failed; their
		// missing domains are created on the way.
		var healed int
		derr := l.commit(ctx, StageDependents, idx, func(ctx context.Context, tx Tx) error {
			ids, created, err := resolveDomainIDs(ctx, tx, owners)
			if err != nil {
				return err
			}
			meta, links := dependentBatch(chunk, ids)
			if err := tx.UpsertMetadata(ctx, meta, l.cfg.RefreshMetadata); err != nil {
				return fmt.Errorf("failed to upsert metadata: %w", err)
			}
			if len(links) > 0 {
				if err := tx.UpsertSocialLinks(ctx, links); err != nil {
					return fmt.Errorf("failed to upsert social links: %w", err)
				}
			}
			healed = created
			return nil
		})
		if derr != nil && ctx.Err() != nil {
			return StageSummary{}, ctx.Err()
		}
		deps.add(idx, len(chunk), StageSummary{SelfHealed: healed}, derr)
		if derr != nil {
			l.logger.Error("Chunk failed, skipping",
				zap.String("stage", StageDependents),
				zap.Int("chunk", idx),
				zap.Int("records", len(chunk)),
				zap.Error(derr))
			if perr := l.Ping(ctx); perr != nil {
				return StageSummary{}, perr
			}
		}
		return StageSummary{UnresolvedOwners: unresolved}, err
	})

	deps.Duration = time.Since(start)
	if err == nil || errors.Is(err, ErrFatal) {
		l.logger.Info("Stage finished",
			zap.String("stage", StageDependents),
			zap.Int("processed", deps.Processed),
			zap.Int("failed", deps.Failed),
			zap.Ints("failed_chunks", deps.FailedChunks),
			zap.Int("self_healed", deps.SelfHealed),
			zap.Duration("duration", deps.Duration))
	}
	return sum, deps, err
}

// domainOwners lists each domain of chunk once, in first-seen order. The
// owner is the last ABN given for the domain.
func domainOwners(chunk []model.CrawlRecord) []model.DomainOwner {
	pos := make(map[string]int, len(chunk))
	owners := make([]model.DomainOwner, 0, len(chunk))
	for _, r := range chunk {
		i, ok := pos[r.Domain]
		if !ok {
			pos[r.Domain] = len(owners)
			owners = append(owners, model.DomainOwner{Domain: r.Domain, ABN: r.ABN})
			continue
		}
		if r.ABN != nil {
			owners[i].ABN = r.ABN
		}
	}
	return owners
}

// dependentBatch builds the metadata and social link rows of chunk. Later
// records win over earlier ones with the same key.
func dependentBatch(chunk []model.CrawlRecord, ids map[string]int64) ([]model.PageMetadata, []model.SocialLink) {
	metaPos := make(map[model.MetadataKey]int, len(chunk))
	meta := make([]model.PageMetadata, 0, len(chunk))

	type linkKey struct {
		domainID int64
		platform string
	}
	linkPos := make(map[linkKey]int)
	var links []model.SocialLink

	for _, r := range chunk {
		id := ids[r.Domain]

		row := model.PageMetadata{DomainID: id, URL: r.URL, Meta: r.Meta}
		key := model.MetadataKey{DomainID: id, URL: r.URL}
		if i, ok := metaPos[key]; ok {
			meta[i] = row
		} else {
			metaPos[key] = len(meta)
			meta = append(meta, row)
		}

		for _, platform := range model.SocialPlatforms {
			url, ok := r.Social[platform]
			if !ok || url == "" {
				continue
			}
			link := model.SocialLink{DomainID: id, Platform: platform, URL: url}
			lk := linkKey{id, platform}
			if i, ok := linkPos[lk]; ok {
				links[i] = link
				continue
			}
			linkPos[lk] = len(links)
			links = append(links, link)
		}
	}
	return meta, links
}
