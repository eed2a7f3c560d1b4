package loader

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/entitylink/internal/model"
)

// LoadLinks runs the scored-link stage over match records. Every domain is
// made to exist; a matched domain gets the matched entity as owner, an
// unmatched one never loses its owner. Metadata rows already recorded for
// the (domain, url) pairs have their timestamp refreshed.
func (l *Loader) LoadLinks(ctx context.Context, src ChunkSource[model.MatchRecord]) (StageSummary, error) {
	return runStage(ctx, l, StageLinks, src, func(ctx context.Context, idx int, chunk []model.MatchRecord) (StageSummary, error) {
		owners := linkOwners(chunk)

		var delta StageSummary
		err := l.commit(ctx, StageLinks, idx, func(ctx context.Context, tx Tx) error {
			batch := append([]model.DomainOwner(nil), owners...)
			unresolved, err := resolveOwners(ctx, tx, batch)
			if err != nil {
				return err
			}

			ids, created, err := resolveDomainIDs(ctx, tx, batch)
			if err != nil {
				return err
			}

			var assign []model.DomainOwner
			for _, o := range batch {
				if o.ABN != nil {
					assign = append(assign, o)
				}
			}
			if len(assign) > 0 {
				if err := tx.UpsertDomains(ctx, assign); err != nil {
					return fmt.Errorf("failed to assign domain owners: %w", err)
				}
			}

			touched, err := tx.TouchMetadata(ctx, metadataKeys(chunk, ids))
			if err != nil {
				return fmt.Errorf("failed to touch metadata: %w", err)
			}
			l.logger.Debug("Refreshed metadata timestamps",
				zap.Int("chunk", idx),
				zap.Int("rows", touched))

			delta = StageSummary{UnresolvedOwners: unresolved, SelfHealed: created}
			return nil
		})
		return delta, err
	})
}

// linkOwners lists each domain of chunk once, in first-seen order, owned
// by the last entity it was matched to.
func linkOwners(chunk []model.MatchRecord) []model.DomainOwner {
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

func metadataKeys(chunk []model.MatchRecord, ids map[string]int64) []model.MetadataKey {
	seen := make(map[model.MetadataKey]struct{}, len(chunk))
	keys := make([]model.MetadataKey, 0, len(chunk))
	for _, r := range chunk {
		key := model.MetadataKey{DomainID: ids[r.Domain], URL: r.URL}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}
