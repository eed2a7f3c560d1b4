package loader

import (
	"context"
	"fmt"

	"github.com/entitylink/internal/model"
)

// LoadEntities runs the entity stage: entity attributes are last write
// wins, trading names are an append-only set.
func (l *Loader) LoadEntities(ctx context.Context, src ChunkSource[model.Entity]) (StageSummary, error) {
	return runStage(ctx, l, StageEntities, src, func(ctx context.Context, idx int, chunk []model.Entity) (StageSummary, error) {
		entities, names := entityBatch(chunk)
		err := l.commit(ctx, StageEntities, idx, func(ctx context.Context, tx Tx) error {
			if err := tx.UpsertEntities(ctx, entities); err != nil {
				return fmt.Errorf("failed to upsert entities: %w", err)
			}
			if len(names) == 0 {
				return nil
			}
			if err := tx.InsertTradingNames(ctx, names); err != nil {
				return fmt.Errorf("failed to insert trading names: %w", err)
			}
			return nil
		})
		return StageSummary{}, err
	})
}

// entityBatch collapses repeated ABNs within a chunk. The last record's
// attributes win; trading names accumulate across all of them.
func entityBatch(chunk []model.Entity) ([]model.Entity, []model.TradingName) {
	pos := make(map[int64]int, len(chunk))
	entities := make([]model.Entity, 0, len(chunk))
	for _, e := range chunk {
		if i, ok := pos[e.ABN]; ok {
			entities[i] = e
			continue
		}
		pos[e.ABN] = len(entities)
		entities = append(entities, e)
	}

	var names []model.TradingName
	seen := make(map[model.TradingName]struct{})
	for _, e := range chunk {
		for _, tn := range e.TradingNames {
			key := model.TradingName{ABN: e.ABN, Name: tn}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			names = append(names, key)
		}
	}
	return entities, names
}
