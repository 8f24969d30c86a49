package sync

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/shinka-ai/shinka/internal/model"
	"github.com/shinka-ai/shinka/internal/relational"
	"github.com/shinka-ai/shinka/internal/storage"
)

// backwardPass writes concept edits back to their source rows. Only columns
// whitelisted by the table's mapping rule are ever touched. The whole batch
// applies in one source transaction; a rollback leaves the checkpoint
// untouched so the next pass replays it.
func (s *Synchronizer) backwardPass(ctx context.Context, batchSize int) (passResult, error) {
	var res passResult

	rules, err := s.store.ListSyncMappings(ctx)
	if err != nil {
		return res, fmt.Errorf("sync: list mappings: %w", err)
	}
	byTable := make(map[string]model.MappingRule, len(rules))
	for _, r := range rules {
		byTable[r.Table] = r
	}

	cp, err := s.store.GetSyncCheckpoint(ctx, model.SyncBackward)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return res, fmt.Errorf("sync: load backward checkpoint: %w", err)
	}

	concepts, err := s.store.ListConceptsChangedSince(ctx, cp.LastUpdatedAt, cp.LastID, batchSize)
	if err != nil {
		return res, fmt.Errorf("sync: list changed concepts: %w", err)
	}
	if len(concepts) == 0 {
		return res, nil
	}

	txErr := s.source.Transaction(ctx, func(ctx context.Context, tx relational.Executor) error {
		for _, c := range concepts {
			res.processed++
			outcome, err := s.writeBack(ctx, tx, byTable, c, cp.LastUpdatedAt)
			if err != nil {
				// One bad row rolls the batch back; the checkpoint stays put.
				return fmt.Errorf("sync: write back concept %s: %w", c.ID, err)
			}
			switch outcome {
			case backWritten:
				res.synced++
			case backSkipped:
				res.skipped++
			case backQuarantined:
				res.quarantined++
			}
		}
		return nil
	})
	if txErr != nil {
		res.failed += res.processed
		res.synced, res.skipped, res.quarantined = 0, 0, 0
		return res, txErr
	}

	last := concepts[len(concepts)-1]
	if err := s.store.SaveSyncCheckpoint(ctx, model.SyncCheckpoint{
		Direction:     model.SyncBackward,
		LastUpdatedAt: last.UpdatedAt,
		LastID:        last.ID,
	}); err != nil {
		return res, fmt.Errorf("sync: save backward checkpoint: %w", err)
	}

	// Refresh row hashes outside the transaction so the forward pass does
	// not echo the rows we just wrote.
	s.refreshRowHashes(ctx, byTable, concepts)
	return res, nil
}

type backOutcome int

const (
	backSkipped backOutcome = iota
	backWritten
	backQuarantined
)

// writeBack applies one concept's whitelisted fields to its source row.
func (s *Synchronizer) writeBack(ctx context.Context, tx relational.Executor, byTable map[string]model.MappingRule, c model.Concept, checkpoint time.Time) (backOutcome, error) {
	key, ok := model.SourceKeyFromMetadata(c.Metadata)
	if !ok {
		s.logger.Warn("sync: concept has malformed source key, skipping", "concept_id", c.ID)
		return backSkipped, nil
	}
	rule, ok := byTable[key.Table]
	if !ok {
		// The mapping was removed; the concept is orphaned from sync.
		return backSkipped, nil
	}

	values := writebackValues(rule, c)
	if len(values) == 0 {
		return backSkipped, nil
	}

	// Read the current row to detect conflicts and no-op writes.
	cols := append([]string{rule.UpdatedAtColumn}, sortedColumns(keysOf(values))...)
	rows, _, err := tx.Execute(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1`,
			quotedList(cols), quoteIdent(rule.Table), quoteIdent(rule.PKColumn)),
		key.PrimaryKey,
	)
	if err != nil {
		return backSkipped, err
	}
	if len(rows.Rows) == 0 {
		s.logger.Warn("sync: source row is gone, skipping write back",
			"table", key.Table, "pk", key.PrimaryKey)
		return backSkipped, nil
	}
	row := rows.Rows[0]

	if unchangedValues(values, row) {
		return backSkipped, nil
	}

	if rowAt, ok := asTime(row[rule.UpdatedAtColumn]); ok && rowAt.After(checkpoint) {
		winner, err := s.resolveConflict(ctx, rule, key.PrimaryKey, rowAt, row, c)
		if err != nil {
			return backSkipped, err
		}
		switch winner {
		case model.SyncForward:
			return backSkipped, nil // the row wins; forward will reconcile
		case "":
			return backQuarantined, nil
		}
	}

	set := ""
	args := make([]any, 0, len(values)+1)
	for i, col := range sortedColumns(keysOf(values)) {
		if i > 0 {
			set += ", "
		}
		set += fmt.Sprintf("%s = $%d", quoteIdent(col), len(args)+1)
		args = append(args, values[col])
	}
	args = append(args, key.PrimaryKey)

	_, _, err = tx.Execute(ctx,
		fmt.Sprintf(`UPDATE %s SET %s WHERE %s = $%d`,
			quoteIdent(rule.Table), set, quoteIdent(rule.PKColumn), len(args)),
		args...,
	)
	if err != nil {
		return backSkipped, err
	}
	return backWritten, nil
}

// writebackValues maps whitelisted columns to the concept fields that feed
// them. Description only writes back through a single-column mapping; a
// joined description cannot be split apart again.
func writebackValues(rule model.MappingRule, c model.Concept) map[string]any {
	allowed := make(map[string]struct{}, len(rule.WritebackColumns))
	for _, col := range rule.WritebackColumns {
		allowed[col] = struct{}{}
	}

	values := make(map[string]any)
	if _, ok := allowed[rule.NameColumn]; ok {
		values[rule.NameColumn] = c.Name
	}
	if len(rule.DescColumns) == 1 {
		if _, ok := allowed[rule.DescColumns[0]]; ok {
			values[rule.DescColumns[0]] = c.Description
		}
	}
	for _, col := range rule.MetadataColumns {
		if _, ok := allowed[col]; !ok {
			continue
		}
		if v, present := c.Metadata[col]; present {
			values[col] = v
		}
	}
	return values
}

// unchangedValues reports whether every pending value already matches the
// row, comparing as strings to bridge engine type differences.
func unchangedValues(values map[string]any, row map[string]any) bool {
	for col, v := range values {
		cur, ok := row[col]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", v) != fmt.Sprintf("%v", cur) && !reflect.DeepEqual(v, cur) {
			return false
		}
	}
	return true
}

// refreshRowHashes re-reads rows touched by a backward batch and stores
// their new content hashes, so the forward pass skips them instead of
// projecting the write back into the concept again.
func (s *Synchronizer) refreshRowHashes(ctx context.Context, byTable map[string]model.MappingRule, concepts []model.Concept) {
	for _, c := range concepts {
		key, ok := model.SourceKeyFromMetadata(c.Metadata)
		if !ok {
			continue
		}
		rule, ok := byTable[key.Table]
		if !ok {
			continue
		}
		rows, _, err := s.source.Execute(ctx,
			fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1`,
				quotedList(mappedColumns(rule)), quoteIdent(rule.Table), quoteIdent(rule.PKColumn)),
			key.PrimaryKey,
		)
		if err != nil || len(rows.Rows) == 0 {
			continue
		}
		if err := s.store.UpsertRowHash(ctx, key.Table, key.PrimaryKey, rowHash(rule, rows.Rows[0])); err != nil {
			s.logger.Warn("sync: refresh row hash failed",
				"table", key.Table, "pk", key.PrimaryKey, "error", err)
		}
	}
}

func keysOf(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
