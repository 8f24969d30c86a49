package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shinka-ai/shinka/internal/model"
	"github.com/shinka-ai/shinka/internal/storage"
)

// forwardPass projects changed relational rows into concepts, one mapping
// rule at a time, sharing the batch budget across tables.
//
// The scan uses updated_at >= checkpoint (not strictly greater) so boundary
// rows are never lost; the row hash makes replaying them free. The
// checkpoint advances to the smallest per-table high-water mark, which is
// conservative but safe under the monotonic save guard.
func (s *Synchronizer) forwardPass(ctx context.Context, batchSize int) (passResult, error) {
	var res passResult

	rules, err := s.store.ListSyncMappings(ctx)
	if err != nil {
		return res, fmt.Errorf("sync: list mappings: %w", err)
	}
	if len(rules) == 0 {
		return res, nil
	}

	cp, err := s.store.GetSyncCheckpoint(ctx, model.SyncForward)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return res, fmt.Errorf("sync: load forward checkpoint: %w", err)
	}

	remaining := batchSize
	var (
		advanceTo   time.Time
		advanceID   string
		sawProgress bool
	)

	for _, rule := range rules {
		if remaining <= 0 || ctx.Err() != nil {
			break
		}
		lastAt, lastID, n, err := s.syncTable(ctx, rule, cp.LastUpdatedAt, remaining, &res)
		if err != nil {
			s.logger.Warn("sync: table pass failed", "table", rule.Table, "error", err)
			res.failed++
			continue
		}
		remaining -= n
		if n > 0 {
			// Conservative global checkpoint: the earliest per-table mark.
			if !sawProgress || lastAt.Before(advanceTo) {
				advanceTo, advanceID = lastAt, lastID
			}
			sawProgress = true
		}
	}

	if sawProgress {
		if err := s.store.SaveSyncCheckpoint(ctx, model.SyncCheckpoint{
			Direction:     model.SyncForward,
			LastUpdatedAt: advanceTo,
			LastID:        advanceID,
		}); err != nil {
			return res, fmt.Errorf("sync: save forward checkpoint: %w", err)
		}
	}
	return res, nil
}

// syncTable applies one rule's changed rows. Returns the high-water mark and
// the number of rows scanned.
func (s *Synchronizer) syncTable(ctx context.Context, rule model.MappingRule, since time.Time, limit int, res *passResult) (time.Time, string, int, error) {
	cols := append([]string{rule.PKColumn, rule.UpdatedAtColumn}, mappedColumns(rule)...)
	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s >= $1 ORDER BY %s, %s LIMIT %d`,
		quotedList(cols), quoteIdent(rule.Table),
		quoteIdent(rule.UpdatedAtColumn),
		quoteIdent(rule.UpdatedAtColumn), quoteIdent(rule.PKColumn),
		limit,
	)

	rows, _, err := s.source.Execute(ctx, query, since.UTC())
	if err != nil {
		return time.Time{}, "", 0, fmt.Errorf("sync: scan %s: %w", rule.Table, err)
	}

	var (
		lastAt time.Time
		lastID string
	)
	for _, row := range rows.Rows {
		if ctx.Err() != nil {
			break
		}
		pk := fmt.Sprintf("%v", row[rule.PKColumn])
		rowAt, ok := asTime(row[rule.UpdatedAtColumn])
		if !ok {
			s.logger.Warn("sync: row has unreadable timestamp, skipping",
				"table", rule.Table, "pk", pk)
			res.failed++
			res.processed++
			continue
		}

		res.processed++
		switch err := s.applyRow(ctx, rule, pk, rowAt, row, since); {
		case err == nil:
			res.synced++
		case errors.Is(err, errRowUnchanged):
			res.skipped++
		case errors.Is(err, errRowQuarantined):
			res.quarantined++
		default:
			s.logger.Warn("sync: row apply failed", "table", rule.Table, "pk", pk, "error", err)
			res.failed++
			continue // a failed row must not advance the mark past itself
		}
		lastAt, lastID = rowAt, pk
	}
	return lastAt, lastID, len(rows.Rows), nil
}

// Sentinel outcomes for applyRow; both mean "handled, nothing written".
var (
	errRowUnchanged   = errors.New("row unchanged")
	errRowQuarantined = errors.New("row quarantined")
)

// applyRow mirrors one relational row into its concept. Vector first, then
// metadata, then the idempotence hash, matching the concept store's write
// order so a crash leaves at worst an orphan vector.
func (s *Synchronizer) applyRow(ctx context.Context, rule model.MappingRule, pk string, rowAt time.Time, row map[string]any, checkpoint time.Time) error {
	hash := rowHash(rule, row)
	prev, err := s.store.GetRowHash(ctx, rule.Table, pk)
	if err != nil {
		return err
	}
	if prev == hash {
		return errRowUnchanged
	}

	existing, err := s.store.GetConceptBySourceKey(ctx, rule.Table, pk)
	exists := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	// Both sides changed since the checkpoint: resolve by policy.
	if exists && existing.UpdatedAt.After(checkpoint) {
		winner, err := s.resolveConflict(ctx, rule, pk, rowAt, row, existing)
		if err != nil {
			return err
		}
		if winner != model.SyncForward {
			// Concept wins; record the hash so the row stops re-conflicting.
			if err := s.store.UpsertRowHash(ctx, rule.Table, pk, hash); err != nil {
				return err
			}
			if winner == "" {
				return errRowQuarantined
			}
			return errRowUnchanged
		}
	}

	concept := s.projectRow(rule, pk, row)
	text := concept.Name
	if concept.Description != "" {
		text = concept.Name + ": " + concept.Description
	}
	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("sync: embed %s/%s: %w", rule.Table, pk, err)
	}

	id := concept.ID
	if exists {
		id = existing.ID
	}
	if err := s.vectors.Upsert(ctx, rule.TenantID, id, vector, concept.Name); err != nil {
		return fmt.Errorf("sync: vector upsert %s/%s: %w", rule.Table, pk, err)
	}

	concept.Vector = vector
	if exists {
		concept.ID = existing.ID
		concept.CreatedAt = existing.CreatedAt
		concept.UsageCount = existing.UsageCount
		concept.Strength = existing.Strength
		if _, err := s.store.UpdateConcept(ctx, concept); err != nil {
			return fmt.Errorf("sync: update concept %s/%s: %w", rule.Table, pk, err)
		}
	} else {
		if _, err := s.store.CreateConcept(ctx, concept); err != nil {
			return fmt.Errorf("sync: create concept %s/%s: %w", rule.Table, pk, err)
		}
	}

	return s.store.UpsertRowHash(ctx, rule.Table, pk, hash)
}

// projectRow builds the concept a row maps to, without ID reuse or vector.
func (s *Synchronizer) projectRow(rule model.MappingRule, pk string, row map[string]any) model.Concept {
	var descParts []string
	for _, col := range rule.DescColumns {
		if v := row[col]; v != nil {
			if str := fmt.Sprintf("%v", v); str != "" {
				descParts = append(descParts, str)
			}
		}
	}

	metadata := make(map[string]any, len(rule.MetadataColumns)+2)
	for _, col := range rule.MetadataColumns {
		metadata[col] = row[col]
	}
	metadata[model.MetadataKeySourceKey] = model.SourceKey{Table: rule.Table, PrimaryKey: pk}
	metadata[model.MetadataKeyMappingRule] = rule.Table

	return model.Concept{
		ID:          uuid.New().String(),
		TenantID:    rule.TenantID,
		Name:        fmt.Sprintf("%v", row[rule.NameColumn]),
		Description: strings.Join(descParts, "\n"),
		Metadata:    metadata,
	}
}

// resolveConflict decides the winning side. Returns SyncForward when the row
// wins, SyncBackward when the concept wins, and "" after quarantining.
func (s *Synchronizer) resolveConflict(ctx context.Context, rule model.MappingRule, pk string, rowAt time.Time, row map[string]any, concept model.Concept) (model.SyncDirection, error) {
	policy := rule.Policy
	if policy == "" {
		policy = model.PolicyLastWriterWins
	}

	switch policy {
	case model.PolicyPreferRelational:
		return model.SyncForward, nil
	case model.PolicyPreferConcept:
		return model.SyncBackward, nil
	case model.PolicyLastWriterWins:
		if rowAt.After(concept.UpdatedAt) {
			return model.SyncForward, nil
		}
		return model.SyncBackward, nil
	case model.PolicyManual:
		if err := s.quarantine(ctx, rule, pk, row, concept); err != nil {
			return "", err
		}
		return "", nil
	default:
		return "", fmt.Errorf("sync: unknown conflict policy %q for %s", policy, rule.Table)
	}
}

func (s *Synchronizer) quarantine(ctx context.Context, rule model.MappingRule, pk string, row map[string]any, concept model.Concept) error {
	conceptPayload, err := json.Marshal(concept)
	if err != nil {
		return fmt.Errorf("sync: encode concept payload: %w", err)
	}
	rowPayload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("sync: encode row payload: %w", err)
	}
	_, err = s.store.InsertQuarantine(ctx, model.QuarantineItem{
		SourceKey:      model.SourceKey{Table: rule.Table, PrimaryKey: pk},
		ConceptPayload: conceptPayload,
		RowPayload:     rowPayload,
		Policy:         model.PolicyManual,
		Reason:         "both representations changed since last sync",
	})
	if err != nil {
		return fmt.Errorf("sync: quarantine %s/%s: %w", rule.Table, pk, err)
	}
	s.logger.Info("sync: conflict quarantined", "table", rule.Table, "pk", pk)
	return nil
}

// quoteIdent quotes a SQL identifier for Postgres and SQLite.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quotedList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}
