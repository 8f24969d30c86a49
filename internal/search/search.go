// Package search owns the vector side of the concept layer: a Qdrant index
// as the primary ANN backend with a pgvector fallback over the concepts
// table. The index stores IDs and scores only; callers hydrate concepts
// from Postgres, which stays the source of truth.
package search

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shinka-ai/shinka/internal/model"
	"github.com/shinka-ai/shinka/internal/storage"
)

// Hit is one scored match from the index.
type Hit struct {
	ID    string
	Score float64
}

// VectorStore is the narrow surface the concept service writes through.
type VectorStore interface {
	EnsureCollection(ctx context.Context) error
	Upsert(ctx context.Context, tenantID, id string, vector []float32, name string) error
	Delete(ctx context.Context, tenantID string, ids []string) error
	Search(ctx context.Context, tenantID string, vector []float32, k int, threshold float64) ([]Hit, error)
	Healthy(ctx context.Context) error
}

// vectorRetrySchedule is the backoff ladder for idempotent vector ops.
var vectorRetrySchedule = []time.Duration{100 * time.Millisecond, 250 * time.Millisecond, 600 * time.Millisecond}

// withVectorRetry runs fn up to len(schedule)+1 times. Input errors and
// context expiry pass through untouched; anything else is wrapped as a
// vector-layer upstream error once the ladder is exhausted.
func withVectorRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || model.IsInputError(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return err
		}
		if attempt == len(vectorRetrySchedule) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(vectorRetrySchedule[attempt]):
		}
	}
	return &model.UpstreamError{Layer: model.LayerVector, Err: err}
}

// Index routes vector operations to Qdrant when it is configured and
// healthy, and falls back to the pgvector column on the concepts table
// otherwise. Every concept row carries its embedding, so the fallback is
// always warm.
type Index struct {
	qdrant *QdrantIndex // nil when no QDRANT_URL is configured
	db     *storage.DB
	logger *slog.Logger
}

// NewIndex builds the composite index. qdrant may be nil.
func NewIndex(qdrant *QdrantIndex, db *storage.DB, logger *slog.Logger) *Index {
	return &Index{qdrant: qdrant, db: db, logger: logger}
}

// EnsureCollection prepares the remote collection. No-op without Qdrant.
func (ix *Index) EnsureCollection(ctx context.Context) error {
	if ix.qdrant == nil {
		return nil
	}
	return ix.qdrant.EnsureCollection(ctx)
}

// Upsert writes a point to the remote index. The pgvector copy rides along
// on the metadata row, so without Qdrant there is nothing to do here.
func (ix *Index) Upsert(ctx context.Context, tenantID, id string, vector []float32, name string) error {
	if ix.qdrant == nil {
		return nil
	}
	return withVectorRetry(ctx, func() error {
		return ix.qdrant.Upsert(ctx, tenantID, id, vector, name)
	})
}

// Delete removes points from the remote index.
func (ix *Index) Delete(ctx context.Context, tenantID string, ids []string) error {
	if ix.qdrant == nil {
		return nil
	}
	return withVectorRetry(ctx, func() error {
		return ix.qdrant.Delete(ctx, tenantID, ids)
	})
}

// Search queries the remote index, falling back to pgvector when Qdrant is
// absent or unhealthy. The fallback path is logged so operators can see the
// degraded mode in use.
func (ix *Index) Search(ctx context.Context, tenantID string, vector []float32, k int, threshold float64) ([]Hit, error) {
	if ix.qdrant != nil && ix.qdrant.Healthy(ctx) == nil {
		hits, err := ix.qdrant.Search(ctx, tenantID, vector, k, threshold)
		if err == nil {
			return hits, nil
		}
		ix.logger.Warn("search: qdrant query failed, falling back to pgvector", "error", err)
	}
	return ix.searchFallback(ctx, tenantID, vector, k, threshold)
}

func (ix *Index) searchFallback(ctx context.Context, tenantID string, vector []float32, k int, threshold float64) ([]Hit, error) {
	concepts, scores, err := ix.db.SearchConceptsByVector(ctx, tenantID, vector, k, threshold)
	if err != nil {
		return nil, &model.UpstreamError{Layer: model.LayerVector, Err: err}
	}
	hits := make([]Hit, len(concepts))
	for i, c := range concepts {
		hits[i] = Hit{ID: c.ID, Score: scores[i]}
	}
	return hits, nil
}

// Healthy reports reachability of the primary backend. With the fallback in
// place a Qdrant outage degrades quality, not availability, so this feeds
// readiness output rather than request admission.
func (ix *Index) Healthy(ctx context.Context) error {
	if ix.qdrant == nil {
		return nil
	}
	return ix.qdrant.Healthy(ctx)
}
