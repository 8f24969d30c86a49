// Package concepts implements the semantic half of the gateway: CRUD over
// concepts, the typed relation graph, similarity search, and merging.
//
// Both the HTTP API and MCP server delegate to this service. Writes go
// vector first: the index upsert happens before the metadata row so a
// failure leaves at worst an orphan point, never a concept without a
// searchable vector. Metadata failures trigger a compensating index delete.
package concepts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/shinka-ai/shinka/internal/model"
	"github.com/shinka-ai/shinka/internal/search"
	"github.com/shinka-ai/shinka/internal/service/embedding"
	"github.com/shinka-ai/shinka/internal/storage"
	"github.com/shinka-ai/shinka/internal/telemetry"
)

const (
	defaultSearchK         = 10
	defaultSearchThreshold = 0.0

	// neighborRecomputeTimeout bounds the async strength recompute for
	// direct neighbors after a graph mutation.
	neighborRecomputeTimeout = 10 * time.Second
)

// Service encapsulates concept business logic shared by HTTP and MCP handlers.
type Service struct {
	db       *storage.DB
	vectors  search.VectorStore
	embedder embedding.Provider
	logger   *slog.Logger

	// writes to the same concept are serialized in-process
	locks *keyedMutex

	embeddingDuration metric.Float64Histogram
	searchDuration    metric.Float64Histogram
}

// New creates a concept Service.
func New(db *storage.DB, vectors search.VectorStore, embedder embedding.Provider, logger *slog.Logger) *Service {
	meter := telemetry.Meter("shinka/concepts")
	embDur, _ := meter.Float64Histogram("shinka.embedding.duration",
		metric.WithDescription("Time to generate embeddings (ms)"),
		metric.WithUnit("ms"),
	)
	searchDur, _ := meter.Float64Histogram("shinka.search.duration",
		metric.WithDescription("Time to execute similarity searches (ms)"),
		metric.WithUnit("ms"),
	)
	return &Service{
		db:                db,
		vectors:           vectors,
		embedder:          embedder,
		logger:            logger,
		locks:             newKeyedMutex(),
		embeddingDuration: embDur,
		searchDuration:    searchDur,
	}
}

// embeddingText is what gets embedded when the client does not supply a
// vector. Name and description together carry the concept's meaning.
func embeddingText(name, description string) string {
	if description == "" {
		return name
	}
	return name + ": " + description
}

// validateClientMetadata rejects writes to the reserved keys the
// synchronizer manages.
func validateClientMetadata(md map[string]any) error {
	for _, key := range []string{model.MetadataKeySourceKey, model.MetadataKeyMappingRule} {
		if _, ok := md[key]; ok {
			return fmt.Errorf("%w: metadata key %q is reserved", model.ErrInvalidConcept, key)
		}
	}
	return nil
}

func (s *Service) embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vec, err := s.embedder.Embed(ctx, text)
	s.embeddingDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		return nil, err
	}
	if err := model.ValidateVector(vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// Create validates, embeds if needed, and stores a new concept.
func (s *Service) Create(ctx context.Context, tenantID string, in model.CreateConceptRequest) (model.Concept, error) {
	if err := model.ValidateConceptFields(in.ID, in.Name, in.Description); err != nil {
		return model.Concept{}, err
	}
	if err := model.ValidateVector(in.Vector); err != nil {
		return model.Concept{}, err
	}
	if err := validateClientMetadata(in.Metadata); err != nil {
		return model.Concept{}, err
	}

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	unlock := s.locks.Lock(tenantID + "/" + id)
	defer unlock()

	vec := in.Vector
	if vec == nil {
		var err error
		vec, err = s.embed(ctx, embeddingText(in.Name, in.Description))
		if err != nil {
			return model.Concept{}, err
		}
	}

	c := model.Concept{
		ID:          id,
		TenantID:    tenantID,
		Name:        in.Name,
		Description: in.Description,
		Vector:      vec,
		Metadata:    in.Metadata,
		Strength:    strength(0, 0, 0),
	}

	// Vector first, metadata second.
	if err := s.vectors.Upsert(ctx, tenantID, id, vec, in.Name); err != nil {
		return model.Concept{}, err
	}
	stored, err := s.db.CreateConcept(ctx, c)
	if err != nil {
		s.compensateVectorDelete(ctx, tenantID, id)
		return model.Concept{}, err
	}
	return stored, nil
}

// compensateVectorDelete undoes an index write after a failed metadata
// write. Best effort: an orphan point is harmless because hydration skips
// IDs without a metadata row.
func (s *Service) compensateVectorDelete(ctx context.Context, tenantID, id string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.vectors.Delete(cleanupCtx, tenantID, []string{id}); err != nil {
		s.logger.Warn("concepts: compensating vector delete failed, orphan point remains",
			"tenant_id", tenantID, "concept_id", id, "error", err)
	}
}

// Get returns one concept.
func (s *Service) Get(ctx context.Context, tenantID, id string) (model.Concept, error) {
	return s.db.GetConcept(ctx, tenantID, id)
}

// Update applies a patch. Name or description changes re-embed unless the
// patch carries an explicit vector.
func (s *Service) Update(ctx context.Context, tenantID, id string, patch model.UpdateConceptRequest) (model.Concept, error) {
	if err := model.ValidateVector(patch.Vector); err != nil {
		return model.Concept{}, err
	}
	if err := validateClientMetadata(patch.Metadata); err != nil {
		return model.Concept{}, err
	}

	unlock := s.locks.Lock(tenantID + "/" + id)
	defer unlock()

	c, err := s.db.GetConcept(ctx, tenantID, id)
	if err != nil {
		return model.Concept{}, err
	}
	oldVector := c.Vector

	textChanged := false
	if patch.Name != nil && *patch.Name != c.Name {
		c.Name = *patch.Name
		textChanged = true
	}
	if patch.Description != nil && *patch.Description != c.Description {
		c.Description = *patch.Description
		textChanged = true
	}
	if err := model.ValidateConceptFields(c.ID, c.Name, c.Description); err != nil {
		return model.Concept{}, err
	}
	if patch.Metadata != nil {
		// Preserve the synchronizer's reserved keys across a metadata
		// replacement.
		merged := make(map[string]any, len(patch.Metadata)+2)
		for k, v := range patch.Metadata {
			merged[k] = v
		}
		for _, key := range []string{model.MetadataKeySourceKey, model.MetadataKeyMappingRule} {
			if v, ok := c.Metadata[key]; ok {
				merged[key] = v
			}
		}
		c.Metadata = merged
	}

	switch {
	case patch.Vector != nil:
		c.Vector = patch.Vector
	case textChanged:
		vec, err := s.embed(ctx, embeddingText(c.Name, c.Description))
		if err != nil {
			return model.Concept{}, err
		}
		c.Vector = vec
	}

	vectorChanged := patch.Vector != nil || textChanged
	if vectorChanged {
		if err := s.vectors.Upsert(ctx, tenantID, id, c.Vector, c.Name); err != nil {
			return model.Concept{}, err
		}
	}
	updated, err := s.db.UpdateConcept(ctx, c)
	if err != nil {
		if vectorChanged {
			// Put the previous vector back so index and metadata stay aligned.
			restoreCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if rerr := s.vectors.Upsert(restoreCtx, tenantID, id, oldVector, c.Name); rerr != nil {
				s.logger.Warn("concepts: vector restore after failed update",
					"tenant_id", tenantID, "concept_id", id, "error", rerr)
			}
			cancel()
		}
		return model.Concept{}, err
	}
	return updated, nil
}

// Delete removes a concept, its incident relations, and its index point.
func (s *Service) Delete(ctx context.Context, tenantID, id string) error {
	unlock := s.locks.Lock(tenantID + "/" + id)
	defer unlock()

	// Metadata row first: relations cascade with it and readers stop
	// hydrating the concept immediately. The index point follows.
	if err := s.db.DeleteConcept(ctx, tenantID, id); err != nil {
		return err
	}
	if err := s.vectors.Delete(ctx, tenantID, []string{id}); err != nil {
		s.logger.Warn("concepts: vector delete failed, orphan point remains",
			"tenant_id", tenantID, "concept_id", id, "error", err)
	}
	return nil
}

// SemanticSearch finds the top-k concepts most similar to the query, which
// is either text (embedded here) or a raw vector, never both.
func (s *Service) SemanticSearch(ctx context.Context, tenantID string, req model.SearchConceptsRequest) ([]model.ConceptSearchResult, error) {
	hasText := req.Query != ""
	hasVector := req.Vector != nil
	if hasText == hasVector {
		return nil, fmt.Errorf("%w: exactly one of query or vector is required", model.ErrInvalidConcept)
	}

	vec := req.Vector
	if hasText {
		var err error
		vec, err = s.embed(ctx, req.Query)
		if err != nil {
			return nil, err
		}
	} else if err := model.ValidateVector(vec); err != nil {
		return nil, err
	}

	k := req.K
	if k <= 0 {
		k = defaultSearchK
	}
	threshold := req.Threshold
	if threshold <= 0 {
		threshold = defaultSearchThreshold
	}

	start := time.Now()
	hits, err := s.vectors.Search(ctx, tenantID, vec, k, threshold)
	s.searchDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	scoreByID := make(map[string]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
		scoreByID[h.ID] = h.Score
	}
	hydrated, err := s.db.GetConceptsByIDs(ctx, tenantID, ids)
	if err != nil {
		return nil, err
	}

	results := make([]model.ConceptSearchResult, len(hydrated))
	returnedIDs := make([]string, len(hydrated))
	for i, c := range hydrated {
		results[i] = model.ConceptSearchResult{Concept: c, Similarity: scoreByID[c.ID]}
		returnedIDs[i] = c.ID
	}

	// Usage counts feed the strength function; bumping them must not delay
	// or fail the search.
	go s.bumpUsage(context.WithoutCancel(ctx), tenantID, returnedIDs)

	return results, nil
}

func (s *Service) bumpUsage(ctx context.Context, tenantID string, ids []string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.db.BumpUsageCounts(ctx, tenantID, ids); err != nil {
		s.logger.Warn("concepts: usage count bump failed", "tenant_id", tenantID, "error", err)
	}
}

// MergeResult reports the outcome of a Merge call. Merged=false with a nil
// error means the merge lost a race and the pair was quarantined.
type MergeResult struct {
	Merged bool          `json:"merged"`
	Winner model.Concept `json:"winner,omitzero"`
}

// Merge folds fromID into intoID: relations are redirected (duplicates keep
// the higher strength, self-loops are dropped), usage counts combine, and
// the loser disappears from both stores.
func (s *Service) Merge(ctx context.Context, tenantID, fromID, intoID string) (MergeResult, error) {
	if fromID == intoID {
		return MergeResult{}, fmt.Errorf("%w: cannot merge a concept into itself", model.ErrInvalidConcept)
	}

	// Lock both IDs in sorted order so two crossing merges cannot deadlock.
	first, second := fromID, intoID
	if second < first {
		first, second = second, first
	}
	unlockFirst := s.locks.Lock(tenantID + "/" + first)
	defer unlockFirst()
	unlockSecond := s.locks.Lock(tenantID + "/" + second)
	defer unlockSecond()

	loser, err := s.db.MergeConcepts(ctx, tenantID, fromID, intoID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// One endpoint vanished under us: a concurrent merge or delete
			// won. Park the request for a human instead of failing the call.
			s.quarantineMerge(ctx, tenantID, fromID, intoID, err)
			return MergeResult{Merged: false}, nil
		}
		return MergeResult{}, err
	}

	if err := s.vectors.Delete(ctx, tenantID, []string{loser.ID}); err != nil {
		s.logger.Warn("concepts: vector delete for merged concept failed",
			"tenant_id", tenantID, "concept_id", loser.ID, "error", err)
	}

	if err := s.recomputeStrength(ctx, tenantID, intoID); err != nil {
		s.logger.Warn("concepts: winner strength recompute failed",
			"tenant_id", tenantID, "concept_id", intoID, "error", err)
	}
	winner, err := s.db.GetConcept(ctx, tenantID, intoID)
	if err != nil {
		return MergeResult{}, err
	}
	s.recomputeNeighborsAsync(ctx, tenantID, intoID)
	return MergeResult{Merged: true, Winner: winner}, nil
}

func (s *Service) quarantineMerge(ctx context.Context, tenantID, fromID, intoID string, cause error) {
	payload := []byte(fmt.Sprintf(`{"tenant_id":%q,"from_id":%q,"into_id":%q}`, tenantID, fromID, intoID))
	_, err := s.db.InsertQuarantine(ctx, model.QuarantineItem{
		SourceKey:      model.SourceKey{Table: "concepts", PrimaryKey: fromID},
		ConceptPayload: payload,
		Policy:         model.PolicyManual,
		Reason:         fmt.Sprintf("merge conflict: %v", cause),
	})
	if err != nil {
		s.logger.Error("concepts: quarantine of conflicted merge failed",
			"tenant_id", tenantID, "from_id", fromID, "into_id", intoID, "error", err)
	}
}

// recomputeStrength refreshes the stored strength of one concept from its
// current usage and graph shape.
func (s *Service) recomputeStrength(ctx context.Context, tenantID, id string) error {
	c, err := s.db.GetConcept(ctx, tenantID, id)
	if err != nil {
		return err
	}
	degree, avgEdge, err := s.db.ConceptEdgeStats(ctx, id)
	if err != nil {
		return err
	}
	return s.db.UpdateStrength(ctx, tenantID, id, strength(c.UsageCount, degree, avgEdge))
}

// recomputeNeighborsAsync refreshes the strength of a concept's direct
// neighbors in the background. Best effort; staleness self-heals on the
// next mutation that touches them.
func (s *Service) recomputeNeighborsAsync(ctx context.Context, tenantID, id string) {
	bg := context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(bg, neighborRecomputeTimeout)
		defer cancel()

		rels, err := s.db.RelationsOf(ctx, id)
		if err != nil {
			s.logger.Debug("concepts: neighbor recompute skipped", "concept_id", id, "error", err)
			return
		}
		seen := map[string]bool{id: true}
		for _, r := range rels {
			for _, n := range []string{r.SourceID, r.TargetID} {
				if seen[n] {
					continue
				}
				seen[n] = true
				if err := s.recomputeStrength(ctx, tenantID, n); err != nil {
					s.logger.Debug("concepts: neighbor strength recompute failed",
						"concept_id", n, "error", err)
				}
			}
		}
	}()
}

// sortedNeighborIDs returns the distinct far endpoints of the given edges,
// ascending, excluding self.
func sortedNeighborIDs(id string, rels []model.Relation) []string {
	set := make(map[string]bool)
	for _, r := range rels {
		if r.SourceID != id {
			set[r.SourceID] = true
		}
		if r.TargetID != id {
			set[r.TargetID] = true
		}
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
