package concepts

import (
	"context"
	"fmt"
	"sort"

	"github.com/shinka-ai/shinka/internal/model"
)

// MaxNeighborDepth caps BFS traversals; beyond three hops the neighborhood
// of a well-connected concept is most of the graph.
const MaxNeighborDepth = 3

// AddRelation validates and upserts a typed edge. Both endpoints must exist
// in the tenant's store; the touched endpoints get their strength
// recomputed, their neighbors opportunistically.
func (s *Service) AddRelation(ctx context.Context, tenantID string, r model.Relation) (model.Relation, error) {
	if err := model.ValidateRelation(r); err != nil {
		return model.Relation{}, err
	}
	for _, id := range []string{r.SourceID, r.TargetID} {
		if _, err := s.db.GetConcept(ctx, tenantID, id); err != nil {
			return model.Relation{}, err
		}
	}

	stored, err := s.db.UpsertRelation(ctx, r)
	if err != nil {
		return model.Relation{}, err
	}

	for _, id := range []string{r.SourceID, r.TargetID} {
		if err := s.recomputeStrength(ctx, tenantID, id); err != nil {
			s.logger.Warn("concepts: strength recompute after relation upsert",
				"concept_id", id, "error", err)
		}
	}
	s.recomputeNeighborsAsync(ctx, tenantID, r.SourceID)
	return stored, nil
}

// RemoveRelation deletes one edge and refreshes both endpoints' strength.
func (s *Service) RemoveRelation(ctx context.Context, tenantID, sourceID, targetID string, relType model.RelationType) error {
	if !relType.Valid() {
		return fmt.Errorf("%w: unknown type %q", model.ErrInvalidRelation, relType)
	}
	if err := s.db.DeleteRelation(ctx, sourceID, targetID, relType); err != nil {
		return err
	}
	for _, id := range []string{sourceID, targetID} {
		if err := s.recomputeStrength(ctx, tenantID, id); err != nil {
			s.logger.Warn("concepts: strength recompute after relation delete",
				"concept_id", id, "error", err)
		}
	}
	return nil
}

// Relations returns every edge incident to a concept.
func (s *Service) Relations(ctx context.Context, tenantID, id string) ([]model.Relation, error) {
	if _, err := s.db.GetConcept(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return s.db.RelationsOf(ctx, id)
}

// Neighbors walks the relation graph breadth-first from rootID up to depth
// hops and returns the visited concepts with the edges connecting them.
// Traversal order is deterministic: neighbors expand in ascending ID order
// within each level.
func (s *Service) Neighbors(ctx context.Context, tenantID, rootID string, depth int) (model.GraphResponse, error) {
	if depth < 1 {
		depth = 1
	}
	if depth > MaxNeighborDepth {
		depth = MaxNeighborDepth
	}

	if _, err := s.db.GetConcept(ctx, tenantID, rootID); err != nil {
		return model.GraphResponse{}, err
	}

	visited := map[string]int{rootID: 0}
	frontier := []string{rootID}
	var edges []model.Relation
	seenEdge := make(map[string]bool)

	for level := 1; level <= depth && len(frontier) > 0; level++ {
		var next []string
		for _, id := range frontier {
			rels, err := s.db.RelationsOf(ctx, id)
			if err != nil {
				return model.GraphResponse{}, err
			}
			for _, r := range rels {
				key := r.SourceID + "\x00" + r.TargetID + "\x00" + string(r.Type)
				if !seenEdge[key] {
					seenEdge[key] = true
					edges = append(edges, r)
				}
			}
			for _, n := range sortedNeighborIDs(id, rels) {
				if _, ok := visited[n]; ok {
					continue
				}
				visited[n] = level
				next = append(next, n)
			}
		}
		sort.Strings(next)
		frontier = next
	}

	// Hydrate in (depth, id) order so the response is stable.
	ids := make([]string, 0, len(visited))
	for id := range visited {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if visited[ids[i]] != visited[ids[j]] {
			return visited[ids[i]] < visited[ids[j]]
		}
		return ids[i] < ids[j]
	})
	hydrated, err := s.db.GetConceptsByIDs(ctx, tenantID, ids)
	if err != nil {
		return model.GraphResponse{}, err
	}

	nodes := make([]model.GraphNode, 0, len(hydrated))
	for _, c := range hydrated {
		nodes = append(nodes, model.GraphNode{Concept: c, Depth: visited[c.ID]})
	}

	sort.Slice(edges, func(i, j int) bool {
		if edges[i].SourceID != edges[j].SourceID {
			return edges[i].SourceID < edges[j].SourceID
		}
		if edges[i].TargetID != edges[j].TargetID {
			return edges[i].TargetID < edges[j].TargetID
		}
		return edges[i].Type < edges[j].Type
	})

	return model.GraphResponse{
		Root:      rootID,
		Depth:     depth,
		Nodes:     nodes,
		Relations: edges,
	}, nil
}
