package model

import (
	"fmt"
	"math"
	"time"
)

// Field limits for concept fields. They bound what flows into the embedding
// pipeline and Postgres TEXT columns.
const (
	MaxConceptIDLen   = 64
	MaxConceptNameLen = 512
	MaxDescriptionLen = 64 * 1024 // 64 KB

	// EmbeddingDimensions is the fixed width of every stored vector.
	EmbeddingDimensions = 384
)

// Reserved metadata keys managed by the synchronizer. Client writes to them
// are rejected.
const (
	MetadataKeySourceKey   = "source_key"
	MetadataKeyMappingRule = "mapping_rule"
)

// Concept is the unit of the semantic layer: a named idea with an embedding,
// free-form metadata, and typed edges to other concepts.
type Concept struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Vector      []float32      `json:"-"`
	Metadata    map[string]any `json:"metadata"`

	// UsageCount is monotone non-decreasing; bumped when the concept is
	// returned by a search.
	UsageCount int64 `json:"usage_count"`

	// Strength (0.0-1.0) measures how established the concept is.
	Strength float64 `json:"strength"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RelationType enumerates valid relation kinds.
type RelationType string

const (
	RelationIsA        RelationType = "is_a"
	RelationPartOf     RelationType = "part_of"
	RelationRelatedTo  RelationType = "related_to"
	RelationOppositeOf RelationType = "opposite_of"
)

// Valid reports whether t is one of the four known relation kinds.
func (t RelationType) Valid() bool {
	switch t {
	case RelationIsA, RelationPartOf, RelationRelatedTo, RelationOppositeOf:
		return true
	}
	return false
}

// Relation is a directed, typed edge between two concepts. At most one edge
// exists per (source, target, type) triple.
type Relation struct {
	SourceID  string       `json:"source_id"`
	TargetID  string       `json:"target_id"`
	Type      RelationType `json:"type"`
	Strength  float64      `json:"strength"`
	CreatedAt time.Time    `json:"created_at"`
}

// ValidateConceptFields checks the length limits on client-controlled
// concept fields. Vector validation is separate (ValidateVector) because
// server-generated embeddings skip it.
func ValidateConceptFields(id, name, description string) error {
	if len(id) > MaxConceptIDLen {
		return fmt.Errorf("%w: id exceeds %d bytes", ErrInvalidConcept, MaxConceptIDLen)
	}
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConcept)
	}
	if len(name) > MaxConceptNameLen {
		return fmt.Errorf("%w: name exceeds %d bytes", ErrInvalidConcept, MaxConceptNameLen)
	}
	if len(description) > MaxDescriptionLen {
		return fmt.Errorf("%w: description exceeds %d bytes", ErrInvalidConcept, MaxDescriptionLen)
	}
	return nil
}

// ValidateVector checks dimension and finiteness. A nil vector is valid
// (the store embeds the text fields instead).
func ValidateVector(v []float32) error {
	if v == nil {
		return nil
	}
	if len(v) != EmbeddingDimensions {
		return &DimensionMismatchError{Got: len(v), Want: EmbeddingDimensions}
	}
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: vector[%d] is not finite", ErrInvalidConcept, i)
		}
	}
	return nil
}

// ValidateRelation checks endpoints, kind, and strength range.
func ValidateRelation(r Relation) error {
	if r.SourceID == "" || r.TargetID == "" {
		return fmt.Errorf("%w: source and target are required", ErrInvalidRelation)
	}
	if r.SourceID == r.TargetID {
		return fmt.Errorf("%w: source equals target", ErrInvalidRelation)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRelation, r.Type)
	}
	if r.Strength <= 0 || r.Strength > 1 {
		return fmt.Errorf("%w: strength must be in (0, 1]", ErrInvalidRelation)
	}
	return nil
}
