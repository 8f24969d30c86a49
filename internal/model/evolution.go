package model

import "time"

// Phase bounds. A deployment starts in phase 1 (relational-dominant) and can
// advance to phase 4 (concept-native). Automatic regression never happens.
const (
	MinPhase = 1
	MaxPhase = 4
)

// EvolutionWindowSize is the number of recent queries the tracker keeps for
// advancement evaluation.
const EvolutionWindowSize = 1000

// ConceptRatio returns the semantic-layer weight for a phase.
func ConceptRatio(phase int) float64 {
	switch phase {
	case 1:
		return 0.1
	case 2:
		return 0.3
	case 3:
		return 0.7
	default:
		return 1.0
	}
}

// AdvancementTarget returns the semantic query share required to enter the
// given phase. Entering phase 1 has no requirement.
func AdvancementTarget(phase int) float64 {
	switch phase {
	case 2:
		return 0.20
	case 3:
		return 0.50
	case 4:
		return 0.80
	default:
		return 0
	}
}

// Advancement preconditions beyond the per-phase share target.
const (
	AdvancementMinConfidence = 0.70
	AdvancementMinQueries    = 1000
	AdvancementMaxP95Ratio   = 2.0
	AdvancementP95FloorMS    = 500
)

// EvolutionState is the persisted singleton tracking deployment maturity.
type EvolutionState struct {
	Phase                   int        `json:"phase"`
	ConceptRatio            float64    `json:"concept_ratio"`
	TotalQueries            int64      `json:"total_queries"`
	SQLQueries              int64      `json:"sql_queries"`
	SemanticQueries         int64      `json:"semantic_queries"`
	HybridQueries           int64      `json:"hybrid_queries"`
	QueriesSinceAdvancement int64      `json:"queries_since_advancement"`
	AdvancedAt              *time.Time `json:"advanced_at,omitempty"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// Observation is one routed query as seen by the evolution tracker.
type Observation struct {
	Decision     Decision
	Confidence   float64
	RelationalMS int64
	SemanticMS   int64
	ResultCount  int
	CacheHit     bool

	// MergeHit marks a hybrid result where both layers contributed rows.
	MergeHit bool
}

// EvolutionSnapshot is a read-only view of the tracker for the API and the
// intent analyzer bias. Readers may observe a snapshot at most one update
// behind the writer.
type EvolutionSnapshot struct {
	Phase                   int     `json:"phase"`
	ConceptRatio            float64 `json:"concept_ratio"`
	WindowSize              int     `json:"window_size"`
	TotalQueries            int64   `json:"total_queries"`
	QueriesSinceAdvancement int64   `json:"queries_since_advancement"`

	SQLShare      float64 `json:"sql_share"`
	SemanticShare float64 `json:"semantic_share"`
	HybridShare   float64 `json:"hybrid_share"`

	AvgConfidenceSQL      float64 `json:"avg_confidence_sql"`
	AvgConfidenceSemantic float64 `json:"avg_confidence_semantic"`
	AvgConfidenceHybrid   float64 `json:"avg_confidence_hybrid"`

	P95RelationalMS int64 `json:"p95_relational_ms"`
	P95SemanticMS   int64 `json:"p95_semantic_ms"`

	CacheHits int64 `json:"cache_hits"`
	MergeHits int64 `json:"merge_hits"`

	AdvancedAt *time.Time `json:"advanced_at,omitempty"`
}

// EvolutionEvent is one entry in the advancement audit trail.
type EvolutionEvent struct {
	ID        int64     `json:"id"`
	FromPhase int       `json:"from_phase"`
	ToPhase   int       `json:"to_phase"`
	Forced    bool      `json:"forced"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}
