package model

import (
	"time"

	"github.com/google/uuid"
)

// Decision is the routing verdict for a query.
type Decision string

const (
	DecisionSQL      Decision = "sql"
	DecisionSemantic Decision = "semantic"
	DecisionHybrid   Decision = "hybrid"
)

// Valid reports whether d is a known routing decision.
func (d Decision) Valid() bool {
	switch d {
	case DecisionSQL, DecisionSemantic, DecisionHybrid:
		return true
	}
	return false
}

// IntentSource identifies which analyzer tier produced the verdict.
type IntentSource string

const (
	IntentSourceRules IntentSource = "rules"
	IntentSourceLLM   IntentSource = "llm"
)

// Intent is the output of query classification.
type Intent struct {
	Decision    Decision     `json:"decision"`
	Confidence  float64      `json:"confidence"`
	Source      IntentSource `json:"source"`
	Explanation string       `json:"explanation,omitempty"`

	// Token counts from the deterministic tier, kept for explain output.
	SQLHits      int `json:"sql_hits"`
	SemanticHits int `json:"semantic_hits"`
}

// QueryOptions tune a single execution. Zero values mean defaults.
type QueryOptions struct {
	K         int      `json:"k,omitempty"`
	Threshold float64  `json:"threshold,omitempty"`
	Force     Decision `json:"force,omitempty"`
	NoCache   bool     `json:"no_cache,omitempty"`
}

// Result source labels for merged items.
const (
	SourceRelational = "relational"
	SourceConcept    = "concept"
)

// ResultItem is one merged result row. Relational rows carry score 1.0;
// concepts carry their cosine similarity.
type ResultItem struct {
	Key     string         `json:"key"`
	Source  string         `json:"source"`
	Score   float64        `json:"score"`
	Row     map[string]any `json:"row,omitempty"`
	Concept *Concept       `json:"concept,omitempty"`
}

// Result is the merged answer for one query.
type Result struct {
	Items []ResultItem `json:"items"`
	Count int          `json:"count"`
}

// RouteInfo describes how a query was executed.
type RouteInfo struct {
	Intent       Intent `json:"intent"`
	Fingerprint  string `json:"fingerprint"`
	Cached       bool   `json:"cached"`
	Degraded     bool   `json:"degraded"`
	PartialError string `json:"partial_error,omitempty"`
	RelationalMS int64  `json:"relational_ms"`
	SemanticMS   int64  `json:"semantic_ms"`
}

// QueryLog is the per-query audit record. Exactly one is emitted per
// execution, before the reply reaches the caller, on every outcome
// including errors.
type QueryLog struct {
	ID           uuid.UUID `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Query        string    `json:"query"`
	Fingerprint  string    `json:"fingerprint"`
	Decision     Decision  `json:"decision"`
	Confidence   float64   `json:"confidence"`
	RelationalMS int64     `json:"relational_ms"`
	SemanticMS   int64     `json:"semantic_ms"`
	ResultCount  int       `json:"result_count"`
	Cached       bool      `json:"cached"`
	Degraded     bool      `json:"degraded"`
	ErrorCode    string    `json:"error_code,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
