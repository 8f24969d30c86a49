package shinka

// Role is a tenant's RBAC role.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// RouteDecision is a routing verdict for one query.
type RouteDecision string

const (
	RouteSQL      RouteDecision = "sql"
	RouteSemantic RouteDecision = "semantic"
	RouteHybrid   RouteDecision = "hybrid"
)

// Intent is a classification verdict returned by an LLMIntentProvider.
// It is a curated view of internal/model.Intent for use in extension
// interfaces. No internal package imports — safe to use from outside
// the module.
type Intent struct {
	Decision    RouteDecision
	Confidence  float64
	Explanation string
}

// Rows is a relational result set: opaque maps keyed by column, with a
// stable column order and a primary-key hint used for merge dedup.
type Rows struct {
	Columns    []string
	Rows       []map[string]any
	PrimaryKey string
}

// VectorHit is one similarity match from a VectorStore.
type VectorHit struct {
	ID    string
	Score float32
}
