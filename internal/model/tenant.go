package model

import "time"

// Role determines what a tenant credential may do.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleMember
}

// Resource names a meterable quantity.
type Resource string

const (
	ResourceQueriesPerMinute  Resource = "queries_per_minute"
	ResourceQueriesPerMonth   Resource = "queries_per_month"
	ResourceAPICallsPerSecond Resource = "api_calls_per_second"
	ResourceAPICallsPerMonth  Resource = "api_calls_per_month"
	ResourceConcepts          Resource = "concepts"
	ResourceStorageBytes      Resource = "storage_bytes"
)

// QuotaLimits is the per-tenant resource envelope. A zero limit means
// unlimited.
type QuotaLimits struct {
	MaxConcepts       int64 `json:"max_concepts"`
	QueriesPerMonth   int64 `json:"queries_per_month"`
	APICallsPerMonth  int64 `json:"api_calls_per_month"`
	StorageBytes      int64 `json:"storage_bytes"`
	QueriesPerMinute  int64 `json:"queries_per_minute"`
	APICallsPerSecond int64 `json:"api_calls_per_second"`
	MaxPhase          int   `json:"max_phase"`
}

// Limit returns the configured limit for a resource.
func (q QuotaLimits) Limit(r Resource) int64 {
	switch r {
	case ResourceQueriesPerMinute:
		return q.QueriesPerMinute
	case ResourceQueriesPerMonth:
		return q.QueriesPerMonth
	case ResourceAPICallsPerSecond:
		return q.APICallsPerSecond
	case ResourceAPICallsPerMonth:
		return q.APICallsPerMonth
	case ResourceConcepts:
		return q.MaxConcepts
	case ResourceStorageBytes:
		return q.StorageBytes
	}
	return 0
}

// Tenant is an isolated consumer of the gateway.
type Tenant struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Role       Role        `json:"role"`
	APIKeyHash string      `json:"-"`
	Limits     QuotaLimits `json:"limits"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// UsageEntry reports consumption against one monthly limit.
type UsageEntry struct {
	Resource Resource `json:"resource"`
	Period   string   `json:"period"`
	Used     int64    `json:"used"`
	Limit    int64    `json:"limit"`
	Percent  float64  `json:"percent"`

	// Alert flags set when usage crossed 80% / 95% of the limit this period.
	Warning  bool `json:"warning"`
	Critical bool `json:"critical"`
}
