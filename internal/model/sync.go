package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SyncDirection selects which way a synchronization pass flows.
type SyncDirection string

const (
	// SyncForward mirrors relational rows into concepts.
	SyncForward SyncDirection = "forward"
	// SyncBackward writes concept edits back to their source rows.
	SyncBackward SyncDirection = "backward"
)

// Valid reports whether d is a known direction.
func (d SyncDirection) Valid() bool {
	return d == SyncForward || d == SyncBackward
}

// ConflictPolicy decides the winner when both representations changed since
// the last sync.
type ConflictPolicy string

const (
	PolicyLastWriterWins   ConflictPolicy = "last_writer_wins"
	PolicyPreferRelational ConflictPolicy = "prefer_relational"
	PolicyPreferConcept    ConflictPolicy = "prefer_concept"
	PolicyManual           ConflictPolicy = "manual"
)

// SourceKey ties a concept to the relational row it mirrors. Stored under
// the reserved metadata key "source_key".
type SourceKey struct {
	Table      string `json:"table"`
	PrimaryKey string `json:"primary_key"`
}

// SourceKeyFromMetadata extracts the source key a synced concept carries.
// Metadata read back from Postgres decodes the key as a generic map.
func SourceKeyFromMetadata(md map[string]any) (SourceKey, bool) {
	raw, ok := md[MetadataKeySourceKey]
	if !ok {
		return SourceKey{}, false
	}
	switch v := raw.(type) {
	case SourceKey:
		return v, v.Table != "" && v.PrimaryKey != ""
	case map[string]any:
		table, _ := v["table"].(string)
		pk, _ := v["primary_key"].(string)
		return SourceKey{Table: table, PrimaryKey: pk}, table != "" && pk != ""
	}
	return SourceKey{}, false
}

// MappingRule declares how a relational table projects into concepts and
// which columns backward sync may touch. Mirrored concepts are owned by the
// tenant that installed the rule.
type MappingRule struct {
	Table            string         `json:"table"`
	TenantID         string         `json:"tenant_id"`
	PKColumn         string         `json:"pk_column"`
	NameColumn       string         `json:"name_column"`
	DescColumns      []string       `json:"description_columns,omitempty"`
	MetadataColumns  []string       `json:"metadata_columns,omitempty"`
	WritebackColumns []string       `json:"writeback_columns,omitempty"`
	UpdatedAtColumn  string         `json:"updated_at_column"`
	Policy           ConflictPolicy `json:"policy,omitempty"`
}

// SyncCheckpoint marks progress in one direction. Strictly monotonic and
// committed in the same transaction as the batch it covers.
type SyncCheckpoint struct {
	Direction     SyncDirection `json:"direction"`
	LastUpdatedAt time.Time     `json:"last_updated_at"`
	LastID        string        `json:"last_id"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// QuarantineItem holds a conflicted pair awaiting manual resolution.
// Quarantined items never fail the mutation that produced them.
type QuarantineItem struct {
	ID             uuid.UUID       `json:"id"`
	SourceKey      SourceKey       `json:"source_key"`
	ConceptPayload json.RawMessage `json:"concept_payload"`
	RowPayload     json.RawMessage `json:"row_payload"`
	Policy         ConflictPolicy  `json:"policy"`
	Reason         string          `json:"reason"`
	CreatedAt      time.Time       `json:"created_at"`
}

// DirectionStatus is the operator view of one sync direction.
type DirectionStatus struct {
	Checkpoint  SyncCheckpoint `json:"checkpoint"`
	LastRunAt   *time.Time     `json:"last_run_at,omitempty"`
	RowsSynced  int64          `json:"rows_synced"`
	RowsSkipped int64          `json:"rows_skipped"`
	BatchSize   int            `json:"batch_size"`
	LastError   string         `json:"last_error,omitempty"`
}

// SyncStatus is the combined operator view of the synchronizer.
type SyncStatus struct {
	Forward         DirectionStatus `json:"forward"`
	Backward        DirectionStatus `json:"backward"`
	QuarantineDepth int             `json:"quarantine_depth"`
}
