package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusInProgress OperationStatus = "in_progress"
	StatusCompleted  OperationStatus = "completed"
	StatusError      OperationStatus = "error"
	StatusConflict   OperationStatus = "conflict"
	StatusFailed     OperationStatus = "failed" // attempts exhausted, terminal
)

// Terminal reports whether the status permits no further transitions.
func (s OperationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type OperationKind string

const (
	KindCreate OperationKind = "create"
	KindUpdate OperationKind = "update"
	KindDelete OperationKind = "delete"
)

// SyncOperation is one queue entry: a create/update/delete captured at a
// store that must be propagated to its destination. Immutable once created
// except for the status fields.
type SyncOperation struct {
	ID          string          `db:"id"`
	OriginStore string          `db:"origin_store"`
	DestStore   sql.NullString  `db:"dest_store"` // NULL means central server
	EntityType  string          `db:"entity_type"`
	EntityID    string          `db:"entity_id"`
	Kind        OperationKind   `db:"operation_kind"`
	Payload     json.RawMessage `db:"payload"`
	Status      OperationStatus `db:"status"`
	Attempts    int             `db:"attempts"`
	Priority    int             `db:"priority"` // lower = more urgent

	HasConflict        bool            `db:"has_conflict"`
	ConflictingPayload json.RawMessage `db:"conflicting_payload"`
	Diff               json.RawMessage `db:"diff"`
	ResolvedBy         sql.NullString  `db:"resolved_by"`
	ResolvedAt         sql.NullTime    `db:"resolved_at"`

	ErrorMessage sql.NullString `db:"error_message"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

// PayloadFields unmarshals the payload snapshot into a field map.
func (op *SyncOperation) PayloadFields() (map[string]any, error) {
	fields := map[string]any{}
	if len(op.Payload) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(op.Payload, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// StoreSyncConfig is the per-store synchronization policy. Created lazily on
// first need, mutated only by administrators.
type StoreSyncConfig struct {
	StoreID         string       `db:"store_id"`
	AutoSync        bool         `db:"auto_sync"`
	IntervalMinutes int          `db:"interval_minutes"`
	LastSyncAt      sql.NullTime `db:"last_sync_at"`
	// Priorities and Strategies are keyed by entity type.
	Priorities json.RawMessage `db:"priorities"`
	Strategies json.RawMessage `db:"strategies"`
	UpdatedAt  time.Time       `db:"updated_at"`
}

// PriorityFor returns the configured priority override for an entity type,
// or (0, false) when none is set.
func (c *StoreSyncConfig) PriorityFor(entityType string) (int, bool) {
	if len(c.Priorities) == 0 {
		return 0, false
	}
	var m map[string]int
	if err := json.Unmarshal(c.Priorities, &m); err != nil {
		return 0, false
	}
	p, ok := m[entityType]
	return p, ok
}

// StrategyFor returns the configured conflict strategy override for an
// entity type, or ("", false) when none is set.
func (c *StoreSyncConfig) StrategyFor(entityType string) (string, bool) {
	if len(c.Strategies) == 0 {
		return "", false
	}
	var m map[string]string
	if err := json.Unmarshal(c.Strategies, &m); err != nil {
		return "", false
	}
	s, ok := m[entityType]
	return s, ok
}

// SyncRun is the historical audit of one full sync session. Append-only once
// finalized.
type SyncRun struct {
	ID          string          `db:"id"`
	StoreID     string          `db:"store_id"`
	StartedAt   time.Time       `db:"started_at"`
	FinishedAt  sql.NullTime    `db:"finished_at"`
	Total       int             `db:"total"`
	Succeeded   int             `db:"succeeded"`
	Failed      int             `db:"failed"`
	Conflicted  int             `db:"conflicted"`
	Summary     json.RawMessage `db:"summary"` // per entity type
	Status      OperationStatus `db:"status"`
	InitiatedBy sql.NullString  `db:"initiated_by"`
}

// AuditEntry is an immutable log record of a security-relevant sync action.
type AuditEntry struct {
	ID         string          `db:"id"`
	Actor      sql.NullString  `db:"actor"`
	StoreID    string          `db:"store_id"`
	Action     string          `db:"action"`
	EntityType sql.NullString  `db:"entity_type"`
	EntityID   sql.NullString  `db:"entity_id"`
	Detail     json.RawMessage `db:"detail"`
	Success    bool            `db:"success"`
	CreatedAt  time.Time       `db:"created_at"`
}

// OperationFilter narrows queue queries. Zero values mean "any".
type OperationFilter struct {
	Status      OperationStatus
	Statuses    []OperationStatus
	OriginStore string
	DestStore   string
	EntityType  string
	EntityID    string
	Conflict    *bool
	Limit       int
	Offset      int
}

// QueueStats is the operator-facing queue summary.
type QueueStats struct {
	ByStatus         map[OperationStatus]int `json:"by_status"`
	ByEntityType     map[string]int          `json:"by_entity_type"`
	OldestPendingAge time.Duration           `json:"oldest_pending_age"`
	OldestPendingAt  *time.Time              `json:"oldest_pending_at,omitempty"`
}
