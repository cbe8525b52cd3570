package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotClaimed is returned when an atomic pending→in_progress transition
// affected no rows, meaning another worker claimed the operation first or
// it is no longer pending.
var ErrNotClaimed = errors.New("operation not claimable")

type Store interface {
	// Queue
	Enqueue(ctx context.Context, op *SyncOperation) error
	GetOperation(ctx context.Context, id string) (*SyncOperation, error)
	ListOperations(ctx context.Context, filter OperationFilter) ([]*SyncOperation, error)

	// Claim atomically transitions one pending operation to in_progress,
	// granting the caller exclusive processing rights. Returns ErrNotClaimed
	// when the operation was already claimed or is not pending.
	Claim(ctx context.Context, id string) error

	// Status transitions.
	MarkCompleted(ctx context.Context, id string) error
	MarkError(ctx context.Context, id string, message string, maxAttempts int) error
	MarkConflict(ctx context.Context, id string, conflicting, diff json.RawMessage) error
	// MarkPending re-queues an operation after retry or conflict resolution,
	// optionally replacing its payload and recording who resolved it.
	MarkPending(ctx context.Context, id string, payload json.RawMessage, resolvedBy string) error
	// MarkSuperseded completes the losing side of a resolved conflict.
	MarkSuperseded(ctx context.Context, id string, resolvedBy string) error
	// RequeueErrors returns retryable errored operations to pending,
	// optionally scoped to one origin store. Failed operations stay failed.
	RequeueErrors(ctx context.Context, storeID string) (int, error)

	Stats(ctx context.Context, storeID string) (*QueueStats, error)
	// OperationCountsSince returns per-entity-type operation volume created
	// after the given time, most active first. Feeds dynamic priorities.
	OperationCountsSince(ctx context.Context, since time.Time) ([]EntityTypeCount, error)

	// Per-store sync policy.
	GetSyncConfig(ctx context.Context, storeID string) (*StoreSyncConfig, error)
	UpsertSyncConfig(ctx context.Context, cfg *StoreSyncConfig) error
	ListSyncConfigs(ctx context.Context, autoSyncOnly bool) ([]*StoreSyncConfig, error)
	TouchLastSync(ctx context.Context, storeID string, at time.Time) error

	// Sync runs.
	CreateSyncRun(ctx context.Context, run *SyncRun) error
	FinalizeSyncRun(ctx context.Context, run *SyncRun) error
	ListSyncRuns(ctx context.Context, storeID string, limit, offset int) ([]*SyncRun, error)

	// Audit trail (append-only).
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, storeID string, limit, offset int) ([]*AuditEntry, error)

	Close() error
}

type EntityTypeCount struct {
	EntityType string `json:"entity_type"`
	Count      int    `json:"count"`
}
