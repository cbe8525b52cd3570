package security

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"store-sync-service/internal/logger"
	"store-sync-service/internal/store"
)

// Audit actions recorded by the engine.
const (
	ActionTokenValidated  = "token_validated"
	ActionTokenRejected   = "token_rejected"
	ActionChannelDenied   = "channel_denied"
	ActionProcessQueue    = "process_queue"
	ActionResolveConflict = "resolve_conflict"
	ActionFullSync        = "full_sync"
	ActionConfigUpdated   = "config_updated"
)

// Auditor appends immutable audit entries for security-relevant sync
// actions. Audit failures are logged, never propagated: the guarded action
// must not fail because the trail could not be written.
type Auditor struct {
	store store.Store
}

func NewAuditor(st store.Store) *Auditor {
	return &Auditor{store: st}
}

func (a *Auditor) Record(ctx context.Context, actor, storeID, action string, success bool, detail map[string]any) {
	entry := &store.AuditEntry{
		StoreID: storeID,
		Action:  action,
		Success: success,
	}
	if actor != "" {
		entry.Actor.String = actor
		entry.Actor.Valid = true
	}
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err == nil {
			entry.Detail = raw
		}
	}

	if err := a.store.AppendAudit(ctx, entry); err != nil {
		logger.Log.Error("Failed to append audit entry",
			zap.String("action", action),
			zap.String("store", storeID),
			zap.Error(err),
		)
	}
}

// RecordEntity is Record with the affected entity attached.
func (a *Auditor) RecordEntity(ctx context.Context, actor, storeID, action, entityType, entityID string, success bool, detail map[string]any) {
	entry := &store.AuditEntry{
		StoreID: storeID,
		Action:  action,
		Success: success,
	}
	if actor != "" {
		entry.Actor.String = actor
		entry.Actor.Valid = true
	}
	if entityType != "" {
		entry.EntityType.String = entityType
		entry.EntityType.Valid = true
	}
	if entityID != "" {
		entry.EntityID.String = entityID
		entry.EntityID.Valid = true
	}
	if detail != nil {
		if raw, err := json.Marshal(detail); err == nil {
			entry.Detail = raw
		}
	}

	if err := a.store.AppendAudit(ctx, entry); err != nil {
		logger.Log.Error("Failed to append audit entry",
			zap.String("action", action),
			zap.String("store", storeID),
			zap.Error(err),
		)
	}
}
