package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"store-sync-service/internal/bus"
	"store-sync-service/internal/entity"
	"store-sync-service/internal/logger"
	"store-sync-service/internal/security"
	"store-sync-service/internal/store"
)

// capturedAtField carries the entity's last-modified timestamp inside the
// payload; the processor compares it against the destination's copy.
const capturedAtField = "updated_at"

// Recorder turns entity mutations into queue entries. It is called
// explicitly at each write boundary of the allow-listed write paths, so
// every capture point is auditable per call site.
//
// Enqueue failures are soft: the business write has already happened and
// must never be rolled back because sync could not be recorded. Callers log
// the returned error and move on.
type Recorder struct {
	store        store.Store
	resolver     *Resolver
	bus          *bus.Bus
	centralStore string
}

func NewRecorder(st store.Store, resolver *Resolver, b *bus.Bus, centralStore string) *Recorder {
	return &Recorder{store: st, resolver: resolver, bus: b, centralStore: centralStore}
}

func (r *Recorder) Created(ctx context.Context, rec *entity.Record, originStore string) error {
	return r.record(ctx, rec, store.KindCreate, originStore)
}

func (r *Recorder) Updated(ctx context.Context, rec *entity.Record, originStore string) error {
	return r.record(ctx, rec, store.KindUpdate, originStore)
}

func (r *Recorder) Deleted(ctx context.Context, rec *entity.Record, originStore string) error {
	return r.record(ctx, rec, store.KindDelete, originStore)
}

func (r *Recorder) record(ctx context.Context, rec *entity.Record, kind store.OperationKind, originStore string) error {
	desc := entity.Lookup(rec.Type)
	if desc == nil {
		// Not on the sync allow-list.
		return nil
	}
	if originStore == "" {
		logger.Log.Warn("Dropping sync capture, no origin store",
			zap.String("type", rec.Type),
			zap.String("id", rec.ID),
		)
		return nil
	}

	payload, err := r.serialize(rec, desc)
	if err != nil {
		return fmt.Errorf("failed to serialize %s/%s: %w", rec.Type, rec.ID, err)
	}

	op := &store.SyncOperation{
		ID:          uuid.New().String(),
		OriginStore: originStore,
		EntityType:  rec.Type,
		EntityID:    rec.ID,
		Kind:        kind,
		Payload:     payload,
		Status:      store.StatusPending,
		Priority:    r.priority(ctx, originStore, desc),
	}
	// Destination defaults to the central server. An origin that *is* the
	// central peer fans out through per-store processing instead.
	if originStore != r.centralStore {
		op.DestStore.String = r.centralStore
		op.DestStore.Valid = true
	}

	if err := r.store.Enqueue(ctx, op); err != nil {
		logger.Log.Error("Failed to enqueue sync operation",
			zap.String("type", rec.Type),
			zap.String("id", rec.ID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return fmt.Errorf("failed to enqueue sync operation: %w", err)
	}

	logger.Log.Debug("Captured sync operation",
		zap.String("op", op.ID),
		zap.String("type", rec.Type),
		zap.String("id", rec.ID),
		zap.String("kind", string(kind)),
	)

	// Surface competing writers on the same entity right away.
	if r.resolver != nil {
		if _, err := r.resolver.Detect(ctx, rec.Type, rec.ID, ""); err != nil {
			logger.Log.Warn("Conflict detection after enqueue failed", zap.Error(err))
		}
	}
	if r.bus != nil {
		r.bus.PublishQueue(map[string]any{
			"operation_id": op.ID,
			"entity_type":  rec.Type,
			"kind":         string(kind),
			"store":        originStore,
		})
	}
	return nil
}

// serialize snapshots the synchronizable fields: per-type exclusions are
// dropped and sensitive values are redacted before anything leaves the
// process.
func (r *Recorder) serialize(rec *entity.Record, desc *entity.Descriptor) (json.RawMessage, error) {
	fields := make(map[string]any, len(rec.Fields))
	for k, v := range rec.Fields {
		if desc.Excluded(k) {
			continue
		}
		switch t := v.(type) {
		case time.Time:
			fields[k] = t.Format(time.RFC3339Nano)
		default:
			fields[k] = v
		}
	}
	fields = security.Redact(fields)

	if _, ok := fields[capturedAtField]; !ok && !rec.UpdatedAt.IsZero() {
		fields[capturedAtField] = rec.UpdatedAt.Format(time.RFC3339Nano)
	}

	return json.Marshal(fields)
}

func (r *Recorder) priority(ctx context.Context, originStore string, desc *entity.Descriptor) int {
	cfg, err := r.store.GetSyncConfig(ctx, originStore)
	if err != nil || cfg == nil {
		return desc.DefaultPriority
	}
	if p, ok := cfg.PriorityFor(desc.Name); ok {
		return p
	}
	return desc.DefaultPriority
}
