package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"

	"store-sync-service/internal/bus"
	"store-sync-service/internal/entity"
	"store-sync-service/internal/logger"
	"store-sync-service/internal/metrics"
	"store-sync-service/internal/store"
)

// Applier is the destination-side write surface for one entity type. The
// default applier writes to the generic record store; callers can register
// type-specific appliers for entities that need bespoke handling.
type Applier interface {
	Fetch(ctx context.Context, entityType, entityID string) (*entity.Record, error)
	Apply(ctx context.Context, rec *entity.Record) error
	Remove(ctx context.Context, entityType, entityID string) error
}

type recordApplier struct {
	records *entity.RecordStore
}

func (a recordApplier) Fetch(ctx context.Context, entityType, entityID string) (*entity.Record, error) {
	return a.records.Get(ctx, entityType, entityID)
}

func (a recordApplier) Apply(ctx context.Context, rec *entity.Record) error {
	return a.records.Upsert(ctx, rec)
}

func (a recordApplier) Remove(ctx context.Context, entityType, entityID string) error {
	return a.records.Delete(ctx, entityType, entityID)
}

// Filter narrows one processing pass.
type Filter struct {
	// OperationID processes exactly one operation.
	OperationID string
	// StoreID limits the pass to operations originated by one store.
	StoreID string
	// MaxItems caps the batch. Zero uses the configured batch size.
	MaxItems int
	// Simulate evaluates every operation without mutating anything:
	// no claims, no applies, no status transitions.
	Simulate bool
}

// Result summarizes one processing pass.
type Result struct {
	Succeeded  int                    `json:"succeeded"`
	Failed     int                    `json:"failed"`
	Conflicted int                    `json:"conflicted"`
	Skipped    int                    `json:"skipped"`
	PerType    map[string]*TypeCounts `json:"per_type,omitempty"`
}

type TypeCounts struct {
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Conflicted int `json:"conflicted"`
}

func (r *Result) count(entityType, outcome string) {
	if r.PerType == nil {
		r.PerType = map[string]*TypeCounts{}
	}
	tc := r.PerType[entityType]
	if tc == nil {
		tc = &TypeCounts{}
		r.PerType[entityType] = tc
	}
	switch outcome {
	case outcomeSuccess:
		r.Succeeded++
		tc.Succeeded++
	case outcomeFailed:
		r.Failed++
		tc.Failed++
	case outcomeConflict:
		r.Conflicted++
		tc.Conflicted++
	}
	metrics.OperationsProcessed.WithLabelValues(entityType, outcome).Inc()
}

const (
	outcomeSuccess  = "success"
	outcomeFailed   = "failed"
	outcomeConflict = "conflict"
)

// Processor drains the queue: claims pending operations in priority order
// and applies each to the destination record set. Every apply is bounded by
// the configured timeout; a timeout is a retryable error, not a conflict.
type Processor struct {
	store        store.Store
	records      *entity.RecordStore
	bus          *bus.Bus
	appliers     map[string]Applier
	batchSize    int
	maxAttempts  int
	applyTimeout time.Duration
}

func NewProcessor(st store.Store, records *entity.RecordStore, b *bus.Bus, batchSize, maxAttempts int, applyTimeout time.Duration) *Processor {
	if batchSize <= 0 {
		batchSize = 100
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if applyTimeout <= 0 {
		applyTimeout = 10 * time.Second
	}
	return &Processor{
		store:        st,
		records:      records,
		bus:          b,
		appliers:     map[string]Applier{},
		batchSize:    batchSize,
		maxAttempts:  maxAttempts,
		applyTimeout: applyTimeout,
	}
}

// RegisterApplier overrides the destination writer for one entity type.
func (p *Processor) RegisterApplier(entityType string, a Applier) {
	p.appliers[entityType] = a
}

func (p *Processor) applierFor(entityType string) Applier {
	if a, ok := p.appliers[entityType]; ok {
		return a
	}
	return recordApplier{records: p.records}
}

// Process runs one pass over the queue. Operations are taken strictly in
// (priority, created_at) order. Returns the pass summary; the error is only
// non-nil when the queue itself could not be read.
func (p *Processor) Process(ctx context.Context, f Filter) (*Result, error) {
	ops, err := p.selectOperations(ctx, f)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, op := range ops {
		if ctx.Err() != nil {
			break
		}

		if f.Simulate {
			outcome := p.evaluate(ctx, op)
			result.count(op.EntityType, outcome)
			continue
		}

		if err := p.store.Claim(ctx, op.ID); err != nil {
			if err == store.ErrNotClaimed {
				result.Skipped++
				continue
			}
			return result, fmt.Errorf("failed to claim operation %s: %w", op.ID, err)
		}

		start := time.Now()
		outcome := p.processClaimed(ctx, op)
		metrics.ProcessingDuration.WithLabelValues(op.EntityType).Observe(time.Since(start).Seconds())
		result.count(op.EntityType, outcome)
	}

	if len(ops) > 0 && !f.Simulate {
		p.publish(f.StoreID, result)
	}
	return result, nil
}

func (p *Processor) selectOperations(ctx context.Context, f Filter) ([]*store.SyncOperation, error) {
	if f.OperationID != "" {
		op, err := p.store.GetOperation(ctx, f.OperationID)
		if err != nil {
			return nil, err
		}
		if op == nil {
			return nil, fmt.Errorf("operation %s not found", f.OperationID)
		}
		if op.Status != store.StatusPending {
			logger.Log.Info("Operation is not pending, nothing to process",
				zap.String("op", op.ID),
				zap.String("status", string(op.Status)),
			)
			return nil, nil
		}
		return []*store.SyncOperation{op}, nil
	}

	limit := f.MaxItems
	if limit <= 0 {
		limit = p.batchSize
	}
	return p.store.ListOperations(ctx, store.OperationFilter{
		Status:      store.StatusPending,
		OriginStore: f.StoreID,
		Limit:       limit,
	})
}

// processClaimed applies one in_progress operation and records the terminal
// transition. Any returned path leaves the operation in a well-defined
// status so nothing stays in_progress past the call.
func (p *Processor) processClaimed(ctx context.Context, op *store.SyncOperation) string {
	applyCtx, cancel := context.WithTimeout(ctx, p.applyTimeout)
	defer cancel()

	outcome, applyErr := p.apply(applyCtx, op, false)
	switch outcome {
	case outcomeSuccess:
		if err := p.store.MarkCompleted(ctx, op.ID); err != nil {
			logger.Log.Error("Failed to mark operation completed", zap.String("op", op.ID), zap.Error(err))
		}
	case outcomeFailed:
		msg := "apply failed"
		if applyErr != nil {
			msg = applyErr.Error()
		}
		logger.Log.Warn("Sync operation failed",
			zap.String("op", op.ID),
			zap.String("type", op.EntityType),
			zap.Int("attempt", op.Attempts+1),
			zap.String("error", msg),
		)
		if err := p.store.MarkError(ctx, op.ID, msg, p.maxAttempts); err != nil {
			logger.Log.Error("Failed to mark operation errored", zap.String("op", op.ID), zap.Error(err))
		}
	}
	return outcome
}

// apply performs (or in simulate mode only evaluates) one operation against
// the destination. Conflict marking happens here because the destination
// state that proves the conflict is already in hand.
func (p *Processor) apply(ctx context.Context, op *store.SyncOperation, simulate bool) (string, error) {
	applier := p.applierFor(op.EntityType)

	if op.Kind == store.KindDelete {
		if simulate {
			return outcomeSuccess, nil
		}
		// Deleting an already-absent target converges to the same state.
		if err := applier.Remove(ctx, op.EntityType, op.EntityID); err != nil {
			return outcomeFailed, err
		}
		return outcomeSuccess, nil
	}

	dest, err := applier.Fetch(ctx, op.EntityType, op.EntityID)
	if err != nil {
		return outcomeFailed, err
	}

	fields, err := op.PayloadFields()
	if err != nil {
		return outcomeFailed, fmt.Errorf("corrupt payload: %w", err)
	}
	capturedAt := capturedTime(op, fields)

	// A create whose target already exists falls through to update
	// semantics; duplicate captures must converge, not error.
	if dest != nil && dest.UpdatedAt.After(capturedAt) {
		if simulate {
			return outcomeConflict, nil
		}
		p.markConflict(ctx, op, dest, fields)
		return outcomeConflict, nil
	}

	if simulate {
		return outcomeSuccess, nil
	}

	merged := fields
	if dest != nil {
		merged = make(map[string]any, len(dest.Fields)+len(fields))
		for k, v := range dest.Fields {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
	}

	rec := &entity.Record{
		Type:      op.EntityType,
		ID:        op.EntityID,
		Fields:    merged,
		UpdatedAt: capturedAt,
	}
	if err := applier.Apply(ctx, rec); err != nil {
		return outcomeFailed, err
	}
	return outcomeSuccess, nil
}

// evaluate is the simulate-mode dry run of apply.
func (p *Processor) evaluate(ctx context.Context, op *store.SyncOperation) string {
	evalCtx, cancel := context.WithTimeout(ctx, p.applyTimeout)
	defer cancel()
	outcome, _ := p.apply(evalCtx, op, true)
	return outcome
}

func (p *Processor) markConflict(ctx context.Context, op *store.SyncOperation, dest *entity.Record, fields map[string]any) {
	destPayload, err := json.Marshal(dest.Fields)
	if err != nil {
		destPayload = nil
	}
	diff, err := json.Marshal(fieldDiff(fields, dest.Fields))
	if err != nil {
		diff = nil
	}

	if err := p.store.MarkConflict(ctx, op.ID, destPayload, diff); err != nil {
		logger.Log.Error("Failed to mark operation conflicted", zap.String("op", op.ID), zap.Error(err))
		return
	}

	metrics.ConflictsDetected.Inc()
	logger.Log.Warn("Conflict detected, destination copy is newer",
		zap.String("op", op.ID),
		zap.String("type", op.EntityType),
		zap.String("id", op.EntityID),
	)
	if p.bus != nil {
		p.bus.PublishConflict(map[string]any{
			"operation_id": op.ID,
			"entity_type":  op.EntityType,
			"entity_id":    op.EntityID,
			"origin_store": op.OriginStore,
		})
	}
}

func (p *Processor) publish(storeID string, result *Result) {
	if p.bus == nil {
		return
	}
	p.bus.PublishStatus(storeID, map[string]any{
		"succeeded":  result.Succeeded,
		"failed":     result.Failed,
		"conflicted": result.Conflicted,
	})
	p.bus.PublishQueue(map[string]any{
		"processed": result.Succeeded + result.Failed + result.Conflicted,
	})
}

// capturedTime is the moment the payload snapshot was taken. The payload's
// own timestamp wins; the enqueue time is the fallback.
func capturedTime(op *store.SyncOperation, fields map[string]any) time.Time {
	if raw, ok := fields[capturedAtField].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t
		}
	}
	return op.CreatedAt
}

// fieldDiff lists the fields whose values differ between the incoming
// payload and the destination copy.
func fieldDiff(local, remote map[string]any) map[string]map[string]any {
	diff := map[string]map[string]any{}
	for k, lv := range local {
		if k == capturedAtField {
			continue
		}
		rv, ok := remote[k]
		if !ok || !reflect.DeepEqual(lv, rv) {
			diff[k] = map[string]any{"local": lv, "remote": rv}
		}
	}
	for k, rv := range remote {
		if k == capturedAtField {
			continue
		}
		if _, ok := local[k]; !ok {
			diff[k] = map[string]any{"local": nil, "remote": rv}
		}
	}
	return diff
}
