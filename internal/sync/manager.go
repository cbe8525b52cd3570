package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"store-sync-service/internal/bus"
	"store-sync-service/internal/cache"
	"store-sync-service/internal/config"
	"store-sync-service/internal/entity"
	"store-sync-service/internal/logger"
	"store-sync-service/internal/metrics"
	"store-sync-service/internal/security"
	"store-sync-service/internal/store"
)

// Manual conflict decisions.
const (
	DecisionTakeServer = "take_server"
	DecisionTakeLocal  = "take_local"
	DecisionCustom     = "custom"
)

// priorityWindow is how far back operation volume is sampled when adjusting
// per-type priorities.
const priorityWindow = 7 * 24 * time.Hour

// Manager wires the sync engine together and owns its lifecycle. All
// operator-facing actions (full syncs, manual conflict decisions, batch
// processing) go through it so auditing and notifications stay consistent.
type Manager struct {
	cfg       *config.Config
	store     store.Store
	records   *entity.RecordStore
	cache     *cache.Manager
	bus       *bus.Bus
	processor *Processor
	resolver  *Resolver
	recorder  *Recorder
	auditor   *security.Auditor

	running atomic.Bool
	online  atomic.Bool

	mu       sync.Mutex // serializes full syncs
	lastPass time.Time
}

func NewManager(cfg *config.Config, st store.Store, records *entity.RecordStore, cacheMgr *cache.Manager, b *bus.Bus) *Manager {
	auditor := security.NewAuditor(st)
	resolver := NewResolver(st, b, auditor, cfg.CentralStore, cfg.Sync.DefaultPolicy)
	processor := NewProcessor(st, records, b,
		cfg.Sync.BatchSize, cfg.Sync.MaxAttempts, cfg.Sync.GetApplyTimeout())

	m := &Manager{
		cfg:       cfg,
		store:     st,
		records:   records,
		cache:     cacheMgr,
		bus:       b,
		processor: processor,
		resolver:  resolver,
		auditor:   auditor,
	}
	m.recorder = NewRecorder(st, resolver, b, cfg.CentralStore)
	m.online.Store(true)
	return m
}

func (m *Manager) Recorder() *Recorder   { return m.recorder }
func (m *Manager) Resolver() *Resolver   { return m.resolver }
func (m *Manager) Processor() *Processor { return m.processor }
func (m *Manager) Cache() *cache.Manager { return m.cache }
func (m *Manager) Auditor() *security.Auditor { return m.auditor }

func (m *Manager) Start() { m.running.Store(true) }
func (m *Manager) Stop()  { m.running.Store(false) }

func (m *Manager) Running() bool { return m.running.Load() }

// SetOnline records the connectivity state observed by the scheduler.
func (m *Manager) SetOnline(online bool) {
	m.online.Store(online)
	if online {
		metrics.Connectivity.Set(1)
	} else {
		metrics.Connectivity.Set(0)
	}
}

func (m *Manager) Online() bool { return m.online.Load() }

// ProcessBatch runs one scheduled processing pass.
func (m *Manager) ProcessBatch(ctx context.Context) (*Result, error) {
	if !m.running.Load() {
		return &Result{}, nil
	}
	if n, err := m.store.RequeueErrors(ctx, ""); err != nil {
		logger.Log.Warn("Failed to requeue errored operations", zap.Error(err))
	} else if n > 0 {
		logger.Log.Info("Requeued errored operations for retry", zap.Int("count", n))
	}
	result, err := m.processor.Process(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.lastPass = time.Now()
	m.mu.Unlock()
	m.refreshQueueMetrics(ctx)
	return result, nil
}

// ProcessPending processes up to max pending operations, optionally scoped
// to one origin store, in simulate mode when asked.
func (m *Manager) ProcessPending(ctx context.Context, storeID string, max int, simulate bool) (*Result, error) {
	result, err := m.processor.Process(ctx, Filter{StoreID: storeID, MaxItems: max, Simulate: simulate})
	if err != nil {
		return nil, err
	}
	m.auditor.Record(ctx, "", storeID, security.ActionProcessQueue, true, map[string]any{
		"max":        max,
		"simulate":   simulate,
		"succeeded":  result.Succeeded,
		"failed":     result.Failed,
		"conflicted": result.Conflicted,
	})
	return result, nil
}

// ProcessOne processes a single operation by id.
func (m *Manager) ProcessOne(ctx context.Context, operationID string, simulate bool) (*Result, error) {
	return m.processor.Process(ctx, Filter{OperationID: operationID, Simulate: simulate})
}

// TriggerFullSync drains every pending operation for one store inside a
// recorded sync run. Runs are serialized; a second trigger waits for the
// first to finish.
func (m *Manager) TriggerFullSync(ctx context.Context, storeID, initiatedBy string) (*store.SyncRun, error) {
	if storeID == "" {
		return nil, fmt.Errorf("store id is required")
	}
	if err := m.knownStore(ctx, storeID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	run := &store.SyncRun{
		ID:        uuid.New().String(),
		StoreID:   storeID,
		StartedAt: time.Now(),
		Status:    store.StatusInProgress,
	}
	if initiatedBy != "" {
		run.InitiatedBy = sql.NullString{String: initiatedBy, Valid: true}
	}
	if err := m.store.CreateSyncRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create sync run: %w", err)
	}

	logger.Log.Info("Full sync started",
		zap.String("run", run.ID),
		zap.String("store", storeID),
		zap.String("initiated_by", initiatedBy),
	)

	if _, err := m.store.RequeueErrors(ctx, storeID); err != nil {
		logger.Log.Warn("Failed to requeue errored operations", zap.Error(err))
	}

	total := &Result{}
	runErr := m.drain(ctx, storeID, total)

	run.FinishedAt = sql.NullTime{Time: time.Now(), Valid: true}
	run.Succeeded = total.Succeeded
	run.Failed = total.Failed
	run.Conflicted = total.Conflicted
	run.Total = total.Succeeded + total.Failed + total.Conflicted
	run.Status = store.StatusCompleted
	if runErr != nil {
		run.Status = store.StatusError
	}
	if summary, err := json.Marshal(total.PerType); err == nil {
		run.Summary = summary
	}

	if err := m.store.FinalizeSyncRun(ctx, run); err != nil {
		logger.Log.Error("Failed to finalize sync run", zap.String("run", run.ID), zap.Error(err))
	}
	if runErr == nil {
		if err := m.store.TouchLastSync(ctx, storeID, run.FinishedAt.Time); err != nil {
			logger.Log.Warn("Failed to record last sync time", zap.String("store", storeID), zap.Error(err))
		}
	}

	m.auditor.Record(ctx, initiatedBy, storeID, security.ActionFullSync, runErr == nil, map[string]any{
		"run":        run.ID,
		"total":      run.Total,
		"succeeded":  run.Succeeded,
		"failed":     run.Failed,
		"conflicted": run.Conflicted,
	})
	m.bus.PublishStatus(storeID, map[string]any{
		"run":        run.ID,
		"status":     string(run.Status),
		"total":      run.Total,
		"succeeded":  run.Succeeded,
		"failed":     run.Failed,
		"conflicted": run.Conflicted,
	})
	m.refreshQueueMetrics(ctx)

	logger.Log.Info("Full sync finished",
		zap.String("run", run.ID),
		zap.String("store", storeID),
		zap.Int("total", run.Total),
		zap.Int("succeeded", run.Succeeded),
		zap.Int("failed", run.Failed),
		zap.Int("conflicted", run.Conflicted),
	)
	return run, runErr
}

// drain repeats processing passes until no pending work remains for the
// store or a pass makes no progress.
func (m *Manager) drain(ctx context.Context, storeID string, total *Result) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		result, err := m.processor.Process(ctx, Filter{StoreID: storeID})
		if err != nil {
			return err
		}

		total.Succeeded += result.Succeeded
		total.Failed += result.Failed
		total.Conflicted += result.Conflicted
		for t, tc := range result.PerType {
			if total.PerType == nil {
				total.PerType = map[string]*TypeCounts{}
			}
			acc := total.PerType[t]
			if acc == nil {
				acc = &TypeCounts{}
				total.PerType[t] = acc
			}
			acc.Succeeded += tc.Succeeded
			acc.Failed += tc.Failed
			acc.Conflicted += tc.Conflicted
		}

		// Stop once a pass makes no forward progress. Failures count as
		// progress: an errored operation leaves the pending pool until the
		// next requeue, so continuing past a failing batch cannot spin.
		if result.Succeeded == 0 && result.Failed == 0 && result.Conflicted == 0 && result.Skipped == 0 {
			return nil
		}
	}
}

func (m *Manager) knownStore(ctx context.Context, storeID string) error {
	if storeID == m.cfg.StoreID || storeID == m.cfg.CentralStore {
		return nil
	}
	cfg, err := m.store.GetSyncConfig(ctx, storeID)
	if err != nil {
		return err
	}
	if cfg == nil {
		return fmt.Errorf("unknown store %q", storeID)
	}
	return nil
}

// CheckAutoSync triggers a full sync for every store whose auto-sync
// interval has elapsed since its last run.
func (m *Manager) CheckAutoSync(ctx context.Context) {
	configs, err := m.store.ListSyncConfigs(ctx, true)
	if err != nil {
		logger.Log.Error("Failed to list auto-sync configurations", zap.Error(err))
		return
	}

	now := time.Now()
	for _, cfg := range configs {
		interval := time.Duration(cfg.IntervalMinutes) * time.Minute
		if interval <= 0 {
			continue
		}
		if cfg.LastSyncAt.Valid && now.Sub(cfg.LastSyncAt.Time) < interval {
			continue
		}
		if _, err := m.TriggerFullSync(ctx, cfg.StoreID, "scheduler"); err != nil {
			logger.Log.Error("Scheduled full sync failed",
				zap.String("store", cfg.StoreID), zap.Error(err))
		}
	}
}

// AdjustPriorities re-ranks entity-type priorities for this store from the
// past week's operation volume: the busier a type, the sooner its
// operations drain.
func (m *Manager) AdjustPriorities(ctx context.Context) error {
	counts, err := m.store.OperationCountsSince(ctx, time.Now().Add(-priorityWindow))
	if err != nil {
		return fmt.Errorf("failed to sample operation volume: %w", err)
	}
	if len(counts) == 0 {
		return nil
	}

	priorities := map[string]int{}
	for i, c := range counts {
		priorities[c.EntityType] = i + 1
	}
	raw, err := json.Marshal(priorities)
	if err != nil {
		return err
	}

	cfg, err := m.store.GetSyncConfig(ctx, m.cfg.StoreID)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = &store.StoreSyncConfig{StoreID: m.cfg.StoreID}
	}
	cfg.Priorities = raw
	if err := m.store.UpsertSyncConfig(ctx, cfg); err != nil {
		return fmt.Errorf("failed to store adjusted priorities: %w", err)
	}

	logger.Log.Info("Adjusted entity-type priorities from operation volume",
		zap.String("store", m.cfg.StoreID),
		zap.Int("types", len(priorities)),
	)
	return nil
}

// ResolveOperation applies a manual conflict decision to one operation.
func (m *Manager) ResolveOperation(ctx context.Context, operationID, decision string, customPayload json.RawMessage, actor string) (*store.SyncOperation, error) {
	op, err := m.store.GetOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, fmt.Errorf("operation %s not found", operationID)
	}
	if op.Status != store.StatusConflict {
		return nil, fmt.Errorf("operation %s is not in conflict (status %s)", operationID, op.Status)
	}

	switch decision {
	case DecisionTakeServer:
		// The destination copy stands; the local change is discarded.
		if err := m.store.MarkSuperseded(ctx, operationID, actor); err != nil {
			return nil, err
		}
	case DecisionTakeLocal:
		payload, err := bumpCapturedAt(op.Payload)
		if err != nil {
			return nil, err
		}
		if err := m.store.MarkPending(ctx, operationID, payload, actor); err != nil {
			return nil, err
		}
		if _, err := m.processor.Process(ctx, Filter{OperationID: operationID}); err != nil {
			return nil, err
		}
	case DecisionCustom:
		if len(customPayload) == 0 {
			return nil, fmt.Errorf("custom resolution requires a payload")
		}
		payload, err := bumpCapturedAt(customPayload)
		if err != nil {
			return nil, err
		}
		if err := m.store.MarkPending(ctx, operationID, payload, actor); err != nil {
			return nil, err
		}
		if _, err := m.processor.Process(ctx, Filter{OperationID: operationID}); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown resolution decision %q", decision)
	}

	metrics.ConflictsResolved.WithLabelValues(StrategyManual).Inc()
	m.auditor.RecordEntity(ctx, actor, op.OriginStore, security.ActionResolveConflict,
		op.EntityType, op.EntityID, true,
		map[string]any{"operation": operationID, "decision": decision})
	m.bus.PublishConflict(map[string]any{
		"resolved":    true,
		"strategy":    StrategyManual,
		"decision":    decision,
		"operation":   operationID,
		"entity_type": op.EntityType,
		"entity_id":   op.EntityID,
	})

	return m.store.GetOperation(ctx, operationID)
}

// Snapshot builds the status payload pushed to websocket clients and served
// by the status endpoints.
func (m *Manager) Snapshot(ctx context.Context, storeID string) (map[string]any, error) {
	stats, err := m.store.Stats(ctx, storeID)
	if err != nil {
		return nil, err
	}

	byStatus := map[string]int{}
	for status, n := range stats.ByStatus {
		byStatus[string(status)] = n
	}

	snapshot := map[string]any{
		"store_id":       storeID,
		"running":        m.running.Load(),
		"online":         m.online.Load(),
		"by_status":      byStatus,
		"by_entity_type": stats.ByEntityType,
	}
	if stats.OldestPendingAt != nil {
		snapshot["oldest_pending_at"] = stats.OldestPendingAt
		snapshot["oldest_pending_age_seconds"] = int(stats.OldestPendingAge.Seconds())
	}
	if storeID != "" {
		if cfg, err := m.store.GetSyncConfig(ctx, storeID); err == nil && cfg != nil && cfg.LastSyncAt.Valid {
			snapshot["last_sync_at"] = cfg.LastSyncAt.Time
		}
	}
	return snapshot, nil
}

func (m *Manager) refreshQueueMetrics(ctx context.Context) {
	stats, err := m.store.Stats(ctx, "")
	if err != nil {
		return
	}
	for _, status := range []store.OperationStatus{
		store.StatusPending, store.StatusInProgress, store.StatusCompleted,
		store.StatusError, store.StatusConflict, store.StatusFailed,
	} {
		metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(stats.ByStatus[status]))
	}
}

// bumpCapturedAt stamps the payload with a fresh capture time so a manual
// resolution outranks the destination copy that caused the conflict.
func bumpCapturedAt(payload json.RawMessage) (json.RawMessage, error) {
	fields := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, fmt.Errorf("corrupt payload: %w", err)
		}
	}
	fields[capturedAtField] = time.Now().Format(time.RFC3339Nano)
	return json.Marshal(fields)
}
