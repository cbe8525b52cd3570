package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"store-sync-service/internal/bus"
	"store-sync-service/internal/entity"
	"store-sync-service/internal/logger"
	"store-sync-service/internal/metrics"
	"store-sync-service/internal/security"
	"store-sync-service/internal/store"
)

// Conflict resolution strategies.
const (
	StrategyLastModified    = "last_modified"
	StrategyCentralPriority = "central_priority"
	StrategyFieldMerge      = "field_merge"
	StrategyManual          = "manual"
)

// Field-merge rules, keyed by field name.
const (
	RuleCentral = "central" // keep the central store's value
	RuleLocal   = "local"   // keep the non-central value
	RuleLatest  = "latest"  // keep the later capture's value
	RuleSum     = "sum"     // add both numeric values
)

// businessKeyField is the fallback identity used when two stores create the
// same logical entity under different ids.
const businessKeyField = "code"

// Resolver detects and resolves conflicts between competing queue entries
// for the same entity. Resolution always converges to exactly one surviving
// operation per entity, except under the manual strategy where operations
// stay conflicted until an operator decides.
type Resolver struct {
	store           store.Store
	bus             *bus.Bus
	auditor         *security.Auditor
	centralStore    string
	defaultStrategy string
}

func NewResolver(st store.Store, b *bus.Bus, auditor *security.Auditor, centralStore, defaultStrategy string) *Resolver {
	if defaultStrategy == "" {
		defaultStrategy = StrategyLastModified
	}
	return &Resolver{
		store:           st,
		bus:             b,
		auditor:         auditor,
		centralStore:    centralStore,
		defaultStrategy: defaultStrategy,
	}
}

// StrategyFor picks the effective strategy for an entity type: the store's
// configured override, then the type default, then the engine default.
func (r *Resolver) StrategyFor(ctx context.Context, storeID, entityType string) string {
	if cfg, err := r.store.GetSyncConfig(ctx, storeID); err == nil && cfg != nil {
		if s, ok := cfg.StrategyFor(entityType); ok {
			return s
		}
	}
	if desc := entity.Lookup(entityType); desc != nil && desc.DefaultStrategy != "" {
		return desc.DefaultStrategy
	}
	return r.defaultStrategy
}

// Detect finds competing non-terminal operations for the same entity and
// flags them as conflicted. With an empty entityID the business key is
// matched against each candidate payload instead. Detection is idempotent:
// already-flagged operations are not re-notified.
func (r *Resolver) Detect(ctx context.Context, entityType, entityID, businessKey string) ([]*store.SyncOperation, error) {
	candidates, err := r.candidates(ctx, entityType, entityID, businessKey)
	if err != nil {
		return nil, err
	}
	if len(candidates) < 2 {
		return nil, nil
	}

	var flagged []*store.SyncOperation
	for i, op := range candidates {
		if op.Status == store.StatusConflict {
			continue
		}
		other := candidates[(i+1)%len(candidates)]

		localFields, _ := op.PayloadFields()
		otherFields, _ := other.PayloadFields()
		diff, _ := json.Marshal(fieldDiff(localFields, otherFields))

		if err := r.store.MarkConflict(ctx, op.ID, other.Payload, diff); err != nil {
			return flagged, fmt.Errorf("failed to flag conflict on %s: %w", op.ID, err)
		}
		flagged = append(flagged, op)
	}

	if len(flagged) > 0 {
		metrics.ConflictsDetected.Inc()
		logger.Log.Warn("Competing operations detected for entity",
			zap.String("type", entityType),
			zap.String("id", entityID),
			zap.Int("operations", len(candidates)),
		)
		if r.bus != nil {
			r.bus.PublishConflict(map[string]any{
				"entity_type": entityType,
				"entity_id":   entityID,
				"operations":  len(candidates),
			})
		}
	}
	return flagged, nil
}

func (r *Resolver) candidates(ctx context.Context, entityType, entityID, businessKey string) ([]*store.SyncOperation, error) {
	filter := store.OperationFilter{
		Statuses:   []store.OperationStatus{store.StatusPending, store.StatusConflict},
		EntityType: entityType,
	}
	if entityID != "" {
		filter.EntityID = entityID
		return r.store.ListOperations(ctx, filter)
	}
	if businessKey == "" {
		return nil, fmt.Errorf("either entity id or business key is required")
	}

	ops, err := r.store.ListOperations(ctx, filter)
	if err != nil {
		return nil, err
	}
	var matched []*store.SyncOperation
	for _, op := range ops {
		fields, err := op.PayloadFields()
		if err != nil {
			continue
		}
		if key, ok := fields[businessKeyField].(string); ok && key == businessKey {
			matched = append(matched, op)
		}
	}
	return matched, nil
}

// Resolve settles one conflict pair. The winner returns to pending (with a
// merged payload under field_merge) and the loser is completed as
// superseded. Under the manual strategy both operations are left conflicted
// and the returned winner is nil.
func (r *Resolver) Resolve(ctx context.Context, a, b *store.SyncOperation, strategy string, rules map[string]string, resolvedBy string) (*store.SyncOperation, error) {
	if a.EntityType != b.EntityType {
		return nil, fmt.Errorf("cannot resolve operations of different types: %s vs %s", a.EntityType, b.EntityType)
	}
	if a.Status.Terminal() || b.Status.Terminal() {
		return nil, fmt.Errorf("cannot resolve a terminal operation")
	}

	var (
		winner, loser *store.SyncOperation
		payload       json.RawMessage
		err           error
	)

	switch strategy {
	case StrategyLastModified:
		winner, loser = r.byLastModified(a, b)
	case StrategyCentralPriority:
		winner, loser = r.byCentralPriority(a, b)
	case StrategyFieldMerge:
		winner, loser = r.byLastModified(a, b)
		payload, err = r.mergePayloads(winner, loser, rules)
		if err != nil {
			return nil, err
		}
	case StrategyManual:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown conflict strategy %q", strategy)
	}

	if err := r.store.MarkPending(ctx, winner.ID, payload, resolvedBy); err != nil {
		return nil, fmt.Errorf("failed to re-queue winner %s: %w", winner.ID, err)
	}
	// Keep the in-memory winner aligned with what was just persisted, so a
	// pairwise chain merges against the merged payload, not the original.
	if payload != nil {
		winner.Payload = payload
	}
	winner.Status = store.StatusPending
	if err := r.store.MarkSuperseded(ctx, loser.ID, resolvedBy); err != nil {
		return nil, fmt.Errorf("failed to supersede %s: %w", loser.ID, err)
	}

	metrics.ConflictsResolved.WithLabelValues(strategy).Inc()
	logger.Log.Info("Conflict resolved",
		zap.String("strategy", strategy),
		zap.String("winner", winner.ID),
		zap.String("superseded", loser.ID),
		zap.String("type", winner.EntityType),
		zap.String("id", winner.EntityID),
	)
	if r.auditor != nil {
		r.auditor.RecordEntity(ctx, resolvedBy, winner.OriginStore, security.ActionResolveConflict,
			winner.EntityType, winner.EntityID, true,
			map[string]any{"strategy": strategy, "winner": winner.ID, "superseded": loser.ID})
	}
	if r.bus != nil {
		r.bus.PublishConflict(map[string]any{
			"resolved":    true,
			"strategy":    strategy,
			"winner":      winner.ID,
			"superseded":  loser.ID,
			"entity_type": winner.EntityType,
			"entity_id":   winner.EntityID,
		})
	}
	return winner, nil
}

// ResolveAll converges every conflicted operation for one entity down to a
// single survivor by resolving pairwise. Returns the survivor and how many
// operations were superseded.
func (r *Resolver) ResolveAll(ctx context.Context, entityType, entityID, businessKey, strategy string, rules map[string]string, resolvedBy string) (*store.SyncOperation, int, error) {
	candidates, err := r.candidates(ctx, entityType, entityID, businessKey)
	if err != nil {
		return nil, 0, err
	}
	if len(candidates) == 0 {
		return nil, 0, nil
	}
	if len(candidates) == 1 {
		return candidates[0], 0, nil
	}
	if strategy == StrategyManual {
		if _, err := r.Detect(ctx, entityType, entityID, businessKey); err != nil {
			return nil, 0, err
		}
		return nil, 0, nil
	}

	survivor := candidates[0]
	superseded := 0
	for _, next := range candidates[1:] {
		winner, err := r.Resolve(ctx, survivor, next, strategy, rules, resolvedBy)
		if err != nil {
			return survivor, superseded, err
		}
		survivor = winner
		superseded++
	}
	return survivor, superseded, nil
}

func (r *Resolver) byLastModified(a, b *store.SyncOperation) (winner, loser *store.SyncOperation) {
	if opCapturedAt(b).After(opCapturedAt(a)) {
		return b, a
	}
	return a, b
}

func (r *Resolver) byCentralPriority(a, b *store.SyncOperation) (winner, loser *store.SyncOperation) {
	aCentral := a.OriginStore == r.centralStore
	bCentral := b.OriginStore == r.centralStore
	switch {
	case aCentral && !bCentral:
		return a, b
	case bCentral && !aCentral:
		return b, a
	default:
		return r.byLastModified(a, b)
	}
}

// mergePayloads builds the field_merge payload. Fields without a rule take
// the winner's value. The sum rule only fires when the two captures come
// from different stores, otherwise two snapshots of the same counter would
// be added together.
func (r *Resolver) mergePayloads(winner, loser *store.SyncOperation, rules map[string]string) (json.RawMessage, error) {
	winFields, err := winner.PayloadFields()
	if err != nil {
		return nil, fmt.Errorf("corrupt winner payload: %w", err)
	}
	loseFields, err := loser.PayloadFields()
	if err != nil {
		return nil, fmt.Errorf("corrupt loser payload: %w", err)
	}

	merged := make(map[string]any, len(winFields)+len(loseFields))
	for k, v := range loseFields {
		merged[k] = v
	}
	for k, v := range winFields {
		merged[k] = v
	}

	// central/local rules only apply when exactly one side is the central
	// peer; otherwise the winner's value already in merged stands.
	var centralFields, localFields map[string]any
	switch {
	case winner.OriginStore == r.centralStore && loser.OriginStore != r.centralStore:
		centralFields, localFields = winFields, loseFields
	case loser.OriginStore == r.centralStore && winner.OriginStore != r.centralStore:
		centralFields, localFields = loseFields, winFields
	}

	for field, rule := range rules {
		wv, wok := winFields[field]
		lv, lok := loseFields[field]
		if !wok && !lok {
			continue
		}

		switch rule {
		case RuleCentral:
			if v, ok := centralFields[field]; ok {
				merged[field] = v
			}
		case RuleLocal:
			if v, ok := localFields[field]; ok {
				merged[field] = v
			}
		case RuleLatest:
			if lok && opCapturedAt(loser).After(opCapturedAt(winner)) {
				merged[field] = lv
			} else if wok {
				merged[field] = wv
			}
		case RuleSum:
			wn, wIsNum := asNumber(wv)
			ln, lIsNum := asNumber(lv)
			if wIsNum && lIsNum && winner.OriginStore != loser.OriginStore {
				merged[field] = wn + ln
			}
		default:
			return nil, fmt.Errorf("unknown merge rule %q for field %q", rule, field)
		}
	}

	return json.Marshal(merged)
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// opCapturedAt mirrors the processor's capture-timestamp rule for strategy
// comparisons.
func opCapturedAt(op *store.SyncOperation) time.Time {
	fields, err := op.PayloadFields()
	if err == nil {
		if raw, ok := fields[capturedAtField].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				return t
			}
		}
	}
	return op.CreatedAt
}
