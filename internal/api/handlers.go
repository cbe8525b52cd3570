package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"store-sync-service/internal/logger"
	"store-sync-service/internal/security"
	"store-sync-service/internal/store"
)

type operationView struct {
	ID                 string          `json:"id"`
	OriginStore        string          `json:"origin_store"`
	DestStore          string          `json:"dest_store,omitempty"`
	EntityType         string          `json:"entity_type"`
	EntityID           string          `json:"entity_id"`
	Kind               string          `json:"kind"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	Status             string          `json:"status"`
	Attempts           int             `json:"attempts"`
	Priority           int             `json:"priority"`
	HasConflict        bool            `json:"has_conflict"`
	ConflictingPayload json.RawMessage `json:"conflicting_payload,omitempty"`
	Diff               json.RawMessage `json:"diff,omitempty"`
	ResolvedBy         string          `json:"resolved_by,omitempty"`
	ResolvedAt         *time.Time      `json:"resolved_at,omitempty"`
	ErrorMessage       string          `json:"error_message,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func viewOf(op *store.SyncOperation) operationView {
	v := operationView{
		ID:                 op.ID,
		OriginStore:        op.OriginStore,
		EntityType:         op.EntityType,
		EntityID:           op.EntityID,
		Kind:               string(op.Kind),
		Payload:            op.Payload,
		Status:             string(op.Status),
		Attempts:           op.Attempts,
		Priority:           op.Priority,
		HasConflict:        op.HasConflict,
		ConflictingPayload: op.ConflictingPayload,
		Diff:               op.Diff,
		CreatedAt:          op.CreatedAt,
		UpdatedAt:          op.UpdatedAt,
	}
	if op.DestStore.Valid {
		v.DestStore = op.DestStore.String
	}
	if op.ResolvedBy.Valid {
		v.ResolvedBy = op.ResolvedBy.String
	}
	if op.ResolvedAt.Valid {
		t := op.ResolvedAt.Time
		v.ResolvedAt = &t
	}
	if op.ErrorMessage.Valid {
		v.ErrorMessage = op.ErrorMessage.String
	}
	return v
}

type runView struct {
	ID          string          `json:"id"`
	StoreID     string          `json:"store_id"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	Total       int             `json:"total"`
	Succeeded   int             `json:"succeeded"`
	Failed      int             `json:"failed"`
	Conflicted  int             `json:"conflicted"`
	Summary     json.RawMessage `json:"summary,omitempty"`
	Status      string          `json:"status"`
	InitiatedBy string          `json:"initiated_by,omitempty"`
}

func runViewOf(run *store.SyncRun) runView {
	v := runView{
		ID:         run.ID,
		StoreID:    run.StoreID,
		StartedAt:  run.StartedAt,
		Total:      run.Total,
		Succeeded:  run.Succeeded,
		Failed:     run.Failed,
		Conflicted: run.Conflicted,
		Summary:    run.Summary,
		Status:     string(run.Status),
	}
	if run.FinishedAt.Valid {
		t := run.FinishedAt.Time
		v.FinishedAt = &t
	}
	if run.InitiatedBy.Valid {
		v.InitiatedBy = run.InitiatedBy.String
	}
	return v
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Warn("Failed to write response", zap.Error(err))
	}
}

func respondErr(w http.ResponseWriter, status int, err error) {
	respond(w, status, map[string]string{"error": err.Error()})
}

func (h *Handler) actor(r *http.Request) string {
	if claims := ClaimsFrom(r.Context()); claims != nil {
		return claims.StoreID
	}
	return ""
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// --- engine status ---

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	storeID := r.URL.Query().Get("store_id")
	if storeID == "" {
		storeID = h.actor(r)
	}
	snapshot, err := h.manager.Snapshot(r.Context(), storeID)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	respond(w, http.StatusOK, snapshot)
}

func (h *Handler) StartSync(w http.ResponseWriter, r *http.Request) {
	h.manager.Start()
	respond(w, http.StatusOK, map[string]string{"status": "started"})
}

func (h *Handler) StopSync(w http.ResponseWriter, r *http.Request) {
	h.manager.Stop()
	respond(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// --- queue ---

func (h *Handler) ListOperations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.OperationFilter{
		Status:      store.OperationStatus(q.Get("status")),
		OriginStore: q.Get("origin_store"),
		DestStore:   q.Get("dest_store"),
		EntityType:  q.Get("entity_type"),
		EntityID:    q.Get("entity_id"),
		Limit:       queryInt(r, "limit", 50),
		Offset:      queryInt(r, "offset", 0),
	}
	if filter.Limit > 500 {
		filter.Limit = 500
	}
	if raw := q.Get("conflict"); raw != "" {
		conflict := raw == "true" || raw == "1"
		filter.Conflict = &conflict
	}

	ops, err := h.store.ListOperations(r.Context(), filter)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]operationView, 0, len(ops))
	for _, op := range ops {
		views = append(views, viewOf(op))
	}
	respond(w, http.StatusOK, map[string]any{"operations": views, "count": len(views)})
}

func (h *Handler) GetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.store.GetOperation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	if op == nil {
		http.Error(w, "operation not found", http.StatusNotFound)
		return
	}
	respond(w, http.StatusOK, viewOf(op))
}

func (h *Handler) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context(), r.URL.Query().Get("store_id"))
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	respond(w, http.StatusOK, stats)
}

type processPendingRequest struct {
	StoreID  string `json:"store_id"`
	MaxItems int    `json:"max_items" validate:"min=0"`
	Simulate bool   `json:"simulate"`
}

func (h *Handler) ProcessPending(w http.ResponseWriter, r *http.Request) {
	var req processPendingRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondErr(w, http.StatusBadRequest, err)
			return
		}
	}
	if err := h.validate.Struct(req); err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.manager.ProcessPending(r.Context(), req.StoreID, req.MaxItems, req.Simulate)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	respond(w, http.StatusOK, result)
}

type processOperationRequest struct {
	Simulate bool `json:"simulate"`
}

func (h *Handler) ProcessOperation(w http.ResponseWriter, r *http.Request) {
	var req processOperationRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondErr(w, http.StatusBadRequest, err)
			return
		}
	}

	result, err := h.manager.ProcessOne(r.Context(), chi.URLParam(r, "id"), req.Simulate)
	if err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}
	respond(w, http.StatusOK, result)
}

// --- conflicts ---

type resolveRequest struct {
	Decision string          `json:"decision" validate:"required,oneof=take_server take_local custom"`
	Payload  json.RawMessage `json:"payload"`
}

func (h *Handler) ResolveOperation(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}

	op, err := h.manager.ResolveOperation(r.Context(), chi.URLParam(r, "id"), req.Decision, req.Payload, h.actor(r))
	if err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}
	respond(w, http.StatusOK, viewOf(op))
}

type resolveAllRequest struct {
	EntityType  string            `json:"entity_type" validate:"required"`
	EntityID    string            `json:"entity_id"`
	BusinessKey string            `json:"business_key"`
	Strategy    string            `json:"strategy" validate:"omitempty,oneof=last_modified central_priority field_merge manual"`
	Rules       map[string]string `json:"rules"`
}

func (h *Handler) ResolveAllConflicts(w http.ResponseWriter, r *http.Request) {
	var req resolveAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}
	if req.EntityID == "" && req.BusinessKey == "" {
		http.Error(w, "entity_id or business_key is required", http.StatusBadRequest)
		return
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = h.manager.Resolver().StrategyFor(r.Context(), h.actor(r), req.EntityType)
	}

	survivor, superseded, err := h.manager.Resolver().ResolveAll(
		r.Context(), req.EntityType, req.EntityID, req.BusinessKey, strategy, req.Rules, h.actor(r))
	if err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}

	resp := map[string]any{"strategy": strategy, "superseded": superseded}
	if survivor != nil {
		resp["survivor"] = survivor.ID
	}
	respond(w, http.StatusOK, resp)
}

// --- per-store configuration ---

type storeConfigView struct {
	StoreID         string          `json:"store_id"`
	AutoSync        bool            `json:"auto_sync"`
	IntervalMinutes int             `json:"interval_minutes"`
	LastSyncAt      *time.Time      `json:"last_sync_at,omitempty"`
	Priorities      json.RawMessage `json:"priorities,omitempty"`
	Strategies      json.RawMessage `json:"strategies,omitempty"`
}

func (h *Handler) GetStoreConfig(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "id")
	cfg, err := h.store.GetSyncConfig(r.Context(), storeID)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err)
		return
	}

	view := storeConfigView{StoreID: storeID}
	if cfg != nil {
		view.AutoSync = cfg.AutoSync
		view.IntervalMinutes = cfg.IntervalMinutes
		view.Priorities = cfg.Priorities
		view.Strategies = cfg.Strategies
		if cfg.LastSyncAt.Valid {
			t := cfg.LastSyncAt.Time
			view.LastSyncAt = &t
		}
	}
	respond(w, http.StatusOK, view)
}

type updateConfigRequest struct {
	AutoSync        *bool             `json:"auto_sync"`
	IntervalMinutes *int              `json:"interval_minutes" validate:"omitempty,min=1"`
	Priorities      map[string]int    `json:"priorities"`
	Strategies      map[string]string `json:"strategies"`
}

func (h *Handler) UpdateStoreConfig(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "id")

	var req updateConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}
	for _, s := range req.Strategies {
		switch s {
		case "last_modified", "central_priority", "field_merge", "manual":
		default:
			http.Error(w, "unknown strategy "+s, http.StatusBadRequest)
			return
		}
	}

	cfg, err := h.store.GetSyncConfig(r.Context(), storeID)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	if cfg == nil {
		cfg = &store.StoreSyncConfig{StoreID: storeID}
	}
	if req.AutoSync != nil {
		cfg.AutoSync = *req.AutoSync
	}
	if req.IntervalMinutes != nil {
		cfg.IntervalMinutes = *req.IntervalMinutes
	}
	if req.Priorities != nil {
		if raw, err := json.Marshal(req.Priorities); err == nil {
			cfg.Priorities = raw
		}
	}
	if req.Strategies != nil {
		if raw, err := json.Marshal(req.Strategies); err == nil {
			cfg.Strategies = raw
		}
	}

	if err := h.store.UpsertSyncConfig(r.Context(), cfg); err != nil {
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	h.manager.Auditor().Record(r.Context(), h.actor(r), storeID, security.ActionConfigUpdated, true,
		map[string]any{"auto_sync": cfg.AutoSync, "interval_minutes": cfg.IntervalMinutes})

	h.GetStoreConfig(w, r)
}

// --- sync runs ---

func (h *Handler) TriggerFullSync(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "id")
	run, err := h.manager.TriggerFullSync(r.Context(), storeID, h.actor(r))
	if err != nil {
		status := http.StatusBadRequest
		if run != nil {
			status = http.StatusInternalServerError
		}
		respondErr(w, status, err)
		return
	}
	respond(w, http.StatusOK, runViewOf(run))
}

func (h *Handler) ListSyncRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	if limit > 200 {
		limit = 200
	}
	runs, err := h.store.ListSyncRuns(r.Context(), chi.URLParam(r, "id"), limit, queryInt(r, "offset", 0))
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]runView, 0, len(runs))
	for _, run := range runs {
		views = append(views, runViewOf(run))
	}
	respond(w, http.StatusOK, map[string]any{"runs": views, "count": len(views)})
}

// --- audit ---

type auditView struct {
	ID         string          `json:"id"`
	Actor      string          `json:"actor,omitempty"`
	StoreID    string          `json:"store_id"`
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type,omitempty"`
	EntityID   string          `json:"entity_id,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	Success    bool            `json:"success"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit > 500 {
		limit = 500
	}
	entries, err := h.store.ListAudit(r.Context(), r.URL.Query().Get("store_id"), limit, queryInt(r, "offset", 0))
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err)
		return
	}

	views := make([]auditView, 0, len(entries))
	for _, e := range entries {
		v := auditView{
			ID:        e.ID,
			StoreID:   e.StoreID,
			Action:    e.Action,
			Detail:    e.Detail,
			Success:   e.Success,
			CreatedAt: e.CreatedAt,
		}
		if e.Actor.Valid {
			v.Actor = e.Actor.String
		}
		if e.EntityType.Valid {
			v.EntityType = e.EntityType.String
		}
		if e.EntityID.Valid {
			v.EntityID = e.EntityID.String
		}
		views = append(views, v)
	}
	respond(w, http.StatusOK, map[string]any{"entries": views, "count": len(views)})
}
