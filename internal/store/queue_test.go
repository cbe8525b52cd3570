package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"store-sync-service/internal/config"
	"store-sync-service/internal/database"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	db, err := database.Open(config.StateStorage{
		Type:     "sqlite",
		FilePath: filepath.Join(t.TempDir(), "queue.db"),
	})
	require.NoError(t, err)

	st, err := New(db)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testOp(id string, mutate ...func(*SyncOperation)) *SyncOperation {
	op := &SyncOperation{
		ID:          id,
		OriginStore: "store-001",
		EntityType:  "product",
		EntityID:    "p-" + id,
		Kind:        KindUpdate,
		Payload:     json.RawMessage(`{"name":"widget","price":10}`),
		Priority:    5,
	}
	for _, m := range mutate {
		m(op)
	}
	return op
}

func TestEnqueueAndGet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Enqueue(ctx, testOp("op-1")))

	op, err := st.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.Equal(t, StatusPending, op.Status)
	assert.Equal(t, "store-001", op.OriginStore)
	assert.Equal(t, "product", op.EntityType)
	assert.JSONEq(t, `{"name":"widget","price":10}`, string(op.Payload))
	assert.False(t, op.CreatedAt.IsZero())

	missing, err := st.GetOperation(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestClaimIsExclusive(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Enqueue(ctx, testOp("op-1")))

	require.NoError(t, st.Claim(ctx, "op-1"))
	assert.ErrorIs(t, st.Claim(ctx, "op-1"), ErrNotClaimed)

	op, err := st.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, op.Status)
}

func TestClaimCompletedOperationFails(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Enqueue(ctx, testOp("op-1")))
	require.NoError(t, st.Claim(ctx, "op-1"))
	require.NoError(t, st.MarkCompleted(ctx, "op-1"))

	assert.ErrorIs(t, st.Claim(ctx, "op-1"), ErrNotClaimed)
}

func TestListOrderedByPriorityThenAge(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	require.NoError(t, st.Enqueue(ctx, testOp("old-low", func(op *SyncOperation) {
		op.Priority = 5
		op.CreatedAt = base
		op.UpdatedAt = base
	})))
	require.NoError(t, st.Enqueue(ctx, testOp("new-high", func(op *SyncOperation) {
		op.Priority = 1
		op.CreatedAt = base.Add(30 * time.Minute)
		op.UpdatedAt = base.Add(30 * time.Minute)
	})))
	require.NoError(t, st.Enqueue(ctx, testOp("old-high", func(op *SyncOperation) {
		op.Priority = 1
		op.CreatedAt = base.Add(10 * time.Minute)
		op.UpdatedAt = base.Add(10 * time.Minute)
	})))

	ops, err := st.ListOperations(ctx, OperationFilter{Status: StatusPending})
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, "old-high", ops[0].ID)
	assert.Equal(t, "new-high", ops[1].ID)
	assert.Equal(t, "old-low", ops[2].ID)
}

func TestListFilters(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Enqueue(ctx, testOp("a")))
	require.NoError(t, st.Enqueue(ctx, testOp("b", func(op *SyncOperation) {
		op.OriginStore = "store-002"
		op.EntityType = "client"
	})))
	require.NoError(t, st.Enqueue(ctx, testOp("c")))
	require.NoError(t, st.MarkConflict(ctx, "c", nil, nil))

	byOrigin, err := st.ListOperations(ctx, OperationFilter{OriginStore: "store-002"})
	require.NoError(t, err)
	require.Len(t, byOrigin, 1)
	assert.Equal(t, "b", byOrigin[0].ID)

	byType, err := st.ListOperations(ctx, OperationFilter{EntityType: "client"})
	require.NoError(t, err)
	require.Len(t, byType, 1)

	conflict := true
	conflicted, err := st.ListOperations(ctx, OperationFilter{Conflict: &conflict})
	require.NoError(t, err)
	require.Len(t, conflicted, 1)
	assert.Equal(t, "c", conflicted[0].ID)

	multi, err := st.ListOperations(ctx, OperationFilter{
		Statuses: []OperationStatus{StatusPending, StatusConflict},
	})
	require.NoError(t, err)
	assert.Len(t, multi, 3)
}

func TestMarkErrorAttemptCeiling(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Enqueue(ctx, testOp("op-1")))
	const maxAttempts = 2

	require.NoError(t, st.Claim(ctx, "op-1"))
	require.NoError(t, st.MarkError(ctx, "op-1", "connection refused", maxAttempts))

	op, err := st.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, op.Status)
	assert.Equal(t, 1, op.Attempts)
	assert.Equal(t, "connection refused", op.ErrorMessage.String)

	n, err := st.RequeueErrors(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, st.Claim(ctx, "op-1"))
	require.NoError(t, st.MarkError(ctx, "op-1", "connection refused", maxAttempts))

	op, err = st.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, op.Status)
	assert.Equal(t, 2, op.Attempts)
	assert.True(t, op.Status.Terminal())

	// Failed operations are not retried.
	n, err = st.RequeueErrors(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRequeueErrorsScopedToStore(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		op := testOp(id)
		if id == "b" {
			op.OriginStore = "store-002"
		}
		require.NoError(t, st.Enqueue(ctx, op))
		require.NoError(t, st.Claim(ctx, id))
		require.NoError(t, st.MarkError(ctx, id, "boom", 5))
	}

	n, err := st.RequeueErrors(ctx, "store-002")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a, err := st.GetOperation(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusError, a.Status)
	b, err := st.GetOperation(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, b.Status)
}

func TestConflictLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Enqueue(ctx, testOp("op-1")))

	conflicting := json.RawMessage(`{"name":"widget","price":12}`)
	diff := json.RawMessage(`{"price":{"local":10,"remote":12}}`)
	require.NoError(t, st.MarkConflict(ctx, "op-1", conflicting, diff))

	op, err := st.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, op.Status)
	assert.True(t, op.HasConflict)
	assert.JSONEq(t, string(conflicting), string(op.ConflictingPayload))
	assert.JSONEq(t, string(diff), string(op.Diff))

	merged := json.RawMessage(`{"name":"widget","price":11}`)
	require.NoError(t, st.MarkPending(ctx, "op-1", merged, "admin"))

	op, err = st.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, op.Status)
	assert.False(t, op.HasConflict)
	assert.JSONEq(t, string(merged), string(op.Payload))
	assert.Equal(t, "admin", op.ResolvedBy.String)
	assert.True(t, op.ResolvedAt.Valid)
}

func TestMarkSupersededCompletes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Enqueue(ctx, testOp("op-1")))
	require.NoError(t, st.MarkConflict(ctx, "op-1", nil, nil))
	require.NoError(t, st.MarkSuperseded(ctx, "op-1", "system"))

	op, err := st.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, op.Status)
	assert.False(t, op.HasConflict)
	assert.Equal(t, "system", op.ResolvedBy.String)
}

func TestStats(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	oldest := time.Now().Add(-2 * time.Hour)
	require.NoError(t, st.Enqueue(ctx, testOp("p1", func(op *SyncOperation) {
		op.CreatedAt = oldest
		op.UpdatedAt = oldest
	})))
	require.NoError(t, st.Enqueue(ctx, testOp("p2", func(op *SyncOperation) {
		op.EntityType = "client"
	})))
	require.NoError(t, st.Enqueue(ctx, testOp("c1")))
	require.NoError(t, st.Claim(ctx, "c1"))
	require.NoError(t, st.MarkCompleted(ctx, "c1"))

	stats, err := st.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ByStatus[StatusPending])
	assert.Equal(t, 1, stats.ByStatus[StatusCompleted])
	assert.Equal(t, 2, stats.ByEntityType["product"])
	assert.Equal(t, 1, stats.ByEntityType["client"])
	require.NotNil(t, stats.OldestPendingAt)
	assert.WithinDuration(t, oldest, *stats.OldestPendingAt, time.Second)
	assert.Greater(t, stats.OldestPendingAge, time.Hour)
}

func TestOperationCountsSince(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, st.Enqueue(ctx, testOp(fmt.Sprintf("p%d", i))))
	}
	require.NoError(t, st.Enqueue(ctx, testOp("c0", func(op *SyncOperation) {
		op.EntityType = "client"
	})))
	require.NoError(t, st.Enqueue(ctx, testOp("ancient", func(op *SyncOperation) {
		op.CreatedAt = time.Now().Add(-30 * 24 * time.Hour)
	})))

	counts, err := st.OperationCountsSince(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, "product", counts[0].EntityType)
	assert.Equal(t, 3, counts[0].Count)
	assert.Equal(t, "client", counts[1].EntityType)
}

func TestSyncConfigRoundtrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	missing, err := st.GetSyncConfig(ctx, "store-001")
	require.NoError(t, err)
	assert.Nil(t, missing)

	cfg := &StoreSyncConfig{
		StoreID:         "store-001",
		AutoSync:        true,
		IntervalMinutes: 30,
		Priorities:      json.RawMessage(`{"product":1,"client":3}`),
		Strategies:      json.RawMessage(`{"inventory":"field_merge"}`),
	}
	require.NoError(t, st.UpsertSyncConfig(ctx, cfg))

	got, err := st.GetSyncConfig(ctx, "store-001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.AutoSync)
	assert.Equal(t, 30, got.IntervalMinutes)

	p, ok := got.PriorityFor("product")
	assert.True(t, ok)
	assert.Equal(t, 1, p)
	_, ok = got.PriorityFor("order")
	assert.False(t, ok)

	s, ok := got.StrategyFor("inventory")
	assert.True(t, ok)
	assert.Equal(t, "field_merge", s)

	// Upsert replaces.
	cfg.AutoSync = false
	require.NoError(t, st.UpsertSyncConfig(ctx, cfg))
	got, err = st.GetSyncConfig(ctx, "store-001")
	require.NoError(t, err)
	assert.False(t, got.AutoSync)
}

func TestListSyncConfigsAutoOnly(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertSyncConfig(ctx, &StoreSyncConfig{StoreID: "a", AutoSync: true, IntervalMinutes: 10}))
	require.NoError(t, st.UpsertSyncConfig(ctx, &StoreSyncConfig{StoreID: "b", AutoSync: false}))

	all, err := st.ListSyncConfigs(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	auto, err := st.ListSyncConfigs(ctx, true)
	require.NoError(t, err)
	require.Len(t, auto, 1)
	assert.Equal(t, "a", auto[0].StoreID)
}

func TestTouchLastSync(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertSyncConfig(ctx, &StoreSyncConfig{StoreID: "store-001"}))

	at := time.Now()
	require.NoError(t, st.TouchLastSync(ctx, "store-001", at))

	cfg, err := st.GetSyncConfig(ctx, "store-001")
	require.NoError(t, err)
	require.True(t, cfg.LastSyncAt.Valid)
	assert.WithinDuration(t, at, cfg.LastSyncAt.Time, time.Second)
}

func TestSyncRunLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	run := &SyncRun{
		StoreID:   "store-001",
		StartedAt: time.Now(),
		Status:    StatusInProgress,
	}
	require.NoError(t, st.CreateSyncRun(ctx, run))
	require.NotEmpty(t, run.ID)

	run.FinishedAt.Time = time.Now()
	run.FinishedAt.Valid = true
	run.Total = 10
	run.Succeeded = 8
	run.Failed = 1
	run.Conflicted = 1
	run.Status = StatusCompleted
	run.Summary = json.RawMessage(`{"product":{"succeeded":8}}`)
	require.NoError(t, st.FinalizeSyncRun(ctx, run))

	runs, err := st.ListSyncRuns(ctx, "store-001", 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, StatusCompleted, runs[0].Status)
	assert.Equal(t, 8, runs[0].Succeeded)
	assert.True(t, runs[0].FinishedAt.Valid)
}

func TestAuditAppendAndList(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.AppendAudit(ctx, &AuditEntry{
		StoreID: "store-001",
		Action:  "process_queue",
		Success: true,
		Detail:  json.RawMessage(`{"max":10}`),
	}))
	require.NoError(t, st.AppendAudit(ctx, &AuditEntry{
		StoreID: "store-002",
		Action:  "token_rejected",
		Success: false,
	}))

	all, err := st.ListAudit(ctx, "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	scoped, err := st.ListAudit(ctx, "store-001", 10, 0)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "process_queue", scoped[0].Action)
	assert.True(t, scoped[0].Success)
}
