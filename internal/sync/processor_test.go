package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"store-sync-service/internal/bus"
	"store-sync-service/internal/config"
	"store-sync-service/internal/database"
	"store-sync-service/internal/entity"
	"store-sync-service/internal/store"
)

type testEnv struct {
	store     store.Store
	records   *entity.RecordStore
	bus       *bus.Bus
	processor *Processor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(config.StateStorage{
		Type:     "sqlite",
		FilePath: filepath.Join(t.TempDir(), "sync.db"),
	})
	require.NoError(t, err)

	st, err := store.New(db)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	records, err := entity.NewRecordStore(db)
	require.NoError(t, err)

	b := bus.New()
	return &testEnv{
		store:     st,
		records:   records,
		bus:       b,
		processor: NewProcessor(st, records, b, 100, 3, 5*time.Second),
	}
}

func payloadWith(capturedAt time.Time, fields map[string]any) json.RawMessage {
	all := map[string]any{capturedAtField: capturedAt.Format(time.RFC3339Nano)}
	for k, v := range fields {
		all[k] = v
	}
	raw, _ := json.Marshal(all)
	return raw
}

func enqueue(t *testing.T, env *testEnv, op *store.SyncOperation) {
	t.Helper()
	if op.Priority == 0 {
		op.Priority = 5
	}
	require.NoError(t, env.store.Enqueue(context.Background(), op))
}

func TestProcessCreate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	enqueue(t, env, &store.SyncOperation{
		ID:          "op-1",
		OriginStore: "store-001",
		EntityType:  "product",
		EntityID:    "p1",
		Kind:        store.KindCreate,
		Payload:     payloadWith(time.Now(), map[string]any{"code": "W-1", "name": "widget", "price": 10.0}),
	})

	result, err := env.processor.Process(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Zero(t, result.Failed)

	rec, err := env.records.Get(ctx, "product", "p1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "widget", rec.Fields["name"])

	op, err := env.store.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, op.Status)
}

func TestProcessCreateOnExistingTargetUpdates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	older := time.Now().Add(-time.Hour)
	require.NoError(t, env.records.Upsert(ctx, &entity.Record{
		Type: "product", ID: "p1",
		Fields:    map[string]any{"name": "widget", "price": 10.0, "stock": 3.0},
		UpdatedAt: older,
	}))

	enqueue(t, env, &store.SyncOperation{
		ID:          "op-1",
		OriginStore: "store-001",
		EntityType:  "product",
		EntityID:    "p1",
		Kind:        store.KindCreate,
		Payload:     payloadWith(time.Now(), map[string]any{"name": "widget", "price": 12.0}),
	})

	result, err := env.processor.Process(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Zero(t, result.Conflicted)

	rec, err := env.records.Get(ctx, "product", "p1")
	require.NoError(t, err)
	assert.Equal(t, 12.0, rec.Fields["price"])
	// Fields absent from the payload survive the merge.
	assert.Equal(t, 3.0, rec.Fields["stock"])
}

func TestProcessUpdateConflictsWhenDestinationNewer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	captured := time.Now().Add(-time.Hour)
	require.NoError(t, env.records.Upsert(ctx, &entity.Record{
		Type: "product", ID: "p1",
		Fields:    map[string]any{"name": "widget", "price": 15.0},
		UpdatedAt: time.Now(),
	}))

	enqueue(t, env, &store.SyncOperation{
		ID:          "op-1",
		OriginStore: "store-001",
		EntityType:  "product",
		EntityID:    "p1",
		Kind:        store.KindUpdate,
		Payload:     payloadWith(captured, map[string]any{"name": "widget", "price": 12.0}),
	})

	result, err := env.processor.Process(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Conflicted)
	assert.Zero(t, result.Succeeded)

	op, err := env.store.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusConflict, op.Status)
	assert.True(t, op.HasConflict)

	var conflicting map[string]any
	require.NoError(t, json.Unmarshal(op.ConflictingPayload, &conflicting))
	assert.Equal(t, 15.0, conflicting["price"])

	var diff map[string]map[string]any
	require.NoError(t, json.Unmarshal(op.Diff, &diff))
	require.Contains(t, diff, "price")
	assert.Equal(t, 12.0, diff["price"]["local"])
	assert.Equal(t, 15.0, diff["price"]["remote"])

	// Destination copy untouched.
	rec, err := env.records.Get(ctx, "product", "p1")
	require.NoError(t, err)
	assert.Equal(t, 15.0, rec.Fields["price"])
}

func TestProcessUpdateMissingTargetCreates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	enqueue(t, env, &store.SyncOperation{
		ID:          "op-1",
		OriginStore: "store-001",
		EntityType:  "client",
		EntityID:    "c1",
		Kind:        store.KindUpdate,
		Payload:     payloadWith(time.Now(), map[string]any{"code": "C-1", "name": "ACME"}),
	})

	result, err := env.processor.Process(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)

	rec, err := env.records.Get(ctx, "client", "c1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "ACME", rec.Fields["name"])
}

func TestProcessDeleteMissingTargetCompletes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	enqueue(t, env, &store.SyncOperation{
		ID:          "op-1",
		OriginStore: "store-001",
		EntityType:  "product",
		EntityID:    "gone",
		Kind:        store.KindDelete,
	})

	result, err := env.processor.Process(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)

	op, err := env.store.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, op.Status)
}

func TestProcessMaxItemsTakesOldestFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		created := base.Add(time.Duration(i) * time.Minute)
		enqueue(t, env, &store.SyncOperation{
			ID:          fmt.Sprintf("op-%d", i),
			OriginStore: "store-001",
			EntityType:  "product",
			EntityID:    fmt.Sprintf("p%d", i),
			Kind:        store.KindCreate,
			Payload:     payloadWith(created, map[string]any{"name": "widget"}),
			CreatedAt:   created,
			UpdatedAt:   created,
		})
	}

	result, err := env.processor.Process(ctx, Filter{MaxItems: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Succeeded)

	for i, want := range []store.OperationStatus{store.StatusCompleted, store.StatusCompleted, store.StatusPending} {
		op, err := env.store.GetOperation(ctx, fmt.Sprintf("op-%d", i))
		require.NoError(t, err)
		assert.Equal(t, want, op.Status, "op-%d", i)
	}
}

func TestProcessSimulateMutatesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	enqueue(t, env, &store.SyncOperation{
		ID:          "op-1",
		OriginStore: "store-001",
		EntityType:  "product",
		EntityID:    "p1",
		Kind:        store.KindCreate,
		Payload:     payloadWith(time.Now(), map[string]any{"name": "widget"}),
	})

	result, err := env.processor.Process(ctx, Filter{Simulate: true})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)

	op, err := env.store.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, op.Status)

	rec, err := env.records.Get(ctx, "product", "p1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestProcessReapplyIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	captured := time.Now()
	enqueue(t, env, &store.SyncOperation{
		ID:          "op-1",
		OriginStore: "store-001",
		EntityType:  "product",
		EntityID:    "p1",
		Kind:        store.KindUpdate,
		Payload:     payloadWith(captured, map[string]any{"name": "widget", "price": 12.0}),
	})

	_, err := env.processor.Process(ctx, Filter{})
	require.NoError(t, err)

	// Re-queue the identical payload; the destination timestamp equals the
	// capture time, so this is not a conflict and converges to the same state.
	require.NoError(t, env.store.MarkPending(ctx, "op-1", nil, ""))
	result, err := env.processor.Process(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Zero(t, result.Conflicted)

	rec, err := env.records.Get(ctx, "product", "p1")
	require.NoError(t, err)
	assert.Equal(t, 12.0, rec.Fields["price"])

	op, err := env.store.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, op.Status)
}

type failingApplier struct{}

func (failingApplier) Fetch(ctx context.Context, entityType, entityID string) (*entity.Record, error) {
	return nil, nil
}
func (failingApplier) Apply(ctx context.Context, rec *entity.Record) error {
	return errors.New("destination unavailable")
}
func (failingApplier) Remove(ctx context.Context, entityType, entityID string) error {
	return errors.New("destination unavailable")
}

func TestProcessRetryUntilFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.processor = NewProcessor(env.store, env.records, env.bus, 100, 2, 5*time.Second)
	env.processor.RegisterApplier("product", failingApplier{})

	enqueue(t, env, &store.SyncOperation{
		ID:          "op-1",
		OriginStore: "store-001",
		EntityType:  "product",
		EntityID:    "p1",
		Kind:        store.KindCreate,
		Payload:     payloadWith(time.Now(), map[string]any{"name": "widget"}),
	})

	result, err := env.processor.Process(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	op, err := env.store.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, op.Status)
	assert.Equal(t, 1, op.Attempts)
	assert.Contains(t, op.ErrorMessage.String, "destination unavailable")

	_, err = env.store.RequeueErrors(ctx, "")
	require.NoError(t, err)

	_, err = env.processor.Process(ctx, Filter{})
	require.NoError(t, err)

	op, err = env.store.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, op.Status)

	// Terminal: nothing pending remains, further passes are no-ops.
	result, err = env.processor.Process(ctx, Filter{})
	require.NoError(t, err)
	assert.Zero(t, result.Succeeded+result.Failed+result.Conflicted)
}

func TestProcessSingleOperationByID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	enqueue(t, env, &store.SyncOperation{
		ID:          "keep",
		OriginStore: "store-001",
		EntityType:  "product",
		EntityID:    "p1",
		Kind:        store.KindCreate,
		Payload:     payloadWith(time.Now(), map[string]any{"name": "widget"}),
	})
	enqueue(t, env, &store.SyncOperation{
		ID:          "target",
		OriginStore: "store-001",
		EntityType:  "product",
		EntityID:    "p2",
		Kind:        store.KindCreate,
		Payload:     payloadWith(time.Now(), map[string]any{"name": "gadget"}),
	})

	result, err := env.processor.Process(ctx, Filter{OperationID: "target"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)

	kept, err := env.store.GetOperation(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, kept.Status)

	_, err = env.processor.Process(ctx, Filter{OperationID: "missing"})
	assert.Error(t, err)
}
