package cache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"store-sync-service/internal/config"
	"store-sync-service/internal/database"
	"store-sync-service/internal/entity"
)

func newTestCache(t *testing.T, cfg config.CacheConfig) (*Manager, *entity.RecordStore) {
	t.Helper()
	db, err := database.Open(config.StateStorage{
		Type:     "sqlite",
		FilePath: filepath.Join(t.TempDir(), "cache.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.DB.Close() })

	records, err := entity.NewRecordStore(db)
	require.NoError(t, err)
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	return NewManager(cfg, records), records
}

func product(id string, fields map[string]any) *entity.Record {
	return &entity.Record{Type: "product", ID: id, Fields: fields, UpdatedAt: time.Now()}
}

func TestCacheRecordProjectsEssentialFields(t *testing.T) {
	m, _ := newTestCache(t, config.CacheConfig{})

	m.CacheRecord(product("p1", map[string]any{
		"code": "W-1", "name": "widget", "price": 10.0, "stock": 3,
		"description": "a long description that is not essential",
	}))

	fields, ok := m.Get("product", "p1")
	require.True(t, ok)
	assert.Equal(t, "widget", fields["name"])
	assert.NotContains(t, fields, "description")
}

func TestCacheMissForUnknownEntity(t *testing.T) {
	m, _ := newTestCache(t, config.CacheConfig{})

	_, ok := m.Get("product", "missing")
	assert.False(t, ok)
}

func TestCriticalTypeSurvivesMemoryClear(t *testing.T) {
	m, _ := newTestCache(t, config.CacheConfig{})

	m.CacheRecord(product("p1", map[string]any{"code": "W-1", "name": "widget"}))
	m.Clear()

	// Re-warmed from disk; product is a critical type.
	fields, ok := m.Get("product", "p1")
	require.True(t, ok)
	assert.Equal(t, "widget", fields["name"])
}

func TestNonCriticalTypeIsMemoryOnly(t *testing.T) {
	m, _ := newTestCache(t, config.CacheConfig{})

	m.CacheRecord(&entity.Record{
		Type: "order", ID: "o1",
		Fields: map[string]any{"total": 99.0}, UpdatedAt: time.Now(),
	})
	m.Clear()

	_, ok := m.Get("order", "o1")
	assert.False(t, ok)
}

func TestGetPersistedIDs(t *testing.T) {
	m, _ := newTestCache(t, config.CacheConfig{})

	m.CacheRecord(product("p1", map[string]any{"code": "W-1"}))
	m.CacheRecord(product("p/2", map[string]any{"code": "W-2"}))

	ids, err := m.GetPersistedIDs("product")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p1", "p/2"}, ids)

	none, err := m.GetPersistedIDs("order")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTTLExpiryEvicts(t *testing.T) {
	m, _ := newTestCache(t, config.CacheConfig{TTL: "1ns"})

	m.CacheRecord(&entity.Record{
		Type: "order", ID: "o1",
		Fields: map[string]any{"total": 99.0}, UpdatedAt: time.Now(),
	})
	time.Sleep(time.Millisecond)

	_, ok := m.Get("order", "o1")
	assert.False(t, ok)
}

func TestRefreshIncrementalAdvancesWatermark(t *testing.T) {
	m, records := newTestCache(t, config.CacheConfig{})
	ctx := context.Background()

	require.NoError(t, records.Upsert(ctx, product("p1", map[string]any{"code": "W-1", "name": "widget"})))

	before := m.Watermark()
	count, err := m.RefreshIncremental(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.True(t, m.Watermark().After(before))

	fields, ok := m.Get("product", "p1")
	require.True(t, ok)
	assert.Equal(t, "widget", fields["name"])

	// Nothing changed since: next pass caches nothing new.
	count, err = m.RefreshIncremental(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRefreshFullPagesThroughAllTypes(t *testing.T) {
	m, records := newTestCache(t, config.CacheConfig{})
	ctx := context.Background()

	for _, id := range []string{"p1", "p2", "p3"} {
		require.NoError(t, records.Upsert(ctx, product(id, map[string]any{"code": id})))
	}
	require.NoError(t, records.Upsert(ctx, &entity.Record{
		Type: "client", ID: "c1",
		Fields: map[string]any{"code": "C-1", "name": "ACME"}, UpdatedAt: time.Now(),
	}))

	count, err := m.RefreshFull(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	_, ok := m.Get("client", "c1")
	assert.True(t, ok)
}

func TestDetectConnectivity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m, _ := newTestCache(t, config.CacheConfig{ProbeURL: srv.URL})
	assert.True(t, m.DetectConnectivity(context.Background()))

	down, _ := newTestCache(t, config.CacheConfig{ProbeURL: "http://127.0.0.1:1"})
	assert.False(t, down.DetectConnectivity(context.Background()))

	// No probe configured means assumed online.
	local, _ := newTestCache(t, config.CacheConfig{})
	assert.True(t, local.DetectConnectivity(context.Background()))
}
