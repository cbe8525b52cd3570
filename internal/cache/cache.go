package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"store-sync-service/internal/config"
	"store-sync-service/internal/entity"
	"store-sync-service/internal/logger"
)

// Manager keeps an eventually-fresh local read replica of critical entity
// types so a store can keep operating with degraded or no connectivity.
// Critical types are persisted to disk; everything else is memory-only with
// a TTL. Disk failures degrade to memory-only caching and never reach the
// read path.
type Manager struct {
	records *entity.RecordStore
	dir     string
	ttl     time.Duration

	probeURL string
	client   *http.Client

	mu        sync.RWMutex
	mem       map[string]memEntry
	watermark time.Time
}

type memEntry struct {
	fields    map[string]any
	expiresAt time.Time // zero = no expiry (critical types)
}

func NewManager(cfg config.CacheConfig, records *entity.RecordStore) *Manager {
	return &Manager{
		records:  records,
		dir:      cfg.Dir,
		ttl:      cfg.GetTTL(),
		probeURL: cfg.ProbeURL,
		client:   &http.Client{Timeout: cfg.GetProbeTimeout()},
		mem:      map[string]memEntry{},
		// First incremental pass looks a week back.
		watermark: time.Now().Add(-7 * 24 * time.Hour),
	}
}

func cacheKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

// essentialFields projects a record down to the cache allow-list for its
// type. Unknown types cache nothing.
func essentialFields(rec *entity.Record) map[string]any {
	desc := entity.Lookup(rec.Type)
	if desc == nil {
		return nil
	}
	if len(desc.EssentialFields) == 0 {
		out := make(map[string]any, len(rec.Fields))
		for k, v := range rec.Fields {
			if desc.Excluded(k) {
				continue
			}
			out[k] = v
		}
		return out
	}
	out := make(map[string]any, len(desc.EssentialFields))
	for _, f := range desc.EssentialFields {
		if v, ok := rec.Fields[f]; ok {
			out[f] = v
		}
	}
	return out
}

// CacheRecord stores one entity in the cache.
func (m *Manager) CacheRecord(rec *entity.Record) {
	desc := entity.Lookup(rec.Type)
	if desc == nil {
		return
	}
	fields := essentialFields(rec)

	entry := memEntry{fields: fields}
	if !desc.Critical {
		entry.expiresAt = time.Now().Add(m.ttl)
	}

	m.mu.Lock()
	m.mem[cacheKey(rec.Type, rec.ID)] = entry
	m.mu.Unlock()

	if desc.Critical {
		if err := m.persist(rec.Type, rec.ID, fields); err != nil {
			logger.Log.Warn("Cache disk persistence failed, keeping memory-only",
				zap.String("type", rec.Type),
				zap.String("id", rec.ID),
				zap.Error(err),
			)
		}
	}
}

// CacheBatch populates the cache from a record slice in fixed-size batches
// to bound the I/O burst during initial population.
func (m *Manager) CacheBatch(entityType string, recs []*entity.Record, batchSize int) int {
	if batchSize <= 0 {
		batchSize = 100
	}
	cached := 0
	for start := 0; start < len(recs); start += batchSize {
		end := start + batchSize
		if end > len(recs) {
			end = len(recs)
		}
		for _, rec := range recs[start:end] {
			if rec.Type != entityType {
				continue
			}
			m.CacheRecord(rec)
			cached++
		}
	}
	logger.Log.Debug("Cache batch complete",
		zap.String("type", entityType),
		zap.Int("cached", cached),
	)
	return cached
}

// Get returns the cached fields for an entity: memory first, then disk for
// critical types. Absence is not an error.
func (m *Manager) Get(entityType, entityID string) (map[string]any, bool) {
	m.mu.RLock()
	entry, ok := m.mem[cacheKey(entityType, entityID)]
	m.mu.RUnlock()
	if ok {
		if entry.expiresAt.IsZero() || time.Now().Before(entry.expiresAt) {
			return entry.fields, true
		}
		m.mu.Lock()
		delete(m.mem, cacheKey(entityType, entityID))
		m.mu.Unlock()
	}

	fields, err := m.load(entityType, entityID)
	if err != nil || fields == nil {
		return nil, false
	}

	// Re-warm memory from disk.
	m.mu.Lock()
	m.mem[cacheKey(entityType, entityID)] = memEntry{fields: fields}
	m.mu.Unlock()
	return fields, true
}

// RefreshIncremental re-caches entities modified since the watermark. The
// watermark only advances after a pass with no failures so nothing is
// skipped on partial failure.
func (m *Manager) RefreshIncremental(ctx context.Context) (int, error) {
	m.mu.RLock()
	since := m.watermark
	m.mu.RUnlock()

	start := time.Now()
	total := 0
	var firstErr error

	for _, name := range entity.Types() {
		recs, err := m.records.ChangedSince(ctx, name, since)
		if err != nil {
			logger.Log.Error("Incremental cache refresh failed for type",
				zap.String("type", name), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("refresh %s: %w", name, err)
			}
			continue
		}
		for _, rec := range recs {
			m.CacheRecord(rec)
		}
		total += len(recs)
	}

	if firstErr != nil {
		return total, firstErr
	}

	m.mu.Lock()
	m.watermark = start
	m.mu.Unlock()

	logger.Log.Info("Incremental cache refresh complete",
		zap.Int("records", total),
		zap.Time("watermark", start),
	)
	return total, nil
}

// RefreshFull repopulates the cache for every registered type by paging
// through the record store.
func (m *Manager) RefreshFull(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	total := 0
	for _, name := range entity.Types() {
		offset := 0
		for {
			recs, err := m.records.List(ctx, name, batchSize, offset)
			if err != nil {
				return total, fmt.Errorf("full refresh %s: %w", name, err)
			}
			if len(recs) == 0 {
				break
			}
			total += m.CacheBatch(name, recs, batchSize)
			offset += len(recs)
		}
	}
	return total, nil
}

// Clear empties the in-memory cache. Disk persistence is untouched.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.mem = map[string]memEntry{}
	m.mu.Unlock()
}

// Watermark returns the incremental-refresh boundary.
func (m *Manager) Watermark() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.watermark
}

// DetectConnectivity probes the central peer with a short timeout. With no
// probe URL configured the store is assumed online.
func (m *Manager) DetectConnectivity(ctx context.Context) bool {
	if m.probeURL == "" {
		return true
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// --- disk persistence, one JSON file per (type, id) ---

func (m *Manager) path(entityType, entityID string) string {
	return filepath.Join(m.dir, entityType, url.PathEscape(entityID)+".json")
}

func (m *Manager) persist(entityType, entityID string, fields map[string]any) error {
	if m.dir == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Join(m.dir, entityType), 0o755); err != nil {
		return err
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return os.WriteFile(m.path(entityType, entityID), raw, 0o644)
}

func (m *Manager) load(entityType, entityID string) (map[string]any, error) {
	if m.dir == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(m.path(entityType, entityID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		logger.Log.Warn("Cache disk read failed",
			zap.String("type", entityType),
			zap.String("id", entityID),
			zap.Error(err),
		)
		return nil, err
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// GetPersistedIDs lists the ids persisted to disk for one type.
func (m *Manager) GetPersistedIDs(entityType string) ([]string, error) {
	if m.dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(filepath.Join(m.dir, entityType))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
