package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

func (s *sqlStore) Stats(ctx context.Context, storeID string) (*QueueStats, error) {
	stats := &QueueStats{
		ByStatus:     map[OperationStatus]int{},
		ByEntityType: map[string]int{},
	}

	statusQuery := `SELECT status, COUNT(*) FROM sync_queue`
	typeQuery := `SELECT entity_type, COUNT(*) FROM sync_queue`
	oldestQuery := `SELECT MIN(created_at) FROM sync_queue WHERE status = ?`
	var args []any
	if storeID != "" {
		statusQuery += ` WHERE origin_store = ?`
		typeQuery += ` WHERE origin_store = ?`
		oldestQuery += ` AND origin_store = ?`
		args = append(args, storeID)
	}
	statusQuery += ` GROUP BY status`
	typeQuery += ` GROUP BY entity_type`

	rows, err := s.db.DB.QueryContext(ctx, statusQuery, args...)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByStatus[OperationStatus(st)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.DB.QueryContext(ctx, typeQuery, args...)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var et string
		var n int
		if err := rows.Scan(&et, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByEntityType[et] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	oldestArgs := append([]any{string(StatusPending)}, args...)
	var oldest sql.NullInt64
	if err := s.db.DB.QueryRowContext(ctx, oldestQuery, oldestArgs...).Scan(&oldest); err != nil {
		return nil, err
	}
	if oldest.Valid {
		at := time.Unix(0, oldest.Int64)
		stats.OldestPendingAt = &at
		stats.OldestPendingAge = time.Since(at)
	}

	return stats, nil
}

func (s *sqlStore) OperationCountsSince(ctx context.Context, since time.Time) ([]EntityTypeCount, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT entity_type, COUNT(*) AS total FROM sync_queue
		 WHERE created_at >= ? GROUP BY entity_type ORDER BY total DESC`,
		since.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []EntityTypeCount
	for rows.Next() {
		var c EntityTypeCount
		if err := rows.Scan(&c.EntityType, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func (s *sqlStore) GetSyncConfig(ctx context.Context, storeID string) (*StoreSyncConfig, error) {
	row := s.db.DB.QueryRowContext(ctx,
		`SELECT store_id, auto_sync, interval_minutes, last_sync_at, priorities, strategies, updated_at
		 FROM sync_config WHERE store_id = ?`, storeID)

	cfg, err := scanSyncConfig(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *sqlStore) UpsertSyncConfig(ctx context.Context, cfg *StoreSyncConfig) error {
	cfg.UpdatedAt = time.Now()
	var query string
	switch s.db.Driver {
	case "mysql":
		query = `INSERT INTO sync_config (store_id, auto_sync, interval_minutes, last_sync_at, priorities, strategies, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
			auto_sync = VALUES(auto_sync),
			interval_minutes = VALUES(interval_minutes),
			last_sync_at = VALUES(last_sync_at),
			priorities = VALUES(priorities),
			strategies = VALUES(strategies),
			updated_at = VALUES(updated_at)`
	default:
		query = `INSERT INTO sync_config (store_id, auto_sync, interval_minutes, last_sync_at, priorities, strategies, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(store_id) DO UPDATE SET
			auto_sync = excluded.auto_sync,
			interval_minutes = excluded.interval_minutes,
			last_sync_at = excluded.last_sync_at,
			priorities = excluded.priorities,
			strategies = excluded.strategies,
			updated_at = excluded.updated_at`
	}

	_, err := s.db.DB.ExecContext(ctx, query,
		cfg.StoreID,
		boolToInt(cfg.AutoSync),
		cfg.IntervalMinutes,
		timeToNull(cfg.LastSyncAt),
		rawToNull(cfg.Priorities),
		rawToNull(cfg.Strategies),
		cfg.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *sqlStore) ListSyncConfigs(ctx context.Context, autoSyncOnly bool) ([]*StoreSyncConfig, error) {
	query := `SELECT store_id, auto_sync, interval_minutes, last_sync_at, priorities, strategies, updated_at
		FROM sync_config`
	if autoSyncOnly {
		query += ` WHERE auto_sync = 1`
	}

	rows, err := s.db.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*StoreSyncConfig
	for rows.Next() {
		cfg, err := scanSyncConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

func (s *sqlStore) TouchLastSync(ctx context.Context, storeID string, at time.Time) error {
	_, err := s.db.DB.ExecContext(ctx,
		`UPDATE sync_config SET last_sync_at = ?, updated_at = ? WHERE store_id = ?`,
		at.UnixNano(), time.Now().UnixNano(), storeID)
	return err
}

func scanSyncConfig(row rowScanner) (*StoreSyncConfig, error) {
	var (
		cfg        StoreSyncConfig
		autoSync   int
		lastSync   sql.NullInt64
		priorities sql.NullString
		strategies sql.NullString
		updatedAt  int64
	)
	err := row.Scan(&cfg.StoreID, &autoSync, &cfg.IntervalMinutes, &lastSync,
		&priorities, &strategies, &updatedAt)
	if err != nil {
		return nil, err
	}
	cfg.AutoSync = autoSync != 0
	if lastSync.Valid {
		cfg.LastSyncAt = sql.NullTime{Time: time.Unix(0, lastSync.Int64), Valid: true}
	}
	if priorities.Valid {
		cfg.Priorities = []byte(priorities.String)
	}
	if strategies.Valid {
		cfg.Strategies = []byte(strategies.String)
	}
	cfg.UpdatedAt = time.Unix(0, updatedAt)
	return &cfg, nil
}

func (s *sqlStore) CreateSyncRun(ctx context.Context, run *SyncRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = StatusInProgress
	}

	_, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO sync_runs (id, store_id, started_at, finished_at, total, succeeded, failed, conflicted, summary, status, initiated_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.StoreID,
		run.StartedAt.UnixNano(),
		timeToNull(run.FinishedAt),
		run.Total,
		run.Succeeded,
		run.Failed,
		run.Conflicted,
		rawToNull(run.Summary),
		string(run.Status),
		run.InitiatedBy,
	)
	return err
}

func (s *sqlStore) FinalizeSyncRun(ctx context.Context, run *SyncRun) error {
	_, err := s.db.DB.ExecContext(ctx,
		`UPDATE sync_runs SET finished_at = ?, total = ?, succeeded = ?, failed = ?, conflicted = ?, summary = ?, status = ?
		 WHERE id = ?`,
		timeToNull(run.FinishedAt),
		run.Total,
		run.Succeeded,
		run.Failed,
		run.Conflicted,
		rawToNull(run.Summary),
		string(run.Status),
		run.ID,
	)
	return err
}

func (s *sqlStore) ListSyncRuns(ctx context.Context, storeID string, limit, offset int) ([]*SyncRun, error) {
	query := `SELECT id, store_id, started_at, finished_at, total, succeeded, failed, conflicted, summary, status, initiated_by
		FROM sync_runs`
	var args []any
	if storeID != "" {
		query += ` WHERE store_id = ?`
		args = append(args, storeID)
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*SyncRun
	for rows.Next() {
		var (
			run        SyncRun
			startedAt  int64
			finishedAt sql.NullInt64
			summary    sql.NullString
			status     string
		)
		err := rows.Scan(&run.ID, &run.StoreID, &startedAt, &finishedAt,
			&run.Total, &run.Succeeded, &run.Failed, &run.Conflicted,
			&summary, &status, &run.InitiatedBy)
		if err != nil {
			return nil, err
		}
		run.StartedAt = time.Unix(0, startedAt)
		if finishedAt.Valid {
			run.FinishedAt = sql.NullTime{Time: time.Unix(0, finishedAt.Int64), Valid: true}
		}
		if summary.Valid {
			run.Summary = []byte(summary.String)
		}
		run.Status = OperationStatus(status)
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

func (s *sqlStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	_, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO audit_log (id, actor, store_id, action, entity_type, entity_id, detail, success, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.Actor,
		entry.StoreID,
		entry.Action,
		entry.EntityType,
		entry.EntityID,
		rawToNull(entry.Detail),
		boolToInt(entry.Success),
		entry.CreatedAt.UnixNano(),
	)
	return err
}

func (s *sqlStore) ListAudit(ctx context.Context, storeID string, limit, offset int) ([]*AuditEntry, error) {
	query := `SELECT id, actor, store_id, action, entity_type, entity_id, detail, success, created_at
		FROM audit_log`
	var args []any
	if storeID != "" {
		query += ` WHERE store_id = ?`
		args = append(args, storeID)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var (
			e         AuditEntry
			detail    sql.NullString
			success   int
			createdAt int64
		)
		err := rows.Scan(&e.ID, &e.Actor, &e.StoreID, &e.Action,
			&e.EntityType, &e.EntityID, &detail, &success, &createdAt)
		if err != nil {
			return nil, err
		}
		if detail.Valid {
			e.Detail = []byte(detail.String)
		}
		e.Success = success != 0
		e.CreatedAt = time.Unix(0, createdAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
