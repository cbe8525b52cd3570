package store

import (
	"fmt"

	"store-sync-service/internal/database"
)

// Timestamps are stored as Unix nanoseconds (BIGINT) so the same queries
// and ordering semantics hold on both MySQL and SQLite.

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sync_queue (
		id TEXT PRIMARY KEY,
		origin_store TEXT NOT NULL,
		dest_store TEXT,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		operation_kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 10,
		has_conflict INTEGER NOT NULL DEFAULT 0,
		conflicting_payload TEXT,
		diff TEXT,
		resolved_by TEXT,
		resolved_at INTEGER,
		error_message TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_status_origin ON sync_queue(status, origin_store)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_entity ON sync_queue(entity_type, entity_id)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_order ON sync_queue(priority, created_at)`,
	`CREATE TABLE IF NOT EXISTS sync_config (
		store_id TEXT PRIMARY KEY,
		auto_sync INTEGER NOT NULL DEFAULT 1,
		interval_minutes INTEGER NOT NULL DEFAULT 15,
		last_sync_at INTEGER,
		priorities TEXT,
		strategies TEXT,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sync_runs (
		id TEXT PRIMARY KEY,
		store_id TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		total INTEGER NOT NULL DEFAULT 0,
		succeeded INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		conflicted INTEGER NOT NULL DEFAULT 0,
		summary TEXT,
		status TEXT NOT NULL,
		initiated_by TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_store ON sync_runs(store_id, started_at)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		actor TEXT,
		store_id TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT,
		entity_id TEXT,
		detail TEXT,
		success INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_store ON audit_log(store_id, created_at)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS sync_queue (
		id VARCHAR(36) PRIMARY KEY,
		origin_store VARCHAR(64) NOT NULL,
		dest_store VARCHAR(64),
		entity_type VARCHAR(64) NOT NULL,
		entity_id VARCHAR(255) NOT NULL,
		operation_kind VARCHAR(16) NOT NULL,
		payload MEDIUMTEXT NOT NULL,
		status VARCHAR(16) NOT NULL,
		attempts INT NOT NULL DEFAULT 0,
		priority INT NOT NULL DEFAULT 10,
		has_conflict TINYINT NOT NULL DEFAULT 0,
		conflicting_payload MEDIUMTEXT,
		diff MEDIUMTEXT,
		resolved_by VARCHAR(64),
		resolved_at BIGINT,
		error_message TEXT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		INDEX idx_queue_status_origin (status, origin_store),
		INDEX idx_queue_entity (entity_type, entity_id),
		INDEX idx_queue_order (priority, created_at)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_config (
		store_id VARCHAR(64) PRIMARY KEY,
		auto_sync TINYINT NOT NULL DEFAULT 1,
		interval_minutes INT NOT NULL DEFAULT 15,
		last_sync_at BIGINT,
		priorities TEXT,
		strategies TEXT,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sync_runs (
		id VARCHAR(36) PRIMARY KEY,
		store_id VARCHAR(64) NOT NULL,
		started_at BIGINT NOT NULL,
		finished_at BIGINT,
		total INT NOT NULL DEFAULT 0,
		succeeded INT NOT NULL DEFAULT 0,
		failed INT NOT NULL DEFAULT 0,
		conflicted INT NOT NULL DEFAULT 0,
		summary TEXT,
		status VARCHAR(16) NOT NULL,
		initiated_by VARCHAR(64),
		INDEX idx_runs_store (store_id, started_at)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id VARCHAR(36) PRIMARY KEY,
		actor VARCHAR(64),
		store_id VARCHAR(64) NOT NULL,
		action VARCHAR(100) NOT NULL,
		entity_type VARCHAR(64),
		entity_id VARCHAR(255),
		detail TEXT,
		success TINYINT NOT NULL DEFAULT 1,
		created_at BIGINT NOT NULL,
		INDEX idx_audit_store (store_id, created_at)
	)`,
}

// New initializes the queue schema on the given database and returns a
// Store backed by it.
func New(db *database.Database) (Store, error) {
	var schema []string
	switch db.Driver {
	case "sqlite":
		schema = sqliteSchema
	case "mysql":
		schema = mysqlSchema
	default:
		return nil, fmt.Errorf("unsupported driver %q", db.Driver)
	}

	for _, stmt := range schema {
		if _, err := db.DB.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	return &sqlStore{db: db}, nil
}

type sqlStore struct {
	db *database.Database
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
