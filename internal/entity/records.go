package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"store-sync-service/internal/database"
)

// RecordStore holds the destination's copy of every synchronized entity as a
// generic (type, id, payload) row. It is the apply target the queue
// processor writes to.
type RecordStore struct {
	db *database.Database
}

func NewRecordStore(db *database.Database) (*RecordStore, error) {
	var ddl string
	switch db.Driver {
	case "mysql":
		ddl = `CREATE TABLE IF NOT EXISTS entity_records (
			entity_type VARCHAR(64) NOT NULL,
			entity_id VARCHAR(255) NOT NULL,
			payload MEDIUMTEXT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (entity_type, entity_id),
			INDEX idx_records_updated (entity_type, updated_at)
		)`
	default:
		ddl = `CREATE TABLE IF NOT EXISTS entity_records (
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (entity_type, entity_id)
		)`
	}
	if _, err := db.DB.Exec(ddl); err != nil {
		return nil, fmt.Errorf("failed to initialize entity records: %w", err)
	}
	if db.Driver != "mysql" {
		if _, err := db.DB.Exec(`CREATE INDEX IF NOT EXISTS idx_records_updated ON entity_records(entity_type, updated_at)`); err != nil {
			return nil, fmt.Errorf("failed to initialize entity records index: %w", err)
		}
	}
	return &RecordStore{db: db}, nil
}

// Get returns the current representation of an entity, or (nil, nil) when
// the destination has no copy.
func (r *RecordStore) Get(ctx context.Context, entityType, entityID string) (*Record, error) {
	var (
		payload   string
		updatedAt int64
	)
	err := r.db.DB.QueryRowContext(ctx,
		`SELECT payload, updated_at FROM entity_records WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID).Scan(&payload, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	fields := map[string]any{}
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return nil, fmt.Errorf("corrupt record %s/%s: %w", entityType, entityID, err)
	}
	return &Record{
		Type:      entityType,
		ID:        entityID,
		Fields:    fields,
		UpdatedAt: time.Unix(0, updatedAt),
	}, nil
}

// Upsert writes the record, replacing any existing copy.
func (r *RecordStore) Upsert(ctx context.Context, rec *Record) error {
	payload, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to serialize %s/%s: %w", rec.Type, rec.ID, err)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}

	var query string
	switch r.db.Driver {
	case "mysql":
		query = `INSERT INTO entity_records (entity_type, entity_id, payload, updated_at)
			VALUES (?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE payload = VALUES(payload), updated_at = VALUES(updated_at)`
	default:
		query = `INSERT INTO entity_records (entity_type, entity_id, payload, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			payload = excluded.payload, updated_at = excluded.updated_at`
	}

	_, err = r.db.DB.ExecContext(ctx, query,
		rec.Type, rec.ID, string(payload), rec.UpdatedAt.UnixNano())
	return err
}

// Delete removes the record. Deleting a missing record is not an error.
func (r *RecordStore) Delete(ctx context.Context, entityType, entityID string) error {
	_, err := r.db.DB.ExecContext(ctx,
		`DELETE FROM entity_records WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID)
	return err
}

// List pages through records of one type in id order.
func (r *RecordStore) List(ctx context.Context, entityType string, limit, offset int) ([]*Record, error) {
	rows, err := r.db.DB.QueryContext(ctx,
		`SELECT entity_id, payload, updated_at FROM entity_records
		 WHERE entity_type = ? ORDER BY entity_id LIMIT ? OFFSET ?`,
		entityType, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collect(entityType, rows)
}

// ChangedSince returns records of one type modified after the watermark,
// oldest first, for incremental cache refresh.
func (r *RecordStore) ChangedSince(ctx context.Context, entityType string, since time.Time) ([]*Record, error) {
	rows, err := r.db.DB.QueryContext(ctx,
		`SELECT entity_id, payload, updated_at FROM entity_records
		 WHERE entity_type = ? AND updated_at > ? ORDER BY updated_at ASC`,
		entityType, since.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collect(entityType, rows)
}

func (r *RecordStore) collect(entityType string, rows *sql.Rows) ([]*Record, error) {
	var recs []*Record
	for rows.Next() {
		var (
			id        string
			payload   string
			updatedAt int64
		)
		if err := rows.Scan(&id, &payload, &updatedAt); err != nil {
			return nil, err
		}
		fields := map[string]any{}
		if err := json.Unmarshal([]byte(payload), &fields); err != nil {
			return nil, fmt.Errorf("corrupt record %s/%s: %w", entityType, id, err)
		}
		recs = append(recs, &Record{
			Type:      entityType,
			ID:        id,
			Fields:    fields,
			UpdatedAt: time.Unix(0, updatedAt),
		})
	}
	return recs, rows.Err()
}
