package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const opColumns = `id, origin_store, dest_store, entity_type, entity_id, operation_kind,
	payload, status, attempts, priority, has_conflict, conflicting_payload, diff,
	resolved_by, resolved_at, error_message, created_at, updated_at`

func (s *sqlStore) Enqueue(ctx context.Context, op *SyncOperation) error {
	now := time.Now()
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	if op.UpdatedAt.IsZero() {
		op.UpdatedAt = now
	}
	if op.Status == "" {
		op.Status = StatusPending
	}

	query := `INSERT INTO sync_queue (` + opColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.DB.ExecContext(ctx, query,
		op.ID,
		op.OriginStore,
		op.DestStore,
		op.EntityType,
		op.EntityID,
		string(op.Kind),
		string(op.Payload),
		string(op.Status),
		op.Attempts,
		op.Priority,
		boolToInt(op.HasConflict),
		rawToNull(op.ConflictingPayload),
		rawToNull(op.Diff),
		op.ResolvedBy,
		timeToNull(op.ResolvedAt),
		op.ErrorMessage,
		op.CreatedAt.UnixNano(),
		op.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *sqlStore) GetOperation(ctx context.Context, id string) (*SyncOperation, error) {
	query := `SELECT ` + opColumns + ` FROM sync_queue WHERE id = ?`
	row := s.db.DB.QueryRowContext(ctx, query, id)

	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (s *sqlStore) ListOperations(ctx context.Context, filter OperationFilter) ([]*SyncOperation, error) {
	var conds []string
	var args []any

	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if filter.OriginStore != "" {
		conds = append(conds, "origin_store = ?")
		args = append(args, filter.OriginStore)
	}
	if filter.DestStore != "" {
		conds = append(conds, "dest_store = ?")
		args = append(args, filter.DestStore)
	}
	if filter.EntityType != "" {
		conds = append(conds, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		conds = append(conds, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.Conflict != nil {
		conds = append(conds, "has_conflict = ?")
		args = append(args, boolToInt(*filter.Conflict))
	}

	query := `SELECT ` + opColumns + ` FROM sync_queue`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	// Claim order is the queue's total order: most urgent first, then oldest.
	query += " ORDER BY priority ASC, created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (s *sqlStore) Claim(ctx context.Context, id string) error {
	res, err := s.db.DB.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusInProgress), time.Now().UnixNano(), id, string(StatusPending))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotClaimed
	}
	return nil
}

func (s *sqlStore) MarkCompleted(ctx context.Context, id string) error {
	_, err := s.db.DB.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, updated_at = ? WHERE id = ?`,
		string(StatusCompleted), time.Now().UnixNano(), id)
	return err
}

func (s *sqlStore) MarkError(ctx context.Context, id string, message string, maxAttempts int) error {
	now := time.Now().UnixNano()
	// Past the attempt ceiling the operation becomes permanently failed and
	// is surfaced for operator attention, never silently dropped.
	query := `UPDATE sync_queue
		SET attempts = attempts + 1,
		    error_message = ?,
		    status = CASE WHEN attempts + 1 >= ? THEN ? ELSE ? END,
		    updated_at = ?
		WHERE id = ?`
	_, err := s.db.DB.ExecContext(ctx, query,
		message, maxAttempts, string(StatusFailed), string(StatusError), now, id)
	return err
}

func (s *sqlStore) MarkConflict(ctx context.Context, id string, conflicting, diff json.RawMessage) error {
	_, err := s.db.DB.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, has_conflict = 1, conflicting_payload = ?, diff = ?, updated_at = ?
		 WHERE id = ?`,
		string(StatusConflict), rawToNull(conflicting), rawToNull(diff), time.Now().UnixNano(), id)
	return err
}

func (s *sqlStore) MarkPending(ctx context.Context, id string, payload json.RawMessage, resolvedBy string) error {
	now := time.Now().UnixNano()
	if payload != nil {
		_, err := s.db.DB.ExecContext(ctx,
			`UPDATE sync_queue SET status = ?, has_conflict = 0, payload = ?, resolved_by = ?, resolved_at = ?, updated_at = ?
			 WHERE id = ?`,
			string(StatusPending), string(payload), nullStr(resolvedBy), nullIfZero(resolvedBy, now), now, id)
		return err
	}
	_, err := s.db.DB.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, has_conflict = 0, resolved_by = ?, resolved_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(StatusPending), nullStr(resolvedBy), nullIfZero(resolvedBy, now), now, id)
	return err
}

func (s *sqlStore) MarkSuperseded(ctx context.Context, id string, resolvedBy string) error {
	now := time.Now().UnixNano()
	_, err := s.db.DB.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, has_conflict = 0, resolved_by = ?, resolved_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(StatusCompleted), nullStr(resolvedBy), nullIfZero(resolvedBy, now), now, id)
	return err
}

func (s *sqlStore) RequeueErrors(ctx context.Context, storeID string) (int, error) {
	query := `UPDATE sync_queue SET status = ?, updated_at = ? WHERE status = ?`
	args := []any{string(StatusPending), time.Now().UnixNano(), string(StatusError)}
	if storeID != "" {
		query += ` AND origin_store = ?`
		args = append(args, storeID)
	}
	res, err := s.db.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*SyncOperation, error) {
	var (
		op           SyncOperation
		kind, status string
		payload      string
		hasConflict  int
		conflicting  sql.NullString
		diff         sql.NullString
		resolvedAt   sql.NullInt64
		createdAt    int64
		updatedAt    int64
	)

	err := row.Scan(
		&op.ID,
		&op.OriginStore,
		&op.DestStore,
		&op.EntityType,
		&op.EntityID,
		&kind,
		&payload,
		&status,
		&op.Attempts,
		&op.Priority,
		&hasConflict,
		&conflicting,
		&diff,
		&op.ResolvedBy,
		&resolvedAt,
		&op.ErrorMessage,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	op.Kind = OperationKind(kind)
	op.Status = OperationStatus(status)
	op.Payload = json.RawMessage(payload)
	op.HasConflict = hasConflict != 0
	if conflicting.Valid {
		op.ConflictingPayload = json.RawMessage(conflicting.String)
	}
	if diff.Valid {
		op.Diff = json.RawMessage(diff.String)
	}
	if resolvedAt.Valid {
		op.ResolvedAt = sql.NullTime{Time: time.Unix(0, resolvedAt.Int64), Valid: true}
	}
	op.CreatedAt = time.Unix(0, createdAt)
	op.UpdatedAt = time.Unix(0, updatedAt)

	return &op, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func rawToNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(marker string, ns int64) any {
	if marker == "" {
		return nil
	}
	return ns
}

func timeToNull(t sql.NullTime) any {
	if !t.Valid {
		return nil
	}
	return t.Time.UnixNano()
}
