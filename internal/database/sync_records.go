package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"woosync/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

const syncRecordColumns = `id, source_id, sink_id, tenant_id, name,
    created, updated, skipped, error, needs_sync, message, error_details,
    source_write_date, last_synced_at, created_at, updated_at`

func scanSyncRecord(row interface{ Scan(...any) error }) (*models.SyncRecord, error) {
	var r models.SyncRecord
	err := row.Scan(&r.ID, &r.SourceID, &r.SinkID, &r.TenantID, &r.Name,
		&r.Created, &r.Updated, &r.Skipped, &r.Error, &r.NeedsSync,
		&r.Message, &r.ErrorDetails,
		&r.SourceWriteDate, &r.LastSyncedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetSyncRecord looks up the record for a source entity within a tenant.
func (db *DB) GetSyncRecord(ctx context.Context, kind string, sourceID, tenantID int64) (*models.SyncRecord, error) {
	table, err := TableForKind(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE source_id = ? AND tenant_id = ?`, syncRecordColumns, table)
	record, err := scanSyncRecord(db.QueryRowContext(ctx, query, sourceID, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s sync record: %w", kind, err)
	}
	return record, nil
}

// GetSyncRecordBySinkID looks up the record already mapped to a sink
// entity. Used by the conflict check before any remap is attempted.
func (db *DB) GetSyncRecordBySinkID(ctx context.Context, kind string, sinkID, tenantID int64) (*models.SyncRecord, error) {
	table, err := TableForKind(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE sink_id = ? AND tenant_id = ?`, syncRecordColumns, table)
	record, err := scanSyncRecord(db.QueryRowContext(ctx, query, sinkID, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s sync record by sink id: %w", kind, err)
	}
	return record, nil
}

// UpsertSyncRecord inserts or refreshes the record keyed by
// (source_id, tenant_id), replacing outcome flags wholesale.
func (db *DB) UpsertSyncRecord(ctx context.Context, kind string, r *models.SyncRecord) error {
	table, err := TableForKind(kind)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
        INSERT INTO %s (source_id, sink_id, tenant_id, name,
            created, updated, skipped, error, needs_sync, message, error_details,
            source_write_date, last_synced_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(source_id, tenant_id) DO UPDATE SET
            sink_id = excluded.sink_id,
            name = excluded.name,
            created = excluded.created,
            updated = excluded.updated,
            skipped = excluded.skipped,
            error = excluded.error,
            needs_sync = excluded.needs_sync,
            message = excluded.message,
            error_details = excluded.error_details,
            source_write_date = excluded.source_write_date,
            last_synced_at = excluded.last_synced_at,
            updated_at = CURRENT_TIMESTAMP`, table)

	_, err = db.ExecContext(ctx, query,
		r.SourceID, r.SinkID, r.TenantID, r.Name,
		r.Created, r.Updated, r.Skipped, r.Error, r.NeedsSync,
		r.Message, r.ErrorDetails, r.SourceWriteDate, r.LastSyncedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert %s sync record: %w", kind, err)
	}
	return nil
}

// MarkSyncError flags the record as failed without touching its mapping.
func (db *DB) MarkSyncError(ctx context.Context, kind string, sourceID, tenantID int64, message, details string) error {
	table, err := TableForKind(kind)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
        INSERT INTO %s (source_id, tenant_id, error, message, error_details, updated_at)
        VALUES (?, ?, 1, ?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(source_id, tenant_id) DO UPDATE SET
            created = 0, updated = 0, skipped = 0, error = 1,
            message = excluded.message,
            error_details = excluded.error_details,
            updated_at = CURRENT_TIMESTAMP`, table)

	if _, err := db.ExecContext(ctx, query, sourceID, tenantID, message, details); err != nil {
		return fmt.Errorf("failed to mark %s sync error: %w", kind, err)
	}
	return nil
}

// SyncRecordFilter narrows ListSyncRecords. Zero values mean no filter.
type SyncRecordFilter struct {
	TenantID int64
	Status   string // created | updated | skipped | error | needs_sync
	Search   string // substring match on name
	Limit    int
	Offset   int
}

// ListSyncRecords returns records for a kind, newest first.
func (db *DB) ListSyncRecords(ctx context.Context, kind string, f SyncRecordFilter) ([]*models.SyncRecord, error) {
	table, err := TableForKind(kind)
	if err != nil {
		return nil, err
	}

	conditions := []string{"1=1"}
	args := []any{}
	if f.TenantID > 0 {
		conditions = append(conditions, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	switch f.Status {
	case models.OutcomeCreated:
		conditions = append(conditions, "created = 1")
	case models.OutcomeUpdated:
		conditions = append(conditions, "updated = 1")
	case models.OutcomeSkipped:
		conditions = append(conditions, "skipped = 1")
	case models.OutcomeError:
		conditions = append(conditions, "error = 1")
	case "needs_sync":
		conditions = append(conditions, "needs_sync = 1")
	}
	if f.Search != "" {
		conditions = append(conditions, "name LIKE ?")
		args = append(args, "%"+f.Search+"%")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = models.DefaultPageSize
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY updated_at DESC LIMIT ? OFFSET ?`,
		syncRecordColumns, table, strings.Join(conditions, " AND "))
	args = append(args, limit, f.Offset)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s sync records: %w", kind, err)
	}
	defer rows.Close()

	var records []*models.SyncRecord
	for rows.Next() {
		record, err := scanSyncRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s sync record: %w", kind, err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// GetSyncStats aggregates outcome counters for one kind and tenant.
func (db *DB) GetSyncStats(ctx context.Context, kind string, tenantID int64) (*models.SyncStats, error) {
	table, err := TableForKind(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
        SELECT COUNT(*),
            COALESCE(SUM(created), 0),
            COALESCE(SUM(updated), 0),
            COALESCE(SUM(skipped), 0),
            COALESCE(SUM(error), 0)
        FROM %s WHERE tenant_id = ?`, table)

	var stats models.SyncStats
	err = db.QueryRowContext(ctx, query, tenantID).Scan(
		&stats.Total, &stats.Created, &stats.Updated, &stats.Skipped, &stats.Errors)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s sync stats: %w", kind, err)
	}
	return &stats, nil
}

// TouchLastSynced stamps a successful reconciliation time.
func (db *DB) TouchLastSynced(ctx context.Context, kind string, sourceID, tenantID int64, at time.Time) error {
	table, err := TableForKind(kind)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE %s SET last_synced_at = ?, updated_at = CURRENT_TIMESTAMP
        WHERE source_id = ? AND tenant_id = ?`, table)
	if _, err := db.ExecContext(ctx, query, at.UTC(), sourceID, tenantID); err != nil {
		return fmt.Errorf("failed to touch %s last_synced_at: %w", kind, err)
	}
	return nil
}
