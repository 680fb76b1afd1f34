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

const webhookEventColumns = `id, event_id, payload_hash, event_type, tenant_id,
    status, retry_count, error_message, received_at, processed_at`

func scanWebhookEvent(row interface{ Scan(...any) error }) (*models.WebhookEvent, error) {
	var e models.WebhookEvent
	err := row.Scan(&e.ID, &e.EventID, &e.PayloadHash, &e.EventType, &e.TenantID,
		&e.Status, &e.RetryCount, &e.ErrorMessage, &e.ReceivedAt, &e.ProcessedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateWebhookEvent logs an accepted delivery. Returns ErrDuplicateEvent
// when the event id was already recorded.
func (db *DB) CreateWebhookEvent(ctx context.Context, e *models.WebhookEvent) error {
	query := `INSERT INTO webhook_events (event_id, payload_hash, event_type, tenant_id, status)
        VALUES (?, ?, ?, ?, ?)`
	res, err := db.ExecContext(ctx, query, e.EventID, e.PayloadHash, e.EventType, e.TenantID, e.Status)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("failed to create webhook event: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// ErrDuplicateEvent marks a delivery whose event id was seen before.
var ErrDuplicateEvent = errors.New("duplicate webhook event")

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetWebhookEvent looks up a delivery by its event id.
func (db *DB) GetWebhookEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	query := fmt.Sprintf(`SELECT %s FROM webhook_events WHERE event_id = ?`, webhookEventColumns)
	event, err := scanWebhookEvent(db.QueryRowContext(ctx, query, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return event, nil
}

// FindRecentEventByHash reports whether an identical payload arrived
// within the window. Sinks re-deliver with fresh event ids on retry.
func (db *DB) FindRecentEventByHash(ctx context.Context, payloadHash string, tenantID int64, window time.Duration) (*models.WebhookEvent, error) {
	query := fmt.Sprintf(`SELECT %s FROM webhook_events
        WHERE payload_hash = ? AND tenant_id = ? AND received_at >= ?
        ORDER BY received_at DESC LIMIT 1`, webhookEventColumns)
	cutoff := time.Now().UTC().Add(-window)
	event, err := scanWebhookEvent(db.QueryRowContext(ctx, query, payloadHash, tenantID, cutoff))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find webhook event by hash: %w", err)
	}
	return event, nil
}

// UpdateWebhookEventStatus advances a delivery's processing state.
func (db *DB) UpdateWebhookEventStatus(ctx context.Context, eventID, status, errorMessage string) error {
	var processedAt any
	if status == models.WebhookCompleted || status == models.WebhookFailed {
		processedAt = time.Now().UTC()
	}
	query := `UPDATE webhook_events SET status = ?, error_message = ?, processed_at = COALESCE(?, processed_at)
        WHERE event_id = ?`
	res, err := db.ExecContext(ctx, query, status, errorMessage, processedAt, eventID)
	if err != nil {
		return fmt.Errorf("failed to update webhook event status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementWebhookRetry bumps the retry counter after a failed attempt.
func (db *DB) IncrementWebhookRetry(ctx context.Context, eventID string) error {
	query := `UPDATE webhook_events SET retry_count = retry_count + 1 WHERE event_id = ?`
	if _, err := db.ExecContext(ctx, query, eventID); err != nil {
		return fmt.Errorf("failed to increment webhook retry count: %w", err)
	}
	return nil
}

// PurgeWebhookEvents drops processed deliveries older than the cutoff.
func (db *DB) PurgeWebhookEvents(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM webhook_events WHERE received_at < ? AND status IN (?, ?)`
	res, err := db.ExecContext(ctx, query, before.UTC(), models.WebhookCompleted, models.WebhookFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to purge webhook events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
