package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"woosync/internal/models"
)

const instanceColumns = `id, name, active, source_url, source_db, source_username, source_password,
    sink_url, sink_key, sink_secret, webhook_secret, created_at, updated_at`

func scanInstance(row interface{ Scan(...any) error }) (*models.Instance, error) {
	var i models.Instance
	err := row.Scan(&i.ID, &i.Name, &i.Active,
		&i.SourceURL, &i.SourceDB, &i.SourceUsername, &i.SourcePassword,
		&i.SinkURL, &i.SinkKey, &i.SinkSecret, &i.WebhookSecret,
		&i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

// CreateInstance registers a tenant.
func (db *DB) CreateInstance(ctx context.Context, i *models.Instance) error {
	query := `
        INSERT INTO instances (name, active, source_url, source_db, source_username, source_password,
            sink_url, sink_key, sink_secret, webhook_secret)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := db.ExecContext(ctx, query,
		i.Name, i.Active, i.SourceURL, i.SourceDB, i.SourceUsername, i.SourcePassword,
		i.SinkURL, i.SinkKey, i.SinkSecret, i.WebhookSecret)
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	i.ID, _ = res.LastInsertId()
	return nil
}

// GetInstance looks up a tenant by id.
func (db *DB) GetInstance(ctx context.Context, id int64) (*models.Instance, error) {
	query := fmt.Sprintf(`SELECT %s FROM instances WHERE id = ?`, instanceColumns)
	instance, err := scanInstance(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return instance, nil
}

// ListInstances returns tenants, optionally only active ones.
func (db *DB) ListInstances(ctx context.Context, activeOnly bool) ([]*models.Instance, error) {
	query := fmt.Sprintf(`SELECT %s FROM instances WHERE (? = 0 OR active = 1) ORDER BY id ASC`, instanceColumns)
	rows, err := db.QueryContext(ctx, query, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var instances []*models.Instance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, instance)
	}
	return instances, rows.Err()
}

// UpdateInstance rewrites a tenant's configuration.
func (db *DB) UpdateInstance(ctx context.Context, i *models.Instance) error {
	query := `
        UPDATE instances SET name = ?, active = ?, source_url = ?, source_db = ?,
            source_username = ?, source_password = ?, sink_url = ?, sink_key = ?,
            sink_secret = ?, webhook_secret = ?, updated_at = CURRENT_TIMESTAMP
        WHERE id = ?`
	res, err := db.ExecContext(ctx, query,
		i.Name, i.Active, i.SourceURL, i.SourceDB, i.SourceUsername, i.SourcePassword,
		i.SinkURL, i.SinkKey, i.SinkSecret, i.WebhookSecret, i.ID)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
