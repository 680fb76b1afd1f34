package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"woosync/internal/models"
)

const priceRuleColumns = `id, tenant_id, source_pricelist_id, price_type, meta_key, active, created_at`

func scanPriceRule(row interface{ Scan(...any) error }) (*models.PriceRule, error) {
	var r models.PriceRule
	err := row.Scan(&r.ID, &r.TenantID, &r.SourcePricelistID, &r.PriceType, &r.MetaKey, &r.Active, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpsertPriceRule registers or refreshes a pricelist binding for a tenant.
func (db *DB) UpsertPriceRule(ctx context.Context, r *models.PriceRule) error {
	query := `
        INSERT INTO price_rules (tenant_id, source_pricelist_id, price_type, meta_key, active)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(tenant_id, source_pricelist_id) DO UPDATE SET
            price_type = excluded.price_type,
            meta_key = excluded.meta_key`
	if _, err := db.ExecContext(ctx, query,
		r.TenantID, r.SourcePricelistID, r.PriceType, r.MetaKey, r.Active); err != nil {
		return fmt.Errorf("failed to upsert price rule: %w", err)
	}
	return nil
}

// ListPriceRules returns a tenant's pricelist bindings.
func (db *DB) ListPriceRules(ctx context.Context, tenantID int64) ([]*models.PriceRule, error) {
	query := fmt.Sprintf(`SELECT %s FROM price_rules WHERE tenant_id = ? ORDER BY id ASC`, priceRuleColumns)
	rows, err := db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list price rules: %w", err)
	}
	defer rows.Close()

	var rules []*models.PriceRule
	for rows.Next() {
		rule, err := scanPriceRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan price rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// GetActivePriceRule returns the tenant's primary pricelist binding.
func (db *DB) GetActivePriceRule(ctx context.Context, tenantID int64) (*models.PriceRule, error) {
	query := fmt.Sprintf(`SELECT %s FROM price_rules WHERE tenant_id = ? AND active = 1 LIMIT 1`, priceRuleColumns)
	rule, err := scanPriceRule(db.QueryRowContext(ctx, query, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active price rule: %w", err)
	}
	return rule, nil
}

// ActivatePriceRule makes one pricelist the tenant's primary, atomically
// deactivating any other.
func (db *DB) ActivatePriceRule(ctx context.Context, tenantID, sourcePricelistID int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE price_rules SET active = 0 WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("failed to deactivate price rules: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE price_rules SET active = 1 WHERE tenant_id = ? AND source_pricelist_id = ?`,
		tenantID, sourcePricelistID)
	if err != nil {
		return fmt.Errorf("failed to activate price rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}
