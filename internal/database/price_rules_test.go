package database

import (
	"context"
	"testing"

	"woosync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceRuleActivation(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()

	require.NoError(t, db.UpsertPriceRule(ctx, &models.PriceRule{
		TenantID: 1, SourcePricelistID: 10, PriceType: models.PriceTypeRegular, Active: true,
	}))
	require.NoError(t, db.UpsertPriceRule(ctx, &models.PriceRule{
		TenantID: 1, SourcePricelistID: 20, PriceType: models.PriceTypeSale,
	}))
	require.NoError(t, db.UpsertPriceRule(ctx, &models.PriceRule{
		TenantID: 1, SourcePricelistID: 30, PriceType: models.PriceTypeMeta, MetaKey: "_wholesale_price",
	}))

	active, err := db.GetActivePriceRule(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), active.SourcePricelistID)

	// Activating another binding deactivates the previous one atomically.
	require.NoError(t, db.ActivatePriceRule(ctx, 1, 20))
	active, err = db.GetActivePriceRule(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(20), active.SourcePricelistID)

	rules, err := db.ListPriceRules(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	activeCount := 0
	for _, r := range rules {
		if r.Active {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)

	// Unknown pricelist leaves the tenant without an active rule change.
	assert.ErrorIs(t, db.ActivatePriceRule(ctx, 1, 99), ErrNotFound)
}

func TestPriceRuleUpsertKeepsActiveFlag(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()

	require.NoError(t, db.UpsertPriceRule(ctx, &models.PriceRule{
		TenantID: 1, SourcePricelistID: 10, PriceType: models.PriceTypeRegular, Active: true,
	}))

	// Re-registering the same pricelist must not silently deactivate it.
	require.NoError(t, db.UpsertPriceRule(ctx, &models.PriceRule{
		TenantID: 1, SourcePricelistID: 10, PriceType: models.PriceTypeSale,
	}))

	active, err := db.GetActivePriceRule(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.PriceTypeSale, active.PriceType)
}
