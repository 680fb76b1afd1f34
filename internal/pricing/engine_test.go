package pricing

import (
	"os"
	"testing"
	"time"

	"woosync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func newTestEngine() *Engine {
	logger := zerolog.New(os.Stdout)
	return NewEngine(&logger)
}

var testProduct = Product{
	ID:            42,
	TemplateID:    7,
	CategoryPath:  []int64{3, 1},
	ListPrice:     100,
	StandardPrice: 50,
}

func TestPriceWithoutPricelist(t *testing.T) {
	e := newTestEngine()
	assert.Equal(t, 100.0, e.Price(testProduct, 0, 1, time.Now()))
}

func TestPriceFixedRule(t *testing.T) {
	e := newTestEngine()
	e.LoadPricelist(1, []Rule{
		{ID: 1, Scope: ScopeGlobal, ComputePrice: ComputeFixed, FixedPrice: 80},
	})
	assert.Equal(t, 80.0, e.Price(testProduct, 1, 1, time.Now()))
}

func TestPricePercentageDiscount(t *testing.T) {
	e := newTestEngine()
	e.LoadPricelist(1, []Rule{
		{ID: 1, Scope: ScopeGlobal, ComputePrice: ComputePercentage, Percent: -10, Base: BaseListPrice},
	})
	assert.Equal(t, 90.0, e.Price(testProduct, 1, 1, time.Now()))
}

func TestPriceFormulaWithMarginClamp(t *testing.T) {
	e := newTestEngine()
	e.LoadPricelist(1, []Rule{
		{ID: 1, Scope: ScopeGlobal, ComputePrice: ComputeFormula, Percent: -60,
			Base: BaseListPrice, MinMargin: 20},
	})
	// Naive result 40 is below cost+min_margin = 70.
	assert.Equal(t, 70.0, e.Price(testProduct, 1, 1, time.Now()))
}

func TestPriceFormulaMaxMarginClamp(t *testing.T) {
	e := newTestEngine()
	e.LoadPricelist(1, []Rule{
		{ID: 1, Scope: ScopeGlobal, ComputePrice: ComputeFormula, Percent: 50,
			Base: BaseListPrice, MaxMargin: 30},
	})
	// Naive result 150 exceeds cost+max_margin = 80.
	assert.Equal(t, 80.0, e.Price(testProduct, 1, 1, time.Now()))
}

func TestPriceSpecificityOrder(t *testing.T) {
	e := newTestEngine()
	e.LoadPricelist(1, []Rule{
		{ID: 1, Scope: ScopeGlobal, ComputePrice: ComputeFixed, FixedPrice: 95},
		{ID: 2, Scope: ScopeCategory, CategoryID: 3, ComputePrice: ComputeFixed, FixedPrice: 90},
		{ID: 3, Scope: ScopeTemplate, TemplateID: 7, ComputePrice: ComputeFixed, FixedPrice: 85},
		{ID: 4, Scope: ScopeVariant, ProductID: 42, ComputePrice: ComputeFixed, FixedPrice: 80},
	})
	assert.Equal(t, 80.0, e.Price(testProduct, 1, 1, time.Now()))

	// A different variant falls through to its template rule.
	other := testProduct
	other.ID = 43
	assert.Equal(t, 85.0, e.Price(other, 1, 1, time.Now()))

	// Outside the template too, the category rule applies via ancestors.
	other.TemplateID = 8
	assert.Equal(t, 90.0, e.Price(other, 1, 1, time.Now()))

	other.CategoryPath = []int64{99}
	assert.Equal(t, 95.0, e.Price(other, 1, 1, time.Now()))
}

func TestPriceMinQuantityTieBreak(t *testing.T) {
	e := newTestEngine()
	e.LoadPricelist(1, []Rule{
		{ID: 1, Scope: ScopeGlobal, MinQuantity: 0, ComputePrice: ComputeFixed, FixedPrice: 95},
		{ID: 2, Scope: ScopeGlobal, MinQuantity: 10, ComputePrice: ComputeFixed, FixedPrice: 85},
		{ID: 3, Scope: ScopeGlobal, MinQuantity: 100, ComputePrice: ComputeFixed, FixedPrice: 75},
	})

	now := time.Now()
	assert.Equal(t, 95.0, e.Price(testProduct, 1, 1, now))
	assert.Equal(t, 85.0, e.Price(testProduct, 1, 10, now))
	assert.Equal(t, 85.0, e.Price(testProduct, 1, 99, now))
	assert.Equal(t, 75.0, e.Price(testProduct, 1, 100, now))
}

func TestPriceRuleIDTieBreak(t *testing.T) {
	e := newTestEngine()
	e.LoadPricelist(1, []Rule{
		{ID: 9, Scope: ScopeGlobal, ComputePrice: ComputeFixed, FixedPrice: 70},
		{ID: 2, Scope: ScopeGlobal, ComputePrice: ComputeFixed, FixedPrice: 60},
	})
	assert.Equal(t, 60.0, e.Price(testProduct, 1, 1, time.Now()))
}

func TestPriceRecursivePricelistBase(t *testing.T) {
	e := newTestEngine()
	e.LoadPricelist(2, []Rule{
		{ID: 1, Scope: ScopeGlobal, ComputePrice: ComputePercentage, Percent: -20, Base: BaseListPrice},
	})
	e.LoadPricelist(1, []Rule{
		{ID: 2, Scope: ScopeGlobal, ComputePrice: ComputePercentage, Percent: -10,
			Base: BasePricelist, BasePricelistID: 2},
	})
	// 100 * 0.8 = 80, then 80 * 0.9 = 72.
	assert.Equal(t, 72.0, e.Price(testProduct, 1, 1, time.Now()))
}

func TestPriceCyclicPricelistFailsClosed(t *testing.T) {
	e := newTestEngine()
	e.LoadPricelist(1, []Rule{
		{ID: 1, Scope: ScopeGlobal, ComputePrice: ComputePercentage, Percent: -10,
			Base: BasePricelist, BasePricelistID: 2},
	})
	e.LoadPricelist(2, []Rule{
		{ID: 2, Scope: ScopeGlobal, ComputePrice: ComputePercentage, Percent: -10,
			Base: BasePricelist, BasePricelistID: 1},
	})
	// The cycle bottoms out on the list price instead of recursing forever.
	assert.Equal(t, 81.0, e.Price(testProduct, 1, 1, time.Now()))
}

func TestPriceStandardPriceBase(t *testing.T) {
	e := newTestEngine()
	e.LoadPricelist(1, []Rule{
		{ID: 1, Scope: ScopeGlobal, ComputePrice: ComputePercentage, Percent: 20, Base: BaseStandardPrice},
	})
	// Cost 50 marked up 20%.
	assert.Equal(t, 60.0, e.Price(testProduct, 1, 1, time.Now()))
}

func TestPriceNoMatchingRuleFallsBack(t *testing.T) {
	e := newTestEngine()
	e.LoadPricelist(1, []Rule{
		{ID: 1, Scope: ScopeVariant, ProductID: 999, ComputePrice: ComputeFixed, FixedPrice: 10},
	})
	assert.Equal(t, 100.0, e.Price(testProduct, 1, 1, time.Now()))

	// Unknown pricelist is not an error either.
	assert.Equal(t, 100.0, e.Price(testProduct, 77, 1, time.Now()))
}

func TestPriceFloorAndRounding(t *testing.T) {
	e := newTestEngine()
	e.LoadPricelist(1, []Rule{
		{ID: 1, Scope: ScopeGlobal, ComputePrice: ComputeFixed, FixedPrice: -5},
	})
	assert.Equal(t, 0.0, e.Price(testProduct, 1, 1, time.Now()))

	e.LoadPricelist(2, []Rule{
		{ID: 2, Scope: ScopeGlobal, ComputePrice: ComputePercentage, Percent: -33.333, Base: BaseListPrice},
	})
	assert.Equal(t, 66.67, e.Price(testProduct, 2, 1, time.Now()))
}

func TestPriceDateWindow(t *testing.T) {
	e := newTestEngine()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 6, 30, 23, 59, 59, 0, time.UTC)
	e.LoadPricelist(1, []Rule{
		{ID: 1, Scope: ScopeGlobal, ComputePrice: ComputeFixed, FixedPrice: 80,
			DateStart: &start, DateEnd: &end},
	})

	inWindow := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	before := time.Date(2025, 5, 15, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 80.0, e.Price(testProduct, 1, 1, inWindow))
	assert.Equal(t, 100.0, e.Price(testProduct, 1, 1, before))
}

func TestSetRoundDecimals(t *testing.T) {
	t.Cleanup(func() { SetRoundDecimals(2) })

	assert.Equal(t, 12.35, Round(12.3456))
	assert.Equal(t, "12.35", FormatPrice(Round(12.3456)))

	SetRoundDecimals(0)
	assert.Equal(t, 12.0, Round(12.49))
	assert.Equal(t, "12", FormatPrice(Round(12.49)))

	SetRoundDecimals(3)
	assert.Equal(t, 12.346, Round(12.3456))

	// Negative input leaves the precision alone.
	SetRoundDecimals(-1)
	assert.Equal(t, 12.346, Round(12.3456))
}

func TestPreparePriceFields(t *testing.T) {
	fields := PreparePriceFields(nil, 80)
	assert.Equal(t, "80.00", fields["regular_price"])

	fields = PreparePriceFields(&models.PriceRule{PriceType: models.PriceTypeSale}, 72.5)
	assert.Equal(t, "72.50", fields["sale_price"])

	fields = PreparePriceFields(&models.PriceRule{PriceType: models.PriceTypeMeta, MetaKey: "_wholesale_price"}, 60)
	assert.Contains(t, fields, "meta_data")
}
