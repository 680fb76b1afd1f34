package pricing

import (
	"strconv"

	"woosync/internal/models"
	"woosync/internal/woo"
)

// FormatPrice renders a price the way the sink expects it, at the
// configured decimal width.
func FormatPrice(price float64) string {
	return strconv.FormatFloat(price, 'f', roundDecimals, 64)
}

// PreparePriceFields maps a computed price onto the sink product fields
// addressed by the tenant's active price rule. With no rule configured
// the price lands on regular_price.
func PreparePriceFields(rule *models.PriceRule, price float64) map[string]any {
	formatted := FormatPrice(price)
	if rule == nil {
		return map[string]any{"regular_price": formatted}
	}
	switch rule.PriceType {
	case models.PriceTypeSale:
		return map[string]any{"sale_price": formatted}
	case models.PriceTypeMeta:
		return map[string]any{
			"meta_data": []woo.MetaData{{Key: rule.MetaKey, Value: formatted}},
		}
	default:
		return map[string]any{"regular_price": formatted}
	}
}
