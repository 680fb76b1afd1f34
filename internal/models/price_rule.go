package models

import "time"

// PriceRule binds one source pricelist to a sink price field for a
// tenant. At most one rule per tenant is active (primary) at a time.
type PriceRule struct {
	ID                int64     `json:"id"`
	TenantID          int64     `json:"tenant_id"`
	SourcePricelistID int64     `json:"source_pricelist_id"`
	PriceType         string    `json:"price_type"`
	MetaKey           string    `json:"meta_key,omitempty"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at"`
}
