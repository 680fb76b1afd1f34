package woo

import (
	"context"
	"net/url"
)

// Entity is the sink's identity surface shared by every collection:
// products, categories, tags, attributes and attribute terms.
type Entity struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
	SKU  string `json:"sku,omitempty"`
}

// MetaData is a sink-side custom field on a product.
type MetaData struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Product mirrors the sink's product document, limited to the fields
// the reconciler reads or writes.
type Product struct {
	Entity
	Type             string     `json:"type,omitempty"`
	Status           string     `json:"status,omitempty"`
	RegularPrice     string     `json:"regular_price,omitempty"`
	SalePrice        string     `json:"sale_price,omitempty"`
	Description      string     `json:"description,omitempty"`
	StockQuantity    *int       `json:"stock_quantity,omitempty"`
	ManageStock      bool       `json:"manage_stock,omitempty"`
	Weight           string     `json:"weight,omitempty"`
	Categories       []Entity   `json:"categories,omitempty"`
	Tags             []Entity   `json:"tags,omitempty"`
	MetaData         []MetaData `json:"meta_data,omitempty"`
}

// Category mirrors the sink's category document.
type Category struct {
	Entity
	Parent int64 `json:"parent,omitempty"`
}

// Attribute mirrors the sink's global attribute document.
type Attribute struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
	Type string `json:"type,omitempty"`
}

// FindBySKU searches a collection for an exact SKU match. The sink's
// sku filter is a broad match, so the result is validated before use.
func (c *Client) FindBySKU(ctx context.Context, collection, sku string) (*Entity, error) {
	if sku == "" {
		return nil, nil
	}
	var entities []Entity
	query := url.Values{"sku": {sku}}
	if err := c.Get(ctx, collection, query, &entities); err != nil {
		return nil, err
	}
	for i := range entities {
		if entities[i].SKU == sku {
			return &entities[i], nil
		}
	}
	return nil, nil
}

// FindBySlug searches a collection for a slug match.
func (c *Client) FindBySlug(ctx context.Context, collection, slug string) (*Entity, error) {
	if slug == "" {
		return nil, nil
	}
	var entities []Entity
	query := url.Values{"slug": {slug}}
	if err := c.Get(ctx, collection, query, &entities); err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, nil
	}
	return &entities[0], nil
}
