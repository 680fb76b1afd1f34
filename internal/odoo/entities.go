package odoo

import (
	"context"
	"fmt"
)

var productFields = []string{"id", "product_tmpl_id", "name", "default_code", "barcode",
	"description_sale", "list_price", "standard_price", "qty_available", "weight",
	"categ_id", "product_tag_ids", "active", "write_date"}

// FetchProduct reads one variant by id. Returns nil when it no longer exists.
func (c *Client) FetchProduct(ctx context.Context, id int64) (*Product, error) {
	var products []Product
	err := c.SearchRead(ctx, "product.product",
		[]any{[]any{"id", "=", id}}, productFields, 1, 0, &products)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch product %d: %w", id, err)
	}
	if len(products) == 0 {
		return nil, nil
	}
	return &products[0], nil
}

// FetchProducts pages through active variants.
func (c *Client) FetchProducts(ctx context.Context, limit, offset int) ([]Product, error) {
	var products []Product
	err := c.SearchRead(ctx, "product.product",
		[]any{[]any{"active", "=", true}}, productFields, limit, offset, &products)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch products: %w", err)
	}
	return products, nil
}

// CountProducts counts active variants.
func (c *Client) CountProducts(ctx context.Context) (int, error) {
	return c.SearchCount(ctx, "product.product", []any{[]any{"active", "=", true}})
}

var categoryFields = []string{"id", "name", "parent_id", "write_date"}

// FetchCategory reads one category by id. Returns nil when it no longer exists.
func (c *Client) FetchCategory(ctx context.Context, id int64) (*Category, error) {
	var categories []Category
	err := c.SearchRead(ctx, "product.category",
		[]any{[]any{"id", "=", id}}, categoryFields, 1, 0, &categories)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch category %d: %w", id, err)
	}
	if len(categories) == 0 {
		return nil, nil
	}
	return &categories[0], nil
}

// FetchCategories pages through the category tree.
func (c *Client) FetchCategories(ctx context.Context, limit, offset int) ([]Category, error) {
	var categories []Category
	err := c.SearchRead(ctx, "product.category", []any{}, categoryFields, limit, offset, &categories)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch categories: %w", err)
	}
	return categories, nil
}

// FetchTag reads one tag by id.
func (c *Client) FetchTag(ctx context.Context, id int64) (*Tag, error) {
	var tags []Tag
	err := c.SearchRead(ctx, "product.tag",
		[]any{[]any{"id", "=", id}}, []string{"id", "name", "write_date"}, 1, 0, &tags)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tag %d: %w", id, err)
	}
	if len(tags) == 0 {
		return nil, nil
	}
	return &tags[0], nil
}

// FetchTags pages through product tags.
func (c *Client) FetchTags(ctx context.Context, limit, offset int) ([]Tag, error) {
	var tags []Tag
	err := c.SearchRead(ctx, "product.tag", []any{},
		[]string{"id", "name", "write_date"}, limit, offset, &tags)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tags: %w", err)
	}
	return tags, nil
}

// FetchAttribute reads one attribute by id.
func (c *Client) FetchAttribute(ctx context.Context, id int64) (*Attribute, error) {
	var attributes []Attribute
	err := c.SearchRead(ctx, "product.attribute",
		[]any{[]any{"id", "=", id}}, []string{"id", "name", "write_date"}, 1, 0, &attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch attribute %d: %w", id, err)
	}
	if len(attributes) == 0 {
		return nil, nil
	}
	return &attributes[0], nil
}

// FetchAttributes pages through variant attributes.
func (c *Client) FetchAttributes(ctx context.Context, limit, offset int) ([]Attribute, error) {
	var attributes []Attribute
	err := c.SearchRead(ctx, "product.attribute", []any{},
		[]string{"id", "name", "write_date"}, limit, offset, &attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch attributes: %w", err)
	}
	return attributes, nil
}

// FetchAttributeValue reads one attribute term by id.
func (c *Client) FetchAttributeValue(ctx context.Context, id int64) (*AttributeValue, error) {
	var values []AttributeValue
	err := c.SearchRead(ctx, "product.attribute.value",
		[]any{[]any{"id", "=", id}}, []string{"id", "name", "attribute_id", "write_date"}, 1, 0, &values)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch attribute value %d: %w", id, err)
	}
	if len(values) == 0 {
		return nil, nil
	}
	return &values[0], nil
}

// FetchAttributeValues pages through attribute terms.
func (c *Client) FetchAttributeValues(ctx context.Context, limit, offset int) ([]AttributeValue, error) {
	var values []AttributeValue
	err := c.SearchRead(ctx, "product.attribute.value", []any{},
		[]string{"id", "name", "attribute_id", "write_date"}, limit, offset, &values)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch attribute values: %w", err)
	}
	return values, nil
}

// FetchPricelists reads all pricelists.
func (c *Client) FetchPricelists(ctx context.Context) ([]Pricelist, error) {
	var pricelists []Pricelist
	err := c.SearchRead(ctx, "product.pricelist", []any{},
		[]string{"id", "name", "currency_id"}, 0, 0, &pricelists)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pricelists: %w", err)
	}
	return pricelists, nil
}

var pricelistItemFields = []string{"id", "pricelist_id", "applied_on", "product_id",
	"product_tmpl_id", "categ_id", "min_quantity", "compute_price", "fixed_price",
	"percent_price", "base", "base_pricelist_id", "price_discount", "price_surcharge",
	"price_min_margin", "price_max_margin"}

// FetchPricelistItems reads all rules of one pricelist.
func (c *Client) FetchPricelistItems(ctx context.Context, pricelistID int64) ([]PricelistItem, error) {
	var items []PricelistItem
	err := c.SearchRead(ctx, "product.pricelist.item",
		[]any{[]any{"pricelist_id", "=", pricelistID}}, pricelistItemFields, 0, 0, &items)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pricelist %d items: %w", pricelistID, err)
	}
	return items, nil
}
