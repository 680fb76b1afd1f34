package odoo

import (
	"encoding/json"
	"time"
)

// The source API encodes "no value" as boolean false in place of any
// field type, and many-to-one relations as a [id, display_name] pair.
// The Str, Float and Ref wrappers absorb both shapes.

// Str is a string that decodes false as "".
type Str string

func (s *Str) UnmarshalJSON(data []byte) error {
	if string(data) == "false" {
		*s = ""
		return nil
	}
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = Str(v)
	return nil
}

// Float is a float64 that decodes false as 0.
type Float float64

func (f *Float) UnmarshalJSON(data []byte) error {
	if string(data) == "false" {
		*f = 0
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// Ref is a many-to-one value: [id, name], false when unset.
type Ref struct {
	ID   int64
	Name string
}

func (r *Ref) UnmarshalJSON(data []byte) error {
	if string(data) == "false" {
		*r = Ref{}
		return nil
	}
	var pair []any
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) > 0 {
		if id, ok := pair[0].(float64); ok {
			r.ID = int64(id)
		}
	}
	if len(pair) > 1 {
		if name, ok := pair[1].(string); ok {
			r.Name = name
		}
	}
	return nil
}

// writeDateLayout is the source's timestamp format (UTC, no zone suffix).
const writeDateLayout = "2006-01-02 15:04:05"

// ParseWriteDate parses a source write timestamp. Returns nil on any
// unparsable value: callers treat an unknown write date as "unchanged".
func ParseWriteDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(writeDateLayout, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// Product is a sellable variant on the source side.
type Product struct {
	ID            int64   `json:"id"`
	TemplateID    Ref     `json:"product_tmpl_id"`
	Name          Str     `json:"name"`
	DefaultCode   Str     `json:"default_code"`
	Barcode       Str     `json:"barcode"`
	Description   Str     `json:"description_sale"`
	ListPrice     Float   `json:"list_price"`
	StandardPrice Float   `json:"standard_price"`
	QtyAvailable  Float   `json:"qty_available"`
	Weight        Float   `json:"weight"`
	CategoryID    Ref     `json:"categ_id"`
	TagIDs        []int64 `json:"product_tag_ids"`
	Active        bool    `json:"active"`
	WriteDate     Str     `json:"write_date"`
}

// SKU returns the product's natural key, empty when none is set.
func (p *Product) SKU() string { return string(p.DefaultCode) }

// Category is a node in the source category tree.
type Category struct {
	ID        int64 `json:"id"`
	Name      Str   `json:"name"`
	ParentID  Ref   `json:"parent_id"`
	WriteDate Str   `json:"write_date"`
}

// Tag is a flat product label.
type Tag struct {
	ID        int64 `json:"id"`
	Name      Str   `json:"name"`
	WriteDate Str   `json:"write_date"`
}

// Attribute is a variant axis (e.g. Color).
type Attribute struct {
	ID        int64 `json:"id"`
	Name      Str   `json:"name"`
	WriteDate Str   `json:"write_date"`
}

// AttributeValue is one term of an attribute (e.g. Red).
type AttributeValue struct {
	ID          int64 `json:"id"`
	Name        Str   `json:"name"`
	AttributeID Ref   `json:"attribute_id"`
	WriteDate   Str   `json:"write_date"`
}

// Pricelist groups pricing rules on the source side.
type Pricelist struct {
	ID       int64 `json:"id"`
	Name     Str   `json:"name"`
	Currency Ref   `json:"currency_id"`
}

// PricelistItem is one pricing rule inside a pricelist.
type PricelistItem struct {
	ID              int64 `json:"id"`
	PricelistID     Ref   `json:"pricelist_id"`
	AppliedOn       Str   `json:"applied_on"`
	ProductID       Ref   `json:"product_id"`
	TemplateID      Ref   `json:"product_tmpl_id"`
	CategoryID      Ref   `json:"categ_id"`
	MinQuantity     Float `json:"min_quantity"`
	ComputePrice    Str   `json:"compute_price"`
	FixedPrice      Float `json:"fixed_price"`
	PercentPrice    Float `json:"percent_price"`
	Base            Str   `json:"base"`
	BasePricelistID Ref   `json:"base_pricelist_id"`
	PriceDiscount   Float `json:"price_discount"`
	PriceSurcharge  Float `json:"price_surcharge"`
	PriceMinMargin  Float `json:"price_min_margin"`
	PriceMaxMargin  Float `json:"price_max_margin"`
}
