package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"woosync/internal/database"
	"woosync/internal/models"
	"woosync/internal/odoo"
	"woosync/internal/pricing"
	"woosync/internal/woo"

	"github.com/rs/zerolog"
)

// Factory builds the per-kind capability records for one tenant from
// its source and sink clients.
type Factory struct {
	tenantID int64
	source   *odoo.Client
	sink     *woo.Client
	db       *database.DB
	engine   *pricing.Engine
	logger   *zerolog.Logger
}

func NewFactory(tenantID int64, source *odoo.Client, sink *woo.Client, db *database.DB, engine *pricing.Engine, logger *zerolog.Logger) *Factory {
	return &Factory{
		tenantID: tenantID,
		source:   source,
		sink:     sink,
		db:       db,
		engine:   engine,
		logger:   logger,
	}
}

// OpsFor resolves the capability record for an entity kind.
func (f *Factory) OpsFor(kind string) (Ops, error) {
	switch kind {
	case models.KindProduct:
		return f.ProductOps(), nil
	case models.KindCategory:
		return f.CategoryOps(), nil
	case models.KindTag:
		return f.TagOps(), nil
	case models.KindAttribute:
		return f.AttributeOps(), nil
	case models.KindAttributeValue:
		return f.AttributeValueOps(), nil
	}
	return Ops{}, fmt.Errorf("unknown entity kind: %s", kind)
}

// Slugify derives the sink's slug form of a name.
func Slugify(name string) string {
	var b strings.Builder
	prevDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// sinkIDFor resolves the sink id an already-synced source entity maps
// to, zero when no mapping exists.
func (f *Factory) sinkIDFor(ctx context.Context, kind string, sourceID int64) int64 {
	record, err := f.db.GetSyncRecord(ctx, kind, sourceID, f.tenantID)
	if err != nil || record.SinkID == nil {
		return 0
	}
	return *record.SinkID
}

func toSinkRef(e *woo.Entity) *SinkRef {
	if e == nil {
		return nil
	}
	return &SinkRef{ID: e.ID, Name: e.Name, Slug: e.Slug, SKU: e.SKU}
}

func (f *Factory) fetchSink(collection string) func(ctx context.Context, sinkID int64) (*SinkRef, error) {
	return func(ctx context.Context, sinkID int64) (*SinkRef, error) {
		var entity woo.Entity
		err := f.sink.GetByID(ctx, collection, sinkID, &entity)
		if errors.Is(err, woo.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return toSinkRef(&entity), nil
	}
}

func (f *Factory) findBySlug(collection string) func(ctx context.Context, slug string) (*SinkRef, error) {
	return func(ctx context.Context, slug string) (*SinkRef, error) {
		entity, err := f.sink.FindBySlug(ctx, collection, slug)
		if err != nil {
			return nil, err
		}
		return toSinkRef(entity), nil
	}
}

// ProductOps maps source variants onto sink products, pricing them
// through the tenant's active price rule.
func (f *Factory) ProductOps() Ops {
	const collection = "products"
	return Ops{
		Kind: models.KindProduct,
		FetchSource: func(ctx context.Context, sourceID int64) (*Entity, error) {
			product, err := f.source.FetchProduct(ctx, sourceID)
			if err != nil || product == nil {
				return nil, err
			}
			return f.productEntity(ctx, product), nil
		},
		FetchSink: f.fetchSink(collection),
		FindBySKU: func(ctx context.Context, sku string) (*SinkRef, error) {
			entity, err := f.sink.FindBySKU(ctx, collection, sku)
			if err != nil {
				return nil, err
			}
			return toSinkRef(entity), nil
		},
		FindBySlug: f.findBySlug(collection),
		Create: func(ctx context.Context, e *Entity) (int64, error) {
			var created woo.Entity
			if err := f.sink.Post(ctx, collection, e.Payload, &created); err != nil {
				return 0, err
			}
			return created.ID, nil
		},
		Update: func(ctx context.Context, sinkID int64, e *Entity) error {
			return f.sink.Put(ctx, collection+"/"+strconv.FormatInt(sinkID, 10), e.Payload, nil)
		},
	}
}

func (f *Factory) productEntity(ctx context.Context, product *odoo.Product) *Entity {
	payload := map[string]any{
		"name": string(product.Name),
		"type": "simple",
	}
	if sku := product.SKU(); sku != "" {
		payload["sku"] = sku
	}
	if desc := string(product.Description); desc != "" {
		payload["description"] = desc
	}
	if weight := float64(product.Weight); weight > 0 {
		payload["weight"] = strconv.FormatFloat(weight, 'f', 3, 64)
	}
	payload["manage_stock"] = true
	payload["stock_quantity"] = int(float64(product.QtyAvailable))

	if sinkCat := f.sinkIDFor(ctx, models.KindCategory, product.CategoryID.ID); sinkCat != 0 {
		payload["categories"] = []map[string]any{{"id": sinkCat}}
	}
	var tags []map[string]any
	for _, tagID := range product.TagIDs {
		if sinkTag := f.sinkIDFor(ctx, models.KindTag, tagID); sinkTag != 0 {
			tags = append(tags, map[string]any{"id": sinkTag})
		}
	}
	if len(tags) > 0 {
		payload["tags"] = tags
	}

	f.applyPrice(ctx, product, payload)

	return &Entity{
		SourceID:  product.ID,
		Name:      string(product.Name),
		SKU:       product.SKU(),
		Slug:      Slugify(string(product.Name)),
		WriteDate: odoo.ParseWriteDate(string(product.WriteDate)),
		Payload:   payload,
	}
}

// applyPrice writes the product's price fields. Without an active rule
// the source list price lands on regular_price directly.
func (f *Factory) applyPrice(ctx context.Context, product *odoo.Product, payload map[string]any) {
	rule, err := f.db.GetActivePriceRule(ctx, f.tenantID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		f.logger.Warn().Err(err).Msg("Failed to load active price rule, using list price")
		rule = nil
	}

	price := float64(product.ListPrice)
	var pricelistID int64
	if rule != nil {
		pricelistID = rule.SourcePricelistID
	}
	if f.engine != nil {
		price = f.engine.Price(pricing.Product{
			ID:            product.ID,
			TemplateID:    product.TemplateID.ID,
			CategoryPath:  []int64{product.CategoryID.ID},
			ListPrice:     float64(product.ListPrice),
			StandardPrice: float64(product.StandardPrice),
		}, pricelistID, 1, time.Now())
	}

	// Regular price always carries the base list price; the rule's
	// target field carries the computed one.
	payload["regular_price"] = pricing.FormatPrice(pricing.Round(float64(product.ListPrice)))
	for k, v := range pricing.PreparePriceFields(rule, price) {
		payload[k] = v
	}
}

// CategoryOps maps the source category tree onto sink categories.
// Parents must already be mapped; BuildChain guarantees the order.
func (f *Factory) CategoryOps() Ops {
	const collection = "products/categories"
	return Ops{
		Kind: models.KindCategory,
		FetchSource: func(ctx context.Context, sourceID int64) (*Entity, error) {
			category, err := f.source.FetchCategory(ctx, sourceID)
			if err != nil || category == nil {
				return nil, err
			}
			payload := map[string]any{"name": string(category.Name)}
			if category.ParentID.ID != 0 {
				if parentSink := f.sinkIDFor(ctx, models.KindCategory, category.ParentID.ID); parentSink != 0 {
					payload["parent"] = parentSink
				}
			}
			return &Entity{
				SourceID:  category.ID,
				Name:      string(category.Name),
				Slug:      Slugify(string(category.Name)),
				WriteDate: odoo.ParseWriteDate(string(category.WriteDate)),
				Payload:   payload,
			}, nil
		},
		FetchSink:  f.fetchSink(collection),
		FindBySlug: f.findBySlug(collection),
		Create: func(ctx context.Context, e *Entity) (int64, error) {
			var created woo.Entity
			if err := f.sink.Post(ctx, collection, e.Payload, &created); err != nil {
				return 0, err
			}
			return created.ID, nil
		},
		Update: func(ctx context.Context, sinkID int64, e *Entity) error {
			return f.sink.Put(ctx, collection+"/"+strconv.FormatInt(sinkID, 10), e.Payload, nil)
		},
	}
}

// TagOps maps source product tags onto sink tags.
func (f *Factory) TagOps() Ops {
	const collection = "products/tags"
	return Ops{
		Kind: models.KindTag,
		FetchSource: func(ctx context.Context, sourceID int64) (*Entity, error) {
			tag, err := f.source.FetchTag(ctx, sourceID)
			if err != nil || tag == nil {
				return nil, err
			}
			return &Entity{
				SourceID:  tag.ID,
				Name:      string(tag.Name),
				Slug:      Slugify(string(tag.Name)),
				WriteDate: odoo.ParseWriteDate(string(tag.WriteDate)),
				Payload:   map[string]any{"name": string(tag.Name)},
			}, nil
		},
		FetchSink:  f.fetchSink(collection),
		FindBySlug: f.findBySlug(collection),
		Create: func(ctx context.Context, e *Entity) (int64, error) {
			var created woo.Entity
			if err := f.sink.Post(ctx, collection, e.Payload, &created); err != nil {
				return 0, err
			}
			return created.ID, nil
		},
		Update: func(ctx context.Context, sinkID int64, e *Entity) error {
			return f.sink.Put(ctx, collection+"/"+strconv.FormatInt(sinkID, 10), e.Payload, nil)
		},
	}
}

// AttributeOps maps source attributes onto sink global attributes.
func (f *Factory) AttributeOps() Ops {
	const collection = "products/attributes"
	return Ops{
		Kind: models.KindAttribute,
		FetchSource: func(ctx context.Context, sourceID int64) (*Entity, error) {
			attribute, err := f.source.FetchAttribute(ctx, sourceID)
			if err != nil || attribute == nil {
				return nil, err
			}
			return &Entity{
				SourceID:  attribute.ID,
				Name:      string(attribute.Name),
				Slug:      Slugify(string(attribute.Name)),
				WriteDate: odoo.ParseWriteDate(string(attribute.WriteDate)),
				Payload:   map[string]any{"name": string(attribute.Name), "type": "select"},
			}, nil
		},
		FetchSink:  f.fetchSink(collection),
		FindBySlug: f.findBySlug(collection),
		Create: func(ctx context.Context, e *Entity) (int64, error) {
			var created woo.Entity
			if err := f.sink.Post(ctx, collection, e.Payload, &created); err != nil {
				return 0, err
			}
			return created.ID, nil
		},
		Update: func(ctx context.Context, sinkID int64, e *Entity) error {
			return f.sink.Put(ctx, collection+"/"+strconv.FormatInt(sinkID, 10), e.Payload, nil)
		},
	}
}

// AttributeValueOps maps attribute terms. The term's collection is
// nested under its parent attribute's sink id, so the parent attribute
// must be reconciled first (the dispatcher orders kinds accordingly).
func (f *Factory) AttributeValueOps() Ops {
	termCollection := func(ctx context.Context, sourceAttrID int64) (string, error) {
		sinkAttr := f.sinkIDFor(ctx, models.KindAttribute, sourceAttrID)
		if sinkAttr == 0 {
			return "", fmt.Errorf("attribute %d has no sink mapping yet", sourceAttrID)
		}
		return "products/attributes/" + strconv.FormatInt(sinkAttr, 10) + "/terms", nil
	}

	return Ops{
		Kind: models.KindAttributeValue,
		FetchSource: func(ctx context.Context, sourceID int64) (*Entity, error) {
			value, err := f.source.FetchAttributeValue(ctx, sourceID)
			if err != nil || value == nil {
				return nil, err
			}
			return &Entity{
				SourceID:  value.ID,
				Name:      string(value.Name),
				Slug:      Slugify(string(value.Name)),
				WriteDate: odoo.ParseWriteDate(string(value.WriteDate)),
				Payload: map[string]any{
					"name":        string(value.Name),
					"__attribute": value.AttributeID.ID,
				},
			}, nil
		},
		FetchSink: func(ctx context.Context, sinkID int64) (*SinkRef, error) {
			// Terms are only addressable through their attribute; the
			// sync record is authoritative enough here.
			return &SinkRef{ID: sinkID}, nil
		},
		Create: func(ctx context.Context, e *Entity) (int64, error) {
			attrID, _ := e.Payload["__attribute"].(int64)
			collection, err := termCollection(ctx, attrID)
			if err != nil {
				return 0, err
			}
			var created woo.Entity
			if err := f.sink.Post(ctx, collection, map[string]any{"name": e.Name}, &created); err != nil {
				return 0, err
			}
			return created.ID, nil
		},
		Update: func(ctx context.Context, sinkID int64, e *Entity) error {
			attrID, _ := e.Payload["__attribute"].(int64)
			collection, err := termCollection(ctx, attrID)
			if err != nil {
				return err
			}
			return f.sink.Put(ctx, collection+"/"+strconv.FormatInt(sinkID, 10),
				map[string]any{"name": e.Name}, nil)
		},
	}
}
