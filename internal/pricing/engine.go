package pricing

import (
	"math"
	"time"

	"woosync/internal/odoo"

	"github.com/rs/zerolog"
)

// Rule scope, from most to least specific.
const (
	ScopeVariant  = 0
	ScopeTemplate = 1
	ScopeCategory = 2
	ScopeGlobal   = 3
)

// Compute modes.
const (
	ComputeFixed      = "fixed"
	ComputePercentage = "percentage"
	ComputeFormula    = "formula"
)

// Base price sources.
const (
	BaseListPrice     = "list_price"
	BaseStandardPrice = "standard_price"
	BasePricelist     = "pricelist"
)

// Rule is one pricing rule, normalized from the source's pricelist item.
type Rule struct {
	ID          int64
	Scope       int
	ProductID   int64 // variant scope
	TemplateID  int64 // template scope
	CategoryID  int64 // category scope
	MinQuantity float64

	ComputePrice string
	FixedPrice   float64
	// Percent adjusts the base: negative is a discount.
	Percent   float64
	Surcharge float64

	Base            string
	BasePricelistID int64

	// Margin bounds relative to cost; zero means unconfigured.
	MinMargin float64
	MaxMargin float64

	DateStart *time.Time
	DateEnd   *time.Time
}

// Product carries the pricing-relevant shape of one variant.
// CategoryPath holds the variant's category id and all its ancestors.
type Product struct {
	ID            int64
	TemplateID    int64
	CategoryPath  []int64
	ListPrice     float64
	StandardPrice float64
}

// Engine computes effective prices from in-memory pricelists. It is
// loaded once per sync run and read concurrently by workers.
type Engine struct {
	pricelists map[int64][]Rule
	logger     *zerolog.Logger
}

func NewEngine(logger *zerolog.Logger) *Engine {
	return &Engine{
		pricelists: make(map[int64][]Rule),
		logger:     logger,
	}
}

// LoadPricelist replaces the rule set of one pricelist.
func (e *Engine) LoadPricelist(id int64, rules []Rule) {
	e.pricelists[id] = rules
}

// Price computes the effective price of a product under a pricelist.
// pricelistID 0 means no pricelist: the base list price applies.
func (e *Engine) Price(p Product, pricelistID int64, quantity float64, at time.Time) float64 {
	if pricelistID == 0 {
		return Round(p.ListPrice)
	}
	visited := map[int64]bool{}
	return Round(e.price(p, pricelistID, quantity, at, visited))
}

func (e *Engine) price(p Product, pricelistID int64, quantity float64, at time.Time, visited map[int64]bool) float64 {
	if visited[pricelistID] {
		// Cyclic pricelist reference: fail closed on the list price.
		e.logger.Warn().Int64("pricelist_id", pricelistID).Msg("Cyclic pricelist reference, falling back to list price")
		return p.ListPrice
	}
	visited[pricelistID] = true

	rules, ok := e.pricelists[pricelistID]
	if !ok {
		e.logger.Warn().Int64("pricelist_id", pricelistID).Msg("Unknown pricelist, falling back to list price")
		return p.ListPrice
	}

	rule := selectRule(rules, p, quantity, at)
	if rule == nil {
		return p.ListPrice
	}

	base := p.ListPrice
	switch rule.Base {
	case BaseStandardPrice:
		base = p.StandardPrice
	case BasePricelist:
		base = e.price(p, rule.BasePricelistID, quantity, at, visited)
	}

	var price float64
	switch rule.ComputePrice {
	case ComputeFixed:
		price = rule.FixedPrice
	case ComputePercentage:
		price = base * (1 + rule.Percent/100)
	case ComputeFormula:
		price = base*(1+rule.Percent/100) + rule.Surcharge
		cost := p.StandardPrice
		if rule.MinMargin != 0 && price < cost+rule.MinMargin {
			price = cost + rule.MinMargin
		}
		if rule.MaxMargin != 0 && price > cost+rule.MaxMargin {
			price = cost + rule.MaxMargin
		}
	default:
		price = base
	}
	return price
}

// selectRule picks the applicable rule with the highest specificity,
// then the highest min_quantity not exceeding the requested quantity,
// then the lowest rule id.
func selectRule(rules []Rule, p Product, quantity float64, at time.Time) *Rule {
	var best *Rule
	for i := range rules {
		r := &rules[i]
		if !applies(r, p, quantity, at) {
			continue
		}
		if best == nil ||
			r.Scope < best.Scope ||
			(r.Scope == best.Scope && r.MinQuantity > best.MinQuantity) ||
			(r.Scope == best.Scope && r.MinQuantity == best.MinQuantity && r.ID < best.ID) {
			best = r
		}
	}
	return best
}

func applies(r *Rule, p Product, quantity float64, at time.Time) bool {
	if r.MinQuantity > 0 && quantity < r.MinQuantity {
		return false
	}
	if r.DateStart != nil && at.Before(*r.DateStart) {
		return false
	}
	if r.DateEnd != nil && at.After(*r.DateEnd) {
		return false
	}
	switch r.Scope {
	case ScopeVariant:
		return r.ProductID == p.ID
	case ScopeTemplate:
		return r.TemplateID == p.TemplateID
	case ScopeCategory:
		for _, c := range p.CategoryPath {
			if c == r.CategoryID {
				return true
			}
		}
		return false
	case ScopeGlobal:
		return true
	}
	return false
}

var (
	roundDecimals = 2
	roundFactor   = 100.0
)

// SetRoundDecimals overrides the 2-decimal default for computed prices.
// Called once at startup from config.
func SetRoundDecimals(decimals int) {
	if decimals >= 0 {
		roundDecimals = decimals
		roundFactor = math.Pow(10, float64(decimals))
	}
}

// Round floors a price at zero and rounds to the configured decimals.
func Round(price float64) float64 {
	if price < 0 {
		return 0
	}
	return math.Round(price*roundFactor) / roundFactor
}

// appliedOnScope maps the source's applied_on markers to scope ranks.
var appliedOnScope = map[string]int{
	"0_product_variant":  ScopeVariant,
	"1_product":          ScopeTemplate,
	"2_product_category": ScopeCategory,
	"3_global":           ScopeGlobal,
}

// FromPricelistItems normalizes raw source pricelist items into rules.
func FromPricelistItems(items []odoo.PricelistItem) []Rule {
	rules := make([]Rule, 0, len(items))
	for _, item := range items {
		scope, ok := appliedOnScope[string(item.AppliedOn)]
		if !ok {
			scope = ScopeGlobal
		}
		percent := float64(item.PercentPrice)
		if percent == 0 && item.PriceDiscount != 0 {
			// Formula rules carry their percentage as a discount field.
			percent = -float64(item.PriceDiscount)
		}
		rules = append(rules, Rule{
			ID:              item.ID,
			Scope:           scope,
			ProductID:       item.ProductID.ID,
			TemplateID:      item.TemplateID.ID,
			CategoryID:      item.CategoryID.ID,
			MinQuantity:     float64(item.MinQuantity),
			ComputePrice:    string(item.ComputePrice),
			FixedPrice:      float64(item.FixedPrice),
			Percent:         percent,
			Surcharge:       float64(item.PriceSurcharge),
			Base:            string(item.Base),
			BasePricelistID: item.BasePricelistID.ID,
			MinMargin:       float64(item.PriceMinMargin),
			MaxMargin:       float64(item.PriceMaxMargin),
		})
	}
	return rules
}
