package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	stdsync "sync"
	"time"

	"woosync/internal/alerts"
	"woosync/internal/database"
	"woosync/internal/lock"
	"woosync/internal/models"
	"woosync/internal/odoo"
	"woosync/internal/pricing"
	syncpkg "woosync/internal/sync"
	"woosync/internal/webhook"
	"woosync/internal/woo"

	"github.com/rs/zerolog"
)

// Syncer owns per-tenant client wiring and implements the task
// handlers behind every queue-driven reconciliation.
type Syncer struct {
	db         *database.DB
	broker     lock.Broker
	dispatcher *Dispatcher
	notifier   *alerts.Notifier
	logger     *zerolog.Logger

	lockTTL  time.Duration
	lockWait time.Duration
	pageSize int

	mu      stdsync.Mutex
	tenants map[int64]*tenantContext
}

type tenantContext struct {
	factory    *syncpkg.Factory
	source     *odoo.Client
	sink       *woo.Client
	engine     *pricing.Engine
	reconciler *syncpkg.Reconciler
}

func NewSyncer(db *database.DB, broker lock.Broker, dispatcher *Dispatcher, notifier *alerts.Notifier, logger *zerolog.Logger, lockTTL, lockWait time.Duration, pageSize int) *Syncer {
	if pageSize <= 0 {
		pageSize = models.DefaultPageSize
	}
	return &Syncer{
		db:         db,
		broker:     broker,
		dispatcher: dispatcher,
		notifier:   notifier,
		logger:     logger,
		lockTTL:    lockTTL,
		lockWait:   lockWait,
		pageSize:   pageSize,
		tenants:    make(map[int64]*tenantContext),
	}
}

// tenant lazily builds and caches the client stack for one instance.
func (s *Syncer) tenant(ctx context.Context, tenantID int64) (*tenantContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tc, ok := s.tenants[tenantID]; ok {
		return tc, nil
	}

	instance, err := s.db.GetInstance(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !instance.Active {
		return nil, fmt.Errorf("instance %d is disabled", tenantID)
	}

	source := odoo.NewClient(instance, s.logger)
	sink := woo.NewClient(instance, s.logger)
	engine := pricing.NewEngine(s.logger)
	factory := syncpkg.NewFactory(tenantID, source, sink, s.db, engine, s.logger)
	reconciler := syncpkg.NewReconciler(s.db, s.broker, s.logger, s.lockTTL, s.lockWait)

	tc := &tenantContext{factory: factory, source: source, sink: sink, engine: engine, reconciler: reconciler}
	s.tenants[tenantID] = tc
	return tc, nil
}

// RefreshPricing reloads the tenant's active pricelist into its engine.
func (s *Syncer) RefreshPricing(ctx context.Context, tenantID int64) error {
	tc, err := s.tenant(ctx, tenantID)
	if err != nil {
		return err
	}

	rule, err := s.db.GetActivePriceRule(ctx, tenantID)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	items, err := tc.source.FetchPricelistItems(ctx, rule.SourcePricelistID)
	if err != nil {
		return err
	}
	tc.engine.LoadPricelist(rule.SourcePricelistID, pricing.FromPricelistItems(items))
	s.logger.Info().Int64("tenant_id", tenantID).Int64("pricelist_id", rule.SourcePricelistID).
		Int("rules", len(items)).Msg("Pricing rules loaded")
	return nil
}

// PricePreview is a dry-run price computation for one product.
type PricePreview struct {
	ProductID   int64   `json:"product_id"`
	PricelistID int64   `json:"pricelist_id"`
	Quantity    float64 `json:"quantity"`
	ListPrice   float64 `json:"list_price"`
	Price       float64 `json:"price"`
	PriceType   string  `json:"price_type"`
}

// PreviewPrice computes what the engine would push for a product
// without touching the sink.
func (s *Syncer) PreviewPrice(ctx context.Context, tenantID, productID int64, quantity float64) (*PricePreview, error) {
	tc, err := s.tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := s.RefreshPricing(ctx, tenantID); err != nil {
		return nil, err
	}

	product, err := tc.source.FetchProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, database.ErrNotFound
	}

	preview := &PricePreview{
		ProductID: productID,
		Quantity:  quantity,
		ListPrice: pricing.Round(float64(product.ListPrice)),
		PriceType: models.PriceTypeRegular,
	}
	rule, err := s.db.GetActivePriceRule(ctx, tenantID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}
	var pricelistID int64
	if rule != nil {
		pricelistID = rule.SourcePricelistID
		preview.PricelistID = pricelistID
		preview.PriceType = rule.PriceType
	}

	preview.Price = tc.engine.Price(pricing.Product{
		ID:            product.ID,
		TemplateID:    product.TemplateID.ID,
		CategoryPath:  []int64{product.CategoryID.ID},
		ListPrice:     float64(product.ListPrice),
		StandardPrice: float64(product.StandardPrice),
	}, pricelistID, quantity, time.Now())
	return preview, nil
}

// Pricelists lists the tenant's source pricelists for rule setup.
func (s *Syncer) Pricelists(ctx context.Context, tenantID int64) ([]odoo.Pricelist, error) {
	tc, err := s.tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return tc.source.FetchPricelists(ctx)
}

// Register binds every task handler onto the dispatcher.
func (s *Syncer) Register() {
	d := s.dispatcher
	d.Register("sync.entity", s.handleSyncEntity)
	d.Register("sync.kind", s.handleSyncKind)
	d.Register("sync.full", s.handleSyncFull)
	d.Register("sync.category.chain", d.WrapChainHandler(s.handleSyncEntity))
	d.Register(webhook.TaskName, s.handleWebhookEvent)
}

func taskArgInt(args map[string]any, key string) int64 {
	switch v := args[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func taskArgString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// handleSyncEntity reconciles one entity of one kind.
func (s *Syncer) handleSyncEntity(ctx context.Context, task Task) (any, error) {
	kind := taskArgString(task.Args, "kind")
	sourceID := taskArgInt(task.Args, "source_id")
	if kind == "" || sourceID == 0 {
		return nil, NoRetry(fmt.Errorf("sync.entity requires kind and source_id"))
	}

	tc, err := s.tenant(ctx, task.TenantID)
	if err != nil {
		return nil, err
	}
	ops, err := tc.factory.OpsFor(kind)
	if err != nil {
		return nil, NoRetry(err)
	}

	result, err := tc.reconciler.Reconcile(ctx, ops, sourceID, task.TenantID)
	if err != nil {
		return nil, err
	}
	if result.Outcome == models.OutcomeError && result.Detail != "" {
		// Business-level error: recorded on the sync record, no retry.
		return result, NoRetry(errors.New(result.Detail))
	}
	return result, nil
}

// handleSyncKind runs a paged batch over every source entity of a kind.
func (s *Syncer) handleSyncKind(ctx context.Context, task Task) (any, error) {
	kind := taskArgString(task.Args, "kind")
	tc, err := s.tenant(ctx, task.TenantID)
	if err != nil {
		return nil, err
	}
	batch, err := s.syncKind(ctx, tc, kind, task.TenantID)
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func (s *Syncer) syncKind(ctx context.Context, tc *tenantContext, kind string, tenantID int64) (*syncpkg.BatchResult, error) {
	ops, err := tc.factory.OpsFor(kind)
	if err != nil {
		return nil, NoRetry(err)
	}

	batch := syncpkg.BatchResult{Kind: kind}
	for offset := 0; ; offset += s.pageSize {
		ids, err := s.listSourceIDs(ctx, tc, kind, s.pageSize, offset)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			break
		}
		page, err := tc.reconciler.ReconcileBatch(ctx, ops, ids, tenantID)
		if err != nil {
			return nil, err
		}
		batch.Total += page.Total
		batch.Created += page.Created
		batch.Updated += page.Updated
		batch.Skipped += page.Skipped
		batch.Errors += page.Errors
		if len(ids) < s.pageSize {
			break
		}
	}

	s.logger.Info().Int64("tenant_id", tenantID).Str("kind", kind).
		Int("total", batch.Total).Int("created", batch.Created).Int("updated", batch.Updated).
		Int("skipped", batch.Skipped).Int("errors", batch.Errors).Msg("Kind sync finished")
	return &batch, nil
}

func (s *Syncer) listSourceIDs(ctx context.Context, tc *tenantContext, kind string, limit, offset int) ([]int64, error) {
	switch kind {
	case models.KindProduct:
		products, err := tc.source.FetchProducts(ctx, limit, offset)
		if err != nil {
			return nil, err
		}
		ids := make([]int64, len(products))
		for i, p := range products {
			ids[i] = p.ID
		}
		return ids, nil
	case models.KindCategory:
		categories, err := tc.source.FetchCategories(ctx, limit, offset)
		if err != nil {
			return nil, err
		}
		// Categories reconcile parent-first; sorting each page by id is
		// not enough, so order the page by chain depth.
		return orderCategories(categories), nil
	case models.KindTag:
		tags, err := tc.source.FetchTags(ctx, limit, offset)
		if err != nil {
			return nil, err
		}
		ids := make([]int64, len(tags))
		for i, tag := range tags {
			ids[i] = tag.ID
		}
		return ids, nil
	case models.KindAttribute:
		attributes, err := tc.source.FetchAttributes(ctx, limit, offset)
		if err != nil {
			return nil, err
		}
		ids := make([]int64, len(attributes))
		for i, a := range attributes {
			ids[i] = a.ID
		}
		return ids, nil
	case models.KindAttributeValue:
		values, err := tc.source.FetchAttributeValues(ctx, limit, offset)
		if err != nil {
			return nil, err
		}
		ids := make([]int64, len(values))
		for i, v := range values {
			ids[i] = v.ID
		}
		return ids, nil
	}
	return nil, NoRetry(fmt.Errorf("unknown entity kind: %s", kind))
}

// orderCategories sorts a category page parents-before-children.
func orderCategories(categories []odoo.Category) []int64 {
	present := make(map[int64]bool, len(categories))
	for _, c := range categories {
		present[c.ID] = true
	}

	var ordered []int64
	emitted := make(map[int64]bool, len(categories))
	for len(ordered) < len(categories) {
		progressed := false
		for _, c := range categories {
			if emitted[c.ID] {
				continue
			}
			parent := c.ParentID.ID
			if parent == 0 || !present[parent] || emitted[parent] {
				ordered = append(ordered, c.ID)
				emitted[c.ID] = true
				progressed = true
			}
		}
		if !progressed {
			// Cycle in the page; emit the rest in listing order.
			for _, c := range categories {
				if !emitted[c.ID] {
					ordered = append(ordered, c.ID)
					emitted[c.ID] = true
				}
			}
		}
	}
	return ordered
}

// categoryNodes loads the whole source category tree as chain nodes.
func (s *Syncer) categoryNodes(ctx context.Context, tc *tenantContext) ([]syncpkg.Node, error) {
	var nodes []syncpkg.Node
	for offset := 0; ; offset += s.pageSize {
		categories, err := tc.source.FetchCategories(ctx, s.pageSize, offset)
		if err != nil {
			return nil, err
		}
		for _, c := range categories {
			nodes = append(nodes, syncpkg.Node{ID: c.ID, ParentID: c.ParentID.ID})
		}
		if len(categories) < s.pageSize {
			break
		}
	}
	return nodes, nil
}

// EnqueueCategoryChains queues one root-first chain per requested
// category, so every ancestor holds a sink id before its descendant
// syncs. Returns the queued task ids per target.
func (s *Syncer) EnqueueCategoryChains(ctx context.Context, tenantID int64, targetIDs []int64) (map[int64][]string, error) {
	tc, err := s.tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	nodes, err := s.categoryNodes(ctx, tc)
	if err != nil {
		return nil, err
	}

	chains := make(map[int64][]string, len(targetIDs))
	for _, targetID := range targetIDs {
		chain, err := syncpkg.BuildChain(targetID, nodes)
		if err != nil {
			return chains, err
		}
		argsList := make([]map[string]any, len(chain))
		for i, id := range chain {
			argsList[i] = map[string]any{"kind": models.KindCategory, "source_id": id}
		}
		taskIDs, err := s.dispatcher.EnqueueChain(ctx, "sync.category.chain", tenantID, argsList, "")
		if err != nil {
			return chains, err
		}
		chains[targetID] = taskIDs
	}
	return chains, nil
}

// syncCategoryChain reconciles a category and its ancestors root-first
// in one pass. Used on the webhook path, where the chain must finish
// inside the event's own task.
func (s *Syncer) syncCategoryChain(ctx context.Context, tc *tenantContext, targetID, tenantID int64) (any, error) {
	nodes, err := s.categoryNodes(ctx, tc)
	if err != nil {
		return nil, err
	}
	chain, err := syncpkg.BuildChain(targetID, nodes)
	if err != nil {
		return nil, NoRetry(err)
	}
	ops, err := tc.factory.OpsFor(models.KindCategory)
	if err != nil {
		return nil, NoRetry(err)
	}

	var last syncpkg.Result
	for _, id := range chain {
		result, err := tc.reconciler.Reconcile(ctx, ops, id, tenantID)
		if err != nil {
			return nil, err
		}
		if result.Outcome == models.OutcomeError {
			return result, NoRetry(fmt.Errorf("chain stopped at category %d: %s", id, result.Detail))
		}
		last = result
	}
	return last, nil
}

// handleSyncFull runs all kinds in dependency order and alerts with a
// completion summary.
func (s *Syncer) handleSyncFull(ctx context.Context, task Task) (any, error) {
	tc, err := s.tenant(ctx, task.TenantID)
	if err != nil {
		return nil, err
	}

	if err := s.RefreshPricing(ctx, task.TenantID); err != nil {
		s.logger.Warn().Err(err).Int64("tenant_id", task.TenantID).
			Msg("Pricing refresh failed, continuing with list prices")
	}

	var summaries []string
	results := make(map[string]*syncpkg.BatchResult, len(models.Kinds))
	for _, kind := range models.Kinds {
		batch, err := s.syncKind(ctx, tc, kind, task.TenantID)
		if err != nil {
			return results, err
		}
		results[kind] = batch
		summaries = append(summaries, batch.String())
	}

	if s.notifier != nil {
		s.notifier.Notify(alerts.SyncSummary(task.TenantID, strings.Join(summaries, "\n")))
	}
	return results, nil
}

// handleWebhookEvent reconciles the entity behind one accepted
// delivery and closes out its WebhookEvent record.
func (s *Syncer) handleWebhookEvent(ctx context.Context, task Task) (any, error) {
	eventID := taskArgString(task.Args, "event_id")
	topic := taskArgString(task.Args, "topic")
	resourceID := taskArgInt(task.Args, "resource_id")

	result, err := s.processWebhook(ctx, task.TenantID, topic, resourceID)
	if eventID != "" {
		status := models.WebhookCompleted
		message := ""
		if err != nil {
			status = models.WebhookFailed
			message = err.Error()
		}
		if uerr := s.db.UpdateWebhookEventStatus(ctx, eventID, status, message); uerr != nil {
			s.logger.Error().Err(uerr).Str("event_id", eventID).Msg("Failed to close webhook event")
		}
	}
	return result, err
}

// ProcessWebhook is the synchronous fallback path used by the gateway
// when dispatch is unavailable.
func (s *Syncer) ProcessWebhook(ctx context.Context, tenantID int64, topic string, resourceID int64) error {
	_, err := s.processWebhook(ctx, tenantID, topic, resourceID)
	return err
}

func (s *Syncer) processWebhook(ctx context.Context, tenantID int64, topic string, resourceID int64) (any, error) {
	kind, action, ok := parseTopic(topic)
	if !ok {
		s.logger.Debug().Str("topic", topic).Msg("Topic carries no sync work, acknowledging")
		return nil, nil
	}
	if resourceID == 0 {
		return nil, NoRetry(fmt.Errorf("webhook for %s carries no resource id", topic))
	}

	// The webhook resource id is the sink id; map it back to a source
	// entity before doing anything.
	record, err := s.db.GetSyncRecordBySinkID(ctx, kind, resourceID, tenantID)
	if errors.Is(err, database.ErrNotFound) {
		s.logger.Debug().Str("kind", kind).Int64("sink_id", resourceID).
			Msg("Sink entity has no mapping, nothing to reconcile")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// A delete on the sink side only flags the record for review; the
	// next full sync decides whether to recreate.
	if action == "deleted" {
		if err := s.db.MarkSyncError(ctx, kind, record.SourceID, tenantID, "deleted in sink", ""); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to flag sink deletion")
		}
		return nil, nil
	}

	tc, err := s.tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	// A category change may reparent the node; reconcile its ancestry
	// root-first so the parent mapping is current.
	if kind == models.KindCategory {
		return s.syncCategoryChain(ctx, tc, record.SourceID, tenantID)
	}

	ops, err := tc.factory.OpsFor(kind)
	if err != nil {
		return nil, NoRetry(err)
	}
	result, err := tc.reconciler.Reconcile(ctx, ops, record.SourceID, tenantID)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// parseTopic splits "product.updated" into an entity kind and action.
func parseTopic(topic string) (kind, action string, ok bool) {
	parts := strings.SplitN(topic, ".", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	switch parts[0] {
	case "product":
		return models.KindProduct, parts[1], true
	case "category":
		return models.KindCategory, parts[1], true
	case "tag":
		return models.KindTag, parts[1], true
	}
	// Orders and the rest are acknowledged without sync work.
	return "", "", false
}
