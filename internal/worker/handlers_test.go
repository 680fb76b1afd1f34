package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"woosync/internal/database"
	"woosync/internal/lock"
	"woosync/internal/models"
	"woosync/internal/odoo"
	"woosync/internal/webhook"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource answers the source's JSON-RPC protocol from canned
// per-model records.
type fakeSource struct {
	records map[string][]map[string]any
}

func (f *fakeSource) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Params struct {
				Service string `json:"service"`
				Method  string `json:"method"`
				Args    []any  `json:"args"`
			} `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		respond := func(result any) {
			_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "result": result})
		}

		if req.Params.Service == "common" {
			respond(float64(2))
			return
		}

		model, _ := req.Params.Args[3].(string)
		method, _ := req.Params.Args[4].(string)
		if method != "search_read" {
			respond(nil)
			return
		}

		// Apply an exact-id domain filter when one is present.
		records := f.records[model]
		if callArgs, ok := req.Params.Args[5].([]any); ok && len(callArgs) > 0 {
			if domain, ok := callArgs[0].([]any); ok {
				for _, clause := range domain {
					triple, ok := clause.([]any)
					if !ok || len(triple) != 3 {
						continue
					}
					if triple[0] == "id" && triple[1] == "=" {
						want := triple[2].(float64)
						var filtered []map[string]any
						for _, rec := range records {
							if rec["id"].(float64) == want {
								filtered = append(filtered, rec)
							}
						}
						records = filtered
					}
				}
			}
		}
		if records == nil {
			records = []map[string]any{}
		}
		respond(records)
	}
}

// fakeSink is a minimal sink REST endpoint recording writes.
type fakeSink struct {
	entities map[int64]map[string]any
	nextID   int64
	created  []map[string]any
	updated  []map[string]any
}

func newFakeSink() *fakeSink {
	return &fakeSink{entities: make(map[int64]map[string]any), nextID: 500}
}

// handler serves any collection (products, products/categories, ...)
// from one id-keyed store; ids are unique across collections.
func (f *fakeSink) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/wp-json/wc/v3/")
		var id int64
		if i := strings.LastIndex(path, "/"); i >= 0 {
			if n, err := strconv.ParseInt(path[i+1:], 10, 64); err == nil {
				id = n
			}
		}

		switch {
		case r.Method == http.MethodGet && id == 0:
			// SKU/slug search over stored entities.
			sku := r.URL.Query().Get("sku")
			slug := r.URL.Query().Get("slug")
			results := []map[string]any{}
			for _, e := range f.entities {
				if (sku != "" && e["sku"] == sku) || (slug != "" && e["slug"] == slug) {
					results = append(results, e)
				}
			}
			_ = json.NewEncoder(w).Encode(results)
		case r.Method == http.MethodGet:
			if e, ok := f.entities[id]; ok {
				_ = json.NewEncoder(w).Encode(e)
				return
			}
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":"woocommerce_rest_invalid_id"}`))
		case r.Method == http.MethodPost:
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.nextID++
			body["id"] = f.nextID
			f.entities[f.nextID] = body
			f.created = append(f.created, body)
			_ = json.NewEncoder(w).Encode(body)
		case r.Method == http.MethodPut && id != 0:
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			body["id"] = id
			f.entities[id] = body
			f.updated = append(f.updated, body)
			_ = json.NewEncoder(w).Encode(body)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func setupSyncer(t *testing.T, source *fakeSource, sink *fakeSink) (*database.DB, *Syncer, *models.Instance) {
	t.Helper()
	logger := zerolog.New(os.Stdout)
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sourceServer := httptest.NewServer(source.handler())
	t.Cleanup(sourceServer.Close)
	sinkServer := httptest.NewServer(sink.handler())
	t.Cleanup(sinkServer.Close)

	instance := &models.Instance{
		Name: "shop", Active: true,
		SourceURL: sourceServer.URL, SourceDB: "erp", SourceUsername: "sync", SourcePassword: "pw",
		SinkURL: sinkServer.URL, SinkKey: "ck", SinkSecret: "cs",
	}
	require.NoError(t, db.CreateInstance(context.Background(), instance))

	dispatcher := NewDispatcher(db, nil, nil, RetryPolicy{MaxRetries: 1}, 1, 16, &logger)
	syncer := NewSyncer(db, lock.NewNoopBroker(&logger), dispatcher, nil, &logger, time.Minute, time.Second, 10)
	syncer.Register()
	return db, syncer, instance
}

func productRecord(id float64, name, sku string, listPrice float64) map[string]any {
	return map[string]any{
		"id": id, "name": name, "default_code": sku,
		"barcode": false, "description_sale": false,
		"list_price": listPrice, "standard_price": listPrice / 2,
		"qty_available": float64(3), "weight": 1.5,
		"categ_id": []any{float64(7), "Chairs"}, "product_tag_ids": []any{},
		"product_tmpl_id": []any{id, name},
		"active":          true, "write_date": "2025-03-01 10:00:00",
	}
}

func categoryRecord(id float64, name string, parentID float64) map[string]any {
	rec := map[string]any{
		"id": id, "name": name,
		"active": true, "write_date": "2025-03-01 10:00:00",
	}
	if parentID > 0 {
		rec["parent_id"] = []any{parentID, "Parent"}
	} else {
		rec["parent_id"] = false
	}
	return rec
}

func TestSyncEntityCreatesSinkProduct(t *testing.T) {
	source := &fakeSource{records: map[string][]map[string]any{
		"product.product": {productRecord(10, "Office Chair", "CH-1", 100)},
	}}
	sink := newFakeSink()
	db, syncer, instance := setupSyncer(t, source, sink)

	result, err := syncer.handleSyncEntity(context.Background(), Task{
		TenantID: instance.ID,
		Args:     map[string]any{"kind": "product", "source_id": float64(10)},
	})
	require.NoError(t, err)
	require.NotNil(t, result)

	require.Len(t, sink.created, 1)
	assert.Equal(t, "Office Chair", sink.created[0]["name"])
	assert.Equal(t, "CH-1", sink.created[0]["sku"])
	assert.Equal(t, "100.00", sink.created[0]["regular_price"])

	record, err := db.GetSyncRecord(context.Background(), models.KindProduct, 10, instance.ID)
	require.NoError(t, err)
	require.NotNil(t, record.SinkID)
	assert.Equal(t, int64(501), *record.SinkID)
	assert.True(t, record.Created)
	assert.NotNil(t, record.LastSyncedAt)
}

func TestSyncEntityRequiresArgs(t *testing.T) {
	_, syncer, instance := setupSyncer(t, &fakeSource{}, newFakeSink())

	_, err := syncer.handleSyncEntity(context.Background(), Task{TenantID: instance.ID, Args: map[string]any{}})
	require.Error(t, err)
	var perm Permanent
	assert.ErrorAs(t, err, &perm)
}

func TestWebhookEventReconcilesMappedEntity(t *testing.T) {
	source := &fakeSource{records: map[string][]map[string]any{
		"product.product": {productRecord(10, "Office Chair", "CH-1", 100)},
	}}
	sink := newFakeSink()
	sink.entities[501] = map[string]any{"id": float64(501), "name": "Stale Chair", "sku": "CH-1", "slug": "stale-chair"}
	db, syncer, instance := setupSyncer(t, source, sink)

	sinkID := int64(501)
	require.NoError(t, db.UpsertSyncRecord(context.Background(), models.KindProduct, &models.SyncRecord{
		SourceID: 10, SinkID: &sinkID, TenantID: instance.ID, Name: "Office Chair",
	}))
	require.NoError(t, db.CreateWebhookEvent(context.Background(), &models.WebhookEvent{
		EventID: "evt-1", PayloadHash: "h", EventType: "product.updated",
		TenantID: instance.ID, Status: models.WebhookProcessing,
	}))

	_, err := syncer.handleWebhookEvent(context.Background(), Task{
		TenantID: instance.ID,
		Args: map[string]any{
			"event_id": "evt-1", "topic": "product.updated", "resource_id": float64(501),
		},
	})
	require.NoError(t, err)

	require.Len(t, sink.updated, 1)
	assert.Equal(t, "Office Chair", sink.updated[0]["name"])

	event, err := db.GetWebhookEvent(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookCompleted, event.Status)
}

func TestWebhookEventUnmappedSinkIsNoop(t *testing.T) {
	sink := newFakeSink()
	db, syncer, instance := setupSyncer(t, &fakeSource{}, sink)

	require.NoError(t, db.CreateWebhookEvent(context.Background(), &models.WebhookEvent{
		EventID: "evt-2", PayloadHash: "h2", EventType: "product.updated",
		TenantID: instance.ID, Status: models.WebhookProcessing,
	}))

	_, err := syncer.handleWebhookEvent(context.Background(), Task{
		TenantID: instance.ID,
		Args: map[string]any{
			"event_id": "evt-2", "topic": "product.updated", "resource_id": float64(999),
		},
	})
	require.NoError(t, err)

	event, err := db.GetWebhookEvent(context.Background(), "evt-2")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookCompleted, event.Status)
	assert.Empty(t, sink.updated)
}

func TestWebhookDeleteFlagsRecord(t *testing.T) {
	db, syncer, instance := setupSyncer(t, &fakeSource{}, newFakeSink())

	sinkID := int64(501)
	require.NoError(t, db.UpsertSyncRecord(context.Background(), models.KindProduct, &models.SyncRecord{
		SourceID: 10, SinkID: &sinkID, TenantID: instance.ID, Name: "Chair", Created: true,
	}))

	_, err := syncer.handleWebhookEvent(context.Background(), Task{
		TenantID: instance.ID,
		Args:     map[string]any{"topic": "product.deleted", "resource_id": float64(501)},
	})
	require.NoError(t, err)

	record, err := db.GetSyncRecord(context.Background(), models.KindProduct, 10, instance.ID)
	require.NoError(t, err)
	assert.True(t, record.Error)
	assert.Contains(t, record.Message, "deleted in sink")
}

func TestWebhookOrderTopicAcknowledged(t *testing.T) {
	_, syncer, instance := setupSyncer(t, &fakeSource{}, newFakeSink())

	_, err := syncer.handleWebhookEvent(context.Background(), Task{
		TenantID: instance.ID,
		Args:     map[string]any{"topic": "order.created", "resource_id": float64(1)},
	})
	require.NoError(t, err)
}

func TestEnqueueCategoryChainsSyncsAncestorsFirst(t *testing.T) {
	source := &fakeSource{records: map[string][]map[string]any{
		"product.category": {
			categoryRecord(2, "Chairs", 1),
			categoryRecord(1, "Furniture", 0),
		},
	}}
	sink := newFakeSink()
	db, syncer, instance := setupSyncer(t, source, sink)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go syncer.dispatcher.Run(ctx)
	require.Eventually(t, syncer.dispatcher.running.Load, time.Second, time.Millisecond)

	chains, err := syncer.EnqueueCategoryChains(context.Background(), instance.ID, []int64{2})
	require.NoError(t, err)
	require.Len(t, chains[2], 2)

	for _, taskID := range chains[2] {
		waitForStatus(t, db, taskID, models.TaskSuccess)
	}

	// Root first, child carries the root's freshly mapped sink id.
	require.Len(t, sink.created, 2)
	assert.Equal(t, "Furniture", sink.created[0]["name"])
	assert.Equal(t, "Chairs", sink.created[1]["name"])
	assert.Equal(t, float64(501), sink.created[1]["parent"])
}

func TestWebhookCategoryChangeReconcilesAncestry(t *testing.T) {
	source := &fakeSource{records: map[string][]map[string]any{
		"product.category": {
			categoryRecord(1, "Furniture", 0),
			categoryRecord(2, "Chairs", 1),
		},
	}}
	sink := newFakeSink()
	sink.entities[601] = map[string]any{"id": float64(601), "name": "Stale Chairs", "slug": "stale-chairs"}
	db, syncer, instance := setupSyncer(t, source, sink)

	sinkID := int64(601)
	require.NoError(t, db.UpsertSyncRecord(context.Background(), models.KindCategory, &models.SyncRecord{
		SourceID: 2, SinkID: &sinkID, TenantID: instance.ID, Name: "Chairs",
	}))
	require.NoError(t, db.CreateWebhookEvent(context.Background(), &models.WebhookEvent{
		EventID: "evt-cat", PayloadHash: "hc", EventType: "category.updated",
		TenantID: instance.ID, Status: models.WebhookProcessing,
	}))

	_, err := syncer.handleWebhookEvent(context.Background(), Task{
		TenantID: instance.ID,
		Args: map[string]any{
			"event_id": "evt-cat", "topic": "category.updated", "resource_id": float64(601),
		},
	})
	require.NoError(t, err)

	// The unmapped root was created before the child's own update.
	require.Len(t, sink.created, 1)
	assert.Equal(t, "Furniture", sink.created[0]["name"])
	require.Len(t, sink.updated, 1)
	assert.Equal(t, "Chairs", sink.updated[0]["name"])
	assert.Equal(t, float64(501), sink.updated[0]["parent"])

	event, err := db.GetWebhookEvent(context.Background(), "evt-cat")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookCompleted, event.Status)
}

func TestWebhookTagTopicHandled(t *testing.T) {
	sink := newFakeSink()
	db, syncer, instance := setupSyncer(t, &fakeSource{}, sink)

	require.NoError(t, db.CreateWebhookEvent(context.Background(), &models.WebhookEvent{
		EventID: "evt-tag", PayloadHash: "ht", EventType: "tag.updated",
		TenantID: instance.ID, Status: models.WebhookProcessing,
	}))

	_, err := syncer.handleWebhookEvent(context.Background(), Task{
		TenantID: instance.ID,
		Args: map[string]any{
			"event_id": "evt-tag", "topic": "tag.updated", "resource_id": float64(77),
		},
	})
	require.NoError(t, err)

	event, err := db.GetWebhookEvent(context.Background(), "evt-tag")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookCompleted, event.Status)
	assert.Empty(t, sink.updated)
}

func TestGatewayFallsBackWhenNoConsumerRuns(t *testing.T) {
	source := &fakeSource{records: map[string][]map[string]any{
		"product.product": {productRecord(10, "Office Chair", "CH-1", 100)},
	}}
	sink := newFakeSink()
	sink.entities[501] = map[string]any{"id": float64(501), "name": "Stale Chair", "sku": "CH-1", "slug": "stale-chair"}
	db, syncer, instance := setupSyncer(t, source, sink)

	sinkID := int64(501)
	require.NoError(t, db.UpsertSyncRecord(context.Background(), models.KindProduct, &models.SyncRecord{
		SourceID: 10, SinkID: &sinkID, TenantID: instance.ID, Name: "Office Chair",
	}))

	instance.WebhookSecret = "hooksecret"
	require.NoError(t, db.UpdateInstance(context.Background(), instance))

	// An enqueue-only process: the dispatcher never runs, no Redis is
	// configured, so the gateway must reconcile inline instead of
	// acknowledging a delivery nobody would ever pick up.
	logger := zerolog.New(os.Stdout)
	gateway := webhook.NewGateway(db, syncer.dispatcher, syncer.ProcessWebhook, 10*time.Minute, &logger)

	body := []byte(`{"id": 501}`)
	ack, err := gateway.Process(context.Background(), webhook.Delivery{
		TenantID:   instance.ID,
		Topic:      "product.updated",
		Body:       body,
		DeliveryID: "dlv-9",
		Signature:  webhook.Sign("hooksecret", body),
	})
	require.NoError(t, err)
	assert.Equal(t, "processed synchronously", ack.Message)

	require.Len(t, sink.updated, 1)
	assert.Equal(t, "Office Chair", sink.updated[0]["name"])

	event, err := db.GetWebhookEvent(context.Background(), "dlv-9")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookCompleted, event.Status)
}

func TestSyncerUnknownTenant(t *testing.T) {
	_, syncer, _ := setupSyncer(t, &fakeSource{}, newFakeSink())

	_, err := syncer.handleSyncEntity(context.Background(), Task{
		TenantID: 999,
		Args:     map[string]any{"kind": "product", "source_id": float64(1)},
	})
	require.Error(t, err)
}

func TestParseTopic(t *testing.T) {
	kind, action, ok := parseTopic("product.updated")
	assert.True(t, ok)
	assert.Equal(t, models.KindProduct, kind)
	assert.Equal(t, "updated", action)

	_, _, ok = parseTopic("order.created")
	assert.False(t, ok)

	_, _, ok = parseTopic("garbage")
	assert.False(t, ok)
}

func TestOrderCategoriesParentsFirst(t *testing.T) {
	categories := []odoo.Category{
		{ID: 3, ParentID: odoo.Ref{ID: 2}},
		{ID: 1},
		{ID: 2, ParentID: odoo.Ref{ID: 1}},
	}

	ordered := orderCategories(categories)
	require.Equal(t, []int64{1, 2, 3}, ordered)
}

func TestOrderCategoriesForeignParent(t *testing.T) {
	// A parent outside the page does not block its child.
	categories := []odoo.Category{
		{ID: 5, ParentID: odoo.Ref{ID: 99}},
		{ID: 6, ParentID: odoo.Ref{ID: 5}},
	}

	ordered := orderCategories(categories)
	require.Equal(t, []int64{5, 6}, ordered)
}
