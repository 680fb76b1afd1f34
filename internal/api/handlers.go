package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"woosync/internal/database"
	"woosync/internal/export"
	"woosync/internal/models"
	syncpkg "woosync/internal/sync"
	"woosync/internal/webhook"
	"woosync/internal/worker"

	"github.com/rs/zerolog"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// Handlers carries the dependencies behind every HTTP route.
type Handlers struct {
	db         *database.DB
	gateway    *webhook.Gateway
	dispatcher *worker.Dispatcher
	syncer     *worker.Syncer
	exporter   *export.Exporter
	logger     *zerolog.Logger
}

func NewHandlers(db *database.DB, gateway *webhook.Gateway, dispatcher *worker.Dispatcher, syncer *worker.Syncer, exporter *export.Exporter, logger *zerolog.Logger) *Handlers {
	return &Handlers{db: db, gateway: gateway, dispatcher: dispatcher, syncer: syncer, exporter: exporter, logger: logger}
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebhook accepts POST /webhook/{tenant_id}/{topic}. The topic
// header wins over the path segment when both are present.
func (h *Handlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/webhook/")
	parts := strings.SplitN(rest, "/", 2)
	tenantID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || tenantID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid tenant id")
		return
	}

	topic := strings.TrimSpace(webhookHeader(r, "Topic"))
	if topic == "" && len(parts) > 1 {
		topic = strings.Trim(parts[1], "/")
	}
	if topic == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	ack, err := h.gateway.Process(r.Context(), webhook.Delivery{
		TenantID:   tenantID,
		Topic:      topic,
		Event:      webhookHeader(r, "Event"),
		Body:       body,
		Signature:  webhookHeader(r, "Signature"),
		DeliveryID: webhookHeader(r, "Delivery-ID"),
		WebhookID:  webhookHeader(r, "ID"),
	})
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrBadSignature):
			writeError(w, http.StatusUnauthorized, "invalid signature")
		case errors.Is(err, webhook.ErrUnknownInstance):
			writeError(w, http.StatusNotFound, "unknown instance")
		case errors.Is(err, webhook.ErrMalformed):
			writeError(w, http.StatusBadRequest, "malformed payload")
		default:
			h.logger.Error().Err(err).Int64("tenant_id", tenantID).Msg("Webhook processing failed")
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, ack)
}

// webhookHeader reads X-WC-Webhook-* with X-Webhook-* as a fallback, so
// both WooCommerce deliveries and generic senders are accepted.
func webhookHeader(r *http.Request, name string) string {
	if v := r.Header.Get("X-WC-Webhook-" + name); v != "" {
		return v
	}
	return r.Header.Get("X-Webhook-" + name)
}

// handleTasks lists recent tasks: GET /api/v1/tasks?tenant_id=&limit=.
func (h *Handlers) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	tenantID := queryInt(r, "tenant_id")
	limit := int(queryInt(r, "limit"))

	tasks, err := h.db.ListTasks(r.Context(), tenantID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// handleTask serves GET /api/v1/tasks/{task_id} and
// POST /api/v1/tasks/{task_id}/revoke.
func (h *Handlers) handleTask(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	taskID := parts[0]

	if len(parts) == 2 && parts[1] == "revoke" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if err := h.dispatcher.Revoke(r.Context(), taskID); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				writeError(w, http.StatusNotFound, "task not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to revoke task")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "revoked", "task_id": taskID})
		return
	}

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	record, err := h.db.GetTaskRecord(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}

	children, err := h.db.ListChildTasks(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load child tasks")
		return
	}

	resp := map[string]any{
		"task":             record,
		"duration_seconds": record.Duration().Seconds(),
	}
	if len(children) > 0 {
		resp["children"] = children
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSync serves /api/v1/sync/{kind}/{records|stats|export|run|classify}
// plus POST /api/v1/sync/run for a full sync across every kind.
func (h *Handlers) handleSync(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/sync/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	if len(parts) == 1 && parts[0] == "run" {
		h.runFullSync(w, r)
		return
	}
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	kind := parts[0]
	if _, err := database.TableForKind(kind); err != nil {
		writeError(w, http.StatusNotFound, "unknown entity kind")
		return
	}

	switch parts[1] {
	case "records":
		h.listSyncRecords(w, r, kind)
	case "stats":
		h.syncStats(w, r, kind)
	case "export":
		h.exportSyncRecords(w, r, kind)
	case "run":
		h.runKindSync(w, r, kind)
	case "chain":
		if kind != models.KindCategory {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		h.runCategoryChains(w, r)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// runCategoryChains queues a root-first sync chain per requested
// category: POST /api/v1/sync/category/chain {"tenant_id":1,"ids":[5]}.
func (h *Handlers) runCategoryChains(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		TenantID int64   `json:"tenant_id"`
		IDs      []int64 `json:"ids"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if body.TenantID == 0 {
		body.TenantID = queryInt(r, "tenant_id")
	}
	if body.TenantID <= 0 {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	if len(body.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}

	chains, err := h.syncer.EnqueueCategoryChains(r.Context(), body.TenantID, body.IDs)
	if err != nil {
		h.logger.Error().Err(err).Int64("tenant_id", body.TenantID).Msg("Failed to queue category chains")
		writeError(w, http.StatusBadGateway, "failed to queue category chains")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"chains": chains, "status": models.TaskPending})
}

func (h *Handlers) listSyncRecords(w http.ResponseWriter, r *http.Request, kind string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	filter := database.SyncRecordFilter{
		TenantID: queryInt(r, "tenant_id"),
		Status:   strings.TrimSpace(r.URL.Query().Get("status")),
		Search:   strings.TrimSpace(r.URL.Query().Get("search")),
		Limit:    int(queryInt(r, "limit")),
		Offset:   int(queryInt(r, "offset")),
	}

	records, err := h.db.ListSyncRecords(r.Context(), kind, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sync records")
		return
	}

	type recordView struct {
		*models.SyncRecord
		Status string `json:"status"`
	}
	views := make([]recordView, len(records))
	for i, rec := range records {
		views[i] = recordView{SyncRecord: rec, Status: syncpkg.ClassifyRecord(rec)}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": views})
}

func (h *Handlers) syncStats(w http.ResponseWriter, r *http.Request, kind string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats, err := h.db.GetSyncStats(r.Context(), kind, queryInt(r, "tenant_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load sync stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) exportSyncRecords(w http.ResponseWriter, r *http.Request, kind string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	filePath, err := h.exporter.SyncRecords(r.Context(), kind, queryInt(r, "tenant_id"))
	if err != nil {
		h.logger.Error().Err(err).Str("kind", kind).Msg("Export failed")
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(filepath.Base(filePath)))
	f, err := os.Open(filePath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "export file unavailable")
		return
	}
	defer f.Close()
	_, _ = io.Copy(w, f)
}

func (h *Handlers) runKindSync(w http.ResponseWriter, r *http.Request, kind string) {
	tenantID, ok := h.requireTenant(w, r)
	if !ok {
		return
	}

	taskID, err := h.dispatcher.Enqueue(r.Context(), "sync.kind", tenantID,
		map[string]any{"kind": kind}, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue sync")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": models.TaskPending})
}

func (h *Handlers) runFullSync(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.requireTenant(w, r)
	if !ok {
		return
	}

	taskID, err := h.dispatcher.Enqueue(r.Context(), "sync.full", tenantID, nil, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue sync")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": models.TaskPending})
}

func (h *Handlers) requireTenant(w http.ResponseWriter, r *http.Request) (int64, bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return 0, false
	}
	tenantID := queryInt(r, "tenant_id")
	if tenantID == 0 {
		var body struct {
			TenantID int64 `json:"tenant_id"`
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		tenantID = body.TenantID
	}
	if tenantID <= 0 {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return 0, false
	}
	return tenantID, true
}

// handlePricePreview serves GET /api/v1/price/preview?tenant_id=&product_id=&quantity=.
func (h *Handlers) handlePricePreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	tenantID := queryInt(r, "tenant_id")
	productID := queryInt(r, "product_id")
	if tenantID <= 0 || productID <= 0 {
		writeError(w, http.StatusBadRequest, "tenant_id and product_id are required")
		return
	}
	quantity := queryFloat(r, "quantity")
	if quantity <= 0 {
		quantity = 1
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	preview, err := h.syncer.PreviewPrice(ctx, tenantID, productID, quantity)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "product not found")
			return
		}
		h.logger.Error().Err(err).Int64("product_id", productID).Msg("Price preview failed")
		writeError(w, http.StatusBadGateway, "failed to compute price")
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// handlePricelists serves GET /api/v1/pricelists?tenant_id= and lists
// both the source pricelists and the configured rules.
func (h *Handlers) handlePricelists(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	tenantID := queryInt(r, "tenant_id")
	if tenantID <= 0 {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	rules, err := h.db.ListPriceRules(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list price rules")
		return
	}

	resp := map[string]any{"rules": rules}
	if pricelists, err := h.syncer.Pricelists(r.Context(), tenantID); err == nil {
		resp["pricelists"] = pricelists
	} else {
		h.logger.Warn().Err(err).Int64("tenant_id", tenantID).Msg("Failed to fetch source pricelists")
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePricelistActivate serves POST /api/v1/pricelists/{id}/activate.
func (h *Handlers) handlePricelistActivate(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/pricelists/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[1] != "activate" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	pricelistID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || pricelistID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid pricelist id")
		return
	}
	tenantID := queryInt(r, "tenant_id")
	if tenantID <= 0 {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	if err := h.db.ActivatePriceRule(r.Context(), tenantID, pricelistID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no price rule for that pricelist")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to activate price rule")
		return
	}

	// Push the fresh rules into the tenant's engine right away.
	if err := h.syncer.RefreshPricing(r.Context(), tenantID); err != nil {
		h.logger.Warn().Err(err).Int64("tenant_id", tenantID).Msg("Pricing refresh after activation failed")
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "active", "pricelist_id": pricelistID})
}

// handleInstances serves GET /api/v1/instances.
func (h *Handlers) handleInstances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	instances, err := h.db.ListInstances(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list instances")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": instances})
}

func queryInt(r *http.Request, key string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get(key)), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func queryFloat(r *http.Request, key string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(r.URL.Query().Get(key)), 64)
	if err != nil {
		return 0
	}
	return v
}
