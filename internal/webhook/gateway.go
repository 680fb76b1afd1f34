package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"woosync/internal/database"
	"woosync/internal/metrics"
	"woosync/internal/models"

	"github.com/rs/zerolog"
)

// Boundary rejections, mapped to HTTP statuses by the API layer.
var (
	ErrBadSignature    = errors.New("invalid webhook signature")
	ErrUnknownInstance = errors.New("unknown instance")
	ErrMalformed       = errors.New("malformed webhook delivery")
)

// Enqueuer hands accepted events to the task dispatcher.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, tenantID int64, args map[string]any, parentTaskID string) (string, error)
}

// Fallback reconciles an event synchronously when dispatch fails, so an
// accepted delivery is never lost.
type Fallback func(ctx context.Context, tenantID int64, topic string, resourceID int64) error

// Ack is the gateway's answer for an accepted (or deduplicated) delivery.
type Ack struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	EventID string `json:"event_id,omitempty"`
}

// Delivery is one inbound webhook before validation.
type Delivery struct {
	TenantID   int64
	Topic      string
	Event      string
	Body       []byte
	Signature  string
	DeliveryID string
	WebhookID  string
}

// Gateway validates, deduplicates and hands off inbound deliveries.
type Gateway struct {
	db          *database.DB
	enqueuer    Enqueuer
	fallback    Fallback
	dedupWindow time.Duration
	logger      *zerolog.Logger
}

func NewGateway(db *database.DB, enqueuer Enqueuer, fallback Fallback, dedupWindow time.Duration, logger *zerolog.Logger) *Gateway {
	if dedupWindow == 0 {
		dedupWindow = 10 * time.Minute
	}
	return &Gateway{db: db, enqueuer: enqueuer, fallback: fallback, dedupWindow: dedupWindow, logger: logger}
}

// Process runs the acceptance pipeline for one delivery. Returned
// errors are boundary rejections; anything after acceptance answers
// with an Ack even when downstream handling is still pending.
func (g *Gateway) Process(ctx context.Context, d Delivery) (*Ack, error) {
	instance, err := g.db.GetInstance(ctx, d.TenantID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			metrics.IncWebhook(d.Topic, "rejected")
			return nil, ErrUnknownInstance
		}
		return nil, err
	}

	if d.Signature != "" && instance.WebhookSecret != "" {
		if !ValidSignature(instance.WebhookSecret, d.Body, d.Signature) {
			metrics.IncWebhook(d.Topic, "invalid_signature")
			g.logger.Warn().Int64("tenant_id", d.TenantID).Str("topic", d.Topic).
				Msg("Webhook signature mismatch")
			return nil, ErrBadSignature
		}
	}

	// Registration handshake: acknowledge without entering the pipeline.
	if IsVerificationPing(d.Body) {
		metrics.IncWebhook(d.Topic, "ping")
		return &Ack{Status: "ok", Message: "verification acknowledged"}, nil
	}

	if len(d.Body) == 0 {
		return nil, ErrMalformed
	}

	payloadHash := PayloadHash(d.Body)
	resourceID := ResourceID(d.Body)
	eventID := d.DeliveryID
	if eventID == "" {
		eventID = FallbackEventID(d.Topic, resourceID, payloadHash)
	}

	// Replay by event id.
	existing, err := g.db.GetWebhookEvent(ctx, eventID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		metrics.IncWebhook(d.Topic, "duplicate")
		switch existing.Status {
		case models.WebhookCompleted:
			return &Ack{Status: "ok", Message: "already processed", EventID: eventID}, nil
		case models.WebhookProcessing, models.WebhookPending:
			return &Ack{Status: "ok", Message: "duplicate in flight", EventID: eventID}, nil
		}
		// Failed before: fall through and reprocess under the same id.
		if err := g.db.IncrementWebhookRetry(ctx, eventID); err != nil {
			return nil, err
		}
	} else {
		// Replay by payload hash within the window (fresh id, same body).
		recent, err := g.db.FindRecentEventByHash(ctx, payloadHash, d.TenantID, g.dedupWindow)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return nil, err
		}
		if recent != nil && recent.Status != models.WebhookFailed {
			metrics.IncWebhook(d.Topic, "duplicate")
			return &Ack{Status: "ok", Message: "duplicate payload", EventID: recent.EventID}, nil
		}

		event := &models.WebhookEvent{
			EventID:     eventID,
			PayloadHash: payloadHash,
			EventType:   d.Topic,
			TenantID:    d.TenantID,
			Status:      models.WebhookPending,
		}
		if err := g.db.CreateWebhookEvent(ctx, event); err != nil {
			if errors.Is(err, database.ErrDuplicateEvent) {
				// Raced with a concurrent delivery of the same event.
				metrics.IncWebhook(d.Topic, "duplicate")
				return &Ack{Status: "ok", Message: "duplicate in flight", EventID: eventID}, nil
			}
			return nil, err
		}
	}

	if err := g.db.UpdateWebhookEventStatus(ctx, eventID, models.WebhookProcessing, ""); err != nil {
		return nil, err
	}

	args := map[string]any{
		"event_id":    eventID,
		"topic":       d.Topic,
		"resource_id": resourceID,
	}
	if _, err := g.enqueuer.Enqueue(ctx, TaskName, d.TenantID, args, ""); err != nil {
		g.logger.Error().Err(err).Str("event_id", eventID).
			Msg("Dispatch failed, running synchronous fallback")
		if g.fallback == nil {
			g.failEvent(ctx, eventID, err)
			return nil, fmt.Errorf("dispatch failed with no fallback: %w", err)
		}
		if fbErr := g.fallback(ctx, d.TenantID, d.Topic, resourceID); fbErr != nil {
			g.failEvent(ctx, eventID, fbErr)
			metrics.IncWebhook(d.Topic, "accepted")
			return &Ack{Status: "ok", Message: "accepted, processing failed", EventID: eventID}, nil
		}
		if err := g.db.UpdateWebhookEventStatus(ctx, eventID, models.WebhookCompleted, ""); err != nil {
			g.logger.Error().Err(err).Str("event_id", eventID).Msg("Failed to complete webhook event")
		}
		metrics.IncWebhook(d.Topic, "accepted")
		return &Ack{Status: "ok", Message: "processed synchronously", EventID: eventID}, nil
	}

	metrics.IncWebhook(d.Topic, "accepted")
	return &Ack{Status: "ok", Message: "accepted", EventID: eventID}, nil
}

func (g *Gateway) failEvent(ctx context.Context, eventID string, cause error) {
	if err := g.db.UpdateWebhookEventStatus(ctx, eventID, models.WebhookFailed, cause.Error()); err != nil {
		g.logger.Error().Err(err).Str("event_id", eventID).Msg("Failed to mark webhook event failed")
	}
}

// TaskName is the dispatcher task behind every accepted delivery. One
// shared handler keys on the topic in the args, so a topic the sink was
// manually registered for can never strand without a handler.
const TaskName = "webhook.event"
