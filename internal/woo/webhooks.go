package woo

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"
)

// Webhook mirrors the sink's webhook registration document.
type Webhook struct {
	ID          int64  `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	Topic       string `json:"topic"`
	DeliveryURL string `json:"delivery_url"`
	Secret      string `json:"secret,omitempty"`
	Status      string `json:"status,omitempty"`
}

// DefaultTopics are the change notifications the pipeline consumes.
var DefaultTopics = []string{
	"product.created", "product.updated", "product.deleted",
	"category.created", "category.updated", "category.deleted",
	"tag.created", "tag.updated", "tag.deleted",
	"order.created", "order.updated",
}

// ListWebhooks returns current registrations on the sink.
func (c *Client) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	var webhooks []Webhook
	query := url.Values{"per_page": {"100"}}
	if err := c.Get(ctx, "webhooks", query, &webhooks); err != nil {
		return nil, fmt.Errorf("failed to list sink webhooks: %w", err)
	}
	return webhooks, nil
}

// EnsureWebhooks registers any missing topic pointing at deliveryURL.
// Existing registrations for the same topic+URL are left untouched.
func (c *Client) EnsureWebhooks(ctx context.Context, deliveryURL, secret string, topics []string, logger *zerolog.Logger) error {
	existing, err := c.ListWebhooks(ctx)
	if err != nil {
		return err
	}

	registered := make(map[string]bool, len(existing))
	for _, w := range existing {
		if w.DeliveryURL == deliveryURL && w.Status != "disabled" {
			registered[w.Topic] = true
		}
	}

	for _, topic := range topics {
		if registered[topic] {
			continue
		}
		webhook := Webhook{
			Name:        "woosync " + topic,
			Topic:       topic,
			DeliveryURL: deliveryURL,
			Secret:      secret,
		}
		var created Webhook
		if err := c.Post(ctx, "webhooks", webhook, &created); err != nil {
			return fmt.Errorf("failed to register webhook for %s: %w", topic, err)
		}
		logger.Info().Str("topic", topic).Int64("webhook_id", created.ID).Msg("Registered sink webhook")
	}
	return nil
}
