package webhook

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"woosync/internal/database"
	"woosync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEnqueuer struct {
	calls []string
	fail  bool
}

func (s *stubEnqueuer) Enqueue(ctx context.Context, name string, tenantID int64, args map[string]any, parentTaskID string) (string, error) {
	if s.fail {
		return "", errors.New("queue down")
	}
	s.calls = append(s.calls, name)
	return "task-1", nil
}

func setupGateway(t *testing.T, enqueuer Enqueuer, fallback Fallback) (*database.DB, *Gateway) {
	logger := zerolog.New(os.Stdout)
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.CreateInstance(context.Background(), &models.Instance{
		Name: "shop", Active: true, WebhookSecret: "topsecret",
	}))

	return db, NewGateway(db, enqueuer, fallback, 10*time.Minute, &logger)
}

func delivery(body string, sign bool) Delivery {
	d := Delivery{
		TenantID:   1,
		Topic:      "product.updated",
		Body:       []byte(body),
		DeliveryID: "dlv-1",
	}
	if sign {
		d.Signature = Sign("topsecret", d.Body)
	}
	return d
}

func TestGatewayAcceptsValidDelivery(t *testing.T) {
	enq := &stubEnqueuer{}
	db, g := setupGateway(t, enq, nil)

	ack, err := g.Process(context.Background(), delivery(`{"id": 42}`, true))
	require.NoError(t, err)
	assert.Equal(t, "ok", ack.Status)
	assert.Equal(t, "dlv-1", ack.EventID)
	assert.Equal(t, []string{TaskName}, enq.calls)

	event, err := db.GetWebhookEvent(context.Background(), "dlv-1")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookProcessing, event.Status)
}

func TestGatewayRejectsBadSignature(t *testing.T) {
	enq := &stubEnqueuer{}
	_, g := setupGateway(t, enq, nil)

	d := delivery(`{"id": 42}`, false)
	d.Signature = "bm90LXRoZS1yaWdodC1zaWc="
	_, err := g.Process(context.Background(), d)
	assert.ErrorIs(t, err, ErrBadSignature)
	assert.Empty(t, enq.calls)
}

func TestGatewayRejectsUnknownInstance(t *testing.T) {
	_, g := setupGateway(t, &stubEnqueuer{}, nil)

	d := delivery(`{"id": 42}`, true)
	d.TenantID = 99
	_, err := g.Process(context.Background(), d)
	assert.ErrorIs(t, err, ErrUnknownInstance)
}

func TestGatewayIdempotentReplay(t *testing.T) {
	enq := &stubEnqueuer{}
	db, g := setupGateway(t, enq, nil)
	ctx := context.Background()

	first, err := g.Process(ctx, delivery(`{"id": 42}`, true))
	require.NoError(t, err)
	assert.Equal(t, "accepted", first.Message)

	// Same event id again while still processing.
	second, err := g.Process(ctx, delivery(`{"id": 42}`, true))
	require.NoError(t, err)
	assert.Equal(t, "duplicate in flight", second.Message)
	assert.Len(t, enq.calls, 1)

	// After completion the replay answers "already processed".
	require.NoError(t, db.UpdateWebhookEventStatus(ctx, "dlv-1", models.WebhookCompleted, ""))
	third, err := g.Process(ctx, delivery(`{"id": 42}`, true))
	require.NoError(t, err)
	assert.Equal(t, "already processed", third.Message)
	assert.Len(t, enq.calls, 1)
}

func TestGatewayPayloadHashDedup(t *testing.T) {
	enq := &stubEnqueuer{}
	_, g := setupGateway(t, enq, nil)
	ctx := context.Background()

	d1 := delivery(`{"id": 42, "name": "Widget"}`, true)
	_, err := g.Process(ctx, d1)
	require.NoError(t, err)

	// Fresh delivery id, same payload with reordered keys.
	d2 := Delivery{
		TenantID:   1,
		Topic:      "product.updated",
		Body:       []byte(`{"name": "Widget", "id": 42}`),
		DeliveryID: "dlv-2",
	}
	d2.Signature = Sign("topsecret", d2.Body)
	ack, err := g.Process(ctx, d2)
	require.NoError(t, err)
	assert.Equal(t, "duplicate payload", ack.Message)
	assert.Equal(t, "dlv-1", ack.EventID)
	assert.Len(t, enq.calls, 1)
}

func TestGatewayVerificationPing(t *testing.T) {
	enq := &stubEnqueuer{}
	_, g := setupGateway(t, enq, nil)

	d := delivery("webhook_id=17", true)
	ack, err := g.Process(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, "verification acknowledged", ack.Message)
	assert.Empty(t, enq.calls)
}

func TestGatewayFallbackOnDispatchFailure(t *testing.T) {
	enq := &stubEnqueuer{fail: true}
	var fallbackRan bool
	fallback := func(ctx context.Context, tenantID int64, topic string, resourceID int64) error {
		fallbackRan = true
		assert.Equal(t, int64(42), resourceID)
		return nil
	}
	db, g := setupGateway(t, enq, fallback)

	ack, err := g.Process(context.Background(), delivery(`{"id": 42}`, true))
	require.NoError(t, err)
	assert.True(t, fallbackRan)
	assert.Equal(t, "processed synchronously", ack.Message)

	event, err := db.GetWebhookEvent(context.Background(), "dlv-1")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookCompleted, event.Status)
}

func TestSignatureRoundTrip(t *testing.T) {
	body := []byte(`{"id": 1}`)
	sig := Sign("secret", body)
	assert.True(t, ValidSignature("secret", body, sig))
	assert.False(t, ValidSignature("other", body, sig))
	assert.False(t, ValidSignature("secret", []byte(`{"id": 2}`), sig))
}

func TestPayloadHashCanonicalization(t *testing.T) {
	a := PayloadHash([]byte(`{"a": 1, "b": {"c": 2}}`))
	b := PayloadHash([]byte(`{"b": {"c": 2}, "a": 1}`))
	assert.Equal(t, a, b)

	c := PayloadHash([]byte(`{"a": 2, "b": {"c": 2}}`))
	assert.NotEqual(t, a, c)

	// Non-JSON bodies still hash deterministically.
	assert.Equal(t, PayloadHash([]byte("raw")), PayloadHash([]byte("raw")))
}

func TestFallbackEventID(t *testing.T) {
	id := FallbackEventID("product.updated", 42, "abcdef0123456789")
	assert.Equal(t, "product.updated_42_abcdef012345", id)
}
