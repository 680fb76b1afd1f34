package alerts

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureChannel struct {
	mu        sync.Mutex
	sent      []Alert
	delivered chan struct{}
}

func newCaptureChannel() *captureChannel {
	return &captureChannel{delivered: make(chan struct{}, 16)}
}

func (c *captureChannel) Send(_ context.Context, alert Alert) error {
	c.mu.Lock()
	c.sent = append(c.sent, alert)
	c.mu.Unlock()
	c.delivered <- struct{}{}
	return nil
}

func (c *captureChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func testLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}

func TestNotifyDelivers(t *testing.T) {
	channel := newCaptureChannel()
	n := NewNotifier([]Channel{channel}, time.Minute, testLogger())

	n.Notify(Alert{Key: "k1", Title: "Sync completed", Message: "done"})

	select {
	case <-channel.delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("alert was not delivered")
	}
	assert.Equal(t, 1, channel.count())
}

func TestNotifyThrottlesRepeats(t *testing.T) {
	channel := newCaptureChannel()
	n := NewNotifier([]Channel{channel}, time.Minute, testLogger())

	n.Notify(Alert{Key: "same", Message: "first"})
	n.Notify(Alert{Key: "same", Message: "repeat"})
	n.Notify(Alert{Key: "other", Message: "unrelated"})

	for i := 0; i < 2; i++ {
		select {
		case <-channel.delivered:
		case <-time.After(2 * time.Second):
			t.Fatal("expected two deliveries")
		}
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, channel.count())
}

func TestNotifyNoChannels(t *testing.T) {
	n := NewNotifier(nil, time.Minute, testLogger())
	n.Notify(Alert{Key: "k", Message: "ignored"})
}

func TestTaskFailureAlert(t *testing.T) {
	alert := TaskFailure("sync.kind", 7, 5, context.DeadlineExceeded)

	assert.Equal(t, "task_failure:sync.kind:7", alert.Key)
	assert.Equal(t, int64(7), alert.TenantID)
	assert.Contains(t, alert.Message, "sync.kind")
	assert.Contains(t, alert.Message, "5 retries")
}

func TestWebhookChannelSend(t *testing.T) {
	var payload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel := NewWebhookChannel(server.URL)
	err := channel.Send(context.Background(), Alert{
		Key: "k", Title: "Task failed", Message: "boom", TenantID: 3,
	})

	require.NoError(t, err)
	assert.Equal(t, "Task failed", payload["title"])
	assert.Equal(t, float64(3), payload["tenant_id"])
}

func TestWebhookChannelErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	channel := NewWebhookChannel(server.URL)
	err := channel.Send(context.Background(), Alert{Key: "k"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
