package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Alert is one fire-and-forget notification. Key deduplicates repeats
// within the throttle window.
type Alert struct {
	Key      string
	Title    string
	Message  string
	TenantID int64
}

// Channel delivers one alert to an external collaborator.
type Channel interface {
	Send(ctx context.Context, alert Alert) error
}

// Notifier fans alerts out to all configured channels, throttled per
// key. Delivery never blocks the caller and failures are only logged.
type Notifier struct {
	channels []Channel
	throttle time.Duration
	logger   *zerolog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewNotifier(channels []Channel, throttle time.Duration, logger *zerolog.Logger) *Notifier {
	return &Notifier{
		channels: channels,
		throttle: throttle,
		logger:   logger,
		lastSent: make(map[string]time.Time),
	}
}

// Notify delivers the alert in the background. Repeats of the same key
// inside the throttle window are dropped.
func (n *Notifier) Notify(alert Alert) {
	if len(n.channels) == 0 {
		return
	}

	n.mu.Lock()
	if last, ok := n.lastSent[alert.Key]; ok && time.Since(last) < n.throttle {
		n.mu.Unlock()
		return
	}
	n.lastSent[alert.Key] = time.Now()
	n.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		for _, channel := range n.channels {
			if err := channel.Send(ctx, alert); err != nil {
				n.logger.Error().Err(err).Str("alert_key", alert.Key).Msg("Alert delivery failed")
			}
		}
	}()
}

// TaskFailure formats the standard terminal-failure alert.
func TaskFailure(taskName string, tenantID int64, retries int, cause error) Alert {
	return Alert{
		Key:      fmt.Sprintf("task_failure:%s:%d", taskName, tenantID),
		Title:    "Task failed",
		Message:  fmt.Sprintf("Task %s failed after %d retries: %v", taskName, retries, cause),
		TenantID: tenantID,
	}
}

// SyncSummary formats the batch-completion alert.
func SyncSummary(tenantID int64, summary string) Alert {
	return Alert{
		Key:      fmt.Sprintf("sync_summary:%d", tenantID),
		Title:    "Sync completed",
		Message:  summary,
		TenantID: tenantID,
	}
}
