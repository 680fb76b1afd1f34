package models

import "time"

// WebhookEvent logs one inbound change notification from the sink.
// EventID is the delivery's natural idempotency key; PayloadHash is a
// secondary dedup signal for retried deliveries with a fresh id.
type WebhookEvent struct {
	ID           int64      `json:"id"`
	EventID      string     `json:"event_id"`
	PayloadHash  string     `json:"payload_hash"`
	EventType    string     `json:"event_type"`
	TenantID     int64      `json:"tenant_id"`
	Status       string     `json:"status"`
	RetryCount   int        `json:"retry_count"`
	ErrorMessage string     `json:"error_message"`
	ReceivedAt   time.Time  `json:"received_at"`
	ProcessedAt  *time.Time `json:"processed_at"`
}
