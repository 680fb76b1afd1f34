package models

import "time"

// SyncRecord maps one source entity to one sink entity within a tenant.
// (SourceID, TenantID) and (SinkID, TenantID) are both unique; the
// record is created on the first reconciliation attempt and never
// auto-deleted.
type SyncRecord struct {
	ID              int64      `json:"id"`
	SourceID        int64      `json:"source_id"`
	SinkID          *int64     `json:"sink_id"`
	TenantID        int64      `json:"tenant_id"`
	Name            string     `json:"name"`
	Created         bool       `json:"created"`
	Updated         bool       `json:"updated"`
	Skipped         bool       `json:"skipped"`
	Error           bool       `json:"error"`
	NeedsSync       bool       `json:"needs_sync"`
	Message         string     `json:"message"`
	ErrorDetails    string     `json:"error_details"`
	SourceWriteDate *time.Time `json:"source_write_date"`
	LastSyncedAt    *time.Time `json:"last_synced_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// SyncStats aggregates record counters for one tenant and kind.
type SyncStats struct {
	Total   int `json:"total"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}
