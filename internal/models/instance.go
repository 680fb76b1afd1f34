package models

import "time"

// Instance is one isolated tenant: a source+sink pairing with its own
// credentials and webhook secret. All sync data is scoped by its id.
type Instance struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Active         bool      `json:"active"`
	SourceURL      string    `json:"source_url"`
	SourceDB       string    `json:"source_db"`
	SourceUsername string    `json:"source_username"`
	SourcePassword string    `json:"-"`
	SinkURL        string    `json:"sink_url"`
	SinkKey        string    `json:"-"`
	SinkSecret     string    `json:"-"`
	WebhookSecret  string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
