package models

// Entity kinds handled by the reconciliation pipeline. Each kind has its
// own sync-record table and its own sink endpoint.
const (
	KindProduct        = "product"
	KindCategory       = "category"
	KindTag            = "tag"
	KindAttribute      = "attribute"
	KindAttributeValue = "attribute_value"
)

// Kinds lists every entity kind in dependency order: attributes and
// terms before products, categories and tags before products.
var Kinds = []string{KindAttribute, KindAttributeValue, KindCategory, KindTag, KindProduct}

// Sync status derived from timestamps (see sync.Classify).
const (
	SyncStatusNeverSynced = "never_synced"
	SyncStatusSynced      = "synced"
	SyncStatusModified    = "modified"
	SyncStatusError       = "error"
)

// Reconciliation outcomes.
const (
	OutcomeCreated = "created"
	OutcomeUpdated = "updated"
	OutcomeSkipped = "skipped"
	OutcomeError   = "error"
)

// Webhook event processing states.
const (
	WebhookPending    = "pending"
	WebhookProcessing = "processing"
	WebhookCompleted  = "completed"
	WebhookFailed     = "failed"
)

// Task lifecycle states. Terminal states never regress.
const (
	TaskPending = "pending"
	TaskStarted = "started"
	TaskRetry   = "retry"
	TaskSuccess = "success"
	TaskFailure = "failure"
	TaskRevoked = "revoked"
)

// Price rule targets on the sink side.
const (
	PriceTypeRegular = "regular"
	PriceTypeSale    = "sale"
	PriceTypeMeta    = "meta"
)

const (
	// DefaultLockTTLSeconds bounds a sync lease even if release never runs.
	DefaultLockTTLSeconds = 300

	// DefaultLockWaitSeconds bounds blocking acquisition.
	DefaultLockWaitSeconds = 10

	// ModifiedToleranceSeconds absorbs clock skew between the source
	// write timestamp and our last_synced_at when classifying.
	ModifiedToleranceSeconds = 10

	// DefaultWorkerQueueSize is the in-memory queue fallback capacity.
	DefaultWorkerQueueSize = 256

	// DefaultPageSize for paginated source reads during bulk sync.
	DefaultPageSize = 50
)
