package sync

import (
	"context"
	"time"
)

// Entity is the normalized view of one source record that the
// reconciler moves toward the sink. Payload is the sink-shaped document
// to write; SKU and Slug are the natural keys used when no mapping
// exists yet.
type Entity struct {
	SourceID  int64
	Name      string
	SKU       string
	Slug      string
	WriteDate *time.Time
	Payload   map[string]any
}

// SinkRef is the sink-side identity surface of an entity.
type SinkRef struct {
	ID   int64
	Name string
	Slug string
	SKU  string
}

// Ops is the capability record that makes the reconciler generic over
// entity kinds. Every kind (product, category, tag, attribute, term)
// supplies the same small set of operations; the reconciliation shape
// itself never branches on the kind.
type Ops struct {
	Kind string

	// SkipCreate / SkipUpdate turn off one side of create-or-update for
	// partial runs; an unresolved or resolved entity then skips.
	SkipCreate bool
	SkipUpdate bool

	// FetchSource loads the entity from the source; nil when deleted.
	FetchSource func(ctx context.Context, sourceID int64) (*Entity, error)

	// FetchSink loads the sink entity by id; nil when it is gone.
	FetchSink func(ctx context.Context, sinkID int64) (*SinkRef, error)

	// FindBySKU resolves the exact natural key; nil when absent or the
	// kind has no SKU concept.
	FindBySKU func(ctx context.Context, sku string) (*SinkRef, error)

	// FindBySlug resolves the fallback natural key.
	FindBySlug func(ctx context.Context, slug string) (*SinkRef, error)

	// Create writes a new sink entity and returns its id.
	Create func(ctx context.Context, e *Entity) (int64, error)

	// Update rewrites an existing sink entity.
	Update func(ctx context.Context, sinkID int64, e *Entity) error
}
