package sync

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"woosync/internal/database"
	"woosync/internal/lock"
	"woosync/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupReconciler(t *testing.T) (*database.DB, *Reconciler) {
	logger := zerolog.New(os.Stdout)
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	broker := lock.NewNoopBroker(&logger)
	return db, NewReconciler(db, broker, &logger, time.Minute, 0)
}

// fakeSink is an in-memory sink the test ops write into.
type fakeSink struct {
	mu      sync.Mutex
	nextID  int64
	byID    map[int64]*SinkRef
	created int
	updated int
}

func newFakeSink() *fakeSink {
	return &fakeSink{nextID: 100, byID: map[int64]*SinkRef{}}
}

func (s *fakeSink) add(ref SinkRef) *SinkRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref.ID == 0 {
		s.nextID++
		ref.ID = s.nextID
	}
	s.byID[ref.ID] = &ref
	return &ref
}

func testOps(sink *fakeSink, entities map[int64]*Entity) Ops {
	return Ops{
		Kind: models.KindProduct,
		FetchSource: func(ctx context.Context, sourceID int64) (*Entity, error) {
			return entities[sourceID], nil
		},
		FetchSink: func(ctx context.Context, sinkID int64) (*SinkRef, error) {
			sink.mu.Lock()
			defer sink.mu.Unlock()
			return sink.byID[sinkID], nil
		},
		FindBySKU: func(ctx context.Context, sku string) (*SinkRef, error) {
			sink.mu.Lock()
			defer sink.mu.Unlock()
			for _, ref := range sink.byID {
				if ref.SKU == sku {
					return ref, nil
				}
			}
			return nil, nil
		},
		FindBySlug: func(ctx context.Context, slug string) (*SinkRef, error) {
			sink.mu.Lock()
			defer sink.mu.Unlock()
			for _, ref := range sink.byID {
				if ref.Slug == slug {
					return ref, nil
				}
			}
			return nil, nil
		},
		Create: func(ctx context.Context, e *Entity) (int64, error) {
			ref := sink.add(SinkRef{Name: e.Name, Slug: e.Slug, SKU: e.SKU})
			sink.mu.Lock()
			sink.created++
			sink.mu.Unlock()
			return ref.ID, nil
		},
		Update: func(ctx context.Context, sinkID int64, e *Entity) error {
			sink.mu.Lock()
			sink.updated++
			sink.mu.Unlock()
			return nil
		},
	}
}

func sourceEntity(id int64, name, sku string) *Entity {
	return &Entity{SourceID: id, Name: name, SKU: sku, Slug: Slugify(name)}
}

func TestReconcileCreatesUnmappedEntity(t *testing.T) {
	db, r := setupReconciler(t)
	sink := newFakeSink()
	ops := testOps(sink, map[int64]*Entity{42: sourceEntity(42, "Blue Widget", "BW-1")})

	res, err := r.Reconcile(context.Background(), ops, 42, 1)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCreated, res.Outcome)
	assert.NotZero(t, res.SinkID)
	assert.Equal(t, 1, sink.created)

	record, err := db.GetSyncRecord(context.Background(), models.KindProduct, 42, 1)
	require.NoError(t, err)
	assert.True(t, record.Created)
	assert.False(t, record.Error)
	require.NotNil(t, record.SinkID)
	assert.Equal(t, res.SinkID, *record.SinkID)
	assert.NotNil(t, record.LastSyncedAt)
}

func TestReconcileUpdatesMappedEntity(t *testing.T) {
	db, r := setupReconciler(t)
	sink := newFakeSink()
	existing := sink.add(SinkRef{Name: "Blue Widget", SKU: "BW-1"})
	ops := testOps(sink, map[int64]*Entity{42: sourceEntity(42, "Blue Widget", "BW-1")})

	require.NoError(t, db.UpsertSyncRecord(context.Background(), models.KindProduct, &models.SyncRecord{
		SourceID: 42, SinkID: &existing.ID, TenantID: 1, Created: true,
	}))

	res, err := r.Reconcile(context.Background(), ops, 42, 1)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeUpdated, res.Outcome)
	assert.Equal(t, existing.ID, res.SinkID)
	assert.Equal(t, 1, sink.updated)
	assert.Zero(t, sink.created)
}

func TestReconcileResolvesByNaturalKey(t *testing.T) {
	db, r := setupReconciler(t)
	sink := newFakeSink()
	existing := sink.add(SinkRef{Name: "Blue Widget", SKU: "BW-1", Slug: "blue-widget"})
	ops := testOps(sink, map[int64]*Entity{42: sourceEntity(42, "Blue Widget", "BW-1")})

	// No prior record: the SKU match binds the existing sink entity.
	res, err := r.Reconcile(context.Background(), ops, 42, 1)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeUpdated, res.Outcome)
	assert.Equal(t, existing.ID, res.SinkID)
	assert.Zero(t, sink.created)

	record, err := db.GetSyncRecord(context.Background(), models.KindProduct, 42, 1)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, *record.SinkID)
}

func TestReconcileStaleSinkIDFallsBackToNaturalKey(t *testing.T) {
	db, r := setupReconciler(t)
	sink := newFakeSink()
	ops := testOps(sink, map[int64]*Entity{42: sourceEntity(42, "Blue Widget", "BW-1")})

	// Record points at a sink id that no longer exists there.
	stale := int64(9999)
	require.NoError(t, db.UpsertSyncRecord(context.Background(), models.KindProduct, &models.SyncRecord{
		SourceID: 42, SinkID: &stale, TenantID: 1, Created: true,
	}))

	res, err := r.Reconcile(context.Background(), ops, 42, 1)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCreated, res.Outcome)
	assert.NotEqual(t, stale, res.SinkID)
}

func TestReconcileConflictNeverRemaps(t *testing.T) {
	db, r := setupReconciler(t)
	sink := newFakeSink()
	existing := sink.add(SinkRef{Name: "Blue Widget", SKU: "BW-1"})
	ops := testOps(sink, map[int64]*Entity{
		42: sourceEntity(42, "Blue Widget", "BW-1"),
		43: sourceEntity(43, "Blue Widget Clone", "BW-1"),
	})

	// Source 42 owns the sink entity.
	res, err := r.Reconcile(context.Background(), ops, 42, 1)
	require.NoError(t, err)
	require.Equal(t, models.OutcomeUpdated, res.Outcome)

	// Source 43 resolves to the same sink id by SKU: hard error, no write.
	res, err = r.Reconcile(context.Background(), ops, 43, 1)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeError, res.Outcome)
	assert.Contains(t, res.Detail, "already mapped")
	assert.Equal(t, 1, sink.updated) // only the first reconcile wrote

	record, err := db.GetSyncRecord(context.Background(), models.KindProduct, 43, 1)
	require.NoError(t, err)
	assert.True(t, record.Error)
	assert.Nil(t, record.SinkID)

	// The original mapping is untouched.
	original, err := db.GetSyncRecord(context.Background(), models.KindProduct, 42, 1)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, *original.SinkID)
}

func TestReconcileErrorFlagClearsOnSuccess(t *testing.T) {
	db, r := setupReconciler(t)
	sink := newFakeSink()
	ops := testOps(sink, map[int64]*Entity{42: sourceEntity(42, "Blue Widget", "BW-1")})

	require.NoError(t, db.MarkSyncError(context.Background(), models.KindProduct, 42, 1, "earlier failure", ""))

	res, err := r.Reconcile(context.Background(), ops, 42, 1)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCreated, res.Outcome)

	record, err := db.GetSyncRecord(context.Background(), models.KindProduct, 42, 1)
	require.NoError(t, err)
	assert.False(t, record.Error)
}

func TestReconcileMissingSourceEntity(t *testing.T) {
	db, r := setupReconciler(t)
	sink := newFakeSink()
	ops := testOps(sink, map[int64]*Entity{})

	res, err := r.Reconcile(context.Background(), ops, 42, 1)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeError, res.Outcome)

	record, err := db.GetSyncRecord(context.Background(), models.KindProduct, 42, 1)
	require.NoError(t, err)
	assert.True(t, record.Error)
}

func TestReconcileSkipCreate(t *testing.T) {
	_, r := setupReconciler(t)
	sink := newFakeSink()
	ops := testOps(sink, map[int64]*Entity{42: sourceEntity(42, "Blue Widget", "BW-1")})
	ops.SkipCreate = true

	res, err := r.Reconcile(context.Background(), ops, 42, 1)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSkipped, res.Outcome)
	assert.Zero(t, sink.created)
}

func TestReconcileLockMutualExclusion(t *testing.T) {
	logger := zerolog.New(os.Stdout)
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	defer db.Close()

	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	broker := lock.NewRedisBroker(client, &logger)
	r := NewReconciler(db, broker, &logger, time.Minute, 1*time.Millisecond)

	sink := newFakeSink()
	entities := map[int64]*Entity{42: sourceEntity(42, "Blue Widget", "BW-1")}

	hold := make(chan struct{})
	entered := make(chan struct{})
	ops := testOps(sink, entities)
	baseCreate := ops.Create
	ops.Create = func(ctx context.Context, e *Entity) (int64, error) {
		close(entered)
		<-hold
		return baseCreate(ctx, e)
	}

	firstDone := make(chan Result, 1)
	go func() {
		res, _ := r.Reconcile(context.Background(), ops, 42, 1)
		firstDone <- res
	}()

	<-entered
	// Second worker on the same entity must step aside, not block or write.
	second, err := r.Reconcile(context.Background(), testOps(sink, entities), 42, 1)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSkipped, second.Outcome)

	close(hold)
	first := <-firstDone
	assert.Equal(t, models.OutcomeCreated, first.Outcome)
	assert.Equal(t, 1, sink.created)
}

func TestReconcileBatchAggregatesOutcomes(t *testing.T) {
	_, r := setupReconciler(t)
	sink := newFakeSink()
	existing := sink.add(SinkRef{Name: "Old", SKU: "OLD-1"})
	_ = existing

	ops := testOps(sink, map[int64]*Entity{
		1: sourceEntity(1, "One", "SKU-1"),
		2: sourceEntity(2, "Old", "OLD-1"),
		// 3 is missing from the source: error.
	})

	batch, err := r.ReconcileBatch(context.Background(), ops, []int64{1, 2, 3}, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, batch.Total)
	assert.Equal(t, 1, batch.Created)
	assert.Equal(t, 1, batch.Updated)
	assert.Equal(t, 1, batch.Errors)
	assert.Contains(t, batch.String(), "1 created")
}

func TestReconcileHierarchyOrdering(t *testing.T) {
	db, r := setupReconciler(t)
	_ = db
	sink := newFakeSink()

	var createdOrder []string
	var mu sync.Mutex

	entities := map[int64]*Entity{
		1: sourceEntity(1, "Root", ""),
		2: sourceEntity(2, "Mid", ""),
		3: sourceEntity(3, "Leaf", ""),
	}
	ops := testOps(sink, entities)
	baseCreate := ops.Create
	ops.Create = func(ctx context.Context, e *Entity) (int64, error) {
		mu.Lock()
		createdOrder = append(createdOrder, e.Name)
		mu.Unlock()
		return baseCreate(ctx, e)
	}
	ops.Kind = models.KindCategory

	nodes := []Node{{ID: 1}, {ID: 2, ParentID: 1}, {ID: 3, ParentID: 2}}
	chain, err := BuildChain(3, nodes)
	require.NoError(t, err)

	for _, id := range chain {
		res, err := r.Reconcile(context.Background(), ops, id, 1)
		require.NoError(t, err)
		require.Equal(t, models.OutcomeCreated, res.Outcome)
	}

	assert.Equal(t, []string{"Root", "Mid", "Leaf"}, createdOrder)
}
