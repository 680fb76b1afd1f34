package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"woosync/internal/database"
	"woosync/internal/lock"
	"woosync/internal/metrics"
	"woosync/internal/models"

	"github.com/rs/zerolog"
)

// Result is the outcome of reconciling one entity.
type Result struct {
	Outcome string `json:"outcome"`
	SinkID  int64  `json:"sink_id,omitempty"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Reconciler converges sink state toward source state one entity at a
// time. It owns the lock discipline and the sync-record bookkeeping;
// the per-kind behavior comes in through Ops.
type Reconciler struct {
	db       *database.DB
	broker   lock.Broker
	logger   *zerolog.Logger
	lockTTL  time.Duration
	lockWait time.Duration
}

func NewReconciler(db *database.DB, broker lock.Broker, logger *zerolog.Logger, lockTTL, lockWait time.Duration) *Reconciler {
	if lockTTL == 0 {
		lockTTL = models.DefaultLockTTLSeconds * time.Second
	}
	if lockWait == 0 {
		lockWait = models.DefaultLockWaitSeconds * time.Second
	}
	return &Reconciler{db: db, broker: broker, logger: logger, lockTTL: lockTTL, lockWait: lockWait}
}

// Reconcile runs the create-or-update algorithm for one source entity.
// The returned error is non-nil only for infrastructure failures the
// caller may retry; business outcomes (including conflicts) land in the
// Result and on the SyncRecord.
func (r *Reconciler) Reconcile(ctx context.Context, ops Ops, sourceID, tenantID int64) (Result, error) {
	started := time.Now()
	key := lock.Key(ops.Kind, sourceID, tenantID)

	lease, err := r.broker.Acquire(ctx, key, r.lockTTL, r.lockWait)
	if err != nil {
		if errors.Is(err, lock.ErrLockUnavailable) {
			// Another worker owns this entity; it will converge the
			// same state, so this attempt just steps aside.
			metrics.IncLockContention(ops.Kind)
			r.logger.Debug().Str("key", key).Msg("Lock held elsewhere, skipping")
			return Result{Outcome: models.OutcomeSkipped, Message: "entity locked by another worker"}, nil
		}
		return Result{}, err
	}
	defer func() {
		if releaseErr := lease.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			r.logger.Warn().Err(releaseErr).Str("key", key).Msg("Lock release failed")
		}
	}()

	result := r.reconcileLocked(ctx, ops, sourceID, tenantID)
	metrics.IncSyncOutcome(ops.Kind, result.Outcome)
	metrics.ObserveSyncDuration(ops.Kind, time.Since(started))
	return result, nil
}

func (r *Reconciler) reconcileLocked(ctx context.Context, ops Ops, sourceID, tenantID int64) Result {
	entity, err := ops.FetchSource(ctx, sourceID)
	if err != nil {
		return r.fail(ctx, ops, sourceID, tenantID, "failed to fetch source entity", err)
	}
	if entity == nil {
		return r.fail(ctx, ops, sourceID, tenantID, "source entity no longer exists", nil)
	}

	// Step 2: existing mapping, verified against the sink.
	var sink *SinkRef
	record, err := r.db.GetSyncRecord(ctx, ops.Kind, sourceID, tenantID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return r.fail(ctx, ops, sourceID, tenantID, "failed to load sync record", err)
	}
	if record != nil && record.SinkID != nil {
		sink, err = ops.FetchSink(ctx, *record.SinkID)
		if err != nil {
			return r.fail(ctx, ops, sourceID, tenantID, "failed to fetch sink entity", err)
		}
		if sink == nil {
			r.logger.Info().Str("kind", ops.Kind).Int64("source_id", sourceID).
				Int64("sink_id", *record.SinkID).Msg("Mapped sink entity is gone, re-resolving")
		}
	}

	// Step 3: natural key resolution.
	if sink == nil {
		sink, err = r.resolveByNaturalKey(ctx, ops, entity)
		if err != nil {
			return r.fail(ctx, ops, sourceID, tenantID, "natural key lookup failed", err)
		}
	}

	// Step 4: mandatory conflict check before any write.
	if sink != nil {
		if conflict := r.conflictCheck(ctx, ops.Kind, sink.ID, sourceID, tenantID); conflict != nil {
			return r.fail(ctx, ops, sourceID, tenantID, "identity conflict", conflict)
		}
	}

	// Step 5: create or update.
	switch {
	case sink != nil && ops.SkipUpdate:
		return r.finish(ctx, ops, entity, tenantID, sink.ID, models.OutcomeSkipped, "update disabled")
	case sink != nil:
		if err := ops.Update(ctx, sink.ID, entity); err != nil {
			return r.fail(ctx, ops, sourceID, tenantID, "sink update failed", err)
		}
		return r.finish(ctx, ops, entity, tenantID, sink.ID, models.OutcomeUpdated, "updated in sink")
	case ops.SkipCreate:
		return r.finish(ctx, ops, entity, tenantID, 0, models.OutcomeSkipped, "creation disabled")
	default:
		sinkID, err := ops.Create(ctx, entity)
		if err != nil {
			return r.fail(ctx, ops, sourceID, tenantID, "sink create failed", err)
		}
		// A concurrent worker may have created and mapped the same
		// entity between our lookup and create.
		if conflict := r.conflictCheck(ctx, ops.Kind, sinkID, sourceID, tenantID); conflict != nil {
			return r.fail(ctx, ops, sourceID, tenantID, "post-create identity conflict", conflict)
		}
		return r.finish(ctx, ops, entity, tenantID, sinkID, models.OutcomeCreated, "created in sink")
	}
}

// resolveByNaturalKey tries the exact SKU first, then the slug.
func (r *Reconciler) resolveByNaturalKey(ctx context.Context, ops Ops, entity *Entity) (*SinkRef, error) {
	if ops.FindBySKU != nil && entity.SKU != "" {
		sink, err := ops.FindBySKU(ctx, entity.SKU)
		if err != nil || sink != nil {
			return sink, err
		}
	}
	if ops.FindBySlug != nil && entity.Slug != "" {
		return ops.FindBySlug(ctx, entity.Slug)
	}
	return nil, nil
}

// conflictCheck refuses to bind a sink id that another source entity
// already owns within the tenant.
func (r *Reconciler) conflictCheck(ctx context.Context, kind string, sinkID, sourceID, tenantID int64) error {
	other, err := r.db.GetSyncRecordBySinkID(ctx, kind, sinkID, tenantID)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if other.SourceID != sourceID {
		return &ConflictError{Kind: kind, SinkID: sinkID, SourceID: sourceID, MappedSourceID: other.SourceID}
	}
	return nil
}

func (r *Reconciler) finish(ctx context.Context, ops Ops, entity *Entity, tenantID, sinkID int64, outcome, message string) Result {
	now := time.Now().UTC()
	record := &models.SyncRecord{
		SourceID:        entity.SourceID,
		TenantID:        tenantID,
		Name:            entity.Name,
		Created:         outcome == models.OutcomeCreated,
		Updated:         outcome == models.OutcomeUpdated,
		Skipped:         outcome == models.OutcomeSkipped,
		Message:         message,
		SourceWriteDate: entity.WriteDate,
		LastSyncedAt:    &now,
	}
	if sinkID != 0 {
		record.SinkID = &sinkID
	}
	if err := r.db.UpsertSyncRecord(ctx, ops.Kind, record); err != nil {
		r.logger.Error().Err(err).Str("kind", ops.Kind).Int64("source_id", entity.SourceID).
			Msg("Failed to upsert sync record")
		return Result{Outcome: models.OutcomeError, SinkID: sinkID,
			Message: "failed to persist sync record", Detail: err.Error()}
	}
	return Result{Outcome: outcome, SinkID: sinkID, Message: message}
}

func (r *Reconciler) fail(ctx context.Context, ops Ops, sourceID, tenantID int64, message string, cause error) Result {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	if err := r.db.MarkSyncError(ctx, ops.Kind, sourceID, tenantID, message, detail); err != nil {
		r.logger.Error().Err(err).Str("kind", ops.Kind).Int64("source_id", sourceID).
			Msg("Failed to record sync error")
	}
	r.logger.Error().Err(cause).Str("kind", ops.Kind).Int64("source_id", sourceID).
		Int64("tenant_id", tenantID).Msg(message)
	return Result{Outcome: models.OutcomeError, Message: message, Detail: detail}
}

// ErrRevoked aborts a batch mid-flight when its task was revoked.
var ErrRevoked = errors.New("task revoked")

// BatchResult aggregates per-entity outcomes of one run.
type BatchResult struct {
	Kind    string `json:"kind"`
	Total   int    `json:"total"`
	Created int    `json:"created"`
	Updated int    `json:"updated"`
	Skipped int    `json:"skipped"`
	Errors  int    `json:"errors"`
}

// Add folds one result into the counters.
func (b *BatchResult) Add(res Result) {
	b.Total++
	switch res.Outcome {
	case models.OutcomeCreated:
		b.Created++
	case models.OutcomeUpdated:
		b.Updated++
	case models.OutcomeSkipped:
		b.Skipped++
	default:
		b.Errors++
	}
}

func (b *BatchResult) String() string {
	return fmt.Sprintf("%s: %d total, %d created, %d updated, %d skipped, %d errors",
		b.Kind, b.Total, b.Created, b.Updated, b.Skipped, b.Errors)
}

// ReconcileBatch runs a list of source ids, never aborting siblings on
// entity-level errors.
func (r *Reconciler) ReconcileBatch(ctx context.Context, ops Ops, sourceIDs []int64, tenantID int64) (BatchResult, error) {
	batch := BatchResult{Kind: ops.Kind}
	for _, sourceID := range sourceIDs {
		if ctx.Err() != nil {
			return batch, ctx.Err()
		}
		res, err := r.Reconcile(ctx, ops, sourceID, tenantID)
		if err != nil {
			res = Result{Outcome: models.OutcomeError, Message: "reconciliation failed", Detail: err.Error()}
		}
		batch.Add(res)
	}
	return batch, nil
}
