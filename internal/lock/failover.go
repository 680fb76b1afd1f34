package lock

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// NoopBroker hands out leases without any mutual exclusion. Used when no
// Redis is configured or the broker degraded: syncing unprotected beats
// not syncing at all, but every acquisition logs a warning.
type NoopBroker struct {
	logger *zerolog.Logger
}

func NewNoopBroker(logger *zerolog.Logger) *NoopBroker {
	return &NoopBroker{logger: logger}
}

type noopLease struct{}

func (noopLease) Release(ctx context.Context) error { return nil }

func (b *NoopBroker) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Lease, error) {
	b.logger.Warn().Str("key", key).Msg("Lock broker unavailable, proceeding without lock protection")
	return noopLease{}, nil
}

// FailoverBroker tries Redis first and degrades to unprotected operation
// when Redis is down, probing for recovery once a minute.
type FailoverBroker struct {
	primary   Broker
	fallback  Broker
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

func NewFailoverBroker(primary Broker, logger *zerolog.Logger) *FailoverBroker {
	return &FailoverBroker{
		primary:  primary,
		fallback: NewNoopBroker(logger),
		logger:   logger,
	}
}

func (b *FailoverBroker) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Lease, error) {
	tryPrimary := !b.isDown.Load()
	if !tryPrimary && time.Since(time.Unix(b.lastCheck.Load(), 0)) > time.Minute {
		tryPrimary = true
	}

	if tryPrimary {
		lease, err := b.primary.Acquire(ctx, key, ttl, wait)
		if err == nil || errors.Is(err, ErrLockUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Contention and cancellation are not broker failures.
			if b.isDown.Swap(false) {
				b.logger.Info().Msg("Lock broker recovered")
			}
			return lease, err
		}
		b.logger.Error().Err(err).Msg("Lock broker failed, degrading to unprotected operation")
		b.isDown.Store(true)
		b.lastCheck.Store(time.Now().Unix())
	}

	return b.fallback.Acquire(ctx, key, ttl, wait)
}
