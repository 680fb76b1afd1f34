package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLockUnavailable means the wait window expired while another holder
// kept the lease. Callers treat this as "skip", not as a failure.
var ErrLockUnavailable = errors.New("lock unavailable")

// Lease is a held lock. Release is safe to call once; releasing a lease
// whose token no longer matches (expired and re-acquired elsewhere) is a
// no-op.
type Lease interface {
	Release(ctx context.Context) error
}

// Broker hands out mutual-exclusion leases keyed by string. Acquire
// blocks up to wait for the lease, then gives up with ErrLockUnavailable.
// A lease auto-expires after ttl even if Release never runs.
type Broker interface {
	Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Lease, error)
}

// Key builds the canonical lock key for one entity within a tenant.
func Key(kind string, sourceID, tenantID int64) string {
	return fmt.Sprintf("sync_lock:%s:%d:%d", kind, sourceID, tenantID)
}
