package sync

import (
	"errors"
	"fmt"

	"woosync/internal/odoo"
	"woosync/internal/woo"
)

// ConflictError means a sink identity is already claimed by a different
// source entity within the tenant. It is terminal: never retried, never
// silently remapped, always waits for manual intervention.
type ConflictError struct {
	Kind           string
	SinkID         int64
	SourceID       int64
	MappedSourceID int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s sink id %d already mapped to source id %d, refusing to remap to %d",
		e.Kind, e.SinkID, e.MappedSourceID, e.SourceID)
}

// IsTransient reports whether an error is worth a task-level retry.
func IsTransient(err error) bool {
	return errors.Is(err, woo.ErrTransient)
}

// IsAuth reports a credential failure against either external system.
func IsAuth(err error) bool {
	return errors.Is(err, woo.ErrAuthFailed) || errors.Is(err, odoo.ErrAuthFailed)
}

// IsConflict reports an identity mapping collision.
func IsConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}
