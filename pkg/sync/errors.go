package sync

import "errors"

var (
	// ErrInvalidOperationSequence is returned synchronously by a mutation API
	// when the requested operation cannot legally follow the record's pending
	// operation, e.g. updating a record already queued for deletion.
	ErrInvalidOperationSequence = errors.New("sync: invalid operation sequence for record")

	// ErrPurgeBlocked is returned by a regular purge when the table still has
	// pending operations. A forced purge discards them.
	ErrPurgeBlocked = errors.New("sync: purge blocked by pending operations")

	// ErrAlreadyHandled is returned by a resolution call on a PushError that
	// was already resolved.
	ErrAlreadyHandled = errors.New("sync: push failure already handled")

	// ErrUnresolved wraps the original failure when a handler returns without
	// resolving it; the push pass aborts, keeping earlier progress.
	ErrUnresolved = errors.New("sync: push failure unresolved")
)
