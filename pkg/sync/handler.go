package sync

import (
	"context"
	"sync"

	"github.com/tablesync/tablesync-sdk/pkg/record"
)

// Handler resolves individual push failures. The engine never guesses a
// resolution itself: a handler that returns without calling one of the
// PushError resolution methods leaves the failure unresolved and the push
// pass aborts, preserving already-pushed operations.
//
// OnConflict is invoked for optimistic-concurrency failures (the server's
// version token no longer matches); OnError for everything else. A non-nil
// return from either is treated the same as leaving the failure unresolved.
type Handler interface {
	OnConflict(ctx context.Context, pushErr *PushError) error
	OnError(ctx context.Context, pushErr *PushError) error
}

// UnresolvedHandler leaves every failure unresolved. It is the default
// handler: pushing with it aborts on the first failure.
type UnresolvedHandler struct{}

var _ Handler = (*UnresolvedHandler)(nil)

func (UnresolvedHandler) OnConflict(ctx context.Context, pushErr *PushError) error { return nil }
func (UnresolvedHandler) OnError(ctx context.Context, pushErr *PushError) error    { return nil }

type resolutionKind uint8

const (
	resolutionUnresolved resolutionKind = iota
	resolutionCancel
	resolutionCancelDiscard
	resolutionCancelUpdate
	resolutionChangeAction
	resolutionUpdate
)

// resolution is the tagged outcome a handler chose for one failure.
type resolution struct {
	kind   resolutionKind
	action OpKind
	rec    *record.Record
}

// PushError carries the context of one failed pending operation during a
// push pass, and records the handler's resolution. Exactly one resolution
// call may succeed per instance; later calls fail with ErrAlreadyHandled.
// The read accessors are usable in either state.
type PushError struct {
	op           *PendingOperation
	serverRecord *record.Record
	cause        error
	conflict     bool

	mu  sync.Mutex
	res resolution
}

// Action returns the kind of the failed operation.
func (e *PushError) Action() OpKind { return e.op.Kind }

// TableName returns the table the failed operation targets.
func (e *PushError) TableName() string { return e.op.Table }

// RecordID returns the id of the record the failed operation targets.
func (e *PushError) RecordID() string { return e.op.RecordID }

// ClientRecord returns the snapshot the client tried to push. Nil for
// deletes of records with no local snapshot.
func (e *PushError) ClientRecord() *record.Record { return e.op.Item }

// ServerRecord returns the server's current copy when the failure carried
// one, typically on version conflicts.
func (e *PushError) ServerRecord() *record.Record { return e.serverRecord }

// Err returns the underlying transport or validation error.
func (e *PushError) Err() error { return e.cause }

// IsConflict reports whether the failure was an optimistic-concurrency
// conflict rather than a generic error.
func (e *PushError) IsConflict() bool { return e.conflict }

// Handled reports whether a resolution has been recorded.
func (e *PushError) Handled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.res.kind != resolutionUnresolved
}

func (e *PushError) resolve(res resolution) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.res.kind != resolutionUnresolved {
		return ErrAlreadyHandled
	}
	e.res = res
	return nil
}

func (e *PushError) takeResolution() resolution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.res
}

// Cancel discards the pending operation without contacting the server,
// leaving the local record as it is.
func (e *PushError) Cancel() error {
	return e.resolve(resolution{kind: resolutionCancel})
}

// CancelAndDiscard discards the pending operation and deletes the local
// record.
func (e *PushError) CancelAndDiscard() error {
	return e.resolve(resolution{kind: resolutionCancelDiscard})
}

// CancelAndUpdate discards the pending operation and writes newValue to the
// local store, typically the server's copy.
func (e *PushError) CancelAndUpdate(newValue *record.Record) error {
	if newValue == nil {
		return ErrUnresolved
	}
	return e.resolve(resolution{kind: resolutionCancelUpdate, rec: newValue.Clone()})
}

// ChangeAction rewrites the pending operation's kind and snapshot and
// retries it within the same push pass. newRecord may be nil when the new
// action is a delete reusing the existing snapshot.
func (e *PushError) ChangeAction(newAction OpKind, newRecord *record.Record) error {
	return e.resolve(resolution{kind: resolutionChangeAction, action: newAction, rec: newRecord.Clone()})
}

// Update revises the snapshot, keeps the operation's kind, and retries it
// within the same push pass.
func (e *PushError) Update(newValue *record.Record) error {
	if newValue == nil {
		return ErrUnresolved
	}
	return e.resolve(resolution{kind: resolutionUpdate, rec: newValue.Clone()})
}
