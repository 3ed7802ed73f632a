package sync

import (
	"context"
)

// ClientWinsHandler resolves version conflicts in favor of the local change:
// the client snapshot is rebased onto the server's current version token and
// the operation is retried, overwriting the server's copy. Non-conflict
// errors are left unresolved.
type ClientWinsHandler struct{}

var _ Handler = (*ClientWinsHandler)(nil)

func (ClientWinsHandler) OnConflict(ctx context.Context, pushErr *PushError) error {
	merged := pushErr.ClientRecord().Clone()
	if merged == nil {
		// A conflicting delete with no snapshot: retry unconditionally.
		return pushErr.ChangeAction(pushErr.Action(), nil)
	}
	if server := pushErr.ServerRecord(); server != nil {
		merged.Version = server.Version
	}
	return pushErr.Update(merged)
}

func (ClientWinsHandler) OnError(ctx context.Context, pushErr *PushError) error { return nil }

// ServerWinsHandler resolves version conflicts in favor of the server: the
// pending operation is cancelled and the server's copy replaces the local
// one. When the server no longer has the record the local copy is discarded.
// Non-conflict errors are left unresolved.
type ServerWinsHandler struct{}

var _ Handler = (*ServerWinsHandler)(nil)

func (ServerWinsHandler) OnConflict(ctx context.Context, pushErr *PushError) error {
	if server := pushErr.ServerRecord(); server != nil {
		return pushErr.CancelAndUpdate(server)
	}
	return pushErr.CancelAndDiscard()
}

func (ServerWinsHandler) OnError(ctx context.Context, pushErr *PushError) error { return nil }
