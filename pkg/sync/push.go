package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/tablesync/tablesync-sdk/pkg/record"
	"github.com/tablesync/tablesync-sdk/pkg/remote"
)

// Push drains the operation queue against the remote service in enqueue
// order. Each success is committed (server result applied locally, entry
// dequeued) before the next entry is attempted, so an abort mid-pass keeps
// all earlier progress. Failures go to the handler; an unresolved failure
// aborts the pass wrapping the original error in ErrUnresolved.
func (e *Engine) Push(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Engine.Push")
	defer span.End()

	e.passMu.Lock()
	defer e.passMu.Unlock()

	l := ctxzap.Extract(ctx)

	ops, err := e.queue.drain(ctx)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	l.Debug("starting push pass", zap.Int("pending", len(ops)))

	for _, op := range ops {
		if err := e.pushOperation(ctx, op); err != nil {
			return err
		}
	}

	l.Debug("push pass complete")
	return nil
}

// pushOperation attempts one queue entry, routing failures through the
// handler. A ChangeAction or Update resolution retries the rewritten entry
// at most once within this pass; a second failure aborts even if the handler
// resolves it again, so a looping handler cannot wedge the pass.
func (e *Engine) pushOperation(ctx context.Context, op *PendingOperation) error {
	l := ctxzap.Extract(ctx)

	retried := false
	for {
		result, cause := e.sendOperation(ctx, op)
		if cause == nil {
			removed, err := e.queue.dequeue(ctx, op, result)
			if err != nil {
				return err
			}
			if !removed {
				// A newer mutation merged into the row mid-flight; it stays
				// queued for the next pass and keeps the local copy.
				return nil
			}
			return e.applyServerRecord(ctx, op.Table, result)
		}

		var conflictErr *remote.ConflictError
		conflict := errors.As(cause, &conflictErr)

		pushErr := &PushError{op: op, cause: cause, conflict: conflict}
		if conflict {
			pushErr.serverRecord = conflictErr.Server
		}

		unresolved := fmt.Errorf("%w: %s on %s/%s: %w", ErrUnresolved, op.Kind, op.Table, op.RecordID, cause)

		if retried {
			// The rewritten entry failed too; surface it regardless of what
			// the handler says this time.
			l.Warn("retried operation failed again, aborting push pass",
				zap.String("table", op.Table),
				zap.String("record_id", op.RecordID),
				zap.Error(cause),
			)
			return unresolved
		}

		var handlerErr error
		if conflict {
			handlerErr = e.handler.OnConflict(ctx, pushErr)
		} else {
			handlerErr = e.handler.OnError(ctx, pushErr)
		}
		if handlerErr != nil {
			return fmt.Errorf("%w: handler failed: %v (original: %w)", ErrUnresolved, handlerErr, cause)
		}

		res := pushErr.takeResolution()
		switch res.kind {
		case resolutionUnresolved:
			return unresolved

		case resolutionCancel:
			_, err := e.queue.dequeue(ctx, op, nil)
			return err

		case resolutionCancelDiscard:
			removed, err := e.queue.dequeue(ctx, op, nil)
			if err != nil || !removed {
				return err
			}
			return e.store.Delete(ctx, op.Table, op.RecordID)

		case resolutionCancelUpdate:
			removed, err := e.queue.dequeue(ctx, op, nil)
			if err != nil || !removed {
				return err
			}
			return e.store.Upsert(ctx, op.Table, res.rec)

		case resolutionChangeAction:
			op.Kind = res.action
			if res.rec != nil {
				op.Item = res.rec
			}
			written, err := e.queue.replace(ctx, op)
			if err != nil {
				return err
			}
			if !written {
				// Superseded mid-flight; the newer revision pushes next pass.
				return nil
			}
			retried = true

		case resolutionUpdate:
			op.Item = res.rec
			written, err := e.queue.replace(ctx, op)
			if err != nil {
				return err
			}
			if !written {
				return nil
			}
			retried = true
		}
	}
}

// sendOperation issues the remote call matching the operation, returning
// the server's resulting record when the call produces one.
func (e *Engine) sendOperation(ctx context.Context, op *PendingOperation) (*record.Record, error) {
	switch op.Kind {
	case OpInsert:
		return e.client.Create(ctx, op.Table, op.Item)

	case OpUpdate:
		return e.client.Replace(ctx, op.Table, op.Item, op.Item.Version)

	case OpDelete:
		version := ""
		if op.Item != nil {
			version = op.Item.Version
		}
		return nil, e.client.Delete(ctx, op.Table, op.RecordID, version)

	default:
		return nil, fmt.Errorf("sync: unknown operation kind %d", op.Kind)
	}
}

// applyServerRecord writes the server's resulting record (new version token,
// server timestamp) over the optimistic local copy.
func (e *Engine) applyServerRecord(ctx context.Context, table string, rec *record.Record) error {
	if rec == nil || rec.ID == "" {
		return nil
	}
	return e.store.Upsert(ctx, table, rec)
}
