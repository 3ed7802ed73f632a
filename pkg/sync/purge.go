package sync

import (
	"context"
	"fmt"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/tablesync/tablesync-sdk/pkg/query"
)

// Purge discards local state for the query's table: rows matching the
// query's filter, every pending operation for the table, and every ledger
// mark for the table's queries. A regular purge refuses to run while the
// table has pending operations; force discards them.
//
// The three deletions are not atomic as a whole. They run queue, then
// ledger, then rows, so a crash mid-purge can leave orphaned data rows but
// never a pending operation or a bookmark referencing state that is already
// gone.
func (e *Engine) Purge(ctx context.Context, q query.Query, force bool) error {
	ctx, span := tracer.Start(ctx, "Engine.Purge")
	defer span.End()

	e.passMu.Lock()
	defer e.passMu.Unlock()

	l := ctxzap.Extract(ctx)

	if q.Table == "" {
		return fmt.Errorf("sync: purge requires a table")
	}
	if err := e.store.DefineTable(ctx, q.Table); err != nil {
		return err
	}

	pending, err := e.queue.countForTable(ctx, q.Table)
	if err != nil {
		return err
	}
	if pending > 0 && !force {
		return fmt.Errorf("%w: table %q has %d pending operations", ErrPurgeBlocked, q.Table, pending)
	}

	if err := e.queue.deleteForTable(ctx, q.Table); err != nil {
		return err
	}
	if err := e.ledger.deleteForTable(ctx, q.Table); err != nil {
		return err
	}

	rows, err := e.store.DeleteWhere(ctx, q.Table, q.Filter)
	if err != nil {
		return err
	}

	l.Info("purged table state",
		zap.String("table", q.Table),
		zap.Bool("force", force),
		zap.Int("dropped_operations", pending),
		zap.Int64("rows", rows),
	)

	return nil
}
