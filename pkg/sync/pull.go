package sync

import (
	"context"
	"fmt"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/tablesync/tablesync-sdk/pkg/query"
)

// Pull fetches server-side changes for the query into the local store, page
// by page, ascending by the server's change timestamp. Queries with an ID
// resume from their ledger mark and persist a new mark after each fully
// applied page; a pull interrupted mid-page re-fetches that page next time,
// so records are never lost. Vanilla queries (no ID) always fetch from the
// beginning and keep no mark.
//
// Records with a pending local operation are never overwritten: the local
// edit wins until it is pushed, though such records still advance the page's
// mark. A record the server marks deleted removes the local row.
func (e *Engine) Pull(ctx context.Context, q query.Query) error {
	ctx, span := tracer.Start(ctx, "Engine.Pull")
	defer span.End()

	e.passMu.Lock()
	defer e.passMu.Unlock()

	l := ctxzap.Extract(ctx)

	if q.Table == "" {
		return fmt.Errorf("sync: pull requires a table")
	}
	if err := e.store.DefineTable(ctx, q.Table); err != nil {
		return err
	}

	since := ""
	if !q.Vanilla() {
		var err error
		since, err = e.ledger.get(ctx, q)
		if err != nil {
			return err
		}
	}

	pages := 0
	for {
		page, err := e.client.Query(ctx, q, since, e.pageSize)
		if err != nil {
			return fmt.Errorf("sync: error pulling %q: %w", q.Table, err)
		}
		pages++

		mark := since
		for _, rec := range page.Records {
			if rec == nil || rec.ID == "" {
				return fmt.Errorf("sync: pull of %q returned a record without an id", q.Table)
			}

			pending, err := e.queue.get(ctx, q.Table, rec.ID)
			if err != nil {
				return err
			}

			switch {
			case pending != nil:
				// Local edit takes precedence until pushed.
				l.Debug("skipping pulled record with pending operation",
					zap.String("table", q.Table),
					zap.String("record_id", rec.ID),
				)
			case rec.Deleted:
				if err := e.store.Delete(ctx, q.Table, rec.ID); err != nil {
					return err
				}
			default:
				if err := e.store.Upsert(ctx, q.Table, rec); err != nil {
					return err
				}
			}

			if rec.UpdatedAt != "" {
				mark = rec.UpdatedAt
			}
		}

		// A full page that moved no change timestamp would be re-fetched
		// forever; a server that pages must stamp its records.
		if uint(len(page.Records)) >= e.pageSize && mark == since {
			return fmt.Errorf("sync: pull of %q is not advancing past %q", q.Table, since)
		}

		// The page is fully applied; only now is it safe to move the mark.
		if !q.Vanilla() && mark != since {
			if err := e.ledger.set(ctx, q, mark); err != nil {
				return err
			}
		}
		since = mark

		if uint(len(page.Records)) < e.pageSize {
			break
		}
	}

	l.Debug("pull complete", zap.String("table", q.Table), zap.Int("pages", pages))
	return nil
}
