package sync

import (
	"context"
	"errors"

	"github.com/tablesync/tablesync-sdk/pkg/localstore"
	"github.com/tablesync/tablesync-sdk/pkg/query"
	"github.com/tablesync/tablesync-sdk/pkg/record"
)

// deltasTable is the reserved store table holding incremental pull
// bookmarks, one row per (table, query id).
const deltasTable = "__deltas"

// ledger tracks the high-water mark of the last fully-applied pull page for
// each incremental query. Marks only ever advance: the pull engine writes a
// page's mark after the page's rows are durably applied, so a crash between
// the two re-fetches the page instead of losing it.
type ledger struct {
	store localstore.Store
}

func newLedger(ctx context.Context, store localstore.Store) (*ledger, error) {
	if err := store.DefineTable(ctx, deltasTable); err != nil {
		return nil, err
	}
	return &ledger{store: store}, nil
}

// get returns the stored mark for the query, or "" when the query has never
// completed an incremental pull page.
func (l *ledger) get(ctx context.Context, q query.Query) (string, error) {
	rec, err := l.store.Lookup(ctx, deltasTable, q.Key())
	if err != nil {
		if errors.Is(err, localstore.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	if v, ok := rec.Field("token"); ok {
		if s, ok := v.(string); ok {
			return s, nil
		}
	}
	return "", nil
}

// set records the mark for the query.
func (l *ledger) set(ctx context.Context, q query.Query, token string) error {
	return l.store.Upsert(ctx, deltasTable, record.New(q.Key(), map[string]any{
		"table":   q.Table,
		"queryId": q.ID,
		"token":   token,
	}))
}

// deleteForTable removes every bookmark belonging to the table's queries.
func (l *ledger) deleteForTable(ctx context.Context, table string) error {
	_, err := l.store.DeleteWhere(ctx, deltasTable, query.Filter{Eq: map[string]any{"table": table}})
	return err
}
