// Package localstore defines the record store contract the sync engine
// consumes. Implementations persist rows for named tables; the engine makes
// no transactional assumptions across calls and keeps its own queue and
// ledger bookkeeping to compensate.
package localstore

import (
	"context"
	"errors"

	"github.com/tablesync/tablesync-sdk/pkg/query"
	"github.com/tablesync/tablesync-sdk/pkg/record"
)

// ErrNotFound is returned by Lookup when no row exists for the id. Callers
// distinguish a miss from a failed lookup with errors.Is.
var ErrNotFound = errors.New("localstore: record not found")

// Store is the record store adapter. All methods return after the change is
// durably applied by the underlying engine's own guarantees; each call is
// individually atomic but no atomicity spans multiple calls.
type Store interface {
	// DefineTable ensures the named table exists with the standard row
	// envelope. Defining an existing table is a no-op.
	DefineTable(ctx context.Context, table string) error

	// Upsert writes the given records, replacing any rows with the same id.
	Upsert(ctx context.Context, table string, recs ...*record.Record) error

	// Delete removes rows by id. Missing ids are ignored.
	Delete(ctx context.Context, table string, ids ...string) error

	// DeleteWhere removes every row matching the filter and reports how many
	// rows went away.
	DeleteWhere(ctx context.Context, table string, f query.Filter) (int64, error)

	// Lookup fetches a single row by id, or ErrNotFound.
	Lookup(ctx context.Context, table string, id string) (*record.Record, error)

	// List returns the rows matching the filter. The scan is finite and
	// restartable by calling List again.
	List(ctx context.Context, table string, f query.Filter) ([]*record.Record, error)

	// Close flushes and releases the store.
	Close() error
}
