// Package remote defines the remote table service contract the sync engine
// pushes to and pulls from, plus an HTTP implementation of it.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/tablesync/tablesync-sdk/pkg/query"
	"github.com/tablesync/tablesync-sdk/pkg/record"
)

// ErrNotFound is returned when the server reports that the addressed record
// does not exist.
var ErrNotFound = errors.New("remote: record not found")

// ConflictError is the structured outcome of a write that failed the
// server's optimistic concurrency check. Server carries the server's current
// copy of the record when the service supplied one.
type ConflictError struct {
	Table  string
	ID     string
	Server *record.Record
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote: version conflict on %s/%s", e.Table, e.ID)
}

// Page is one page of query results. More indicates the server had at least
// one additional page at the time of the request.
type Page struct {
	Records []*record.Record
	More    bool
}

// Client is the remote table service. Create and Replace return the server's
// resulting record (with its new version token and timestamp). Replace and
// Delete carry the client's version token; a stale token yields a
// *ConflictError. Query returns records with change timestamps at or after
// since, ordered ascending by that timestamp so callers can keep a stable
// bookmark.
type Client interface {
	Create(ctx context.Context, table string, rec *record.Record) (*record.Record, error)
	Replace(ctx context.Context, table string, rec *record.Record, version string) (*record.Record, error)
	Delete(ctx context.Context, table string, id string, version string) error
	Query(ctx context.Context, q query.Query, since string, pageSize uint) (*Page, error)
}
