// Package query holds the narrow query shape shared by the local store and
// the remote table client. A full query-building DSL is out of scope; the
// engine only needs equality predicates, ordering, and a stable query
// identity for incremental sync bookmarks.
package query

import (
	"fmt"
	"sort"
)

// Filter is a conjunction of field equality predicates with optional
// ordering and limit. Field names may refer to the record envelope
// ("id", "version", "deleted", "updatedAt") or to application fields.
type Filter struct {
	Eq         map[string]any
	OrderBy    string
	Descending bool
	Limit      uint
}

// Query names a table, an optional incremental-sync identity, and a filter.
// A query with an empty ID never uses or records a delta bookmark.
type Query struct {
	Table  string
	ID     string
	Filter Filter
}

// Vanilla reports whether the query carries no incremental-sync identity.
func (q Query) Vanilla() bool {
	return q.ID == ""
}

// Key returns the ledger key for this query's bookmark.
func (q Query) Key() string {
	return fmt.Sprintf("%s|%s", q.Table, q.ID)
}

// EqKeys returns the equality predicate field names in stable order. Both
// store and remote implementations iterate predicates through this so that
// generated SQL and request URLs are deterministic.
func (f Filter) EqKeys() []string {
	keys := make([]string, 0, len(f.Eq))
	for k := range f.Eq {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
