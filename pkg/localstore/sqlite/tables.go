package sqlite

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

const recordTableVersion = "1"
const recordTableSchema = `
create table if not exists %s (
    id integer primary key,
    record_id text not null,
    version text not null default '',
    deleted integer not null default 0,
    updated_at text not null default '',
    data blob not null,
    stored_at datetime not null
);
create unique index if not exists %s on %s (record_id);
create index if not exists %s on %s (updated_at);`

// Reserved tables holding the sync engine's queue and delta ledger state.
// They share the standard row envelope so the engine can manage them through
// the ordinary store contract.
var systemTables = []string{"__operations", "__deltas"}

var tableNameRe = regexp.MustCompile(`^(__)?[a-zA-Z][a-zA-Z0-9_]*$`)

// recordTable maps a logical sync table to its physical sqlite table. Table
// names are versioned so future schema revisions can migrate side by side.
type recordTable struct {
	table string
}

func (r *recordTable) Name() string {
	return fmt.Sprintf("v%s_tbl_%s", recordTableVersion, r.table)
}

func (r *recordTable) Schema() (string, []interface{}) {
	return recordTableSchema, []interface{}{
		r.Name(),
		fmt.Sprintf("idx_%s_record_id_v%s", r.table, recordTableVersion),
		r.Name(),
		fmt.Sprintf("idx_%s_updated_at_v%s", r.table, recordTableVersion),
		r.Name(),
	}
}

func tableFor(table string) (*recordTable, error) {
	if !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("sqlite: invalid table name %q", table)
	}
	if strings.HasPrefix(table, "__") && !slices.Contains(systemTables, table) {
		return nil, fmt.Errorf("sqlite: table name %q is reserved", table)
	}
	return &recordTable{table: table}, nil
}

// DefineTable implements localstore.Store. Names must be simple identifiers;
// a leading double underscore marks a reserved engine table.
func (s *Store) DefineTable(ctx context.Context, table string) error {
	ctx, span := tracer.Start(ctx, "sqlite.DefineTable")
	defer span.End()

	if err := s.validateDb(ctx); err != nil {
		return err
	}

	t, err := tableFor(table)
	if err != nil {
		return err
	}

	s.mu.Lock()
	_, done := s.definedTables[table]
	s.mu.Unlock()
	if done {
		return nil
	}

	schema, args := t.Schema()
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(schema, args...)); err != nil {
		return fmt.Errorf("sqlite: error defining table %q: %w", table, err)
	}

	s.mu.Lock()
	s.definedTables[table] = struct{}{}
	s.mu.Unlock()

	return nil
}

// requireTable resolves the physical table and errors if the logical table
// was never defined.
func (s *Store) requireTable(table string) (*recordTable, error) {
	s.mu.Lock()
	_, ok := s.definedTables[table]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("sqlite: table %q is not defined", table)
	}
	return tableFor(table)
}
