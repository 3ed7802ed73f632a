package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/doug-martin/goqu/v9"
	"github.com/stretchr/testify/require"

	"github.com/tablesync/tablesync-sdk/pkg/localstore"
	"github.com/tablesync/tablesync-sdk/pkg/query"
	"github.com/tablesync/tablesync-sdk/pkg/record"
)

var sqliteTests struct {
	workingDir string
}

func TestMain(m *testing.M) {
	err := setup()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s\n", err.Error())
		os.Exit(1)
	}

	code := m.Run()

	err = teardown()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s\n", err.Error())
	}

	os.Exit(code)
}

func setup() error {
	tempdir, err := os.MkdirTemp("", "tablesync-sqlite-test")
	if err != nil {
		return err
	}
	sqliteTests.workingDir = tempdir
	return nil
}

func teardown() error {
	if sqliteTests.workingDir != "" {
		err := os.RemoveAll(sqliteTests.workingDir)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error during teardown: %s\n", err.Error())
		}
	}
	return nil
}

func TestSQLiteDialectRegistered(t *testing.T) {
	require.Equal(
		t,
		"sqlite3",
		goqu.GetDialect("sqlite3").Dialect(),
	)
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	dir, err := os.MkdirTemp(sqliteTests.workingDir, "store")
	require.NoError(t, err)

	s, err := Open(ctx, filepath.Join(dir, "test.db"), WithPragma("journal_mode", "WAL"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.DefineTable(ctx, "items"))
	return s
}

func TestUpsertLookup(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := record.New("r1", map[string]any{"name": "alpha", "count": float64(3)})
	rec.Version = "v1"
	require.NoError(t, s.Upsert(ctx, "items", rec))

	got, err := s.Lookup(ctx, "items", "r1")
	require.NoError(t, err)
	require.Equal(t, "r1", got.ID)
	require.Equal(t, "v1", got.Version)
	require.Equal(t, rec.Fields, got.Fields)

	// Replacing the row keeps a single copy.
	rec.Version = "v2"
	require.NoError(t, rec.SetField("name", "alpha-2"))
	require.NoError(t, s.Upsert(ctx, "items", rec))

	got, err = s.Lookup(ctx, "items", "r1")
	require.NoError(t, err)
	require.Equal(t, "v2", got.Version)
	name, _ := got.Field("name")
	require.Equal(t, "alpha-2", name)

	all, err := s.List(ctx, "items", query.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestLookupNotFound(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Lookup(ctx, "items", "missing")
	require.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestListFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for i, name := range []string{"c", "a", "b"} {
		rec := record.New(fmt.Sprintf("r%d", i), map[string]any{"name": name, "group": "g1"})
		require.NoError(t, s.Upsert(ctx, "items", rec))
	}
	other := record.New("r9", map[string]any{"name": "z", "group": "g2"})
	require.NoError(t, s.Upsert(ctx, "items", other))

	got, err := s.List(ctx, "items", query.Filter{
		Eq:      map[string]any{"group": "g1"},
		OrderBy: "name",
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, want := range []string{"a", "b", "c"} {
		name, _ := got[i].Field("name")
		require.Equal(t, want, name)
	}

	limited, err := s.List(ctx, "items", query.Filter{OrderBy: "name", Descending: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	name, _ := limited[0].Field("name")
	require.Equal(t, "z", name)
}

func TestDeleteWhere(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for i := 0; i < 4; i++ {
		group := "keep"
		if i%2 == 0 {
			group = "drop"
		}
		rec := record.New(fmt.Sprintf("r%d", i), map[string]any{"group": group})
		require.NoError(t, s.Upsert(ctx, "items", rec))
	}

	n, err := s.DeleteWhere(ctx, "items", query.Filter{Eq: map[string]any{"group": "drop"}})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	rest, err := s.List(ctx, "items", query.Filter{})
	require.NoError(t, err)
	require.Len(t, rest, 2)

	// An empty filter deletes everything in the table.
	n, err = s.DeleteWhere(ctx, "items", query.Filter{})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestUndefinedTable(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Lookup(ctx, "nope", "r1")
	require.Error(t, err)
	require.NotErrorIs(t, err, localstore.ErrNotFound)
}

func TestInvalidTableName(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.Error(t, s.DefineTable(ctx, "bad name; drop table"))
}

func TestReservedTableNames(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	// The engine's own state tables are definable; other dunder names are
	// not.
	require.NoError(t, s.DefineTable(ctx, "__operations"))
	require.NoError(t, s.DefineTable(ctx, "__deltas"))
	require.Error(t, s.DefineTable(ctx, "__mine"))
}
