// Package sqlite implements the localstore contract on an embedded sqlite
// database. Rows are stored with a fixed envelope (record id, version token,
// soft-delete marker, server timestamp) plus a JSON field bag, one sqlite
// table per defined sync table.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	"go.opentelemetry.io/otel"

	// NOTE: required to register the dialect for goqu.
	//
	// If you remove this import, goqu.Dialect("sqlite3") will
	// return a copy of the default dialect, which is not what we want,
	// and allocates a ton of memory.
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"

	_ "github.com/glebarez/go-sqlite"

	"github.com/tablesync/tablesync-sdk/pkg/localstore"
)

var tracer = otel.Tracer("tablesync-sdk/localstore/sqlite")

type pragma struct {
	name  string
	value string
}

// Store is a sqlite-backed localstore.Store.
type Store struct {
	rawDb        *sql.DB
	db           *goqu.Database
	dbFilePath   string
	snapshotPath string
	tempDir      string
	dbUpdated    bool
	pragmas      []pragma

	mu            sync.Mutex
	definedTables map[string]struct{}
}

var _ localstore.Store = (*Store)(nil)

type Option func(*Store)

// WithPragma applies the sqlite pragma after the schema is initialized.
func WithPragma(name string, value string) Option {
	return func(s *Store) {
		s.pragmas = append(s.pragmas, pragma{name, value})
	}
}

// WithTmpDir sets the directory used when expanding snapshot files.
func WithTmpDir(tempDir string) Option {
	return func(s *Store) {
		s.tempDir = tempDir
	}
}

// Open returns a Store backed by the sqlite database at dbFilePath, creating
// it if necessary.
func Open(ctx context.Context, dbFilePath string, opts ...Option) (*Store, error) {
	ctx, span := tracer.Start(ctx, "sqlite.Open")
	defer span.End()

	rawDb, err := sql.Open("sqlite", dbFilePath)
	if err != nil {
		return nil, err
	}

	s := &Store{
		rawDb:         rawDb,
		db:            goqu.New("sqlite3", rawDb),
		dbFilePath:    dbFilePath,
		definedTables: make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(ctx); err != nil {
		_ = rawDb.Close()
		return nil, err
	}

	return s, nil
}

// init creates the system tables and applies any configured pragmas.
func (s *Store) init(ctx context.Context) error {
	if err := s.validateDb(ctx); err != nil {
		return err
	}

	for _, table := range systemTables {
		if err := s.DefineTable(ctx, table); err != nil {
			return err
		}
	}

	for _, pragma := range s.pragmas {
		_, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA %s = %s", pragma.name, pragma.value))
		if err != nil {
			return err
		}
	}

	return nil
}

// validateDb ensures that the database has been opened.
func (s *Store) validateDb(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("sqlite: database has not been opened")
	}
	return nil
}

// Dirty reports whether any writes happened since the store was opened.
func (s *Store) Dirty() bool {
	return s.dbUpdated
}

// Close flushes sqlite to disk. Stores opened from a snapshot re-encode the
// snapshot file when any writes were made.
func (s *Store) Close() error {
	if s.rawDb != nil {
		if err := s.rawDb.Close(); err != nil {
			return err
		}
	}
	s.rawDb = nil
	s.db = nil

	if s.snapshotPath != "" {
		return s.finalizeSnapshot()
	}

	return nil
}

// Vacuum runs a VACUUM on the database to reclaim space.
func (s *Store) Vacuum(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "sqlite.Vacuum")
	defer span.End()

	if err := s.validateDb(ctx); err != nil {
		return err
	}

	if _, err := s.rawDb.ExecContext(ctx, "VACUUM"); err != nil {
		return err
	}

	s.dbUpdated = true
	return nil
}

func nowString() string {
	return time.Now().UTC().Format("2006-01-02 15:04:05.999999999")
}
