// Package sync implements the offline synchronization engine: local
// mutations enqueue into a durable operation queue and apply optimistically
// to the local record store; Push replays the queue against the remote table
// service with pluggable conflict handling; Pull imports server-side changes
// incrementally; Purge discards local state for a table.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/tablesync/tablesync-sdk/pkg/localstore"
	"github.com/tablesync/tablesync-sdk/pkg/record"
	"github.com/tablesync/tablesync-sdk/pkg/remote"
)

var tracer = otel.Tracer("tablesync-sdk/sync")

const defaultPageSize = 100

// Engine is a sync context: the single owner of the operation queue and the
// delta ledger. Push, Pull, and Purge serialize on an internal pass lock;
// the mutation APIs only take the queue's own lock and therefore never block
// behind a running pass.
type Engine struct {
	store   localstore.Store
	client  remote.Client
	handler Handler

	queue  *queue
	ledger *ledger

	passMu   sync.Mutex
	pageSize uint
}

type Option func(*Engine)

// WithHandler installs the conflict/error handler consulted during Push.
func WithHandler(h Handler) Option {
	return func(e *Engine) {
		if h != nil {
			e.handler = h
		}
	}
}

// WithPageSize sets the pull page size. Values below 1 keep the default.
func WithPageSize(n uint) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// New returns an Engine over the given store and remote client. The store's
// reserved queue and ledger tables are created if missing, and the pending
// sequence counter resumes from persisted state.
func New(ctx context.Context, store localstore.Store, client remote.Client, opts ...Option) (*Engine, error) {
	ctx, span := tracer.Start(ctx, "sync.New")
	defer span.End()

	e := &Engine{
		store:    store,
		client:   client,
		handler:  UnresolvedHandler{},
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(e)
	}

	var err error
	e.queue, err = newQueue(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("sync: error opening operation queue: %w", err)
	}
	e.ledger, err = newLedger(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("sync: error opening delta ledger: %w", err)
	}

	return e, nil
}

// DefineTable ensures the named table exists locally. Mutation APIs and Pull
// call this implicitly; it is exposed so callers can set up tables ahead of
// any data flowing.
func (e *Engine) DefineTable(ctx context.Context, table string) error {
	return e.store.DefineTable(ctx, table)
}

// Insert enqueues an insert for the record and applies it optimistically to
// the local store. A record without an id is assigned a generated one; the
// possibly-updated record is returned. Only queue merge violations are
// reported synchronously; everything else surfaces on the next Push.
func (e *Engine) Insert(ctx context.Context, table string, rec *record.Record) (*record.Record, error) {
	ctx, span := tracer.Start(ctx, "Engine.Insert")
	defer span.End()

	if rec == nil {
		return nil, fmt.Errorf("sync: cannot insert a nil record")
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	if err := e.store.DefineTable(ctx, table); err != nil {
		return nil, err
	}

	if _, err := e.queue.enqueue(ctx, table, rec.ID, OpInsert, rec); err != nil {
		return nil, err
	}
	if err := e.store.Upsert(ctx, table, rec); err != nil {
		return nil, err
	}

	return rec, nil
}

// Update enqueues an update for the record and applies it optimistically to
// the local store. Updating a record queued for deletion fails with
// ErrInvalidOperationSequence.
func (e *Engine) Update(ctx context.Context, table string, rec *record.Record) error {
	ctx, span := tracer.Start(ctx, "Engine.Update")
	defer span.End()

	if rec == nil || rec.ID == "" {
		return fmt.Errorf("sync: cannot update a record without an id")
	}

	if err := e.store.DefineTable(ctx, table); err != nil {
		return err
	}

	if _, err := e.queue.enqueue(ctx, table, rec.ID, OpUpdate, rec); err != nil {
		return err
	}
	return e.store.Upsert(ctx, table, rec)
}

// Delete enqueues a delete for the record and removes the local row. The
// last known local copy rides on the queue entry so the push can present its
// version token to the server. Deleting a record queued as an insert simply
// cancels the insert.
func (e *Engine) Delete(ctx context.Context, table string, id string) error {
	ctx, span := tracer.Start(ctx, "Engine.Delete")
	defer span.End()

	if id == "" {
		return fmt.Errorf("sync: cannot delete a record without an id")
	}

	if err := e.store.DefineTable(ctx, table); err != nil {
		return err
	}

	snapshot, err := e.store.Lookup(ctx, table, id)
	if err != nil && !errors.Is(err, localstore.ErrNotFound) {
		return err
	}

	if _, err := e.queue.enqueue(ctx, table, id, OpDelete, snapshot); err != nil {
		return err
	}
	return e.store.Delete(ctx, table, id)
}

// Lookup reads a record from the local store.
func (e *Engine) Lookup(ctx context.Context, table string, id string) (*record.Record, error) {
	return e.store.Lookup(ctx, table, id)
}

// PendingOperations reports the number of queued local mutations.
func (e *Engine) PendingOperations(ctx context.Context) (int, error) {
	return e.queue.count(ctx)
}

// PendingFor reports the number of queued local mutations for one table.
func (e *Engine) PendingFor(ctx context.Context, table string) (int, error) {
	return e.queue.countForTable(ctx, table)
}
