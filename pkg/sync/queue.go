package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/segmentio/ksuid"

	"github.com/tablesync/tablesync-sdk/pkg/localstore"
	"github.com/tablesync/tablesync-sdk/pkg/query"
	"github.com/tablesync/tablesync-sdk/pkg/record"
)

// opsTable is the reserved store table the queue persists into. Each row
// holds one pending operation, keyed by "<table>/<record id>" so a record
// can never carry more than one.
const opsTable = "__operations"

// OpKind is the kind of local mutation a pending operation replays.
type OpKind uint8

const (
	OpUnknown OpKind = iota
	OpInsert
	OpUpdate
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

func opKindFromString(s string) OpKind {
	switch s {
	case OpInsert.String():
		return OpInsert
	case OpUpdate.String():
		return OpUpdate
	case OpDelete.String():
		return OpDelete
	default:
		return OpUnknown
	}
}

// PendingOperation is one queued local mutation awaiting push. Seq defines
// total push order across all tables. OpID identifies one revision of the
// entry: every merge stamps a fresh one, so a push pass can tell whether the
// persisted row is still the revision it drained. Item is the record
// snapshot: the value to write for inserts and updates, the last known local
// copy (carrying the version token) for deletes.
type PendingOperation struct {
	Seq      int64
	OpID     string
	Table    string
	RecordID string
	Kind     OpKind
	Item     *record.Record
}

func (op *PendingOperation) key() string {
	return opKey(op.Table, op.RecordID)
}

func opKey(table, recordID string) string {
	return fmt.Sprintf("%s/%s", table, recordID)
}

// queue is the durable pending-operation log. It stores entries through the
// record store contract; the in-memory part is only the sequence counter and
// the mutex making merges atomic.
type queue struct {
	store localstore.Store

	mu      sync.Mutex
	nextSeq int64
}

func newQueue(ctx context.Context, store localstore.Store) (*queue, error) {
	if err := store.DefineTable(ctx, opsTable); err != nil {
		return nil, err
	}

	q := &queue{store: store, nextSeq: 1}

	// Seed the counter from the highest persisted sequence.
	last, err := store.List(ctx, opsTable, query.Filter{
		OrderBy:    "seq",
		Descending: true,
		Limit:      1,
	})
	if err != nil {
		return nil, err
	}
	if len(last) > 0 {
		op, err := opFromRecord(last[0])
		if err != nil {
			return nil, err
		}
		q.nextSeq = op.Seq + 1
	}

	return q, nil
}

// opRecord converts a pending operation to its persisted row.
func opRecord(op *PendingOperation) (*record.Record, error) {
	var item any
	if op.Item != nil {
		data, err := json.Marshal(op.Item)
		if err != nil {
			return nil, err
		}
		item = string(data)
	}

	return record.New(op.key(), map[string]any{
		"seq":      op.Seq,
		"opId":     op.OpID,
		"table":    op.Table,
		"recordId": op.RecordID,
		"kind":     op.Kind.String(),
		"item":     item,
	}), nil
}

func opFromRecord(rec *record.Record) (*PendingOperation, error) {
	op := &PendingOperation{}

	if v, ok := rec.Field("seq"); ok {
		switch n := v.(type) {
		case int64:
			op.Seq = n
		case float64:
			op.Seq = int64(n)
		default:
			return nil, fmt.Errorf("sync: malformed sequence in queue entry %q", rec.ID)
		}
	}
	if v, ok := rec.Field("opId"); ok {
		op.OpID, _ = v.(string)
	}
	if v, ok := rec.Field("table"); ok {
		op.Table, _ = v.(string)
	}
	if v, ok := rec.Field("recordId"); ok {
		op.RecordID, _ = v.(string)
	}
	if v, ok := rec.Field("kind"); ok {
		s, _ := v.(string)
		op.Kind = opKindFromString(s)
	}
	if v, ok := rec.Field("item"); ok {
		if s, ok := v.(string); ok && s != "" {
			item := &record.Record{}
			if err := json.Unmarshal([]byte(s), item); err != nil {
				return nil, fmt.Errorf("sync: malformed snapshot in queue entry %q: %w", rec.ID, err)
			}
			op.Item = item
		}
	}

	if op.Table == "" || op.RecordID == "" || op.Kind == OpUnknown {
		return nil, fmt.Errorf("sync: malformed queue entry %q", rec.ID)
	}

	return op, nil
}

func (q *queue) persist(ctx context.Context, op *PendingOperation) error {
	rec, err := opRecord(op)
	if err != nil {
		return err
	}
	return q.store.Upsert(ctx, opsTable, rec)
}

// get returns the pending operation for the record, or nil.
func (q *queue) get(ctx context.Context, table, recordID string) (*PendingOperation, error) {
	rec, err := q.store.Lookup(ctx, opsTable, opKey(table, recordID))
	if err != nil {
		if errors.Is(err, localstore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return opFromRecord(rec)
}

// enqueue applies the merge rules for a new mutation against any existing
// pending operation for the same record, and persists the result. The merged
// entry keeps the existing sequence so push order is stable.
func (q *queue) enqueue(ctx context.Context, table, recordID string, kind OpKind, item *record.Record) (*PendingOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	existing, err := q.get(ctx, table, recordID)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		op := &PendingOperation{
			Seq:      q.nextSeq,
			OpID:     ksuid.New().String(),
			Table:    table,
			RecordID: recordID,
			Kind:     kind,
			Item:     item.Clone(),
		}
		if err := q.persist(ctx, op); err != nil {
			return nil, err
		}
		q.nextSeq++
		return op, nil
	}

	switch {
	case existing.Kind == OpInsert && kind == OpUpdate:
		// The record never reached the server; it is still an insert.
		existing.Item = item.Clone()
	case existing.Kind == OpInsert && kind == OpDelete:
		// Insert followed by delete cancels out entirely.
		if err := q.remove(ctx, existing); err != nil {
			return nil, err
		}
		return nil, nil
	case existing.Kind == OpUpdate && kind == OpUpdate:
		existing.Item = item.Clone()
	case existing.Kind == OpUpdate && kind == OpDelete:
		existing.Kind = OpDelete
		existing.Item = item.Clone()
	case existing.Kind == OpDelete && kind == OpInsert:
		// Re-creation after a local delete.
		existing.Kind = OpInsert
		existing.Item = item.Clone()
	default:
		return nil, fmt.Errorf("%w: %s after pending %s on %s", ErrInvalidOperationSequence, kind, existing.Kind, opKey(table, recordID))
	}

	// A merge is a new revision: stamp a fresh id so an in-flight push of
	// the old revision cannot dequeue this row out from under it.
	existing.OpID = ksuid.New().String()

	if err := q.persist(ctx, existing); err != nil {
		return nil, err
	}
	return existing, nil
}

// replace overwrites the persisted entry for an operation whose action or
// snapshot was rewritten by a conflict handler. It reports whether the entry
// was written: a row whose revision no longer matches was taken over by a
// newer mutation mid-flight and is left alone for the next pass.
func (q *queue) replace(ctx context.Context, op *PendingOperation) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, err := q.get(ctx, op.Table, op.RecordID)
	if err != nil {
		return false, err
	}
	if current == nil || current.OpID != op.OpID {
		return false, nil
	}
	return true, q.persist(ctx, op)
}

// remove deletes the queue entry. The caller holds q.mu or owns the push
// pass lock.
func (q *queue) remove(ctx context.Context, op *PendingOperation) error {
	return q.store.Delete(ctx, opsTable, op.key())
}

// dequeue removes the entry after a successful push or a cancellation, and
// reports whether it did. If a newer mutation merged into the row while the
// operation was in flight, the row's revision no longer matches and the
// entry stays queued for the next pass. When the completed push produced a
// server record, the surviving entry is rebased onto it: a merged insert
// becomes an update of the now-existing server record, and its snapshot
// picks up the fresh version token so the follow-up push does not trip over
// its own predecessor.
func (q *queue) dequeue(ctx context.Context, op *PendingOperation, result *record.Record) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, err := q.get(ctx, op.Table, op.RecordID)
	if err != nil {
		return false, err
	}
	if current == nil {
		return true, nil
	}
	if current.OpID == op.OpID {
		return true, q.remove(ctx, op)
	}

	if result != nil {
		if op.Kind == OpInsert && current.Kind == OpInsert {
			current.Kind = OpUpdate
		}
		if current.Item != nil {
			current.Item.Version = result.Version
		}
		if err := q.persist(ctx, current); err != nil {
			return false, err
		}
	}
	return false, nil
}

// drain returns all pending operations in ascending sequence order. The
// slice is a snapshot; entries enqueued afterwards are not included.
func (q *queue) drain(ctx context.Context) ([]*PendingOperation, error) {
	recs, err := q.store.List(ctx, opsTable, query.Filter{OrderBy: "seq"})
	if err != nil {
		return nil, err
	}

	ops := make([]*PendingOperation, 0, len(recs))
	for _, rec := range recs {
		op, err := opFromRecord(rec)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// countForTable reports how many operations are pending for the table.
func (q *queue) countForTable(ctx context.Context, table string) (int, error) {
	recs, err := q.store.List(ctx, opsTable, query.Filter{Eq: map[string]any{"table": table}})
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// count reports the total number of pending operations.
func (q *queue) count(ctx context.Context) (int, error) {
	recs, err := q.store.List(ctx, opsTable, query.Filter{})
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// deleteForTable removes every pending operation for the table.
func (q *queue) deleteForTable(ctx context.Context, table string) error {
	_, err := q.store.DeleteWhere(ctx, opsTable, query.Filter{Eq: map[string]any{"table": table}})
	return err
}
