package sync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tablesync/tablesync-sdk/pkg/query"
	"github.com/tablesync/tablesync-sdk/pkg/record"
	"github.com/tablesync/tablesync-sdk/pkg/remote"
)

// fakeRemote is an in-memory table service recording the order of calls it
// receives. Versions are v1, v2, ... per write; change timestamps are a
// global counter so query pages have a total order.
type fakeRemote struct {
	mu       sync.Mutex
	tables   map[string]map[string]*record.Record
	calls    []string
	writes   int
	versions int

	// failures maps "<method> <table>/<id>" to errors returned (and popped)
	// before the call would otherwise succeed.
	failures map[string][]error

	// onCreate, when set, runs while a create is in flight, before the
	// server state is written.
	onCreate func(table string, rec *record.Record)
}

var _ remote.Client = (*fakeRemote)(nil)

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		tables:   make(map[string]map[string]*record.Record),
		failures: make(map[string][]error),
	}
}

func (f *fakeRemote) failNext(method, table, id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s %s/%s", method, table, id)
	f.failures[key] = append(f.failures[key], err)
}

func (f *fakeRemote) popFailure(method, table, id string) error {
	key := fmt.Sprintf("%s %s/%s", method, table, id)
	errs := f.failures[key]
	if len(errs) == 0 {
		return nil
	}
	f.failures[key] = errs[1:]
	return errs[0]
}

func (f *fakeRemote) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRemote) table(name string) map[string]*record.Record {
	t, ok := f.tables[name]
	if !ok {
		t = make(map[string]*record.Record)
		f.tables[name] = t
	}
	return t
}

// seed stores a record server-side without recording a call, stamping a
// version and timestamp.
func (f *fakeRemote) seed(table string, rec *record.Record) *record.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stamp(table, rec)
}

func (f *fakeRemote) stamp(table string, rec *record.Record) *record.Record {
	stored := rec.Clone()
	f.versions++
	stored.Version = fmt.Sprintf("v%d", f.versions)
	f.writes++
	stored.UpdatedAt = fmt.Sprintf("t%06d", f.writes)
	f.table(table)[stored.ID] = stored
	return stored.Clone()
}

func (f *fakeRemote) Create(ctx context.Context, table string, rec *record.Record) (*record.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("create %s/%s", table, rec.ID))

	if err := f.popFailure("create", table, rec.ID); err != nil {
		return nil, err
	}
	if f.onCreate != nil {
		f.onCreate(table, rec)
	}
	if _, exists := f.table(table)[rec.ID]; exists {
		return nil, fmt.Errorf("fake: record %s/%s already exists", table, rec.ID)
	}
	return f.stamp(table, rec), nil
}

func (f *fakeRemote) Replace(ctx context.Context, table string, rec *record.Record, version string) (*record.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("replace %s/%s", table, rec.ID))

	if err := f.popFailure("replace", table, rec.ID); err != nil {
		return nil, err
	}
	current, exists := f.table(table)[rec.ID]
	if !exists {
		return nil, fmt.Errorf("%w: %s/%s", remote.ErrNotFound, table, rec.ID)
	}
	if current.Version != version {
		return nil, &remote.ConflictError{Table: table, ID: rec.ID, Server: current.Clone()}
	}
	return f.stamp(table, rec), nil
}

func (f *fakeRemote) Delete(ctx context.Context, table string, id string, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("delete %s/%s", table, id))

	if err := f.popFailure("delete", table, id); err != nil {
		return err
	}
	current, exists := f.table(table)[id]
	if !exists {
		return nil
	}
	if version != "" && current.Version != version {
		return &remote.ConflictError{Table: table, ID: id, Server: current.Clone()}
	}
	delete(f.table(table), id)
	return nil
}

func (f *fakeRemote) Query(ctx context.Context, q query.Query, since string, pageSize uint) (*remote.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("query %s", q.Table))

	if err := f.popFailure("query", q.Table, ""); err != nil {
		return nil, err
	}

	var matched []*record.Record
	for _, rec := range f.table(q.Table) {
		if since != "" && strings.Compare(rec.UpdatedAt, since) <= 0 {
			continue
		}
		if !matchesFilter(rec, q.Filter) {
			continue
		}
		matched = append(matched, rec.Clone())
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].UpdatedAt < matched[j].UpdatedAt })

	page := &remote.Page{}
	if uint(len(matched)) > pageSize {
		page.Records = matched[:pageSize]
		page.More = true
	} else {
		page.Records = matched
	}
	return page, nil
}

func matchesFilter(rec *record.Record, f query.Filter) bool {
	for name, want := range f.Eq {
		got, ok := rec.Field(name)
		if !ok || got != want {
			return false
		}
	}
	return true
}
