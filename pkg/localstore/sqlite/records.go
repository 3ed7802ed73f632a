package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"

	"github.com/tablesync/tablesync-sdk/pkg/localstore"
	"github.com/tablesync/tablesync-sdk/pkg/query"
	"github.com/tablesync/tablesync-sdk/pkg/record"
)

// envelopeColumns maps reserved filter field names to real columns. Any
// other field name reads the JSON field bag.
var envelopeColumns = map[string]string{
	record.KeyID:        "record_id",
	record.KeyVersion:   "version",
	record.KeyDeleted:   "deleted",
	record.KeyUpdatedAt: "updated_at",
}

func filterExpressions(f query.Filter) []exp.Expression {
	var out []exp.Expression
	for _, name := range f.EqKeys() {
		v := f.Eq[name]
		if name == record.KeyDeleted {
			if b, ok := v.(bool); ok {
				if b {
					v = 1
				} else {
					v = 0
				}
			}
		}
		if col, ok := envelopeColumns[name]; ok {
			out = append(out, goqu.C(col).Eq(v))
		} else {
			out = append(out, goqu.L("json_extract(data, ?) = ?", "$."+name, v))
		}
	}
	return out
}

func orderedExpression(f query.Filter) exp.OrderedExpression {
	var ordered exp.Orderable
	if col, ok := envelopeColumns[f.OrderBy]; ok {
		ordered = goqu.C(col)
	} else {
		ordered = goqu.L("json_extract(data, ?)", "$."+f.OrderBy)
	}
	if f.Descending {
		return ordered.Desc()
	}
	return ordered.Asc()
}

func rowRecord(recordID, version string, deleted int64, updatedAt string, data []byte) (*record.Record, error) {
	rec := &record.Record{
		ID:        recordID,
		Version:   version,
		Deleted:   deleted != 0,
		UpdatedAt: updatedAt,
	}
	if err := rec.UnmarshalFields(data); err != nil {
		return nil, err
	}
	return rec, nil
}

// Upsert implements localstore.Store.
func (s *Store) Upsert(ctx context.Context, table string, recs ...*record.Record) error {
	ctx, span := tracer.Start(ctx, "sqlite.Upsert")
	defer span.End()

	if err := s.validateDb(ctx); err != nil {
		return err
	}
	t, err := s.requireTable(table)
	if err != nil {
		return err
	}

	if len(recs) == 0 {
		return nil
	}

	rows := make([]interface{}, 0, len(recs))
	for _, rec := range recs {
		if rec.ID == "" {
			return fmt.Errorf("sqlite: cannot upsert a record without an id")
		}
		data, err := rec.MarshalFields()
		if err != nil {
			return fmt.Errorf("sqlite: error encoding fields for %q: %w", rec.ID, err)
		}
		deleted := 0
		if rec.Deleted {
			deleted = 1
		}
		rows = append(rows, goqu.Record{
			"record_id":  rec.ID,
			"version":    rec.Version,
			"deleted":    deleted,
			"updated_at": rec.UpdatedAt,
			"data":       data,
			"stored_at":  nowString(),
		})
	}

	q := s.db.Insert(t.Name()).Prepared(true).Rows(rows...)
	q = q.OnConflict(goqu.DoUpdate("record_id", goqu.Record{
		"version":    goqu.L("excluded.version"),
		"deleted":    goqu.L("excluded.deleted"),
		"updated_at": goqu.L("excluded.updated_at"),
		"data":       goqu.L("excluded.data"),
		"stored_at":  goqu.L("excluded.stored_at"),
	}))

	sqlStr, args, err := q.ToSQL()
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("sqlite: error upserting into %q: %w", table, err)
	}
	s.dbUpdated = true

	return nil
}

// Delete implements localstore.Store. Missing ids are ignored.
func (s *Store) Delete(ctx context.Context, table string, ids ...string) error {
	ctx, span := tracer.Start(ctx, "sqlite.Delete")
	defer span.End()

	if err := s.validateDb(ctx); err != nil {
		return err
	}
	t, err := s.requireTable(table)
	if err != nil {
		return err
	}

	if len(ids) == 0 {
		return nil
	}

	q := s.db.Delete(t.Name()).Prepared(true)
	q = q.Where(goqu.C("record_id").In(ids))

	sqlStr, args, err := q.ToSQL()
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("sqlite: error deleting from %q: %w", table, err)
	}
	s.dbUpdated = true

	return nil
}

// DeleteWhere implements localstore.Store.
func (s *Store) DeleteWhere(ctx context.Context, table string, f query.Filter) (int64, error) {
	ctx, span := tracer.Start(ctx, "sqlite.DeleteWhere")
	defer span.End()

	if err := s.validateDb(ctx); err != nil {
		return 0, err
	}
	t, err := s.requireTable(table)
	if err != nil {
		return 0, err
	}

	q := s.db.Delete(t.Name()).Prepared(true)
	for _, e := range filterExpressions(f) {
		q = q.Where(e)
	}

	sqlStr, args, err := q.ToSQL()
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: error deleting from %q: %w", table, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		s.dbUpdated = true
	}

	return affected, nil
}

// Lookup implements localstore.Store.
func (s *Store) Lookup(ctx context.Context, table string, id string) (*record.Record, error) {
	ctx, span := tracer.Start(ctx, "sqlite.Lookup")
	defer span.End()

	if err := s.validateDb(ctx); err != nil {
		return nil, err
	}
	t, err := s.requireTable(table)
	if err != nil {
		return nil, err
	}

	q := s.db.From(t.Name()).Prepared(true)
	q = q.Select("record_id", "version", "deleted", "updated_at", "data")
	q = q.Where(goqu.C("record_id").Eq(id))
	q = q.Limit(1)

	sqlStr, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, sqlStr, args...)

	var (
		recordID  string
		version   string
		deleted   int64
		updatedAt string
		data      []byte
	)
	err = row.Scan(&recordID, &version, &deleted, &updatedAt, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", localstore.ErrNotFound, table, id)
		}
		return nil, fmt.Errorf("sqlite: error fetching %s/%s: %w", table, id, err)
	}

	return rowRecord(recordID, version, deleted, updatedAt, data)
}

// List implements localstore.Store. Results default to insertion order.
func (s *Store) List(ctx context.Context, table string, f query.Filter) ([]*record.Record, error) {
	ctx, span := tracer.Start(ctx, "sqlite.List")
	defer span.End()

	if err := s.validateDb(ctx); err != nil {
		return nil, err
	}
	t, err := s.requireTable(table)
	if err != nil {
		return nil, err
	}

	q := s.db.From(t.Name()).Prepared(true)
	q = q.Select("record_id", "version", "deleted", "updated_at", "data")
	for _, e := range filterExpressions(f) {
		q = q.Where(e)
	}
	if f.OrderBy != "" {
		q = q.Order(orderedExpression(f))
	} else {
		q = q.Order(goqu.C("id").Asc())
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	sqlStr, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: error listing %q: %w", table, err)
	}
	defer rows.Close()

	var out []*record.Record
	for rows.Next() {
		var (
			recordID  string
			version   string
			deleted   int64
			updatedAt string
			data      []byte
		)
		if err := rows.Scan(&recordID, &version, &deleted, &updatedAt, &data); err != nil {
			return nil, err
		}
		rec, err := rowRecord(recordID, version, deleted, updatedAt, data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}
