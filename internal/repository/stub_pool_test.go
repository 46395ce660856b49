package repository

import (
	"context"
	"fmt"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/trace"
)

var testTracer = trace.NewNoopTracerProvider().Tracer("test")

// stubPool records every statement and replays canned rows. QueryRow pops rowQueue in order
// and reports pgx.ErrNoRows once it is empty or the popped entry is nil.
type stubPool struct {
	execSQL  []string
	execArgs [][]any
	execTags []string
	execErr  error

	querySQL  []string
	queryArgs [][]any
	rowsData  [][]any
	queryErr  error

	rowSQL   []string
	rowArgs  [][]any
	rowQueue [][]any
	rowErr   error

	queuedBatch  *pgx.Batch
	batchResults *stubBatchResults
}

func (s *stubPool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	s.execSQL = append(s.execSQL, sql)
	s.execArgs = append(s.execArgs, args)
	if s.execErr != nil {
		return pgconn.CommandTag{}, s.execErr
	}
	if len(s.execTags) == 0 {
		return pgconn.CommandTag{}, nil
	}
	tag := s.execTags[0]
	s.execTags = s.execTags[1:]
	return pgconn.NewCommandTag(tag), nil
}

func (s *stubPool) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	s.queuedBatch = b
	if s.batchResults == nil {
		s.batchResults = &stubBatchResults{}
	}
	return s.batchResults
}

func (s *stubPool) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	s.querySQL = append(s.querySQL, sql)
	s.queryArgs = append(s.queryArgs, args)
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return &stubRows{data: s.rowsData}, nil
}

func (s *stubPool) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	s.rowSQL = append(s.rowSQL, sql)
	s.rowArgs = append(s.rowArgs, args)
	if s.rowErr != nil {
		return stubRow{err: s.rowErr}
	}
	if len(s.rowQueue) == 0 {
		return stubRow{err: pgx.ErrNoRows}
	}
	row := s.rowQueue[0]
	s.rowQueue = s.rowQueue[1:]
	if row == nil {
		return stubRow{err: pgx.ErrNoRows}
	}
	return stubRow{values: row}
}

type stubBatchResults struct {
	execCalls int
	execErr   error
}

func (s *stubBatchResults) Exec() (pgconn.CommandTag, error) {
	s.execCalls++
	return pgconn.NewCommandTag("INSERT 0 1"), s.execErr
}

func (s *stubBatchResults) Query() (pgx.Rows, error) { return &stubRows{}, nil }

func (s *stubBatchResults) QueryRow() pgx.Row { return stubRow{} }

func (s *stubBatchResults) Close() error { return nil }

type stubRows struct {
	data [][]any
	idx  int
}

func (r *stubRows) Close() {}

func (r *stubRows) Err() error { return nil }

func (r *stubRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }

func (r *stubRows) FieldDescriptions() []pgconn.FieldDescription { return nil }

func (r *stubRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *stubRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.data) {
		return fmt.Errorf("invalid scan index")
	}
	return scanInto(r.data[r.idx-1], dest)
}

func (r *stubRows) Values() ([]any, error) { return nil, nil }

func (r *stubRows) RawValues() [][]byte { return nil }

func (r *stubRows) Conn() *pgx.Conn { return nil }

type stubRow struct {
	values []any
	err    error
}

func (r stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return scanInto(r.values, dest)
}

func scanInto(row []any, dest []any) error {
	if len(row) < len(dest) {
		return fmt.Errorf("row has %d columns, scan wants %d", len(row), len(dest))
	}
	for i, d := range dest {
		if err := assign(d, row[i]); err != nil {
			return fmt.Errorf("column %d: %w", i, err)
		}
	}
	return nil
}

func assign(dest, val any) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("unsupported dest type %T", dest)
	}
	target := dv.Elem()
	if val == nil {
		target.Set(reflect.Zero(target.Type()))
		return nil
	}
	v := reflect.ValueOf(val)
	switch {
	case v.Type().AssignableTo(target.Type()):
		target.Set(v)
	case target.Kind() == reflect.Pointer && v.Type().AssignableTo(target.Type().Elem()):
		p := reflect.New(target.Type().Elem())
		p.Elem().Set(v)
		target.Set(p)
	case v.Kind() == target.Kind() && v.Type().ConvertibleTo(target.Type()):
		target.Set(v.Convert(target.Type()))
	default:
		return fmt.Errorf("cannot assign %T to %T", val, dest)
	}
	return nil
}
