package postgis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeRows implements pgx.Rows over an in-memory value grid.
type fakeRows struct {
	rows [][]any
	idx  int
	err  error
}

func newFakeRows(rows ...[]any) *fakeRows { return &fakeRows{rows: rows} }

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return r.rows[r.idx-1], nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	return assignRow(r.rows[r.idx-1], dest)
}

type fakeRow struct {
	vals []any
	err  error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assignRow(r.vals, dest)
}

func assignRow(vals []any, dest []any) error {
	if len(vals) != len(dest) {
		return fmt.Errorf("scan: %d values into %d targets", len(vals), len(dest))
	}
	for i, v := range vals {
		switch d := dest[i].(type) {
		case *int64:
			*d = v.(int64)
		case *string:
			*d = v.(string)
		case *[]byte:
			*d = v.([]byte)
		case **string:
			if v == nil {
				*d = nil
			} else {
				s := v.(string)
				*d = &s
			}
		default:
			return fmt.Errorf("scan: unsupported target %T", dest[i])
		}
	}
	return nil
}

// fakeDB routes SQL to canned handlers and records every statement.
type fakeDB struct {
	mu      sync.Mutex
	queries []string
	execs   []string

	onQuery    func(sql string, args []any) *fakeRows
	onQueryRow func(sql string, args []any) *fakeRow
	onExec     func(sql string, args []any) (pgconn.CommandTag, error)
}

func (db *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	db.mu.Lock()
	db.queries = append(db.queries, sql)
	db.mu.Unlock()
	if db.onQuery != nil {
		return db.onQuery(sql, args), nil
	}
	return newFakeRows(), nil
}

func (db *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	db.mu.Lock()
	db.queries = append(db.queries, sql)
	db.mu.Unlock()
	if db.onQueryRow != nil {
		return db.onQueryRow(sql, args)
	}
	return &fakeRow{err: pgx.ErrNoRows}
}

func (db *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.mu.Lock()
	db.execs = append(db.execs, sql)
	db.mu.Unlock()
	if db.onExec != nil {
		return db.onExec(sql, args)
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (db *fakeDB) queryCount(substr string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, q := range db.queries {
		if strings.Contains(q, substr) {
			n++
		}
	}
	return n
}

func (db *fakeDB) execCount(substr string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, q := range db.execs {
		if strings.Contains(q, substr) {
			n++
		}
	}
	return n
}

// countRunner counts flushes and flushed rows instead of touching a
// database.
type countRunner struct {
	mu      sync.Mutex
	flushes int
	rows    int
}

func (r *countRunner) Flush(_ context.Context, b *pgx.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
	r.rows += b.Len()
	return nil
}

func (r *countRunner) Close(context.Context) error { return nil }

// fakeCommitter backs an engine with a real executor over counting runners,
// tracking how often a flush round actually ran.
type fakeCommitter struct {
	exec    *BatchExecutor
	runners []*countRunner
	enabled bool

	mu      sync.Mutex
	commits int
}

func newFakeCommitter(slots int, timeout time.Duration) *fakeCommitter {
	c := &fakeCommitter{exec: NewBatchExecutor(slots, timeout), enabled: true}
	_ = c.exec.Initialize(func() (BatchRunner, error) {
		r := &countRunner{}
		c.runners = append(c.runners, r)
		return r, nil
	})
	return c
}

func (c *fakeCommitter) AcquireBatchSlot() (*BatchJob, bool) { return c.exec.Acquire() }
func (c *fakeCommitter) ReleaseBatchSlot(j *BatchJob)        { c.exec.Release(j) }
func (c *fakeCommitter) BatchEnabled() bool                  { return c.enabled }
func (c *fakeCommitter) PendingRows() int64                  { return c.exec.Pending() }

func (c *fakeCommitter) Commit(ctx context.Context) error {
	c.mu.Lock()
	c.commits++
	c.mu.Unlock()
	return c.exec.FlushAll(ctx)
}

func (c *fakeCommitter) commitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commits
}

func (c *fakeCommitter) flushedRows() int {
	n := 0
	for _, r := range c.runners {
		r.mu.Lock()
		n += r.rows
		r.mu.Unlock()
	}
	return n
}

// directCommitter disables batching so writes go straight to the pool.
type directCommitter struct{}

func (directCommitter) AcquireBatchSlot() (*BatchJob, bool) { return nil, false }
func (directCommitter) ReleaseBatchSlot(*BatchJob)          {}
func (directCommitter) Commit(context.Context) error        { return nil }
func (directCommitter) BatchEnabled() bool                  { return false }
func (directCommitter) PendingRows() int64                  { return 0 }

// newReadyEngineDB wires fakeDB handlers so Initialize finds the table
// already created and seeds from maxID.
func newReadyEngineDB(table string, maxID int64) *fakeDB {
	db := &fakeDB{}
	db.onQueryRow = func(sql string, _ []any) *fakeRow {
		switch {
		case strings.Contains(sql, "information_schema"):
			return &fakeRow{vals: []any{table}}
		case strings.Contains(sql, "COALESCE(MAX(id)"):
			return &fakeRow{vals: []any{maxID}}
		case strings.Contains(sql, "COUNT(*)"):
			return &fakeRow{vals: []any{int64(0)}}
		default:
			return &fakeRow{err: pgx.ErrNoRows}
		}
	}
	return db
}
