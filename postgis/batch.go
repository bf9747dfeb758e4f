// Package postgis implements the PostGIS-backed store engine: pooled
// connections, the batched write path, schema bootstrap, the TTL cache and
// the concrete entity stores built on top of them.
package postgis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// BatchRunner executes an accumulated batch against one dedicated
// connection inside a single transaction.
type BatchRunner interface {
	Flush(ctx context.Context, b *pgx.Batch) error
	Close(ctx context.Context) error
}

type connRunner struct {
	conn *pgx.Conn
}

// NewConnRunner wraps a dedicated no-auto-commit connection.
func NewConnRunner(conn *pgx.Conn) BatchRunner {
	return &connRunner{conn: conn}
}

func (r *connRunner) Flush(ctx context.Context, b *pgx.Batch) error {
	tx, err := r.conn.Begin(ctx)
	if err != nil {
		return err
	}
	results := tx.SendBatch(ctx, b)
	var execErr error
	for i := 0; i < b.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			execErr = errors.Join(execErr, err)
		}
	}
	if err := results.Close(); err != nil {
		execErr = errors.Join(execErr, err)
	}
	if execErr != nil {
		_ = tx.Rollback(ctx)
		return execErr
	}
	return tx.Commit(ctx)
}

func (r *connRunner) Close(ctx context.Context) error {
	return r.conn.Close(ctx)
}

// BatchJob is one leased slot of the batch executor: a dedicated runner plus
// the statement buffer accumulating on it. A job is held by at most one
// writer at a time.
type BatchJob struct {
	runner BatchRunner
	batch  *pgx.Batch
	rows   int
	// pending is the executor-wide row counter shared by all slots.
	pending *atomic.Int64
}

func NewBatchJob(r BatchRunner) *BatchJob {
	return &BatchJob{runner: r, batch: &pgx.Batch{}}
}

// Queue appends one statement to the job's buffer. Statements execute in
// submission order at the next flush.
func (j *BatchJob) Queue(sql string, args ...any) {
	j.batch.Queue(sql, args...)
	j.rows++
	if j.pending != nil {
		j.pending.Add(1)
	}
}

// Pending returns the number of buffered statements.
func (j *BatchJob) Pending() int { return j.rows }

func (j *BatchJob) flush(ctx context.Context) error {
	if j.rows == 0 {
		return nil
	}
	if err := j.runner.Flush(ctx, j.batch); err != nil {
		// The transaction rolled back; the rows stay queued for the next
		// flush.
		return err
	}
	if j.pending != nil {
		j.pending.Add(-int64(j.rows))
	}
	j.batch = &pgx.Batch{}
	j.rows = 0
	return nil
}

// BatchExecutor serializes concurrent writers onto a small fixed set of
// batch jobs. The bounded channel is the backpressure mechanism: when all
// slots are checked out, acquisition blocks up to the timeout and then
// reports no slot rather than growing work unboundedly.
type BatchExecutor struct {
	slots   chan *BatchJob
	jobs    []*BatchJob
	timeout time.Duration
	pending atomic.Int64

	mu       sync.Mutex
	shutdown bool
}

const (
	// DefaultBatchSlots is the number of concurrent batch jobs.
	DefaultBatchSlots = 3
	// DefaultSlotTimeout bounds how long a writer waits for a free slot.
	DefaultSlotTimeout = time.Second
)

func NewBatchExecutor(capacity int, timeout time.Duration) *BatchExecutor {
	if capacity <= 0 {
		capacity = DefaultBatchSlots
	}
	if timeout <= 0 {
		timeout = DefaultSlotTimeout
	}
	return &BatchExecutor{
		slots:   make(chan *BatchJob, capacity),
		timeout: timeout,
	}
}

// Initialize pre-fills every slot with a job from the factory.
func (e *BatchExecutor) Initialize(factory func() (BatchRunner, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := 0; i < cap(e.slots); i++ {
		runner, err := factory()
		if err != nil {
			return err
		}
		job := NewBatchJob(runner)
		job.pending = &e.pending
		e.jobs = append(e.jobs, job)
		e.slots <- job
	}
	return nil
}

// Acquire leases a free job, waiting up to the executor's timeout. The
// second return is false when no slot became free in time; callers treat
// that as backpressure, not failure.
func (e *BatchExecutor) Acquire() (*BatchJob, bool) {
	select {
	case job := <-e.slots:
		return job, true
	default:
	}
	timer := time.NewTimer(e.timeout)
	defer timer.Stop()
	select {
	case job := <-e.slots:
		return job, true
	case <-timer.C:
		return nil, false
	}
}

// Pending reports the rows queued across all slots. Stores sharing the
// executor use it for threshold accounting, so one store's writes count
// toward every store's commit decision.
func (e *BatchExecutor) Pending() int64 { return e.pending.Load() }

// Release returns a leased job to the pool.
func (e *BatchExecutor) Release(job *BatchJob) {
	e.slots <- job
}

// FlushAll drains the currently free slots and flushes each under the
// executor lock. A failing slot does not stop the others; all failures are
// joined into one error.
func (e *BatchExecutor) FlushAll(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushQueued(ctx)
}

func (e *BatchExecutor) flushQueued(ctx context.Context) error {
	var flushed []*BatchJob
	var errs error
drain:
	for {
		select {
		case job := <-e.slots:
			errs = errors.Join(errs, job.flush(ctx))
			flushed = append(flushed, job)
		default:
			break drain
		}
	}
	for _, job := range flushed {
		e.slots <- job
	}
	return errs
}

// Shutdown flushes and closes every job. Safe to call more than once.
func (e *BatchExecutor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return nil
	}
	e.shutdown = true
	errs := e.flushQueued(ctx)
	for range e.jobs {
		select {
		case <-e.slots:
		default:
		}
	}
	for _, job := range e.jobs {
		if err := job.runner.Close(ctx); err != nil {
			zap.S().Warnf("Failed to close batch connection: %s", err)
			errs = errors.Join(errs, err)
		}
	}
	e.jobs = nil
	return errs
}
