package postgis

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/geosensordb/pgstore/datastore"
)

// DB is the query surface shared by the pooled and test connections.
// *pgxpool.Pool satisfies it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// DefaultPoolSize caps the shared auto-commit connection pool.
const DefaultPoolSize = 5

// ConnectionManager owns one bounded pool for ordinary reads and
// auto-commit writes, plus a separate set of dedicated connections for the
// batched write path. It is injected into every store; there is no process
// global.
type ConnectionManager struct {
	pool       *pgxpool.Pool
	connString string
	exec       *BatchExecutor

	mu           sync.Mutex
	batchEnabled bool
	closed       bool
}

// NewConnectionManager opens the shared pool. Pool creation failures are
// fatal construction errors.
func NewConnectionManager(ctx context.Context, connString string, maxConns int32) (*ConnectionManager, error) {
	if maxConns <= 0 {
		maxConns = DefaultPoolSize
	}
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, datastore.WrapSQL("parse connection config", err)
	}
	cfg.MaxConns = maxConns
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, datastore.WrapSQL("create connection pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, datastore.WrapSQL("ping database", err)
	}
	return &ConnectionManager{
		pool:       pool,
		connString: connString,
		exec:       NewBatchExecutor(DefaultBatchSlots, DefaultSlotTimeout),
	}, nil
}

// DB returns the shared auto-commit pool.
func (m *ConnectionManager) DB() DB { return m.pool }

// Ping reports database reachability.
func (m *ConnectionManager) Ping(ctx context.Context) error {
	return m.pool.Ping(ctx)
}

// EnableBatch opens the dedicated batch connections and registers them with
// the executor. Idempotent.
func (m *ConnectionManager) EnableBatch(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.batchEnabled {
		return nil
	}
	err := m.exec.Initialize(func() (BatchRunner, error) {
		conn, err := pgx.Connect(ctx, m.connString)
		if err != nil {
			return nil, datastore.WrapSQL("open batch connection", err)
		}
		return NewConnRunner(conn), nil
	})
	if err != nil {
		return err
	}
	m.batchEnabled = true
	zap.S().Debugf("Batch write path enabled with %d slots", DefaultBatchSlots)
	return nil
}

// BatchEnabled reports whether the batched write path is active.
func (m *ConnectionManager) BatchEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batchEnabled
}

// AcquireBatchSlot leases a batch job, waiting up to the slot timeout.
// A false return is backpressure: no slot freed up in time.
func (m *ConnectionManager) AcquireBatchSlot() (*BatchJob, bool) {
	return m.exec.Acquire()
}

// ReleaseBatchSlot returns a leased job for reuse.
func (m *ConnectionManager) ReleaseBatchSlot(job *BatchJob) {
	m.exec.Release(job)
}

// PendingRows reports the rows queued across all batch slots.
func (m *ConnectionManager) PendingRows() int64 {
	return m.exec.Pending()
}

// Commit flushes every queued batch job. Per-slot failures are collected so
// one bad slot cannot leave the others unflushed.
func (m *ConnectionManager) Commit(ctx context.Context) error {
	if !m.BatchEnabled() {
		return nil
	}
	return m.exec.FlushAll(ctx)
}

// Close commits pending batches, closes the batch connections and the
// shared pool. Safe to call multiple times.
func (m *ConnectionManager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	batchEnabled := m.batchEnabled
	m.mu.Unlock()

	var err error
	if batchEnabled {
		err = m.exec.Shutdown(ctx)
	}
	m.pool.Close()
	return err
}

// get5SecondContext bounds short administrative calls (pings, existence
// checks).
func get5SecondContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// get1MinuteContext bounds schema bootstrap and bulk maintenance calls.
func get1MinuteContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 1*time.Minute)
}
