package postgis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/geosensordb/pgstore/datastore"
)

// State is the lifecycle of a store engine instance.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateClosed
)

// Schema is the backing table and the idempotent DDL creating it. The
// engine guarantees execution order and idempotency, not the content.
type Schema struct {
	Table   string
	InitDDL []string
}

// batchCommitter is the slice of ConnectionManager the engine needs for the
// batched write path.
type batchCommitter interface {
	AcquireBatchSlot() (*BatchJob, bool)
	ReleaseBatchSlot(job *BatchJob)
	Commit(ctx context.Context) error
	BatchEnabled() bool
	PendingRows() int64
}

// EngineConfig configures one store engine instance.
type EngineConfig struct {
	// Scope prefixes every key the store returns.
	Scope  int
	Schema Schema
	IDKind datastore.IDProviderKind
	// NaturalKey extracts the semantic identity hashed by IDHash providers.
	NaturalKey func(any) string
	// BatchSize is the row count that triggers a commit of batched writes.
	BatchSize int
	// AutoCommitPeriod forces a commit at this interval regardless of the
	// batch threshold. Zero disables time-based auto-commit.
	AutoCommitPeriod time.Duration
	CacheSize        int
	CacheTTL         time.Duration
}

// Engine is the generic store core shared by every entity store: schema
// bootstrap, ID issuance, the direct and batched write paths, commit
// scheduling and table-level maintenance. Entity stores compose an Engine
// with their own codec, columns and filter compiler.
type Engine struct {
	db    DB
	conns batchCommitter
	cfg   EngineConfig
	cache *entryCache
	ids   datastore.IDProvider

	state    atomic.Int32
	stopAuto chan struct{}
	stopOnce sync.Once
}

func NewEngine(db DB, conns batchCommitter, cfg EngineConfig) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Engine{
		db:       db,
		conns:    conns,
		cfg:      cfg,
		cache:    newEntryCache(cfg.CacheSize, cfg.CacheTTL),
		stopAuto: make(chan struct{}),
	}
}

func (e *Engine) State() State  { return State(e.state.Load()) }
func (e *Engine) Scope() int    { return e.cfg.Scope }
func (e *Engine) Table() string { return e.cfg.Schema.Table }
func (e *Engine) DB() DB        { return e.db }

// Initialize creates the backing tables if absent and seeds the ID provider
// from the current maximum ID. DDL failures are fatal: the engine never
// reaches the ready state.
func (e *Engine) Initialize(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitializing)) {
		if e.State() == StateReady {
			return nil
		}
		return fmt.Errorf("store %s cannot initialize in state %d", e.Table(), e.State())
	}
	exists, err := e.tableExists(ctx, e.Table())
	if err != nil {
		e.state.Store(int32(StateUninitialized))
		return err
	}
	if !exists {
		zap.S().Debugf("Creating schema for table %s", e.Table())
		for _, ddl := range e.cfg.Schema.InitDDL {
			if _, err := e.db.Exec(ctx, ddl); err != nil {
				e.state.Store(int32(StateUninitialized))
				return datastore.WrapSQL("bootstrap "+e.Table(), err)
			}
		}
	}
	if err := e.seedIDProvider(ctx); err != nil {
		e.state.Store(int32(StateUninitialized))
		return err
	}
	e.state.Store(int32(StateReady))
	if e.cfg.AutoCommitPeriod > 0 {
		go e.autoCommitLoop()
	}
	return nil
}

func (e *Engine) tableExists(ctx context.Context, table string) (bool, error) {
	const q = `SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1`
	var name string
	err := e.db.QueryRow(ctx, q, table).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, datastore.WrapSQL("check table "+table, err)
	}
	return true, nil
}

func (e *Engine) seedIDProvider(ctx context.Context) error {
	var maxID int64
	q := "SELECT COALESCE(MAX(id), 0) FROM " + e.Table()
	if err := e.db.QueryRow(ctx, q).Scan(&maxID); err != nil {
		return datastore.WrapSQL("seed id provider for "+e.Table(), err)
	}
	if e.cfg.IDKind == datastore.IDHash {
		keyFn := e.cfg.NaturalKey
		if keyFn == nil {
			keyFn = func(v any) string { return fmt.Sprint(v) }
		}
		e.ids = datastore.NewHashIDProvider(uint64(e.cfg.Scope), keyFn)
	} else {
		e.ids = datastore.NewSequentialIDProvider(maxID)
	}
	return nil
}

// NewID issues the internal ID for a record about to be inserted.
func (e *Engine) NewID(v any) int64 { return e.ids.NewInternalID(v) }

// NewKey wraps an internal ID in the store's scope.
func (e *Engine) NewKey(id int64) datastore.BigID {
	return datastore.NewBigID(e.cfg.Scope, id)
}

func (e *Engine) checkReady() error {
	switch e.State() {
	case StateReady:
		return nil
	case StateClosed:
		return datastore.ErrClosed
	default:
		return fmt.Errorf("store %s is not initialized", e.Table())
	}
}

// ExecDirect runs a statement on the auto-commit pool.
func (e *Engine) ExecDirect(ctx context.Context, sql string, args ...any) error {
	if err := e.checkReady(); err != nil {
		return err
	}
	_, err := e.db.Exec(ctx, sql, args...)
	return datastore.WrapSQL("exec on "+e.Table(), err)
}

// ExecWrite runs a write through the batched path when batching is enabled,
// falling back to the auto-commit pool otherwise. Crossing the batch-size
// threshold triggers a commit. Slot exhaustion surfaces as the retryable
// ErrNoBatchSlot backpressure signal.
func (e *Engine) ExecWrite(ctx context.Context, sql string, args ...any) error {
	if err := e.checkReady(); err != nil {
		return err
	}
	if !e.conns.BatchEnabled() {
		_, err := e.db.Exec(ctx, sql, args...)
		return datastore.WrapSQL("write to "+e.Table(), err)
	}
	job, ok := e.conns.AcquireBatchSlot()
	if !ok {
		return fmt.Errorf("write to %s: %w", e.Table(), datastore.ErrNoBatchSlot)
	}
	job.Queue(sql, args...)
	e.conns.ReleaseBatchSlot(job)
	batchRowsPending.Set(float64(e.conns.PendingRows()))
	return e.Commit(ctx)
}

// Commit flushes batched writes once the queued row count has crossed the
// batch-size threshold. The count covers every store sharing the batch
// executor, since a flush always drains all slots. Below the threshold it
// is a no-op, coalescing many small writes into fewer round-trips.
func (e *Engine) Commit(ctx context.Context) error {
	if !e.conns.BatchEnabled() {
		return nil
	}
	if e.conns.PendingRows() < int64(e.cfg.BatchSize) {
		return nil
	}
	return e.ForceCommit(ctx)
}

// ForceCommit flushes batched writes regardless of the threshold.
func (e *Engine) ForceCommit(ctx context.Context) error {
	if !e.conns.BatchEnabled() {
		return nil
	}
	start := time.Now()
	err := e.conns.Commit(ctx)
	// Rows from failed slots stay queued, so the gauge reads the executor
	// instead of assuming zero.
	batchRowsPending.Set(float64(e.conns.PendingRows()))
	commitDuration.WithLabelValues(e.Table()).Observe(time.Since(start).Seconds())
	if err != nil {
		return datastore.WrapSQL("commit "+e.Table(), err)
	}
	return nil
}

func (e *Engine) autoCommitLoop() {
	ticker := time.NewTicker(e.cfg.AutoCommitPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := get1MinuteContext()
			if err := e.ForceCommit(ctx); err != nil {
				zap.S().Warnf("Auto-commit of %s failed: %s", e.Table(), err)
			}
			cancel()
		case <-e.stopAuto:
			return
		}
	}
}

// NumRecords counts the rows in the backing table.
func (e *Engine) NumRecords(ctx context.Context) (int64, error) {
	if err := e.checkReady(); err != nil {
		return 0, err
	}
	var n int64
	err := e.db.QueryRow(ctx, "SELECT COUNT(*) FROM "+e.Table()).Scan(&n)
	if err != nil {
		return 0, datastore.WrapSQL("count "+e.Table(), err)
	}
	return n, nil
}

func (e *Engine) IsEmpty(ctx context.Context) (bool, error) {
	n, err := e.NumRecords(ctx)
	return n == 0, err
}

// Clear deletes all rows. Pending batched writes are committed first so the
// delete cannot block on a lock held by an open batch transaction.
func (e *Engine) Clear(ctx context.Context) error {
	if err := e.checkReady(); err != nil {
		return err
	}
	if err := e.ForceCommit(ctx); err != nil {
		return err
	}
	if _, err := e.db.Exec(ctx, "DELETE FROM "+e.Table()); err != nil {
		return datastore.WrapSQL("clear "+e.Table(), err)
	}
	e.cache.InvalidateAll()
	return nil
}

// Drop commits pending writes and drops the backing table. The engine
// returns to the uninitialized state so Initialize can recreate it.
func (e *Engine) Drop(ctx context.Context) error {
	if err := e.checkReady(); err != nil {
		return err
	}
	if err := e.ForceCommit(ctx); err != nil {
		return err
	}
	if _, err := e.db.Exec(ctx, "DROP TABLE IF EXISTS "+e.Table()); err != nil {
		return datastore.WrapSQL("drop "+e.Table(), err)
	}
	e.cache.InvalidateAll()
	e.state.Store(int32(StateUninitialized))
	return nil
}

// Backup clones the table into a _backup sibling, replacing any previous
// backup.
func (e *Engine) Backup(ctx context.Context) error {
	if err := e.checkReady(); err != nil {
		return err
	}
	if err := e.ForceCommit(ctx); err != nil {
		return err
	}
	backup := e.Table() + "_backup"
	if _, err := e.db.Exec(ctx, "DROP TABLE IF EXISTS "+backup); err != nil {
		return datastore.WrapSQL("drop stale backup of "+e.Table(), err)
	}
	if _, err := e.db.Exec(ctx, "CREATE TABLE "+backup+" AS TABLE "+e.Table()); err != nil {
		return datastore.WrapSQL("backup "+e.Table(), err)
	}
	return nil
}

// Restore replaces the table with its _backup clone and re-seeds the ID
// provider from the restored content.
func (e *Engine) Restore(ctx context.Context) error {
	if err := e.checkReady(); err != nil {
		return err
	}
	backup := e.Table() + "_backup"
	exists, err := e.tableExists(ctx, backup)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("no backup table %s to restore from", backup)
	}
	if err := e.ForceCommit(ctx); err != nil {
		return err
	}
	if _, err := e.db.Exec(ctx, "DROP TABLE IF EXISTS "+e.Table()); err != nil {
		return datastore.WrapSQL("drop "+e.Table()+" for restore", err)
	}
	if _, err := e.db.Exec(ctx, "ALTER TABLE "+backup+" RENAME TO "+e.Table()); err != nil {
		return datastore.WrapSQL("restore "+e.Table(), err)
	}
	e.cache.InvalidateAll()
	return e.seedIDProvider(ctx)
}

// Close performs a final commit and stops the auto-commit loop. Commit
// failures during close are logged, not propagated: close is best-effort
// cleanup.
func (e *Engine) Close(ctx context.Context) {
	if e.State() == StateClosed {
		return
	}
	e.stopOnce.Do(func() { close(e.stopAuto) })
	if err := e.ForceCommit(ctx); err != nil {
		zap.S().Warnf("Final commit of %s failed: %s", e.Table(), err)
	}
	e.state.Store(int32(StateClosed))
}
