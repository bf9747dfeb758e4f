package postgis

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geosensordb/pgstore/datastore"
)

func testSchema(table string) Schema {
	return Schema{
		Table: table,
		InitDDL: []string{
			"CREATE TABLE IF NOT EXISTS " + table + " (id BIGINT PRIMARY KEY, data JSONB)",
			"CREATE INDEX IF NOT EXISTS " + table + "_idx ON " + table + " (id)",
		},
	}
}

func TestInitializeBootstrapsEmptySchema(t *testing.T) {
	db := &fakeDB{}
	db.onQueryRow = func(sql string, _ []any) *fakeRow {
		switch {
		case strings.Contains(sql, "information_schema"):
			return &fakeRow{err: pgx.ErrNoRows}
		case strings.Contains(sql, "COALESCE(MAX(id)"):
			return &fakeRow{vals: []any{int64(0)}}
		case strings.Contains(sql, "COUNT(*)"):
			return &fakeRow{vals: []any{int64(0)}}
		}
		return &fakeRow{err: pgx.ErrNoRows}
	}

	e := NewEngine(db, directCommitter{}, EngineConfig{Schema: testSchema("things")})
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx))

	assert.Equal(t, StateReady, e.State())
	assert.Equal(t, 2, db.execCount("things"), "both DDL statements run in order")

	empty, err := e.IsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)
	n, err := e.NumRecords(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInitializeSkipsExistingSchema(t *testing.T) {
	db := newReadyEngineDB("things", 17)
	e := NewEngine(db, directCommitter{}, EngineConfig{Schema: testSchema("things")})
	require.NoError(t, e.Initialize(context.Background()))

	assert.Empty(t, db.execs, "no DDL when the table exists")
	// Sequential IDs continue after the stored maximum.
	assert.Equal(t, int64(18), e.NewID(nil))
}

func TestInitializeIsIdempotentOnceReady(t *testing.T) {
	db := newReadyEngineDB("things", 0)
	e := NewEngine(db, directCommitter{}, EngineConfig{Schema: testSchema("things")})
	require.NoError(t, e.Initialize(context.Background()))
	require.NoError(t, e.Initialize(context.Background()))
}

func TestBatchThresholdCommit(t *testing.T) {
	db := newReadyEngineDB("things", 0)
	c := newFakeCommitter(3, 100*time.Millisecond)
	e := NewEngine(db, c, EngineConfig{Schema: testSchema("things"), BatchSize: 10})
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx))

	for i := 0; i < 9; i++ {
		require.NoError(t, e.ExecWrite(ctx, "INSERT INTO things (id) VALUES ($1)", i))
	}
	assert.Equal(t, 0, c.commitCount(), "no commit below the threshold")

	require.NoError(t, e.ExecWrite(ctx, "INSERT INTO things (id) VALUES ($1)", 9))
	assert.Equal(t, 1, c.commitCount(), "threshold crossing commits")
	assert.Equal(t, 10, c.flushedRows())

	// The counter resets: the next nine writes stay pending again.
	for i := 10; i < 19; i++ {
		require.NoError(t, e.ExecWrite(ctx, "INSERT INTO things (id) VALUES ($1)", i))
	}
	assert.Equal(t, 1, c.commitCount())
	require.NoError(t, e.ExecWrite(ctx, "INSERT INTO things (id) VALUES ($1)", 19))
	assert.Equal(t, 2, c.commitCount())
}

func TestBatchThresholdIsSharedAcrossEngines(t *testing.T) {
	c := newFakeCommitter(3, 100*time.Millisecond)
	a := NewEngine(newReadyEngineDB("obs_a", 0), c, EngineConfig{Schema: testSchema("obs_a"), BatchSize: 5})
	b := NewEngine(newReadyEngineDB("obs_b", 0), c, EngineConfig{Schema: testSchema("obs_b"), BatchSize: 5})
	ctx := context.Background()
	require.NoError(t, a.Initialize(ctx))
	require.NoError(t, b.Initialize(ctx))

	for i := 0; i < 3; i++ {
		require.NoError(t, a.ExecWrite(ctx, "INSERT INTO obs_a (id) VALUES ($1)", i))
	}
	require.NoError(t, b.ExecWrite(ctx, "INSERT INTO obs_b (id) VALUES (1)"))
	assert.Equal(t, 0, c.commitCount(), "four queued rows stay below the threshold")

	require.NoError(t, b.ExecWrite(ctx, "INSERT INTO obs_b (id) VALUES (2)"))
	assert.Equal(t, 1, c.commitCount(), "rows queued by both stores cross one threshold")
	assert.Equal(t, 5, c.flushedRows())
	assert.Zero(t, c.PendingRows())

	// The flush reset the shared count: the next write stays pending.
	require.NoError(t, a.ExecWrite(ctx, "INSERT INTO obs_a (id) VALUES (9)"))
	assert.Equal(t, 1, c.commitCount())
	assert.Equal(t, int64(1), c.PendingRows())
}

func TestBatchWritesFlushOnClose(t *testing.T) {
	db := newReadyEngineDB("things", 0)
	c := newFakeCommitter(3, 100*time.Millisecond)
	e := NewEngine(db, c, EngineConfig{Schema: testSchema("things"), BatchSize: 5})
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx))

	for i := 0; i < 12; i++ {
		require.NoError(t, e.ExecWrite(ctx, "INSERT INTO things (id) VALUES ($1)", i))
	}
	assert.Equal(t, 2, c.commitCount(), "commits at writes 5 and 10")
	assert.Equal(t, 10, c.flushedRows(), "two writes still pending")

	e.Close(ctx)
	assert.Equal(t, 12, c.flushedRows(), "pending writes flushed on close")
	assert.Equal(t, StateClosed, e.State())
}

func TestWriteBackpressureWhenSlotsExhausted(t *testing.T) {
	db := newReadyEngineDB("things", 0)
	c := newFakeCommitter(1, 20*time.Millisecond)
	e := NewEngine(db, c, EngineConfig{Schema: testSchema("things"), BatchSize: 100})
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx))

	// Hold the only slot so the write cannot lease one.
	job, ok := c.AcquireBatchSlot()
	require.True(t, ok)
	defer c.ReleaseBatchSlot(job)

	err := e.ExecWrite(ctx, "INSERT INTO things (id) VALUES (1)")
	require.ErrorIs(t, err, datastore.ErrNoBatchSlot)
	assert.True(t, datastore.IsRetryable(err))
}

func TestDirectWritesWhenBatchingDisabled(t *testing.T) {
	db := newReadyEngineDB("things", 0)
	e := NewEngine(db, directCommitter{}, EngineConfig{Schema: testSchema("things")})
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx))

	require.NoError(t, e.ExecWrite(ctx, "INSERT INTO things (id) VALUES (1)"))
	assert.Equal(t, 1, db.execCount("INSERT INTO things"))
	require.NoError(t, e.Commit(ctx), "commit is a no-op without batching")
}

func TestClearCommitsBeforeDelete(t *testing.T) {
	db := newReadyEngineDB("things", 0)
	c := newFakeCommitter(3, 100*time.Millisecond)
	e := NewEngine(db, c, EngineConfig{Schema: testSchema("things"), BatchSize: 100})
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx))

	require.NoError(t, e.ExecWrite(ctx, "INSERT INTO things (id) VALUES (1)"))
	require.NoError(t, e.Clear(ctx))
	assert.Equal(t, 1, c.flushedRows(), "pending rows committed before the delete")
	assert.Equal(t, 1, db.execCount("DELETE FROM things"))
}

func TestBackupClonesAndRestoreRenames(t *testing.T) {
	db := newReadyEngineDB("things", 0)
	e := NewEngine(db, directCommitter{}, EngineConfig{Schema: testSchema("things")})
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx))

	require.NoError(t, e.Backup(ctx))
	assert.Equal(t, 1, db.execCount("CREATE TABLE things_backup AS TABLE things"))

	require.NoError(t, e.Restore(ctx))
	assert.Equal(t, 1, db.execCount("ALTER TABLE things_backup RENAME TO things"))
}

func TestOperationsFailAfterClose(t *testing.T) {
	db := newReadyEngineDB("things", 0)
	e := NewEngine(db, directCommitter{}, EngineConfig{Schema: testSchema("things")})
	ctx := context.Background()
	require.NoError(t, e.Initialize(ctx))
	e.Close(ctx)

	err := e.ExecWrite(ctx, "INSERT INTO things (id) VALUES (1)")
	assert.ErrorIs(t, err, datastore.ErrClosed)
	_, err = e.NumRecords(ctx)
	assert.ErrorIs(t, err, datastore.ErrClosed)
}

func TestUninitializedEngineRejectsOperations(t *testing.T) {
	e := NewEngine(&fakeDB{}, directCommitter{}, EngineConfig{Schema: testSchema("things")})
	_, err := e.NumRecords(context.Background())
	assert.Error(t, err)
}
