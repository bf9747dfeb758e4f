package postgis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingRunner struct {
	flushes int
	closes  int
}

func (r *failingRunner) Flush(context.Context, *pgx.Batch) error {
	r.flushes++
	return errors.New("connection reset")
}

func (r *failingRunner) Close(context.Context) error {
	r.closes++
	return nil
}

func TestAcquireBlocksThenTimesOutAsBackpressure(t *testing.T) {
	e := NewBatchExecutor(1, 30*time.Millisecond)
	require.NoError(t, e.Initialize(func() (BatchRunner, error) {
		return &countRunner{}, nil
	}))

	job, ok := e.Acquire()
	require.True(t, ok)

	_, ok = e.Acquire()
	assert.False(t, ok, "second acquire should time out while the slot is held")

	e.Release(job)
	job2, ok := e.Acquire()
	require.True(t, ok)
	e.Release(job2)
}

func TestFlushAllIsolatesPerSlotFailures(t *testing.T) {
	good := &countRunner{}
	bad := &failingRunner{}
	runners := []BatchRunner{bad, good}
	i := 0
	e := NewBatchExecutor(2, 30*time.Millisecond)
	require.NoError(t, e.Initialize(func() (BatchRunner, error) {
		r := runners[i]
		i++
		return r, nil
	}))

	// Queue one row on each slot.
	for n := 0; n < 2; n++ {
		job, ok := e.Acquire()
		require.True(t, ok)
		job.Queue("INSERT INTO t VALUES ($1)", n)
		e.Release(job)
	}

	err := e.FlushAll(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, bad.flushes)
	assert.Equal(t, 1, good.flushes, "failing slot must not prevent the other flush")
}

type flakyRunner struct {
	failures int
	flushes  int
	rows     int
}

func (r *flakyRunner) Flush(_ context.Context, b *pgx.Batch) error {
	r.flushes++
	if r.failures > 0 {
		r.failures--
		return errors.New("connection reset")
	}
	r.rows += b.Len()
	return nil
}

func (r *flakyRunner) Close(context.Context) error { return nil }

func TestFailedFlushKeepsRowsQueuedForRetry(t *testing.T) {
	r := &flakyRunner{failures: 1}
	e := NewBatchExecutor(1, 30*time.Millisecond)
	require.NoError(t, e.Initialize(func() (BatchRunner, error) { return r, nil }))

	job, ok := e.Acquire()
	require.True(t, ok)
	job.Queue("INSERT INTO t VALUES (1)")
	job.Queue("INSERT INTO t VALUES (2)")
	e.Release(job)

	require.Error(t, e.FlushAll(context.Background()))
	assert.Equal(t, int64(2), e.Pending(), "rolled-back rows stay queued")
	assert.Zero(t, r.rows)

	require.NoError(t, e.FlushAll(context.Background()))
	assert.Equal(t, 2, r.rows, "the retry delivers the retained rows")
	assert.Zero(t, e.Pending())
}

func TestFlushSkipsEmptyJobs(t *testing.T) {
	r := &countRunner{}
	e := NewBatchExecutor(1, 30*time.Millisecond)
	require.NoError(t, e.Initialize(func() (BatchRunner, error) { return r, nil }))

	require.NoError(t, e.FlushAll(context.Background()))
	assert.Equal(t, 0, r.flushes)
}

func TestShutdownFlushesClosesAndIsIdempotent(t *testing.T) {
	bad := &failingRunner{}
	e := NewBatchExecutor(1, 30*time.Millisecond)
	require.NoError(t, e.Initialize(func() (BatchRunner, error) { return bad, nil }))

	job, ok := e.Acquire()
	require.True(t, ok)
	job.Queue("INSERT INTO t VALUES (1)")
	e.Release(job)

	err := e.Shutdown(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, bad.closes)

	require.NoError(t, e.Shutdown(context.Background()))
	assert.Equal(t, 1, bad.closes, "second shutdown must not close again")
}

func TestJobQueuePreservesSubmissionOrderCount(t *testing.T) {
	job := NewBatchJob(&countRunner{})
	job.Queue("INSERT INTO t VALUES (1)")
	job.Queue("INSERT INTO t VALUES (2)")
	assert.Equal(t, 2, job.Pending())

	require.NoError(t, job.flush(context.Background()))
	assert.Equal(t, 0, job.Pending(), "flush resets the buffer")
}
