package postgis

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geosensordb/pgstore/datastore"
)

func TestEntryCacheSkipsInsertWhenFull(t *testing.T) {
	ec := newEntryCache(2, time.Minute)
	ec.Put("a", 1)
	ec.Put("b", 2)
	ec.Put("c", 3)

	_, ok := ec.Get("c")
	assert.False(t, ok, "insert beyond the bound is skipped")
	_, ok = ec.Get("a")
	assert.True(t, ok)
}

func TestEntryCacheInvalidate(t *testing.T) {
	ec := newEntryCache(10, time.Minute)
	ec.Put("a", 1)
	ec.Invalidate("a")
	_, ok := ec.Get("a")
	assert.False(t, ok)

	ec.Put("a", 1)
	ec.Put("b", 2)
	ec.InvalidateAll()
	_, ok = ec.Get("a")
	assert.False(t, ok)
	_, ok = ec.Get("b")
	assert.False(t, ok)
}

func TestEntryCacheFillUsesFirstRacersValue(t *testing.T) {
	ec := newEntryCache(10, time.Minute)
	loads := 0
	load := func() (any, error) {
		loads++
		return "value", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := ec.fill("k", load)
			assert.NoError(t, err)
			assert.Equal(t, "value", v)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, loads, "only the first racer loads")
}

// newTestDataStreamStore wires a ready datastream store over a fakeDB whose
// select handler serves the given record for every lookup.
func newTestDataStreamStore(t *testing.T, current *datastore.DataStreamInfo, lock *sync.Mutex) (*DataStreamStore, *fakeDB) {
	t.Helper()
	db := newReadyEngineDB("datastreams", 0)
	db.onQuery = func(sql string, _ []any) *fakeRows {
		if !strings.Contains(sql, "FROM datastreams") {
			return newFakeRows()
		}
		lock.Lock()
		defer lock.Unlock()
		doc, err := json.Marshal(*current)
		require.NoError(t, err)
		return newFakeRows([]any{
			int64(42),
			"2023-01-01 00:00:00+00",
			"infinity",
			doc,
		})
	}
	db.onExec = func(string, []any) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	s := NewDataStreamStore(db, directCommitter{}, DataStreamStoreConfig{Table: "datastreams"})
	require.NoError(t, s.Initialize(context.Background()))
	return s, db
}

func TestConcurrentColdReadsIssueOneQuery(t *testing.T) {
	ds := &datastore.DataStreamInfo{Name: "Temp", OutputName: "temp"}
	var lock sync.Mutex
	s, db := newTestDataStreamStore(t, ds, &lock)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.Get(context.Background(), 42)
			assert.NoError(t, err)
			if assert.NotNil(t, got) {
				assert.Equal(t, "temp", got.OutputName)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, db.queryCount("FROM datastreams d WHERE d.id"),
		"one fill query despite 50 concurrent cold reads")
}

func TestPutInvalidatesCachedValue(t *testing.T) {
	ds := &datastore.DataStreamInfo{Name: "Temp", OutputName: "temp"}
	var lock sync.Mutex
	s, db := newTestDataStreamStore(t, ds, &lock)
	ctx := context.Background()

	got, err := s.Get(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, "Temp", got.Name)

	// The row changes in the database, then Put invalidates the entry.
	lock.Lock()
	ds.Name = "Temperature"
	lock.Unlock()
	err = s.Put(ctx, datastore.NewBigID(0, 42), *ds)
	require.NoError(t, err)

	got, err = s.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "Temperature", got.Name, "stale cached value must not survive a put")
	assert.Equal(t, 2, db.queryCount("FROM datastreams d WHERE d.id"))
}

func TestRemoveInvalidatesCachedValue(t *testing.T) {
	ds := &datastore.DataStreamInfo{Name: "Temp", OutputName: "temp"}
	var lock sync.Mutex
	s, db := newTestDataStreamStore(t, ds, &lock)
	ctx := context.Background()

	_, err := s.Get(ctx, 42)
	require.NoError(t, err)

	removed, err := s.Remove(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, removed)
	assert.Equal(t, 1, db.execCount("DELETE FROM datastreams"))

	// The next read goes back to the database.
	_, err = s.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 3, db.queryCount("FROM datastreams d WHERE d.id"),
		"fill, remove's load, and the re-fill after invalidation")
}

func TestRepeatedGetsServeFromCache(t *testing.T) {
	ds := &datastore.DataStreamInfo{Name: "Temp", OutputName: "temp"}
	var lock sync.Mutex
	s, db := newTestDataStreamStore(t, ds, &lock)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := s.Get(ctx, 42)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, db.queryCount("FROM datastreams d WHERE d.id"))
}

func TestGetUnknownIDReturnsNil(t *testing.T) {
	db := newReadyEngineDB("datastreams", 0)
	db.onQuery = func(string, []any) *fakeRows { return newFakeRows() }
	s := NewDataStreamStore(db, directCommitter{}, DataStreamStoreConfig{Table: "datastreams"})
	require.NoError(t, s.Initialize(context.Background()))

	got, err := s.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPutOnMissingKeyIsUpdateOnly(t *testing.T) {
	db := newReadyEngineDB("datastreams", 0)
	db.onExec = func(string, []any) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}
	db.onQueryRow = func(sql string, _ []any) *fakeRow {
		switch {
		case strings.Contains(sql, "information_schema"):
			return &fakeRow{vals: []any{"datastreams"}}
		case strings.Contains(sql, "COALESCE(MAX(id)"):
			return &fakeRow{vals: []any{int64(0)}}
		}
		return &fakeRow{err: pgx.ErrNoRows}
	}
	s := NewDataStreamStore(db, directCommitter{}, DataStreamStoreConfig{Table: "datastreams"})
	require.NoError(t, s.Initialize(context.Background()))

	ds := datastore.DataStreamInfo{
		OutputName: "temp",
		ValidTime:  datastore.ValidTimeEndingNow(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	err := s.Put(context.Background(), datastore.NewBigID(0, 99), ds)
	assert.ErrorIs(t, err, datastore.ErrUpdateOnly)
}
