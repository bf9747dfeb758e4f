package postgis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/EagleChen/mapmutex"
	"github.com/jackc/pgx/v5"

	"github.com/geosensordb/pgstore/datastore"
	"github.com/geosensordb/pgstore/datastore/filter"
	"github.com/geosensordb/pgstore/datastore/query"
)

// DataStreamStoreConfig configures a datastream metadata store.
type DataStreamStoreConfig struct {
	Table            string
	Scope            int
	BatchSize        int
	AutoCommitPeriod time.Duration
	CacheSize        int
	CacheTTL         time.Duration
}

// DataStreamStore persists datastream metadata. Datastreams are versioned
// by valid time like features; the internal ID is a hash of the
// (system, output) natural key so all versions share it. An observation
// store can be linked for cascade removal and nested filtering.
type DataStreamStore struct {
	eng      *Engine
	codec    datastore.Codec[datastore.DataStreamInfo]
	locks    *mapmutex.Mutex
	links    query.Links
	obsTable string
}

func dataStreamDDL(table string) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
			id BIGINT NOT NULL,
			systemid BIGINT NOT NULL DEFAULT 0,
			outputname TEXT NOT NULL,
			validtime TSTZRANGE NOT NULL,
			data JSONB NOT NULL,
			PRIMARY KEY (id, validtime)
		)`,
		`CREATE INDEX IF NOT EXISTS ` + table + `_sys_idx ON ` + table + ` (systemid, outputname)`,
		`CREATE INDEX IF NOT EXISTS ` + table + `_vt_idx ON ` + table + ` USING GIST (validtime)`,
	}
}

func NewDataStreamStore(db DB, conns batchCommitter, cfg DataStreamStoreConfig) *DataStreamStore {
	if cfg.Table == "" {
		cfg.Table = "datastreams"
	}
	eng := NewEngine(db, conns, EngineConfig{
		Scope:  cfg.Scope,
		Schema: Schema{Table: cfg.Table, InitDDL: dataStreamDDL(cfg.Table)},
		IDKind: datastore.IDHash,
		NaturalKey: func(v any) string {
			if ds, ok := v.(datastore.DataStreamInfo); ok {
				return ds.NaturalKey()
			}
			return fmt.Sprint(v)
		},
		BatchSize:        cfg.BatchSize,
		AutoCommitPeriod: cfg.AutoCommitPeriod,
		CacheSize:        cfg.CacheSize,
		CacheTTL:         cfg.CacheTTL,
	})
	return &DataStreamStore{
		eng:   eng,
		codec: datastore.JSONCodec[datastore.DataStreamInfo]{},
		locks: mapmutex.NewMapMutex(),
	}
}

func (s *DataStreamStore) Engine() *Engine { return s.eng }
func (s *DataStreamStore) Table() string   { return s.eng.Table() }

// LinkSystemStore registers the system table for nested system filters.
func (s *DataStreamStore) LinkSystemStore(table string) { s.links.Systems = table }

// LinkObsStore registers the observation table for cascade removal.
func (s *DataStreamStore) LinkObsStore(table string) { s.obsTable = table }

func (s *DataStreamStore) Initialize(ctx context.Context) error { return s.eng.Initialize(ctx) }
func (s *DataStreamStore) Commit(ctx context.Context) error     { return s.eng.Commit(ctx) }
func (s *DataStreamStore) Close(ctx context.Context)            { s.eng.Close(ctx) }

func (s *DataStreamStore) NumRecords(ctx context.Context) (int64, error) {
	return s.eng.NumRecords(ctx)
}
func (s *DataStreamStore) IsEmpty(ctx context.Context) (bool, error) { return s.eng.IsEmpty(ctx) }
func (s *DataStreamStore) Clear(ctx context.Context) error           { return s.eng.Clear(ctx) }
func (s *DataStreamStore) Drop(ctx context.Context) error            { return s.eng.Drop(ctx) }
func (s *DataStreamStore) Backup(ctx context.Context) error          { return s.eng.Backup(ctx) }
func (s *DataStreamStore) Restore(ctx context.Context) error         { return s.eng.Restore(ctx) }

const dataStreamColumns = "d.id, lower(d.validtime)::text, upper(d.validtime)::text, d.data"

func dsCacheKey(id int64) string { return "ds:" + strconv.FormatInt(id, 10) }

// Add inserts a new datastream version, applying the valid-time
// intersection rule against the latest stored version of the same
// (system, output) pair under a per-key lock.
func (s *DataStreamStore) Add(ctx context.Context, ds datastore.DataStreamInfo) (datastore.BigID, error) {
	if err := s.eng.checkReady(); err != nil {
		return datastore.None, err
	}
	if ds.OutputName == "" {
		return datastore.None, errors.New("datastream has no output name")
	}
	if ds.ValidTime.IsZero() {
		ds.ValidTime = datastore.ValidTimeEndingNow(time.Now().UTC())
	}
	nk := ds.NaturalKey()
	if !s.locks.TryLock(nk) {
		return datastore.None, fmt.Errorf("add %s: %w", nk, datastore.ErrKeyBusy)
	}
	defer s.locks.Unlock(nk)

	id := s.eng.NewID(ds)
	if err := s.intersectCurrentVersion(ctx, id, nk, ds.ValidTime); err != nil {
		return datastore.None, err
	}
	doc, err := s.codec.Encode(ds)
	if err != nil {
		return datastore.None, fmt.Errorf("encode datastream %s: %w", nk, err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, systemid, outputname, validtime, data)
		VALUES ($1, $2, $3, $4::tstzrange, $5)`, s.Table())
	_, err = s.eng.DB().Exec(ctx, q, id, ds.SystemID.ID, ds.OutputName,
		datastore.FormatRange(ds.ValidTime), doc)
	if err != nil {
		return datastore.None, datastore.WrapSQL("insert into "+s.Table(), err)
	}
	queriesTotal.WithLabelValues(s.Table(), "add").Inc()
	s.eng.cache.Invalidate(dsCacheKey(id))
	return s.eng.NewKey(id), nil
}

func (s *DataStreamStore) intersectCurrentVersion(ctx context.Context, id int64, nk string, incoming datastore.ValidTime) error {
	q := fmt.Sprintf(`SELECT lower(validtime)::text, upper(validtime)::text FROM %s
		WHERE id = $1 ORDER BY lower(validtime) DESC LIMIT 1`, s.Table())
	var lower, upper string
	err := s.eng.DB().QueryRow(ctx, q, id).Scan(&lower, &upper)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return datastore.WrapSQL("load current version of "+nk, err)
	}
	existing, err := datastore.ParseRange(lower, upper)
	if err != nil {
		return fmt.Errorf("stored valid time of %s: %w", nk, err)
	}
	closed, update, err := datastore.IntersectValidTime(existing, incoming)
	if err != nil {
		return fmt.Errorf("add version of %s: %w", nk, err)
	}
	if !update {
		return nil
	}
	uq := fmt.Sprintf(`UPDATE %s SET validtime = $1::tstzrange WHERE id = $2 AND lower(validtime) = $3::timestamptz`, s.Table())
	_, err = s.eng.DB().Exec(ctx, uq, datastore.FormatRange(closed), id, datastore.FormatTime(existing.Begin()))
	if err != nil {
		return datastore.WrapSQL("close current version of "+nk, err)
	}
	s.eng.cache.Invalidate(dsCacheKey(id))
	return nil
}

func (s *DataStreamStore) scanDataStream(rows pgx.Rows) (datastore.BigID, datastore.DataStreamInfo, error) {
	var id int64
	var lower, upper string
	var doc []byte
	if err := rows.Scan(&id, &lower, &upper, &doc); err != nil {
		return datastore.None, datastore.DataStreamInfo{}, err
	}
	ds, err := s.codec.Decode(doc)
	if err != nil {
		return datastore.None, datastore.DataStreamInfo{}, err
	}
	vt, err := datastore.ParseRange(lower, upper)
	if err != nil {
		return datastore.None, datastore.DataStreamInfo{}, err
	}
	ds.ValidTime = vt
	return s.eng.NewKey(id), ds, nil
}

// Get returns the latest version of a datastream, cache first. The miss
// path fills the cache under the store's fill lock. Returns nil when the ID
// is unknown.
func (s *DataStreamStore) Get(ctx context.Context, id int64) (*datastore.DataStreamInfo, error) {
	if err := s.eng.checkReady(); err != nil {
		return nil, err
	}
	ck := dsCacheKey(id)
	if v, ok := s.eng.cache.Get(ck); ok {
		cacheHits.WithLabelValues(s.Table()).Inc()
		ds := v.(datastore.DataStreamInfo)
		return &ds, nil
	}
	cacheMisses.WithLabelValues(s.Table()).Inc()
	v, err := s.eng.cache.fill(ck, func() (any, error) {
		ds, err := s.loadLatest(ctx, id)
		if err != nil || ds == nil {
			return nil, err
		}
		return *ds, nil
	})
	if err != nil || v == nil {
		return nil, err
	}
	ds := v.(datastore.DataStreamInfo)
	return &ds, nil
}

func (s *DataStreamStore) loadLatest(ctx context.Context, id int64) (*datastore.DataStreamInfo, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s d WHERE d.id = $1 ORDER BY lower(d.validtime) DESC LIMIT 1`,
		dataStreamColumns, s.Table())
	rows, err := s.eng.DB().Query(ctx, q, id)
	if err != nil {
		return nil, datastore.WrapSQL("get from "+s.Table(), err)
	}
	defer rows.Close()
	queriesTotal.WithLabelValues(s.Table(), "get").Inc()
	if !rows.Next() {
		return nil, datastore.WrapSQL("get from "+s.Table(), rows.Err())
	}
	_, ds, err := s.scanDataStream(rows)
	if err != nil {
		return nil, err
	}
	return &ds, nil
}

// Put replaces the version starting at the record's valid-time begin.
// Update-only; the cache entry is invalidated, never replaced in place.
func (s *DataStreamStore) Put(ctx context.Context, id datastore.BigID, ds datastore.DataStreamInfo) error {
	if err := s.eng.checkReady(); err != nil {
		return err
	}
	doc, err := s.codec.Encode(ds)
	if err != nil {
		return fmt.Errorf("encode datastream %s: %w", ds.NaturalKey(), err)
	}
	q := fmt.Sprintf(`UPDATE %s SET data = $1, systemid = $2, outputname = $3 WHERE id = $4 AND lower(validtime) = $5::timestamptz`, s.Table())
	tag, err := s.eng.DB().Exec(ctx, q, doc, ds.SystemID.ID, ds.OutputName, id.ID,
		datastore.FormatTime(ds.ValidTime.Begin()))
	if err != nil {
		return datastore.WrapSQL("update "+s.Table(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s %s: %w", s.Table(), id, datastore.ErrUpdateOnly)
	}
	queriesTotal.WithLabelValues(s.Table(), "put").Inc()
	s.eng.cache.Invalidate(dsCacheKey(id.ID))
	return nil
}

// Remove deletes all versions of a datastream and, when an observation
// store is linked, its observations first. Returns the latest removed
// version, or nil when absent.
func (s *DataStreamStore) Remove(ctx context.Context, id int64) (*datastore.DataStreamInfo, error) {
	if err := s.eng.checkReady(); err != nil {
		return nil, err
	}
	prev, err := s.loadLatest(ctx, id)
	if err != nil || prev == nil {
		return nil, err
	}
	if s.obsTable != "" {
		if _, err := s.eng.DB().Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE datastreamid = $1`, s.obsTable), id); err != nil {
			return nil, datastore.WrapSQL("cascade delete observations of "+s.Table(), err)
		}
	}
	if _, err := s.eng.DB().Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.Table()), id); err != nil {
		return nil, datastore.WrapSQL("delete from "+s.Table(), err)
	}
	queriesTotal.WithLabelValues(s.Table(), "remove").Inc()
	s.eng.cache.Invalidate(dsCacheKey(id))
	return prev, nil
}

// Select streams the datastream versions matching the filter.
func (s *DataStreamStore) Select(ctx context.Context, f *filter.DataStream) (*Iterator[datastore.BigID, datastore.DataStreamInfo], error) {
	if err := s.eng.checkReady(); err != nil {
		return nil, err
	}
	g, err := query.CompileDataStream(f, s.Table(), s.links)
	if err != nil {
		return nil, err
	}
	g.SelectFields(dataStreamColumns)
	rows, err := s.eng.DB().Query(ctx, g.SelectQuery())
	if err != nil {
		return nil, datastore.WrapSQL("select from "+s.Table(), err)
	}
	queriesTotal.WithLabelValues(s.Table(), "select").Inc()
	return NewIterator(rows, s.scanDataStream, nil, 0), nil
}

// Count returns the number of versions matching the filter.
func (s *DataStreamStore) Count(ctx context.Context, f *filter.DataStream) (int64, error) {
	if err := s.eng.checkReady(); err != nil {
		return 0, err
	}
	g, err := query.CompileDataStream(f, s.Table(), s.links)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.eng.DB().QueryRow(ctx, g.CountQuery()).Scan(&n); err != nil {
		return 0, datastore.WrapSQL("count "+s.Table(), err)
	}
	return n, nil
}

// RemoveEntries deletes all versions matching the filter. The whole cache
// is invalidated rather than computing the affected keys.
func (s *DataStreamStore) RemoveEntries(ctx context.Context, f *filter.DataStream) (int64, error) {
	if err := s.eng.checkReady(); err != nil {
		return 0, err
	}
	g, err := query.CompileDataStream(f, s.Table(), s.links)
	if err != nil {
		return 0, err
	}
	tag, err := s.eng.DB().Exec(ctx, g.DeleteQuery())
	if err != nil {
		return 0, datastore.WrapSQL("delete from "+s.Table(), err)
	}
	s.eng.cache.InvalidateAll()
	return tag.RowsAffected(), nil
}
