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

// CommandStreamStoreConfig configures a command stream metadata store.
type CommandStreamStoreConfig struct {
	Table            string
	Scope            int
	BatchSize        int
	AutoCommitPeriod time.Duration
	CacheSize        int
	CacheTTL         time.Duration
}

// CommandStreamStore persists command stream metadata, versioned by valid
// time like datastreams. Linked command and status tables are removed in
// cascade when a stream is removed.
type CommandStreamStore struct {
	eng         *Engine
	codec       datastore.Codec[datastore.CommandStreamInfo]
	locks       *mapmutex.Mutex
	links       query.Links
	cmdTable    string
	statusTable string
}

func commandStreamDDL(table string) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
			id BIGINT NOT NULL,
			systemid BIGINT NOT NULL DEFAULT 0,
			controlinputname TEXT NOT NULL,
			validtime TSTZRANGE NOT NULL,
			data JSONB NOT NULL,
			PRIMARY KEY (id, validtime)
		)`,
		`CREATE INDEX IF NOT EXISTS ` + table + `_sys_idx ON ` + table + ` (systemid, controlinputname)`,
		`CREATE INDEX IF NOT EXISTS ` + table + `_vt_idx ON ` + table + ` USING GIST (validtime)`,
	}
}

func NewCommandStreamStore(db DB, conns batchCommitter, cfg CommandStreamStoreConfig) *CommandStreamStore {
	if cfg.Table == "" {
		cfg.Table = "commandstreams"
	}
	eng := NewEngine(db, conns, EngineConfig{
		Scope:  cfg.Scope,
		Schema: Schema{Table: cfg.Table, InitDDL: commandStreamDDL(cfg.Table)},
		IDKind: datastore.IDHash,
		NaturalKey: func(v any) string {
			if cs, ok := v.(datastore.CommandStreamInfo); ok {
				return cs.NaturalKey()
			}
			return fmt.Sprint(v)
		},
		BatchSize:        cfg.BatchSize,
		AutoCommitPeriod: cfg.AutoCommitPeriod,
		CacheSize:        cfg.CacheSize,
		CacheTTL:         cfg.CacheTTL,
	})
	return &CommandStreamStore{
		eng:   eng,
		codec: datastore.JSONCodec[datastore.CommandStreamInfo]{},
		locks: mapmutex.NewMapMutex(),
	}
}

func (s *CommandStreamStore) Engine() *Engine { return s.eng }
func (s *CommandStreamStore) Table() string   { return s.eng.Table() }

// LinkSystemStore registers the system table for nested system filters.
func (s *CommandStreamStore) LinkSystemStore(table string) { s.links.Systems = table }

// LinkCommandStores registers the command and status tables for cascade
// removal.
func (s *CommandStreamStore) LinkCommandStores(cmdTable, statusTable string) {
	s.cmdTable = cmdTable
	s.statusTable = statusTable
}

func (s *CommandStreamStore) Initialize(ctx context.Context) error { return s.eng.Initialize(ctx) }
func (s *CommandStreamStore) Commit(ctx context.Context) error     { return s.eng.Commit(ctx) }
func (s *CommandStreamStore) Close(ctx context.Context)            { s.eng.Close(ctx) }

func (s *CommandStreamStore) NumRecords(ctx context.Context) (int64, error) {
	return s.eng.NumRecords(ctx)
}
func (s *CommandStreamStore) IsEmpty(ctx context.Context) (bool, error) { return s.eng.IsEmpty(ctx) }
func (s *CommandStreamStore) Clear(ctx context.Context) error           { return s.eng.Clear(ctx) }
func (s *CommandStreamStore) Drop(ctx context.Context) error            { return s.eng.Drop(ctx) }
func (s *CommandStreamStore) Backup(ctx context.Context) error          { return s.eng.Backup(ctx) }
func (s *CommandStreamStore) Restore(ctx context.Context) error         { return s.eng.Restore(ctx) }

const commandStreamColumns = "cs.id, lower(cs.validtime)::text, upper(cs.validtime)::text, cs.data"

func csCacheKey(id int64) string { return "cs:" + strconv.FormatInt(id, 10) }

// Add inserts a new command stream version under the per-key lock, applying
// the valid-time intersection rule against the latest stored version.
func (s *CommandStreamStore) Add(ctx context.Context, cs datastore.CommandStreamInfo) (datastore.BigID, error) {
	if err := s.eng.checkReady(); err != nil {
		return datastore.None, err
	}
	if cs.ControlInputName == "" {
		return datastore.None, errors.New("command stream has no control input name")
	}
	if cs.ValidTime.IsZero() {
		cs.ValidTime = datastore.ValidTimeEndingNow(time.Now().UTC())
	}
	nk := cs.NaturalKey()
	if !s.locks.TryLock(nk) {
		return datastore.None, fmt.Errorf("add %s: %w", nk, datastore.ErrKeyBusy)
	}
	defer s.locks.Unlock(nk)

	id := s.eng.NewID(cs)
	if err := s.intersectCurrentVersion(ctx, id, nk, cs.ValidTime); err != nil {
		return datastore.None, err
	}
	doc, err := s.codec.Encode(cs)
	if err != nil {
		return datastore.None, fmt.Errorf("encode command stream %s: %w", nk, err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, systemid, controlinputname, validtime, data)
		VALUES ($1, $2, $3, $4::tstzrange, $5)`, s.Table())
	_, err = s.eng.DB().Exec(ctx, q, id, cs.SystemID.ID, cs.ControlInputName,
		datastore.FormatRange(cs.ValidTime), doc)
	if err != nil {
		return datastore.None, datastore.WrapSQL("insert into "+s.Table(), err)
	}
	queriesTotal.WithLabelValues(s.Table(), "add").Inc()
	s.eng.cache.Invalidate(csCacheKey(id))
	return s.eng.NewKey(id), nil
}

func (s *CommandStreamStore) intersectCurrentVersion(ctx context.Context, id int64, nk string, incoming datastore.ValidTime) error {
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
	s.eng.cache.Invalidate(csCacheKey(id))
	return nil
}

func (s *CommandStreamStore) scanCommandStream(rows pgx.Rows) (datastore.BigID, datastore.CommandStreamInfo, error) {
	var id int64
	var lower, upper string
	var doc []byte
	if err := rows.Scan(&id, &lower, &upper, &doc); err != nil {
		return datastore.None, datastore.CommandStreamInfo{}, err
	}
	cs, err := s.codec.Decode(doc)
	if err != nil {
		return datastore.None, datastore.CommandStreamInfo{}, err
	}
	vt, err := datastore.ParseRange(lower, upper)
	if err != nil {
		return datastore.None, datastore.CommandStreamInfo{}, err
	}
	cs.ValidTime = vt
	return s.eng.NewKey(id), cs, nil
}

// Get returns the latest version of a command stream, cache first, or nil
// when the ID is unknown.
func (s *CommandStreamStore) Get(ctx context.Context, id int64) (*datastore.CommandStreamInfo, error) {
	if err := s.eng.checkReady(); err != nil {
		return nil, err
	}
	ck := csCacheKey(id)
	if v, ok := s.eng.cache.Get(ck); ok {
		cacheHits.WithLabelValues(s.Table()).Inc()
		cs := v.(datastore.CommandStreamInfo)
		return &cs, nil
	}
	cacheMisses.WithLabelValues(s.Table()).Inc()
	v, err := s.eng.cache.fill(ck, func() (any, error) {
		cs, err := s.loadLatest(ctx, id)
		if err != nil || cs == nil {
			return nil, err
		}
		return *cs, nil
	})
	if err != nil || v == nil {
		return nil, err
	}
	cs := v.(datastore.CommandStreamInfo)
	return &cs, nil
}

func (s *CommandStreamStore) loadLatest(ctx context.Context, id int64) (*datastore.CommandStreamInfo, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s cs WHERE cs.id = $1 ORDER BY lower(cs.validtime) DESC LIMIT 1`,
		commandStreamColumns, s.Table())
	rows, err := s.eng.DB().Query(ctx, q, id)
	if err != nil {
		return nil, datastore.WrapSQL("get from "+s.Table(), err)
	}
	defer rows.Close()
	queriesTotal.WithLabelValues(s.Table(), "get").Inc()
	if !rows.Next() {
		return nil, datastore.WrapSQL("get from "+s.Table(), rows.Err())
	}
	_, cs, err := s.scanCommandStream(rows)
	if err != nil {
		return nil, err
	}
	return &cs, nil
}

// Put replaces the version starting at the record's valid-time begin.
// Update-only.
func (s *CommandStreamStore) Put(ctx context.Context, id datastore.BigID, cs datastore.CommandStreamInfo) error {
	if err := s.eng.checkReady(); err != nil {
		return err
	}
	doc, err := s.codec.Encode(cs)
	if err != nil {
		return fmt.Errorf("encode command stream %s: %w", cs.NaturalKey(), err)
	}
	q := fmt.Sprintf(`UPDATE %s SET data = $1, systemid = $2, controlinputname = $3 WHERE id = $4 AND lower(validtime) = $5::timestamptz`, s.Table())
	tag, err := s.eng.DB().Exec(ctx, q, doc, cs.SystemID.ID, cs.ControlInputName, id.ID,
		datastore.FormatTime(cs.ValidTime.Begin()))
	if err != nil {
		return datastore.WrapSQL("update "+s.Table(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s %s: %w", s.Table(), id, datastore.ErrUpdateOnly)
	}
	queriesTotal.WithLabelValues(s.Table(), "put").Inc()
	s.eng.cache.Invalidate(csCacheKey(id.ID))
	return nil
}

// Remove deletes all versions of a command stream, cascading to its
// commands and their status reports when the tables are linked.
func (s *CommandStreamStore) Remove(ctx context.Context, id int64) (*datastore.CommandStreamInfo, error) {
	if err := s.eng.checkReady(); err != nil {
		return nil, err
	}
	prev, err := s.loadLatest(ctx, id)
	if err != nil || prev == nil {
		return nil, err
	}
	if s.statusTable != "" && s.cmdTable != "" {
		q := fmt.Sprintf(`DELETE FROM %s WHERE commandid IN (SELECT id FROM %s WHERE commandstreamid = $1)`,
			s.statusTable, s.cmdTable)
		if _, err := s.eng.DB().Exec(ctx, q, id); err != nil {
			return nil, datastore.WrapSQL("cascade delete statuses of "+s.Table(), err)
		}
	}
	if s.cmdTable != "" {
		if _, err := s.eng.DB().Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE commandstreamid = $1`, s.cmdTable), id); err != nil {
			return nil, datastore.WrapSQL("cascade delete commands of "+s.Table(), err)
		}
	}
	if _, err := s.eng.DB().Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.Table()), id); err != nil {
		return nil, datastore.WrapSQL("delete from "+s.Table(), err)
	}
	queriesTotal.WithLabelValues(s.Table(), "remove").Inc()
	s.eng.cache.Invalidate(csCacheKey(id))
	return prev, nil
}

// Select streams the command stream versions matching the filter.
func (s *CommandStreamStore) Select(ctx context.Context, f *filter.CommandStream) (*Iterator[datastore.BigID, datastore.CommandStreamInfo], error) {
	if err := s.eng.checkReady(); err != nil {
		return nil, err
	}
	g, err := query.CompileCommandStream(f, s.Table(), s.links)
	if err != nil {
		return nil, err
	}
	g.SelectFields(commandStreamColumns)
	rows, err := s.eng.DB().Query(ctx, g.SelectQuery())
	if err != nil {
		return nil, datastore.WrapSQL("select from "+s.Table(), err)
	}
	queriesTotal.WithLabelValues(s.Table(), "select").Inc()
	return NewIterator(rows, s.scanCommandStream, nil, 0), nil
}

// Count returns the number of versions matching the filter.
func (s *CommandStreamStore) Count(ctx context.Context, f *filter.CommandStream) (int64, error) {
	if err := s.eng.checkReady(); err != nil {
		return 0, err
	}
	g, err := query.CompileCommandStream(f, s.Table(), s.links)
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
func (s *CommandStreamStore) RemoveEntries(ctx context.Context, f *filter.CommandStream) (int64, error) {
	if err := s.eng.checkReady(); err != nil {
		return 0, err
	}
	g, err := query.CompileCommandStream(f, s.Table(), s.links)
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
