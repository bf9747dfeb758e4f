package postgis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/geosensordb/pgstore/datastore"
	"github.com/geosensordb/pgstore/datastore/filter"
	"github.com/geosensordb/pgstore/datastore/query"
)

// ObsStoreConfig configures an observation store.
type ObsStoreConfig struct {
	Table            string
	Scope            int
	BatchSize        int
	AutoCommitPeriod time.Duration
}

// ObsStore persists observations. This is the high-volume store: adds go
// through the batched write path, so a written observation becomes visible
// to readers only after the next commit (threshold, timer or explicit).
type ObsStore struct {
	eng   *Engine
	codec datastore.Codec[datastore.ObsData]
	links query.Links
}

func obsDDL(table string) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
			id BIGINT PRIMARY KEY,
			datastreamid BIGINT NOT NULL,
			foiid BIGINT NOT NULL DEFAULT 0,
			phenomenontime TIMESTAMPTZ NOT NULL,
			resulttime TIMESTAMPTZ NOT NULL,
			data JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ` + table + `_ds_time_idx ON ` + table + ` (datastreamid, phenomenontime DESC)`,
		`CREATE INDEX IF NOT EXISTS ` + table + `_foi_idx ON ` + table + ` (foiid)`,
	}
}

func NewObsStore(db DB, conns batchCommitter, cfg ObsStoreConfig) *ObsStore {
	if cfg.Table == "" {
		cfg.Table = "observations"
	}
	eng := NewEngine(db, conns, EngineConfig{
		Scope:            cfg.Scope,
		Schema:           Schema{Table: cfg.Table, InitDDL: obsDDL(cfg.Table)},
		IDKind:           datastore.IDSequential,
		BatchSize:        cfg.BatchSize,
		AutoCommitPeriod: cfg.AutoCommitPeriod,
	})
	return &ObsStore{
		eng:   eng,
		codec: datastore.JSONCodec[datastore.ObsData]{},
	}
}

func (s *ObsStore) Engine() *Engine { return s.eng }
func (s *ObsStore) Table() string   { return s.eng.Table() }

// LinkDataStreamStore registers the datastream table for nested filters.
func (s *ObsStore) LinkDataStreamStore(table string) { s.links.DataStreams = table }

// LinkFoiStore registers the feature-of-interest table for nested filters.
func (s *ObsStore) LinkFoiStore(table string) { s.links.Fois = table }

// LinkSystemStore registers the system table for doubly nested filters
// (observation filter embedding a datastream filter embedding a system
// filter).
func (s *ObsStore) LinkSystemStore(table string) { s.links.Systems = table }

func (s *ObsStore) Initialize(ctx context.Context) error { return s.eng.Initialize(ctx) }
func (s *ObsStore) Commit(ctx context.Context) error     { return s.eng.Commit(ctx) }
func (s *ObsStore) ForceCommit(ctx context.Context) error { return s.eng.ForceCommit(ctx) }
func (s *ObsStore) Close(ctx context.Context)            { s.eng.Close(ctx) }

func (s *ObsStore) NumRecords(ctx context.Context) (int64, error) { return s.eng.NumRecords(ctx) }
func (s *ObsStore) IsEmpty(ctx context.Context) (bool, error)     { return s.eng.IsEmpty(ctx) }
func (s *ObsStore) Clear(ctx context.Context) error               { return s.eng.Clear(ctx) }
func (s *ObsStore) Drop(ctx context.Context) error                { return s.eng.Drop(ctx) }
func (s *ObsStore) Backup(ctx context.Context) error              { return s.eng.Backup(ctx) }
func (s *ObsStore) Restore(ctx context.Context) error             { return s.eng.Restore(ctx) }

// Add buffers one observation on the batched write path and returns its
// key. A zero result time defaults to the phenomenon time. Slot
// exhaustion surfaces as the retryable ErrNoBatchSlot.
func (s *ObsStore) Add(ctx context.Context, obs datastore.ObsData) (datastore.BigID, error) {
	if err := s.eng.checkReady(); err != nil {
		return datastore.None, err
	}
	if obs.ResultTime.IsZero() {
		obs.ResultTime = obs.PhenomenonTime
	}
	id := s.eng.NewID(obs)
	doc, err := s.codec.Encode(obs)
	if err != nil {
		return datastore.None, fmt.Errorf("encode observation: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, datastreamid, foiid, phenomenontime, resulttime, data)
		VALUES ($1, $2, $3, $4, $5, $6)`, s.Table())
	err = s.eng.ExecWrite(ctx, q, id, obs.DataStreamID.ID, obs.FoiID.ID,
		obs.PhenomenonTime.UTC(), obs.ResultTime.UTC(), doc)
	if err != nil {
		return datastore.None, err
	}
	queriesTotal.WithLabelValues(s.Table(), "add").Inc()
	return s.eng.NewKey(id), nil
}

func (s *ObsStore) scanObs(rows pgx.Rows) (datastore.BigID, datastore.ObsData, error) {
	var id int64
	var doc []byte
	if err := rows.Scan(&id, &doc); err != nil {
		return datastore.None, datastore.ObsData{}, err
	}
	obs, err := s.codec.Decode(doc)
	if err != nil {
		return datastore.None, datastore.ObsData{}, err
	}
	return s.eng.NewKey(id), obs, nil
}

// Get returns one observation by key, or nil when absent.
func (s *ObsStore) Get(ctx context.Context, id int64) (*datastore.ObsData, error) {
	if err := s.eng.checkReady(); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT data FROM %s WHERE id = $1`, s.Table())
	var doc []byte
	err := s.eng.DB().QueryRow(ctx, q, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, datastore.WrapSQL("get from "+s.Table(), err)
	}
	queriesTotal.WithLabelValues(s.Table(), "get").Inc()
	obs, err := s.codec.Decode(doc)
	if err != nil {
		return nil, err
	}
	return &obs, nil
}

// Remove deletes one observation and returns it, or nil when absent.
func (s *ObsStore) Remove(ctx context.Context, id int64) (*datastore.ObsData, error) {
	if err := s.eng.checkReady(); err != nil {
		return nil, err
	}
	prev, err := s.Get(ctx, id)
	if err != nil || prev == nil {
		return nil, err
	}
	if _, err := s.eng.DB().Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.Table()), id); err != nil {
		return nil, datastore.WrapSQL("delete from "+s.Table(), err)
	}
	queriesTotal.WithLabelValues(s.Table(), "remove").Inc()
	return prev, nil
}

// Select streams the observations matching the filter, applying the
// filter's client-side value predicate and limit.
func (s *ObsStore) Select(ctx context.Context, f *filter.Obs) (*Iterator[datastore.BigID, datastore.ObsData], error) {
	if err := s.eng.checkReady(); err != nil {
		return nil, err
	}
	g, err := query.CompileObs(f, s.Table(), s.links)
	if err != nil {
		return nil, err
	}
	g.SelectFields("o.id", "o.data")
	rows, err := s.eng.DB().Query(ctx, g.SelectQuery())
	if err != nil {
		return nil, datastore.WrapSQL("select from "+s.Table(), err)
	}
	queriesTotal.WithLabelValues(s.Table(), "select").Inc()
	var pred func(datastore.ObsData) bool
	var limit int64
	if f != nil {
		pred = f.ValuePredicate()
		limit = f.Limit()
	}
	return NewIterator(rows, s.scanObs, pred, limit), nil
}

// Count returns the number of observations matching the filter. Filters
// with a client-side predicate are counted by iteration.
func (s *ObsStore) Count(ctx context.Context, f *filter.Obs) (int64, error) {
	if err := s.eng.checkReady(); err != nil {
		return 0, err
	}
	if f != nil && f.ValuePredicate() != nil {
		it, err := s.Select(ctx, f)
		if err != nil {
			return 0, err
		}
		defer it.Close()
		var n int64
		for it.Next() {
			n++
		}
		return n, it.Err()
	}
	g, err := query.CompileObs(f, s.Table(), s.links)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.eng.DB().QueryRow(ctx, g.CountQuery()).Scan(&n); err != nil {
		return 0, datastore.WrapSQL("count "+s.Table(), err)
	}
	return n, nil
}

// RemoveEntries deletes all observations matching the filter. Pending
// batched writes are committed first so the delete cannot block on an open
// batch transaction.
func (s *ObsStore) RemoveEntries(ctx context.Context, f *filter.Obs) (int64, error) {
	if err := s.eng.checkReady(); err != nil {
		return 0, err
	}
	if err := s.eng.ForceCommit(ctx); err != nil {
		return 0, err
	}
	g, err := query.CompileObs(f, s.Table(), s.links)
	if err != nil {
		return 0, err
	}
	tag, err := s.eng.DB().Exec(ctx, g.DeleteQuery())
	if err != nil {
		return 0, datastore.WrapSQL("delete from "+s.Table(), err)
	}
	return tag.RowsAffected(), nil
}

// ObsStats summarizes the observations of one datastream.
type ObsStats struct {
	DataStreamID        datastore.BigID
	ObsCount            int64
	PhenomenonTimeRange datastore.ValidTime
}

// GetStatistics returns count and phenomenon-time span for one datastream,
// or nil when it has no observations.
func (s *ObsStore) GetStatistics(ctx context.Context, dsID int64) (*ObsStats, error) {
	if err := s.eng.checkReady(); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT COUNT(*), MIN(phenomenontime)::text, MAX(phenomenontime)::text
		FROM %s WHERE datastreamid = $1`, s.Table())
	var count int64
	var min, max *string
	if err := s.eng.DB().QueryRow(ctx, q, dsID).Scan(&count, &min, &max); err != nil {
		return nil, datastore.WrapSQL("statistics of "+s.Table(), err)
	}
	if count == 0 || min == nil || max == nil {
		return nil, nil
	}
	span, err := datastore.ParseRange(*min, *max)
	if err != nil {
		return nil, err
	}
	return &ObsStats{
		DataStreamID:        s.eng.NewKey(dsID),
		ObsCount:            count,
		PhenomenonTimeRange: span,
	}, nil
}

// GetStatisticsBatch returns statistics for several datastreams in one round
// trip. Datastreams without observations are absent from the result.
func (s *ObsStore) GetStatisticsBatch(ctx context.Context, dsIDs []int64) (map[int64]*ObsStats, error) {
	if err := s.eng.checkReady(); err != nil {
		return nil, err
	}
	out := make(map[int64]*ObsStats, len(dsIDs))
	if len(dsIDs) == 0 {
		return out, nil
	}
	q := fmt.Sprintf(`SELECT datastreamid, COUNT(*), MIN(phenomenontime)::text, MAX(phenomenontime)::text
		FROM %s WHERE datastreamid = ANY($1) GROUP BY datastreamid`, s.Table())
	rows, err := s.eng.DB().Query(ctx, q, dsIDs)
	if err != nil {
		return nil, datastore.WrapSQL("statistics of "+s.Table(), err)
	}
	defer rows.Close()
	for rows.Next() {
		var dsID, count int64
		var min, max string
		if err := rows.Scan(&dsID, &count, &min, &max); err != nil {
			return nil, err
		}
		span, err := datastore.ParseRange(min, max)
		if err != nil {
			return nil, err
		}
		out[dsID] = &ObsStats{
			DataStreamID:        s.eng.NewKey(dsID),
			ObsCount:            count,
			PhenomenonTimeRange: span,
		}
	}
	return out, rows.Err()
}
