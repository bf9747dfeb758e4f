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

// CommandStatusStoreConfig configures a command status store.
type CommandStatusStoreConfig struct {
	Table            string
	Scope            int
	BatchSize        int
	AutoCommitPeriod time.Duration
}

// CommandStatusStore persists status reports for issued commands.
type CommandStatusStore struct {
	eng   *Engine
	codec datastore.Codec[datastore.CommandStatus]
	links query.Links
}

func commandStatusDDL(table string) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
			id BIGINT PRIMARY KEY,
			commandid BIGINT NOT NULL,
			reporttime TIMESTAMPTZ NOT NULL,
			data JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ` + table + `_cmd_time_idx ON ` + table + ` (commandid, reporttime DESC)`,
	}
}

func NewCommandStatusStore(db DB, conns batchCommitter, cfg CommandStatusStoreConfig) *CommandStatusStore {
	if cfg.Table == "" {
		cfg.Table = "commandstatus"
	}
	eng := NewEngine(db, conns, EngineConfig{
		Scope:            cfg.Scope,
		Schema:           Schema{Table: cfg.Table, InitDDL: commandStatusDDL(cfg.Table)},
		IDKind:           datastore.IDSequential,
		BatchSize:        cfg.BatchSize,
		AutoCommitPeriod: cfg.AutoCommitPeriod,
	})
	return &CommandStatusStore{
		eng:   eng,
		codec: datastore.JSONCodec[datastore.CommandStatus]{},
	}
}

func (s *CommandStatusStore) Engine() *Engine { return s.eng }
func (s *CommandStatusStore) Table() string   { return s.eng.Table() }

// LinkCommandStore registers the command table for nested filters.
func (s *CommandStatusStore) LinkCommandStore(table string) { s.links.Commands = table }

// LinkCommandStreamStore registers the command stream table for doubly
// nested filters.
func (s *CommandStatusStore) LinkCommandStreamStore(table string) { s.links.CommandStreams = table }

// LinkSystemStore registers the system table for triply nested filters.
func (s *CommandStatusStore) LinkSystemStore(table string) { s.links.Systems = table }

func (s *CommandStatusStore) Initialize(ctx context.Context) error { return s.eng.Initialize(ctx) }
func (s *CommandStatusStore) Commit(ctx context.Context) error     { return s.eng.Commit(ctx) }
func (s *CommandStatusStore) Close(ctx context.Context)            { s.eng.Close(ctx) }

func (s *CommandStatusStore) NumRecords(ctx context.Context) (int64, error) {
	return s.eng.NumRecords(ctx)
}
func (s *CommandStatusStore) IsEmpty(ctx context.Context) (bool, error) { return s.eng.IsEmpty(ctx) }
func (s *CommandStatusStore) Clear(ctx context.Context) error           { return s.eng.Clear(ctx) }
func (s *CommandStatusStore) Drop(ctx context.Context) error            { return s.eng.Drop(ctx) }
func (s *CommandStatusStore) Backup(ctx context.Context) error          { return s.eng.Backup(ctx) }
func (s *CommandStatusStore) Restore(ctx context.Context) error         { return s.eng.Restore(ctx) }

// Add buffers one status report on the batched write path.
func (s *CommandStatusStore) Add(ctx context.Context, st datastore.CommandStatus) (datastore.BigID, error) {
	if err := s.eng.checkReady(); err != nil {
		return datastore.None, err
	}
	if st.ReportTime.IsZero() {
		st.ReportTime = time.Now().UTC()
	}
	id := s.eng.NewID(st)
	doc, err := s.codec.Encode(st)
	if err != nil {
		return datastore.None, fmt.Errorf("encode command status: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, commandid, reporttime, data) VALUES ($1, $2, $3, $4)`, s.Table())
	err = s.eng.ExecWrite(ctx, q, id, st.CommandID.ID, st.ReportTime.UTC(), doc)
	if err != nil {
		return datastore.None, err
	}
	queriesTotal.WithLabelValues(s.Table(), "add").Inc()
	return s.eng.NewKey(id), nil
}

func (s *CommandStatusStore) scanStatus(rows pgx.Rows) (datastore.BigID, datastore.CommandStatus, error) {
	var id int64
	var doc []byte
	if err := rows.Scan(&id, &doc); err != nil {
		return datastore.None, datastore.CommandStatus{}, err
	}
	st, err := s.codec.Decode(doc)
	if err != nil {
		return datastore.None, datastore.CommandStatus{}, err
	}
	return s.eng.NewKey(id), st, nil
}

// Get returns one status report by key, or nil when absent.
func (s *CommandStatusStore) Get(ctx context.Context, id int64) (*datastore.CommandStatus, error) {
	if err := s.eng.checkReady(); err != nil {
		return nil, err
	}
	var doc []byte
	err := s.eng.DB().QueryRow(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE id = $1`, s.Table()), id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, datastore.WrapSQL("get from "+s.Table(), err)
	}
	queriesTotal.WithLabelValues(s.Table(), "get").Inc()
	st, err := s.codec.Decode(doc)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Remove deletes one status report and returns it, or nil when absent.
func (s *CommandStatusStore) Remove(ctx context.Context, id int64) (*datastore.CommandStatus, error) {
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

// Select streams the status reports matching the filter.
func (s *CommandStatusStore) Select(ctx context.Context, f *filter.CommandStatus) (*Iterator[datastore.BigID, datastore.CommandStatus], error) {
	if err := s.eng.checkReady(); err != nil {
		return nil, err
	}
	g, err := query.CompileCommandStatus(f, s.Table(), s.links)
	if err != nil {
		return nil, err
	}
	g.SelectFields("st.id", "st.data")
	rows, err := s.eng.DB().Query(ctx, g.SelectQuery())
	if err != nil {
		return nil, datastore.WrapSQL("select from "+s.Table(), err)
	}
	queriesTotal.WithLabelValues(s.Table(), "select").Inc()
	return NewIterator(rows, s.scanStatus, nil, 0), nil
}

// Count returns the number of status reports matching the filter.
func (s *CommandStatusStore) Count(ctx context.Context, f *filter.CommandStatus) (int64, error) {
	if err := s.eng.checkReady(); err != nil {
		return 0, err
	}
	g, err := query.CompileCommandStatus(f, s.Table(), s.links)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.eng.DB().QueryRow(ctx, g.CountQuery()).Scan(&n); err != nil {
		return 0, datastore.WrapSQL("count "+s.Table(), err)
	}
	return n, nil
}
