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

// CommandStoreConfig configures a command store.
type CommandStoreConfig struct {
	Table            string
	Scope            int
	BatchSize        int
	AutoCommitPeriod time.Duration
}

// CommandStore persists issued commands. Like observations, adds go through
// the batched write path.
type CommandStore struct {
	eng   *Engine
	codec datastore.Codec[datastore.CommandData]
	links query.Links
}

func commandDDL(table string) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
			id BIGINT PRIMARY KEY,
			commandstreamid BIGINT NOT NULL,
			senderid TEXT NOT NULL DEFAULT '',
			issuetime TIMESTAMPTZ NOT NULL,
			data JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ` + table + `_cs_time_idx ON ` + table + ` (commandstreamid, issuetime DESC)`,
	}
}

func NewCommandStore(db DB, conns batchCommitter, cfg CommandStoreConfig) *CommandStore {
	if cfg.Table == "" {
		cfg.Table = "commands"
	}
	eng := NewEngine(db, conns, EngineConfig{
		Scope:            cfg.Scope,
		Schema:           Schema{Table: cfg.Table, InitDDL: commandDDL(cfg.Table)},
		IDKind:           datastore.IDSequential,
		BatchSize:        cfg.BatchSize,
		AutoCommitPeriod: cfg.AutoCommitPeriod,
	})
	return &CommandStore{
		eng:   eng,
		codec: datastore.JSONCodec[datastore.CommandData]{},
	}
}

func (s *CommandStore) Engine() *Engine { return s.eng }
func (s *CommandStore) Table() string   { return s.eng.Table() }

// LinkCommandStreamStore registers the command stream table for nested
// filters.
func (s *CommandStore) LinkCommandStreamStore(table string) { s.links.CommandStreams = table }

// LinkSystemStore registers the system table for doubly nested filters.
func (s *CommandStore) LinkSystemStore(table string) { s.links.Systems = table }

func (s *CommandStore) Initialize(ctx context.Context) error  { return s.eng.Initialize(ctx) }
func (s *CommandStore) Commit(ctx context.Context) error      { return s.eng.Commit(ctx) }
func (s *CommandStore) ForceCommit(ctx context.Context) error { return s.eng.ForceCommit(ctx) }
func (s *CommandStore) Close(ctx context.Context)             { s.eng.Close(ctx) }

func (s *CommandStore) NumRecords(ctx context.Context) (int64, error) { return s.eng.NumRecords(ctx) }
func (s *CommandStore) IsEmpty(ctx context.Context) (bool, error)     { return s.eng.IsEmpty(ctx) }
func (s *CommandStore) Clear(ctx context.Context) error               { return s.eng.Clear(ctx) }
func (s *CommandStore) Drop(ctx context.Context) error                { return s.eng.Drop(ctx) }
func (s *CommandStore) Backup(ctx context.Context) error              { return s.eng.Backup(ctx) }
func (s *CommandStore) Restore(ctx context.Context) error             { return s.eng.Restore(ctx) }

// Add buffers one command on the batched write path and returns its key.
func (s *CommandStore) Add(ctx context.Context, cmd datastore.CommandData) (datastore.BigID, error) {
	if err := s.eng.checkReady(); err != nil {
		return datastore.None, err
	}
	if cmd.IssueTime.IsZero() {
		cmd.IssueTime = time.Now().UTC()
	}
	id := s.eng.NewID(cmd)
	doc, err := s.codec.Encode(cmd)
	if err != nil {
		return datastore.None, fmt.Errorf("encode command: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, commandstreamid, senderid, issuetime, data)
		VALUES ($1, $2, $3, $4, $5)`, s.Table())
	err = s.eng.ExecWrite(ctx, q, id, cmd.CommandStreamID.ID, cmd.SenderID, cmd.IssueTime.UTC(), doc)
	if err != nil {
		return datastore.None, err
	}
	queriesTotal.WithLabelValues(s.Table(), "add").Inc()
	return s.eng.NewKey(id), nil
}

func (s *CommandStore) scanCommand(rows pgx.Rows) (datastore.BigID, datastore.CommandData, error) {
	var id int64
	var doc []byte
	if err := rows.Scan(&id, &doc); err != nil {
		return datastore.None, datastore.CommandData{}, err
	}
	cmd, err := s.codec.Decode(doc)
	if err != nil {
		return datastore.None, datastore.CommandData{}, err
	}
	return s.eng.NewKey(id), cmd, nil
}

// Get returns one command by key, or nil when absent.
func (s *CommandStore) Get(ctx context.Context, id int64) (*datastore.CommandData, error) {
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
	cmd, err := s.codec.Decode(doc)
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

// Remove deletes one command and returns it, or nil when absent.
func (s *CommandStore) Remove(ctx context.Context, id int64) (*datastore.CommandData, error) {
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

// Select streams the commands matching the filter.
func (s *CommandStore) Select(ctx context.Context, f *filter.Command) (*Iterator[datastore.BigID, datastore.CommandData], error) {
	if err := s.eng.checkReady(); err != nil {
		return nil, err
	}
	g, err := query.CompileCommand(f, s.Table(), s.links)
	if err != nil {
		return nil, err
	}
	g.SelectFields("c.id", "c.data")
	rows, err := s.eng.DB().Query(ctx, g.SelectQuery())
	if err != nil {
		return nil, datastore.WrapSQL("select from "+s.Table(), err)
	}
	queriesTotal.WithLabelValues(s.Table(), "select").Inc()
	var pred func(datastore.CommandData) bool
	var limit int64
	if f != nil {
		pred = f.ValuePredicate()
		limit = f.Limit()
	}
	return NewIterator(rows, s.scanCommand, pred, limit), nil
}

// Count returns the number of commands matching the filter.
func (s *CommandStore) Count(ctx context.Context, f *filter.Command) (int64, error) {
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
	g, err := query.CompileCommand(f, s.Table(), s.links)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.eng.DB().QueryRow(ctx, g.CountQuery()).Scan(&n); err != nil {
		return 0, datastore.WrapSQL("count "+s.Table(), err)
	}
	return n, nil
}

// RemoveEntries deletes all commands matching the filter, committing
// pending batched writes first.
func (s *CommandStore) RemoveEntries(ctx context.Context, f *filter.Command) (int64, error) {
	if err := s.eng.checkReady(); err != nil {
		return 0, err
	}
	if err := s.eng.ForceCommit(ctx); err != nil {
		return 0, err
	}
	g, err := query.CompileCommand(f, s.Table(), s.links)
	if err != nil {
		return 0, err
	}
	tag, err := s.eng.DB().Exec(ctx, g.DeleteQuery())
	if err != nil {
		return 0, datastore.WrapSQL("delete from "+s.Table(), err)
	}
	return tag.RowsAffected(), nil
}
