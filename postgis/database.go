package postgis

import (
	"context"
	"errors"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"github.com/geosensordb/pgstore/config"
	"github.com/geosensordb/pgstore/datastore"
)

// Database composes the full store set of one observation system database:
// systems, deployments, features of interest, datastreams, observations,
// command streams, commands and status reports, all sharing one connection
// manager. Store relations (nested filters, cascade removal) are wired at
// construction.
type Database struct {
	conns *ConnectionManager

	Systems        *FeatureStore
	Deployments    *FeatureStore
	Fois           *FeatureStore
	DataStreams    *DataStreamStore
	Observations   *ObsStore
	CommandStreams *CommandStreamStore
	Commands       *CommandStore
	CommandStatus  *CommandStatusStore

	stores []lifecycle
}

type lifecycle interface {
	Initialize(ctx context.Context) error
	Commit(ctx context.Context) error
	Close(ctx context.Context)
}

// Open connects, bootstraps every table and enables the batched write path.
func Open(ctx context.Context, cfg config.Config) (*Database, error) {
	conns, err := NewConnectionManager(ctx, cfg.ConnString(), int32(cfg.PoolSize))
	if err != nil {
		return nil, err
	}
	db, err := NewDatabase(conns, cfg)
	if err != nil {
		conns.Close(ctx)
		return nil, err
	}
	if err := db.Initialize(ctx); err != nil {
		conns.Close(ctx)
		return nil, err
	}
	if err := conns.EnableBatch(ctx); err != nil {
		db.Close(ctx)
		return nil, err
	}
	return db, nil
}

// NewDatabase builds the store set on an existing connection manager
// without touching the database. Initialize must be called before use.
func NewDatabase(conns *ConnectionManager, cfg config.Config) (*Database, error) {
	pool := conns.DB()
	db := &Database{conns: conns}

	var err error
	db.Systems, err = NewFeatureStore(pool, conns, FeatureStoreConfig{
		Table: "systems", Scope: cfg.Scope,
		CacheSize: cfg.CacheSize, CacheTTL: cfg.CacheTTL,
	})
	if err != nil {
		return nil, err
	}
	db.Deployments, err = NewFeatureStore(pool, conns, FeatureStoreConfig{
		Table: "deployments", Scope: cfg.Scope,
		CacheSize: cfg.CacheSize, CacheTTL: cfg.CacheTTL,
	})
	if err != nil {
		return nil, err
	}
	db.Fois, err = NewFeatureStore(pool, conns, FeatureStoreConfig{
		Table: "fois", Scope: cfg.Scope,
		CacheSize: cfg.CacheSize, CacheTTL: cfg.CacheTTL,
	})
	if err != nil {
		return nil, err
	}
	db.DataStreams = NewDataStreamStore(pool, conns, DataStreamStoreConfig{
		Table: "datastreams", Scope: cfg.Scope,
		CacheSize: cfg.CacheSize, CacheTTL: cfg.CacheTTL,
	})
	db.Observations = NewObsStore(pool, conns, ObsStoreConfig{
		Table: "observations", Scope: cfg.Scope,
		BatchSize: cfg.BatchSize, AutoCommitPeriod: cfg.AutoCommitPeriod,
	})
	db.CommandStreams = NewCommandStreamStore(pool, conns, CommandStreamStoreConfig{
		Table: "commandstreams", Scope: cfg.Scope,
		CacheSize: cfg.CacheSize, CacheTTL: cfg.CacheTTL,
	})
	db.Commands = NewCommandStore(pool, conns, CommandStoreConfig{
		Table: "commands", Scope: cfg.Scope,
		BatchSize: cfg.BatchSize, AutoCommitPeriod: cfg.AutoCommitPeriod,
	})
	db.CommandStatus = NewCommandStatusStore(pool, conns, CommandStatusStoreConfig{
		Table: "commandstatus", Scope: cfg.Scope,
		BatchSize: cfg.BatchSize, AutoCommitPeriod: cfg.AutoCommitPeriod,
	})

	// Relations: nested filters and cascade removal.
	db.DataStreams.LinkSystemStore(db.Systems.Table())
	db.DataStreams.LinkObsStore(db.Observations.Table())
	db.Observations.LinkDataStreamStore(db.DataStreams.Table())
	db.Observations.LinkFoiStore(db.Fois.Table())
	db.Observations.LinkSystemStore(db.Systems.Table())
	db.CommandStreams.LinkSystemStore(db.Systems.Table())
	db.CommandStreams.LinkCommandStores(db.Commands.Table(), db.CommandStatus.Table())
	db.Commands.LinkCommandStreamStore(db.CommandStreams.Table())
	db.Commands.LinkSystemStore(db.Systems.Table())
	db.CommandStatus.LinkCommandStore(db.Commands.Table())
	db.CommandStatus.LinkCommandStreamStore(db.CommandStreams.Table())
	db.CommandStatus.LinkSystemStore(db.Systems.Table())

	db.stores = []lifecycle{
		db.Systems, db.Deployments, db.Fois, db.DataStreams,
		db.Observations, db.CommandStreams, db.Commands, db.CommandStatus,
	}
	return db, nil
}

// Initialize enables the PostGIS extension and bootstraps every store.
func (db *Database) Initialize(ctx context.Context) error {
	if _, err := db.conns.DB().Exec(ctx, "CREATE EXTENSION IF NOT EXISTS postgis"); err != nil {
		return datastore.WrapSQL("enable postgis extension", err)
	}
	for _, s := range db.stores {
		if err := s.Initialize(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ConnectionManager exposes the shared connection layer.
func (db *Database) ConnectionManager() *ConnectionManager { return db.conns }

// Commit forwards the threshold-gated commit to every store.
func (db *Database) Commit(ctx context.Context) error {
	var errs error
	for _, s := range db.stores {
		errs = errors.Join(errs, s.Commit(ctx))
	}
	return errs
}

// Close closes every store and then the connection layer. Idempotent.
func (db *Database) Close(ctx context.Context) {
	for _, s := range db.stores {
		s.Close(ctx)
	}
	if err := db.conns.Close(ctx); err != nil {
		zap.S().Warnf("Failed to close connection manager: %s", err)
	}
}

// HealthHandler returns liveness and readiness probes backed by a database
// ping.
func (db *Database) HealthHandler() healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("alive", func() error { return nil })
	h.AddReadinessCheck("postgres", healthcheck.Timeout(func() error {
		ctx, cancel := get5SecondContext()
		defer cancel()
		return db.conns.Ping(ctx)
	}, 5*time.Second))
	return h
}
