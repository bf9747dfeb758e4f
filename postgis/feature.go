package postgis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/EagleChen/mapmutex"
	json "github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru"
	"github.com/jackc/pgx/v5"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/encoding/wkt"

	"github.com/geosensordb/pgstore/datastore"
	"github.com/geosensordb/pgstore/datastore/filter"
	"github.com/geosensordb/pgstore/datastore/query"
)

// FeatureStoreConfig configures one versioned feature store instance.
type FeatureStoreConfig struct {
	Table            string
	Scope            int
	BatchSize        int
	AutoCommitPeriod time.Duration
	CacheSize        int
	CacheTTL         time.Duration
	UIDCacheSize     int
}

// FeatureStore persists versioned, geo-referenced features: system
// descriptions, features of interest and deployments are all instances of
// it with different tables. A feature's internal ID is a hash of its unique
// ID, so all versions of one feature share the ID and re-adding the same
// feature is idempotent at the key level.
type FeatureStore struct {
	eng   *Engine
	codec datastore.Codec[datastore.Feature]
	locks *mapmutex.Mutex
	uids  *lru.ARCCache
}

func featureDDL(table string) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
			id BIGINT NOT NULL,
			parentid BIGINT NOT NULL DEFAULT 0,
			uniqueid TEXT NOT NULL,
			validtime TSTZRANGE NOT NULL,
			geom GEOMETRY(GEOMETRY, 4326),
			data JSONB NOT NULL,
			PRIMARY KEY (id, validtime)
		)`,
		`CREATE INDEX IF NOT EXISTS ` + table + `_uid_idx ON ` + table + ` (uniqueid)`,
		`CREATE INDEX IF NOT EXISTS ` + table + `_vt_idx ON ` + table + ` USING GIST (validtime)`,
		`CREATE INDEX IF NOT EXISTS ` + table + `_geom_idx ON ` + table + ` USING GIST (geom)`,
	}
}

func NewFeatureStore(db DB, conns batchCommitter, cfg FeatureStoreConfig) (*FeatureStore, error) {
	if cfg.UIDCacheSize <= 0 {
		cfg.UIDCacheSize = 1000
	}
	uids, err := lru.NewARC(cfg.UIDCacheSize)
	if err != nil {
		return nil, err
	}
	eng := NewEngine(db, conns, EngineConfig{
		Scope:            cfg.Scope,
		Schema:           Schema{Table: cfg.Table, InitDDL: featureDDL(cfg.Table)},
		IDKind:           datastore.IDHash,
		NaturalKey:       featureNaturalKey,
		BatchSize:        cfg.BatchSize,
		AutoCommitPeriod: cfg.AutoCommitPeriod,
		CacheSize:        cfg.CacheSize,
		CacheTTL:         cfg.CacheTTL,
	})
	return &FeatureStore{
		eng:   eng,
		codec: datastore.JSONCodec[datastore.Feature]{},
		locks: mapmutex.NewMapMutex(),
		uids:  uids,
	}, nil
}

func featureNaturalKey(v any) string {
	if f, ok := v.(datastore.Feature); ok {
		return f.UniqueID
	}
	return fmt.Sprint(v)
}

func (s *FeatureStore) Engine() *Engine { return s.eng }
func (s *FeatureStore) Table() string   { return s.eng.Table() }

func (s *FeatureStore) Initialize(ctx context.Context) error { return s.eng.Initialize(ctx) }
func (s *FeatureStore) Commit(ctx context.Context) error     { return s.eng.Commit(ctx) }
func (s *FeatureStore) Close(ctx context.Context)            { s.eng.Close(ctx) }

func (s *FeatureStore) NumRecords(ctx context.Context) (int64, error) { return s.eng.NumRecords(ctx) }
func (s *FeatureStore) IsEmpty(ctx context.Context) (bool, error)     { return s.eng.IsEmpty(ctx) }
func (s *FeatureStore) Backup(ctx context.Context) error              { return s.eng.Backup(ctx) }
func (s *FeatureStore) Restore(ctx context.Context) error             { return s.eng.Restore(ctx) }

func (s *FeatureStore) Clear(ctx context.Context) error {
	if err := s.eng.Clear(ctx); err != nil {
		return err
	}
	s.uids.Purge()
	return nil
}

func (s *FeatureStore) Drop(ctx context.Context) error {
	if err := s.eng.Drop(ctx); err != nil {
		return err
	}
	s.uids.Purge()
	return nil
}

const featureColumns = "f.id, f.parentid, lower(f.validtime)::text, upper(f.validtime)::text, f.data"

// Add inserts a new feature version. When the unique ID already has a
// stored version, the valid-time intersection rule runs first: an
// open-ended current version is closed at the new version's start, and a
// new open-ended version that would completely overlap the current one is
// rejected with ErrVersionOverlap. All versions of a unique ID share one
// parent; a version naming a different parent is rejected with
// ErrParentMismatch. The whole check-then-insert runs under a
// per-unique-ID lock so concurrent adds of the same feature serialize.
func (s *FeatureStore) Add(ctx context.Context, parentID int64, f datastore.Feature) (datastore.FeatureKey, error) {
	if err := s.eng.checkReady(); err != nil {
		return datastore.FeatureKey{}, err
	}
	if f.UniqueID == "" {
		return datastore.FeatureKey{}, errors.New("feature has no unique ID")
	}
	if f.ValidTime.IsZero() {
		f.ValidTime = datastore.ValidTimeEndingNow(time.Now().UTC())
	}
	if !s.locks.TryLock(f.UniqueID) {
		return datastore.FeatureKey{}, fmt.Errorf("add %s: %w", f.UniqueID, datastore.ErrKeyBusy)
	}
	defer s.locks.Unlock(f.UniqueID)

	if err := s.intersectCurrentVersion(ctx, f.UniqueID, parentID, f.ValidTime); err != nil {
		return datastore.FeatureKey{}, err
	}

	id := s.eng.NewID(f)
	doc, err := s.codec.Encode(f)
	if err != nil {
		return datastore.FeatureKey{}, fmt.Errorf("encode feature %s: %w", f.UniqueID, err)
	}
	geomJSON, err := encodeGeometry(f.Geometry)
	if err != nil {
		return datastore.FeatureKey{}, err
	}
	const q = `INSERT INTO %s (id, parentid, uniqueid, validtime, geom, data)
		VALUES ($1, $2, $3, $4::tstzrange, ST_GeomFromGeoJSON($5), $6)`
	_, err = s.eng.DB().Exec(ctx, fmt.Sprintf(q, s.Table()),
		id, parentID, f.UniqueID, datastore.FormatRange(f.ValidTime), geomJSON, doc)
	if err != nil {
		return datastore.FeatureKey{}, datastore.WrapSQL("insert into "+s.Table(), err)
	}
	queriesTotal.WithLabelValues(s.Table(), "add").Inc()
	s.uids.Add(f.UniqueID, id)
	key := datastore.NewFeatureKey(parentID, s.eng.NewKey(id), f.ValidTime.Begin())
	return key, nil
}

// intersectCurrentVersion applies the parent-consistency and valid-time
// rules against the most recent stored version of the unique ID, updating
// its interval when the valid-time rule closes it.
func (s *FeatureStore) intersectCurrentVersion(ctx context.Context, uid string, parentID int64, incoming datastore.ValidTime) error {
	q := fmt.Sprintf(`SELECT id, parentid, lower(validtime)::text, upper(validtime)::text FROM %s
		WHERE uniqueid = $1 ORDER BY lower(validtime) DESC LIMIT 1`, s.Table())
	var id, storedParent int64
	var lower, upper string
	err := s.eng.DB().QueryRow(ctx, q, uid).Scan(&id, &storedParent, &lower, &upper)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return datastore.WrapSQL("load current version of "+uid, err)
	}
	if storedParent != parentID {
		return fmt.Errorf("add version of %s: %w", uid, datastore.ErrParentMismatch)
	}
	existing, err := datastore.ParseRange(lower, upper)
	if err != nil {
		return fmt.Errorf("stored valid time of %s: %w", uid, err)
	}
	closed, update, err := datastore.IntersectValidTime(existing, incoming)
	if err != nil {
		return fmt.Errorf("add version of %s: %w", uid, err)
	}
	if !update {
		return nil
	}
	uq := fmt.Sprintf(`UPDATE %s SET validtime = $1::tstzrange WHERE id = $2 AND lower(validtime) = $3::timestamptz`, s.Table())
	_, err = s.eng.DB().Exec(ctx, uq, datastore.FormatRange(closed), id, datastore.FormatTime(existing.Begin()))
	if err != nil {
		return datastore.WrapSQL("close current version of "+uid, err)
	}
	s.eng.cache.InvalidateAll()
	return nil
}

func encodeGeometry(g *geojson.Geometry) (any, error) {
	if g == nil {
		return nil, nil
	}
	b, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("encode geometry: %w", err)
	}
	return string(b), nil
}

func (s *FeatureStore) scanFeature(rows pgx.Rows) (datastore.FeatureKey, datastore.Feature, error) {
	var id, parentID int64
	var lower, upper string
	var doc []byte
	if err := rows.Scan(&id, &parentID, &lower, &upper, &doc); err != nil {
		return datastore.FeatureKey{}, datastore.Feature{}, err
	}
	f, err := s.codec.Decode(doc)
	if err != nil {
		return datastore.FeatureKey{}, datastore.Feature{}, err
	}
	vt, err := datastore.ParseRange(lower, upper)
	if err != nil {
		return datastore.FeatureKey{}, datastore.Feature{}, err
	}
	// The range column is authoritative: the intersection rule updates it
	// without rewriting the document.
	f.ValidTime = vt
	key := datastore.NewFeatureKey(parentID, s.eng.NewKey(id), vt.Begin())
	return key, f, nil
}

// Get looks up one feature version, cache first. A miss fills the cache
// under the store's fill lock so concurrent cold reads issue one query.
// Returns nil without error when the key does not exist.
func (s *FeatureStore) Get(ctx context.Context, key datastore.FeatureKey) (*datastore.Feature, error) {
	if err := s.eng.checkReady(); err != nil {
		return nil, err
	}
	ck := key.String()
	if v, ok := s.eng.cache.Get(ck); ok {
		cacheHits.WithLabelValues(s.Table()).Inc()
		f := v.(datastore.Feature)
		return &f, nil
	}
	cacheMisses.WithLabelValues(s.Table()).Inc()
	v, err := s.eng.cache.fill(ck, func() (any, error) {
		f, err := s.loadVersion(ctx, key.ID.ID, key.ValidStart)
		if err != nil || f == nil {
			return nil, err
		}
		return *f, nil
	})
	if err != nil || v == nil {
		return nil, err
	}
	f := v.(datastore.Feature)
	return &f, nil
}

func (s *FeatureStore) loadVersion(ctx context.Context, id int64, validStart time.Time) (*datastore.Feature, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s f WHERE f.id = $1 AND lower(f.validtime) = $2::timestamptz`,
		featureColumns, s.Table())
	rows, err := s.eng.DB().Query(ctx, q, id, datastore.FormatTime(validStart))
	if err != nil {
		return nil, datastore.WrapSQL("get from "+s.Table(), err)
	}
	defer rows.Close()
	queriesTotal.WithLabelValues(s.Table(), "get").Inc()
	if !rows.Next() {
		return nil, datastore.WrapSQL("get from "+s.Table(), rows.Err())
	}
	_, f, err := s.scanFeature(rows)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// GetCurrentVersion returns the version whose validity contains now, or nil
// when the feature has no current version.
func (s *FeatureStore) GetCurrentVersion(ctx context.Context, id int64) (*datastore.Feature, error) {
	if err := s.eng.checkReady(); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s f WHERE f.id = $1 AND f.validtime @> now() ORDER BY lower(f.validtime) DESC LIMIT 1`,
		featureColumns, s.Table())
	rows, err := s.eng.DB().Query(ctx, q, id)
	if err != nil {
		return nil, datastore.WrapSQL("get current from "+s.Table(), err)
	}
	defer rows.Close()
	queriesTotal.WithLabelValues(s.Table(), "get").Inc()
	if !rows.Next() {
		return nil, datastore.WrapSQL("get current from "+s.Table(), rows.Err())
	}
	_, f, err := s.scanFeature(rows)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// Put replaces an existing version. It never inserts: a missing key is
// ErrUpdateOnly. The cache entry is invalidated, not replaced, so readers
// re-fill from the database.
func (s *FeatureStore) Put(ctx context.Context, key datastore.FeatureKey, f datastore.Feature) error {
	if err := s.eng.checkReady(); err != nil {
		return err
	}
	doc, err := s.codec.Encode(f)
	if err != nil {
		return fmt.Errorf("encode feature %s: %w", f.UniqueID, err)
	}
	geomJSON, err := encodeGeometry(f.Geometry)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET data = $1, geom = ST_GeomFromGeoJSON($2) WHERE id = $3 AND lower(validtime) = $4::timestamptz`, s.Table())
	tag, err := s.eng.DB().Exec(ctx, q, doc, geomJSON, key.ID.ID, datastore.FormatTime(key.ValidStart))
	if err != nil {
		return datastore.WrapSQL("update "+s.Table(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s %s: %w", s.Table(), key, datastore.ErrUpdateOnly)
	}
	queriesTotal.WithLabelValues(s.Table(), "put").Inc()
	s.eng.cache.Invalidate(key.String())
	return nil
}

// Remove deletes one version and returns it, or nil when absent.
func (s *FeatureStore) Remove(ctx context.Context, key datastore.FeatureKey) (*datastore.Feature, error) {
	if err := s.eng.checkReady(); err != nil {
		return nil, err
	}
	prev, err := s.loadVersion(ctx, key.ID.ID, key.ValidStart)
	if err != nil || prev == nil {
		return nil, err
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND lower(validtime) = $2::timestamptz`, s.Table())
	if _, err := s.eng.DB().Exec(ctx, q, key.ID.ID, datastore.FormatTime(key.ValidStart)); err != nil {
		return nil, datastore.WrapSQL("delete from "+s.Table(), err)
	}
	queriesTotal.WithLabelValues(s.Table(), "remove").Inc()
	s.eng.cache.Invalidate(key.String())
	s.uids.Remove(prev.UniqueID)
	return prev, nil
}

// Select streams the feature versions matching the filter.
func (s *FeatureStore) Select(ctx context.Context, f *filter.Feature) (*Iterator[datastore.FeatureKey, datastore.Feature], error) {
	if err := s.eng.checkReady(); err != nil {
		return nil, err
	}
	g, err := query.CompileFeature(f, s.Table())
	if err != nil {
		return nil, err
	}
	g.SelectFields(featureColumns)
	rows, err := s.eng.DB().Query(ctx, g.SelectQuery())
	if err != nil {
		return nil, datastore.WrapSQL("select from "+s.Table(), err)
	}
	queriesTotal.WithLabelValues(s.Table(), "select").Inc()
	var pred func(datastore.Feature) bool
	var limit int64
	if f != nil {
		pred = f.ValuePredicate()
		limit = f.Limit()
	}
	return NewIterator(rows, s.scanFeature, pred, limit), nil
}

// Count returns the number of versions matching the filter. Filters with a
// client-side predicate are counted by iteration.
func (s *FeatureStore) Count(ctx context.Context, f *filter.Feature) (int64, error) {
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
	g, err := query.CompileFeature(f, s.Table())
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.eng.DB().QueryRow(ctx, g.CountQuery()).Scan(&n); err != nil {
		return 0, datastore.WrapSQL("count "+s.Table(), err)
	}
	return n, nil
}

// RemoveEntries deletes all versions matching the filter and returns the
// number removed. The whole cache is invalidated; computing the affected
// key set is not worth the cost of a pre-select.
func (s *FeatureStore) RemoveEntries(ctx context.Context, f *filter.Feature) (int64, error) {
	if err := s.eng.checkReady(); err != nil {
		return 0, err
	}
	g, err := query.CompileFeature(f, s.Table())
	if err != nil {
		return 0, err
	}
	tag, err := s.eng.DB().Exec(ctx, g.DeleteQuery())
	if err != nil {
		return 0, datastore.WrapSQL("delete from "+s.Table(), err)
	}
	s.eng.cache.InvalidateAll()
	s.uids.Purge()
	return tag.RowsAffected(), nil
}

// Extent returns the bounding geometry of all features matching the filter,
// or nil when nothing matched or nothing has a geometry.
func (s *FeatureStore) Extent(ctx context.Context, f *filter.Feature) (*geojson.Geometry, error) {
	if err := s.eng.checkReady(); err != nil {
		return nil, err
	}
	g, err := query.CompileFeature(f, s.Table())
	if err != nil {
		return nil, err
	}
	g.SelectFields("ST_AsText(ST_Extent(f.geom))")
	var text *string
	if err := s.eng.DB().QueryRow(ctx, g.SelectQuery()).Scan(&text); err != nil {
		return nil, datastore.WrapSQL("extent of "+s.Table(), err)
	}
	if text == nil || *text == "" {
		return nil, nil
	}
	geo, err := wkt.Unmarshal(*text)
	if err != nil {
		return nil, fmt.Errorf("decode extent of %s: %w", s.Table(), err)
	}
	return geojson.Encode(geo)
}

// GetIDByUID resolves a unique ID to its internal ID, using a small LRU so
// hot resolutions skip the database.
func (s *FeatureStore) GetIDByUID(ctx context.Context, uid string) (int64, bool, error) {
	if err := s.eng.checkReady(); err != nil {
		return 0, false, err
	}
	if v, ok := s.uids.Get(uid); ok {
		return v.(int64), true, nil
	}
	q := fmt.Sprintf(`SELECT id FROM %s WHERE uniqueid = $1 LIMIT 1`, s.Table())
	var id int64
	err := s.eng.DB().QueryRow(ctx, q, uid).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, datastore.WrapSQL("resolve uid in "+s.Table(), err)
	}
	s.uids.Add(uid, id)
	return id, true, nil
}

// ContainsUID reports whether any version of the unique ID is stored.
func (s *FeatureStore) ContainsUID(ctx context.Context, uid string) (bool, error) {
	_, ok, err := s.GetIDByUID(ctx, uid)
	return ok, err
}

// ContainsID reports whether any version of the internal ID is stored.
func (s *FeatureStore) ContainsID(ctx context.Context, id int64) (bool, error) {
	if err := s.eng.checkReady(); err != nil {
		return false, err
	}
	q := fmt.Sprintf(`SELECT 1 FROM %s WHERE id = $1 LIMIT 1`, s.Table())
	var one int64
	err := s.eng.DB().QueryRow(ctx, q, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, datastore.WrapSQL("probe "+s.Table(), err)
	}
	return true, nil
}

// GetCurrentVersionByUID resolves the unique ID and returns the version
// whose validity contains now, or nil when there is none.
func (s *FeatureStore) GetCurrentVersionByUID(ctx context.Context, uid string) (*datastore.Feature, error) {
	id, ok, err := s.GetIDByUID(ctx, uid)
	if err != nil || !ok {
		return nil, err
	}
	return s.GetCurrentVersion(ctx, id)
}
