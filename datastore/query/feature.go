package query

import (
	"github.com/geosensordb/pgstore/datastore/filter"
)

// CompileFeature builds the select statement for a versioned feature store
// (systems, features of interest, deployments). Latest mode keeps the most
// recent version per internal ID.
func CompileFeature(f *filter.Feature, table string) (*Generator, error) {
	g := NewGenerator(table, "f")
	if f == nil {
		return g, nil
	}
	g.Where(idCondition("f.id", f.InternalIDs()))
	g.Where(stringCondition("f.uniqueid", f.UniqueIDs()))
	g.Where(idCondition("f.parentid", f.ParentIDs()))
	if t := f.ValidTime(); t != nil {
		if t.IsLatestTime() {
			latestPerGroup(g, []string{"f.id"}, "lower(f.validtime)")
		} else {
			g.Where(validTimeCondition("f.validtime", t))
		}
	}
	if ft := f.FullText(); ft != nil {
		g.Where(fullTextCondition("f", ft))
	}
	cond, err := spatialCondition("f", f.Location())
	if err != nil {
		return nil, err
	}
	g.Where(cond)
	// A client-side value predicate filters rows after the query, so the
	// limit must be applied there, not in SQL.
	if f.ValuePredicate() == nil {
		g.Limit(f.Limit())
	}
	return g, nil
}

// applySystem appends the conditions of a nested system filter against the
// joined system table.
func applySystem(g *Generator, alias string, f *filter.System) error {
	g.Where(idCondition(alias+".id", f.InternalIDs()))
	g.Where(stringCondition(alias+".uniqueid", f.UniqueIDs()))
	g.Where(idCondition(alias+".parentid", f.ParentIDs()))
	g.Where(validTimeCondition(alias+".validtime", f.ValidTime()))
	if ft := f.FullText(); ft != nil {
		g.Where(fullTextCondition(alias, ft))
	}
	cond, err := spatialCondition(alias, f.Location())
	if err != nil {
		return err
	}
	g.Where(cond)
	return nil
}

// applyFeature appends the SQL-expressible conditions of a nested feature
// filter (foi sub-filter on observations). Value predicates stay client-side.
func applyFeature(g *Generator, alias string, f *filter.Feature) error {
	g.Where(idCondition(alias+".id", f.InternalIDs()))
	g.Where(stringCondition(alias+".uniqueid", f.UniqueIDs()))
	g.Where(idCondition(alias+".parentid", f.ParentIDs()))
	g.Where(validTimeCondition(alias+".validtime", f.ValidTime()))
	if ft := f.FullText(); ft != nil {
		g.Where(fullTextCondition(alias, ft))
	}
	cond, err := spatialCondition(alias, f.Location())
	if err != nil {
		return err
	}
	g.Where(cond)
	return nil
}
