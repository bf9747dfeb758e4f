package query

import (
	"github.com/geosensordb/pgstore/datastore/filter"
)

// CompileDataStream builds the select statement for a datastream store.
// Latest mode keeps the most recent version per (system, output) pair.
func CompileDataStream(f *filter.DataStream, table string, links Links) (*Generator, error) {
	g := NewGenerator(table, "d")
	if f == nil {
		return g, nil
	}
	if err := applyDataStream(g, "d", f, links); err != nil {
		return nil, err
	}
	if t := f.ValidTime(); t != nil && t.IsLatestTime() {
		latestPerGroup(g, []string{"d.systemid", "d.outputname"}, "lower(d.validtime)")
	}
	return g, nil
}

// applyDataStream appends datastream conditions against the given alias and
// joins the system table when a system sub-filter is present. Latest mode is
// left to the top-level compile because it reshapes the statement.
func applyDataStream(g *Generator, alias string, f *filter.DataStream, links Links) error {
	g.Where(idCondition(alias+".id", f.InternalIDs()))
	g.Where(stringCondition(alias+".outputname", f.OutputNames()))
	if t := f.ValidTime(); t != nil && !t.IsLatestTime() {
		g.Where(validTimeCondition(alias+".validtime", t))
	}
	if ft := f.FullText(); ft != nil {
		g.Where(fullTextCondition(alias, ft))
	}
	g.Where(propertyExistsCondition(alias, f.ObservedProperties()))
	if sf := f.System(); sf != nil {
		table, err := requireLink(links.Systems, "system")
		if err != nil {
			return err
		}
		if isLatest(sf.ValidTime()) {
			table = latestVersionTable(table, []string{"id"}, "lower(validtime)")
		}
		g.AddJoin(Join{Table: table, Alias: "s", On: "s.id = " + alias + ".systemid"})
		if err := applySystem(g, "s", sf); err != nil {
			return err
		}
	}
	return nil
}
