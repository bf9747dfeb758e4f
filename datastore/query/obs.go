package query

import (
	"errors"

	"github.com/geosensordb/pgstore/datastore"
	"github.com/geosensordb/pgstore/datastore/filter"
)

// CompileObs builds the select statement for an observation store. Latest
// mode keeps the most recent observation per datastream.
func CompileObs(f *filter.Obs, table string, links Links) (*Generator, error) {
	g := NewGenerator(table, "o")
	if f == nil {
		return g, nil
	}
	if isLatest(f.PhenomenonTime()) && isLatest(f.ResultTime()) {
		return nil, errors.New("cannot select the latest observation by both phenomenon time and result time")
	}
	g.Where(idCondition("o.id", f.InternalIDs()))
	g.Where(idCondition("o.foiid", foiIDList(f.FoiIDs())))

	if t := f.PhenomenonTime(); t != nil {
		if t.IsLatestTime() {
			latestPerGroup(g, []string{"o.datastreamid"}, "o.phenomenontime")
		} else {
			g.Where(timeColumnCondition("o.phenomenontime", t))
		}
	}
	if t := f.ResultTime(); t != nil {
		if t.IsLatestTime() {
			latestPerGroup(g, []string{"o.datastreamid"}, "o.resulttime")
		} else {
			g.Where(timeColumnCondition("o.resulttime", t))
		}
	}

	if df := f.DataStreams(); df != nil {
		dsTable, err := requireLink(links.DataStreams, "datastream")
		if err != nil {
			return nil, err
		}
		if isLatest(df.ValidTime()) {
			dsTable = latestVersionTable(dsTable, []string{"systemid", "outputname"}, "lower(validtime)")
		}
		g.AddJoin(Join{Table: dsTable, Alias: "d", On: "d.id = o.datastreamid"})
		if err := applyDataStream(g, "d", df, links); err != nil {
			return nil, err
		}
	}
	if ff := f.Foi(); ff != nil {
		foiTable, err := requireLink(links.Fois, "feature of interest")
		if err != nil {
			return nil, err
		}
		if isLatest(ff.ValidTime()) {
			foiTable = latestVersionTable(foiTable, []string{"id"}, "lower(validtime)")
		}
		g.AddJoin(Join{Table: foiTable, Alias: "foi", On: "foi.id = o.foiid"})
		if err := applyFeature(g, "foi", ff); err != nil {
			return nil, err
		}
	}
	if f.ValuePredicate() == nil {
		g.Limit(f.Limit())
	}
	return g, nil
}

// foiIDList maps foi keys to their stored column values. Observations
// without a feature of interest store 0; the None sentinel selects them.
func foiIDList(ids []datastore.BigID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = id.ID
	}
	return out
}
