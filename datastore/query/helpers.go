package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/twpayne/go-geom/encoding/wkt"

	"github.com/geosensordb/pgstore/datastore"
	"github.com/geosensordb/pgstore/datastore/filter"
)

// quote escapes a string for use as a SQL literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func int64List(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// idCondition renders "col IN (...)". Empty sets produce no condition.
func idCondition(col string, ids []int64) string {
	if len(ids) == 0 {
		return ""
	}
	return col + " IN (" + int64List(ids) + ")"
}

func stringCondition(col string, vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = quote(v)
	}
	return col + " IN (" + strings.Join(parts, ",") + ")"
}

// fullTextCondition matches any keyword as a case-insensitive regex
// alternation over the serialized document. Not tokenized search.
func fullTextCondition(alias string, ft *filter.FullText) string {
	kws := ft.Keywords()
	if len(kws) == 0 {
		return ""
	}
	return alias + ".data::text ~* " + quote("("+strings.Join(kws, "|")+")")
}

// propertyExistsCondition matches documents containing any of the given
// values anywhere in their nested structure.
func propertyExistsCondition(alias string, props []string) string {
	if len(props) == 0 {
		return ""
	}
	terms := make([]string, len(props))
	for i, p := range props {
		terms[i] = `@ == "` + p + `"`
	}
	path := "$.** ? (" + strings.Join(terms, " || ") + ")"
	return "jsonb_path_exists(" + alias + ".data, " + quote(path) + ")"
}

func rangeLiteral(min, max string) string {
	return "tstzrange(" + quote(min) + "," + quote(max) + ",'[]')"
}

// timeColumnCondition filters a plain timestamptz column by range. Latest
// mode is handled by the caller because it changes the statement shape
// instead of adding a condition.
func timeColumnCondition(col string, t *filter.Temporal) string {
	if t == nil || t.IsLatestTime() {
		return ""
	}
	if t.IsCurrentTime() {
		return col + " <= now()"
	}
	min := datastore.FormatTime(t.Min())
	max := datastore.FormatTime(t.Max())
	return col + " >= " + quote(min) + " AND " + col + " <= " + quote(max)
}

// validTimeCondition filters a tstzrange column. Current mode tests
// containment of the database's now(), so the result stays consistent under
// replication. Latest mode is handled by the caller.
func validTimeCondition(col string, t *filter.Temporal) string {
	if t == nil || t.IsLatestTime() {
		return ""
	}
	if t.IsCurrentTime() {
		return col + " @> now()"
	}
	lit := rangeLiteral(datastore.FormatTime(t.Min()), datastore.FormatTime(t.Max()))
	switch t.Operator() {
	case filter.OpContains:
		return col + " <@ " + lit
	case filter.OpEquals:
		return col + " = " + lit
	default:
		return col + " && " + lit
	}
}

// spatialCondition renders a PostGIS predicate against the geometry column.
func spatialCondition(alias string, s *filter.Spatial) (string, error) {
	if s == nil || s.Roi() == nil {
		return "", nil
	}
	geo, err := s.Roi().Decode()
	if err != nil {
		return "", fmt.Errorf("decode filter geometry: %w", err)
	}
	text, err := wkt.Marshal(geo)
	if err != nil {
		return "", fmt.Errorf("encode filter geometry: %w", err)
	}
	roi := "ST_GeomFromText(" + quote(text) + ", 4326)"
	switch s.Operator() {
	case filter.SpatialWithin:
		return "ST_Within(" + alias + ".geom, " + roi + ")", nil
	case filter.SpatialContains:
		return "ST_Contains(" + alias + ".geom, " + roi + ")", nil
	default:
		return "ST_Intersects(" + alias + ".geom, " + roi + ")", nil
	}
}

func isLatest(t *filter.Temporal) bool { return t != nil && t.IsLatestTime() }

// latestVersionTable renders a derived table keeping only the most recent
// row per group. Nested filters that select the latest version join this
// instead of the raw table, so older versions never widen the result set.
func latestVersionTable(table string, groupCols []string, timeCol string) string {
	group := strings.Join(groupCols, ", ")
	order := group + ", " + timeCol + " DESC"
	if group != "id" {
		order += ", id DESC"
	}
	return "(SELECT DISTINCT ON (" + group + ") * FROM " + table +
		" ORDER BY " + order + ")"
}

// latestPerGroup rewrites the statement into the distinct-on-first-row
// pattern: one row per group key, ordered so the most recent comes first,
// with the internal ID as a deterministic tie-break.
func latestPerGroup(g *Generator, groupCols []string, timeCol string) {
	g.DistinctOn(groupCols...)
	for _, c := range groupCols {
		g.OrderBy(c)
	}
	g.OrderBy(timeCol+" DESC", g.Alias()+".id DESC")
}
