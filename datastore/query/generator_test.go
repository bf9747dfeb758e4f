package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectQueryMinimal(t *testing.T) {
	g := NewGenerator("observations", "o")
	assert.Equal(t, "SELECT o.* FROM observations o", g.SelectQuery())
}

func TestSelectQueryFullShape(t *testing.T) {
	g := NewGenerator("observations", "o").
		SelectFields("o.id", "o.data").
		Where("o.id IN (1,2)").
		Where("o.phenomenontime <= now()").
		AddJoin(Join{Table: "datastreams", Alias: "d", On: "d.id = o.datastreamid"}).
		OrderBy("o.phenomenontime DESC").
		Limit(10)

	assert.Equal(t,
		"SELECT o.id, o.data FROM observations o JOIN datastreams d ON d.id = o.datastreamid"+
			" WHERE o.id IN (1,2) AND o.phenomenontime <= now()"+
			" ORDER BY o.phenomenontime DESC LIMIT 10",
		g.SelectQuery())
}

func TestOrConditionsRenderAsOneGroup(t *testing.T) {
	g := NewGenerator("t", "t").
		Where("t.a = 1").
		WhereOr("t.b = 2").
		WhereOr("t.c = 3")

	assert.Equal(t, "SELECT t.* FROM t t WHERE t.a = 1 AND (t.b = 2 OR t.c = 3)", g.SelectQuery())
}

func TestEmptyConditionsAreDropped(t *testing.T) {
	g := NewGenerator("t", "t").Where("").WhereOr("")
	assert.Equal(t, "SELECT t.* FROM t t", g.SelectQuery())
}

func TestDuplicateJoinAliasIsAddedOnce(t *testing.T) {
	g := NewGenerator("t", "t").
		AddJoin(Join{Table: "s", Alias: "s", On: "s.id = t.sid"}).
		AddJoin(Join{Table: "s", Alias: "s", On: "s.id = t.sid"})
	assert.Equal(t, "SELECT t.* FROM t t JOIN s s ON s.id = t.sid", g.SelectQuery())
}

func TestCountQueryWrapsDistinctOn(t *testing.T) {
	plain := NewGenerator("t", "t").Where("t.a = 1")
	assert.Equal(t, "SELECT COUNT(*) FROM t t WHERE t.a = 1", plain.CountQuery())

	latest := NewGenerator("t", "t").DistinctOn("t.gid").OrderBy("t.gid", "t.ts DESC")
	assert.Equal(t,
		"SELECT COUNT(*) FROM (SELECT DISTINCT ON (t.gid) t.* FROM t t ORDER BY t.gid, t.ts DESC) latest",
		latest.CountQuery())
}

func TestDeleteQueryFoldsJoinsIntoUsing(t *testing.T) {
	g := NewGenerator("observations", "o").
		Where("d.systemid IN (4)").
		AddJoin(Join{Table: "datastreams", Alias: "d", On: "d.id = o.datastreamid"})

	assert.Equal(t,
		"DELETE FROM observations o USING datastreams d"+
			" WHERE d.id = o.datastreamid AND d.systemid IN (4)",
		g.DeleteQuery())
}
