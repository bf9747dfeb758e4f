// Package query compiles filter objects into PostGIS SQL. Each entity kind
// has a compile function that walks the filter, joins the related tables it
// references, and emits a SELECT with the right DISTINCT ON / ORDER BY shape
// for "latest per group" queries. Compilation is pure: no connection needed.
package query

import (
	"strconv"
	"strings"
)

// Join is an inner join against a related entity table.
type Join struct {
	Table string
	Alias string
	On    string
}

// Generator accumulates the clauses of one SQL statement. Entity compile
// functions append to it; the final text is rendered by SelectQuery,
// CountQuery or DeleteQuery.
type Generator struct {
	table        string
	alias        string
	selectFields []string
	distinctOn   []string
	joins        []Join
	conds        []string
	orConds      []string
	orderBy      []string
	limit        int64
}

func NewGenerator(table, alias string) *Generator {
	return &Generator{table: table, alias: alias}
}

func (g *Generator) Table() string { return g.table }
func (g *Generator) Alias() string { return g.alias }

func (g *Generator) SelectFields(fields ...string) *Generator {
	g.selectFields = append(g.selectFields, fields...)
	return g
}

func (g *Generator) Where(cond string) *Generator {
	if cond != "" {
		g.conds = append(g.conds, cond)
	}
	return g
}

// WhereOr adds a condition to the OR group. The group is rendered as a single
// parenthesized disjunction ANDed with the other conditions.
func (g *Generator) WhereOr(cond string) *Generator {
	if cond != "" {
		g.orConds = append(g.orConds, cond)
	}
	return g
}

func (g *Generator) AddJoin(j Join) *Generator {
	for _, existing := range g.joins {
		if existing.Alias == j.Alias {
			return g
		}
	}
	g.joins = append(g.joins, j)
	return g
}

func (g *Generator) DistinctOn(cols ...string) *Generator {
	g.distinctOn = append(g.distinctOn, cols...)
	return g
}

func (g *Generator) OrderBy(exprs ...string) *Generator {
	g.orderBy = append(g.orderBy, exprs...)
	return g
}

func (g *Generator) Limit(n int64) *Generator {
	g.limit = n
	return g
}

// HasLimit reports whether a row limit was set on the statement.
func (g *Generator) HasLimit() bool { return g.limit > 0 }

func (g *Generator) whereClause() string {
	conds := g.conds
	if len(g.orConds) > 0 {
		conds = append(append([]string(nil), conds...),
			"("+strings.Join(g.orConds, " OR ")+")")
	}
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func (g *Generator) fromClause() string {
	var sb strings.Builder
	sb.WriteString(" FROM ")
	sb.WriteString(g.table)
	sb.WriteString(" ")
	sb.WriteString(g.alias)
	for _, j := range g.joins {
		sb.WriteString(" JOIN ")
		sb.WriteString(j.Table)
		sb.WriteString(" ")
		sb.WriteString(j.Alias)
		sb.WriteString(" ON ")
		sb.WriteString(j.On)
	}
	return sb.String()
}

// SelectQuery renders the full SELECT statement.
func (g *Generator) SelectQuery() string {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	if len(g.distinctOn) > 0 {
		sb.WriteString("DISTINCT ON (")
		sb.WriteString(strings.Join(g.distinctOn, ", "))
		sb.WriteString(") ")
	}
	if len(g.selectFields) > 0 {
		sb.WriteString(strings.Join(g.selectFields, ", "))
	} else {
		sb.WriteString(g.alias + ".*")
	}
	sb.WriteString(g.fromClause())
	sb.WriteString(g.whereClause())
	if len(g.orderBy) > 0 {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(g.orderBy, ", "))
	}
	if g.limit > 0 {
		sb.WriteString(" LIMIT ")
		sb.WriteString(strconv.FormatInt(g.limit, 10))
	}
	return sb.String()
}

// CountQuery renders a COUNT over the same conditions. When the statement
// uses DISTINCT ON, the select is wrapped so the count reflects the
// first-row-per-group result, not the raw row count.
func (g *Generator) CountQuery() string {
	if len(g.distinctOn) > 0 {
		return "SELECT COUNT(*) FROM (" + g.SelectQuery() + ") latest"
	}
	var sb strings.Builder
	sb.WriteString("SELECT COUNT(*)")
	sb.WriteString(g.fromClause())
	sb.WriteString(g.whereClause())
	return sb.String()
}

// DeleteQuery renders a DELETE over the same conditions. Joined tables become
// a USING list with the join predicates folded into the WHERE clause.
func (g *Generator) DeleteQuery() string {
	var sb strings.Builder
	sb.WriteString("DELETE FROM ")
	sb.WriteString(g.table)
	sb.WriteString(" ")
	sb.WriteString(g.alias)
	conds := append([]string(nil), g.conds...)
	if len(g.orConds) > 0 {
		conds = append(conds, "("+strings.Join(g.orConds, " OR ")+")")
	}
	if len(g.joins) > 0 {
		sb.WriteString(" USING ")
		using := make([]string, 0, len(g.joins))
		joinConds := make([]string, 0, len(g.joins))
		for _, j := range g.joins {
			using = append(using, j.Table+" "+j.Alias)
			joinConds = append(joinConds, j.On)
		}
		sb.WriteString(strings.Join(using, ", "))
		conds = append(joinConds, conds...)
	}
	if len(conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}
	return sb.String()
}
