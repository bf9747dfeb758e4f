package query

import (
	"github.com/geosensordb/pgstore/datastore/filter"
)

// CompileCommand builds the select statement for a command store. Latest
// mode keeps the most recently issued command per command stream.
func CompileCommand(f *filter.Command, table string, links Links) (*Generator, error) {
	g := NewGenerator(table, "c")
	if f == nil {
		return g, nil
	}
	if err := applyCommand(g, "c", f, links); err != nil {
		return nil, err
	}
	if t := f.IssueTime(); t != nil && t.IsLatestTime() {
		latestPerGroup(g, []string{"c.commandstreamid"}, "c.issuetime")
	}
	if f.ValuePredicate() == nil {
		g.Limit(f.Limit())
	}
	return g, nil
}

func applyCommand(g *Generator, alias string, f *filter.Command, links Links) error {
	g.Where(idCondition(alias+".id", f.InternalIDs()))
	g.Where(stringCondition(alias+".senderid", f.SenderIDs()))
	if t := f.IssueTime(); t != nil && !t.IsLatestTime() {
		g.Where(timeColumnCondition(alias+".issuetime", t))
	}
	if cf := f.CommandStreams(); cf != nil {
		csTable, err := requireLink(links.CommandStreams, "command stream")
		if err != nil {
			return err
		}
		if isLatest(cf.ValidTime()) {
			csTable = latestVersionTable(csTable, []string{"systemid", "controlinputname"}, "lower(validtime)")
		}
		g.AddJoin(Join{Table: csTable, Alias: "cs", On: "cs.id = " + alias + ".commandstreamid"})
		if err := applyCommandStream(g, "cs", cf, links); err != nil {
			return err
		}
	}
	return nil
}

// CompileCommandStream builds the select statement for a command stream
// store. Latest mode keeps the most recent version per (system, input) pair.
func CompileCommandStream(f *filter.CommandStream, table string, links Links) (*Generator, error) {
	g := NewGenerator(table, "cs")
	if f == nil {
		return g, nil
	}
	if err := applyCommandStream(g, "cs", f, links); err != nil {
		return nil, err
	}
	if t := f.ValidTime(); t != nil && t.IsLatestTime() {
		latestPerGroup(g, []string{"cs.systemid", "cs.controlinputname"}, "lower(cs.validtime)")
	}
	return g, nil
}

func applyCommandStream(g *Generator, alias string, f *filter.CommandStream, links Links) error {
	g.Where(idCondition(alias+".id", f.InternalIDs()))
	g.Where(stringCondition(alias+".controlinputname", f.ControlInputNames()))
	if t := f.ValidTime(); t != nil && !t.IsLatestTime() {
		g.Where(validTimeCondition(alias+".validtime", t))
	}
	if ft := f.FullText(); ft != nil {
		g.Where(fullTextCondition(alias, ft))
	}
	g.Where(propertyExistsCondition(alias, f.TaskableProperties()))
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

// CompileCommandStatus builds the select statement for a command status
// store. Latest mode keeps the most recent report per command.
func CompileCommandStatus(f *filter.CommandStatus, table string, links Links) (*Generator, error) {
	g := NewGenerator(table, "st")
	if f == nil {
		return g, nil
	}
	g.Where(idCondition("st.id", f.InternalIDs()))
	if t := f.ReportTime(); t != nil {
		if t.IsLatestTime() {
			latestPerGroup(g, []string{"st.commandid"}, "st.reporttime")
		} else {
			g.Where(timeColumnCondition("st.reporttime", t))
		}
	}
	if cf := f.Commands(); cf != nil {
		cmdTable, err := requireLink(links.Commands, "command")
		if err != nil {
			return nil, err
		}
		if isLatest(cf.IssueTime()) {
			cmdTable = latestVersionTable(cmdTable, []string{"commandstreamid"}, "issuetime")
		}
		g.AddJoin(Join{Table: cmdTable, Alias: "c", On: "c.id = st.commandid"})
		if err := applyCommand(g, "c", cf, links); err != nil {
			return nil, err
		}
	}
	g.Limit(f.Limit())
	return g, nil
}
