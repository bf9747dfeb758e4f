package filter

import "github.com/geosensordb/pgstore/datastore"

// CommandStream filters command stream metadata records.
type CommandStream struct {
	internalIDs        []int64
	controlInputNames  []string
	validTime          *Temporal
	fullText           *FullText
	system             *System
	taskableProperties []string
}

func (f CommandStream) InternalIDs() []int64         { return f.internalIDs }
func (f CommandStream) ControlInputNames() []string  { return f.controlInputNames }
func (f CommandStream) ValidTime() *Temporal         { return f.validTime }
func (f CommandStream) FullText() *FullText          { return f.fullText }
func (f CommandStream) System() *System              { return f.system }
func (f CommandStream) TaskableProperties() []string { return f.taskableProperties }

type CommandStreamBuilder struct {
	f CommandStream
}

func NewCommandStream() *CommandStreamBuilder { return &CommandStreamBuilder{} }

func (b *CommandStreamBuilder) WithInternalIDs(ids ...int64) *CommandStreamBuilder {
	b.f.internalIDs = append(b.f.internalIDs, ids...)
	return b
}

func (b *CommandStreamBuilder) WithControlInputNames(names ...string) *CommandStreamBuilder {
	b.f.controlInputNames = append(b.f.controlInputNames, names...)
	return b
}

func (b *CommandStreamBuilder) WithValidTime(t *Temporal) *CommandStreamBuilder {
	b.f.validTime = t
	return b
}

func (b *CommandStreamBuilder) WithLatestVersion() *CommandStreamBuilder {
	b.f.validTime = NewTemporal().WithLatestTime().Build()
	return b
}

func (b *CommandStreamBuilder) WithFullText(ft *FullText) *CommandStreamBuilder {
	b.f.fullText = ft
	return b
}

func (b *CommandStreamBuilder) WithSystems(f *System) *CommandStreamBuilder {
	b.f.system = f
	return b
}

func (b *CommandStreamBuilder) WithTaskableProperties(props ...string) *CommandStreamBuilder {
	b.f.taskableProperties = append(b.f.taskableProperties, props...)
	return b
}

func (b *CommandStreamBuilder) Build() *CommandStream {
	f := b.f
	return &f
}

// Command filters commands.
type Command struct {
	internalIDs    []int64
	commandStream  *CommandStream
	senderIDs      []string
	issueTime      *Temporal
	valuePredicate func(datastore.CommandData) bool
	limit          int64
}

func (f Command) InternalIDs() []int64           { return f.internalIDs }
func (f Command) CommandStreams() *CommandStream { return f.commandStream }
func (f Command) SenderIDs() []string            { return f.senderIDs }
func (f Command) IssueTime() *Temporal           { return f.issueTime }
func (f Command) ValuePredicate() func(datastore.CommandData) bool {
	return f.valuePredicate
}
func (f Command) Limit() int64 { return f.limit }

type CommandBuilder struct {
	f Command
}

func NewCommand() *CommandBuilder { return &CommandBuilder{} }

func (b *CommandBuilder) WithInternalIDs(ids ...int64) *CommandBuilder {
	b.f.internalIDs = append(b.f.internalIDs, ids...)
	return b
}

func (b *CommandBuilder) WithCommandStreams(f *CommandStream) *CommandBuilder {
	b.f.commandStream = f
	return b
}

func (b *CommandBuilder) WithCommandStreamIDs(ids ...int64) *CommandBuilder {
	b.f.commandStream = NewCommandStream().WithInternalIDs(ids...).Build()
	return b
}

func (b *CommandBuilder) WithSenderIDs(ids ...string) *CommandBuilder {
	b.f.senderIDs = append(b.f.senderIDs, ids...)
	return b
}

func (b *CommandBuilder) WithIssueTime(t *Temporal) *CommandBuilder {
	b.f.issueTime = t
	return b
}

func (b *CommandBuilder) WithLatestIssued() *CommandBuilder {
	b.f.issueTime = NewTemporal().WithLatestTime().Build()
	return b
}

func (b *CommandBuilder) WithValuePredicate(p func(datastore.CommandData) bool) *CommandBuilder {
	b.f.valuePredicate = p
	return b
}

func (b *CommandBuilder) WithLimit(n int64) *CommandBuilder {
	b.f.limit = n
	return b
}

func (b *CommandBuilder) Build() *Command {
	f := b.f
	return &f
}

// CommandStatus filters command status reports.
type CommandStatus struct {
	internalIDs []int64
	command     *Command
	reportTime  *Temporal
	limit       int64
}

func (f CommandStatus) InternalIDs() []int64  { return f.internalIDs }
func (f CommandStatus) Commands() *Command    { return f.command }
func (f CommandStatus) ReportTime() *Temporal { return f.reportTime }
func (f CommandStatus) Limit() int64          { return f.limit }

type CommandStatusBuilder struct {
	f CommandStatus
}

func NewCommandStatus() *CommandStatusBuilder { return &CommandStatusBuilder{} }

func (b *CommandStatusBuilder) WithInternalIDs(ids ...int64) *CommandStatusBuilder {
	b.f.internalIDs = append(b.f.internalIDs, ids...)
	return b
}

func (b *CommandStatusBuilder) WithCommands(f *Command) *CommandStatusBuilder {
	b.f.command = f
	return b
}

func (b *CommandStatusBuilder) WithReportTime(t *Temporal) *CommandStatusBuilder {
	b.f.reportTime = t
	return b
}

func (b *CommandStatusBuilder) WithLimit(n int64) *CommandStatusBuilder {
	b.f.limit = n
	return b
}

func (b *CommandStatusBuilder) Build() *CommandStatus {
	f := b.f
	return &f
}
