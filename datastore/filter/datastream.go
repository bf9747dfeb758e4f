package filter

// DataStream filters datastream metadata records. A nested system filter
// requires a linked system store on the queried store.
type DataStream struct {
	internalIDs        []int64
	outputNames        []string
	validTime          *Temporal
	fullText           *FullText
	system             *System
	observedProperties []string
}

func (f DataStream) InternalIDs() []int64        { return f.internalIDs }
func (f DataStream) OutputNames() []string       { return f.outputNames }
func (f DataStream) ValidTime() *Temporal        { return f.validTime }
func (f DataStream) FullText() *FullText         { return f.fullText }
func (f DataStream) System() *System             { return f.system }
func (f DataStream) ObservedProperties() []string { return f.observedProperties }

type DataStreamBuilder struct {
	f DataStream
}

func NewDataStream() *DataStreamBuilder { return &DataStreamBuilder{} }

func (b *DataStreamBuilder) WithInternalIDs(ids ...int64) *DataStreamBuilder {
	b.f.internalIDs = append(b.f.internalIDs, ids...)
	return b
}

func (b *DataStreamBuilder) WithOutputNames(names ...string) *DataStreamBuilder {
	b.f.outputNames = append(b.f.outputNames, names...)
	return b
}

func (b *DataStreamBuilder) WithValidTime(t *Temporal) *DataStreamBuilder {
	b.f.validTime = t
	return b
}

func (b *DataStreamBuilder) WithCurrentVersion() *DataStreamBuilder {
	b.f.validTime = NewTemporal().WithCurrentTime().Build()
	return b
}

func (b *DataStreamBuilder) WithLatestVersion() *DataStreamBuilder {
	b.f.validTime = NewTemporal().WithLatestTime().Build()
	return b
}

func (b *DataStreamBuilder) WithFullText(ft *FullText) *DataStreamBuilder {
	b.f.fullText = ft
	return b
}

func (b *DataStreamBuilder) WithSystems(f *System) *DataStreamBuilder {
	b.f.system = f
	return b
}

func (b *DataStreamBuilder) WithObservedProperties(props ...string) *DataStreamBuilder {
	b.f.observedProperties = append(b.f.observedProperties, props...)
	return b
}

func (b *DataStreamBuilder) Build() *DataStream {
	f := b.f
	return &f
}
