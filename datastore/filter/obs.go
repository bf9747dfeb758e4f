package filter

import "github.com/geosensordb/pgstore/datastore"

// Obs filters observations. Foi filters the observation's feature of
// interest; datastore.None inside the foi ID set matches observations
// without one.
type Obs struct {
	internalIDs    []int64
	dataStream     *DataStream
	foi            *Feature
	foiIDs         []datastore.BigID
	phenomenonTime *Temporal
	resultTime     *Temporal
	valuePredicate func(datastore.ObsData) bool
	limit          int64
}

func (f Obs) InternalIDs() []int64                        { return f.internalIDs }
func (f Obs) DataStreams() *DataStream                    { return f.dataStream }
func (f Obs) Foi() *Feature                               { return f.foi }
func (f Obs) FoiIDs() []datastore.BigID                   { return f.foiIDs }
func (f Obs) PhenomenonTime() *Temporal                   { return f.phenomenonTime }
func (f Obs) ResultTime() *Temporal                       { return f.resultTime }
func (f Obs) ValuePredicate() func(datastore.ObsData) bool { return f.valuePredicate }
func (f Obs) Limit() int64                                { return f.limit }

type ObsBuilder struct {
	f Obs
}

func NewObs() *ObsBuilder { return &ObsBuilder{} }

func (b *ObsBuilder) WithInternalIDs(ids ...int64) *ObsBuilder {
	b.f.internalIDs = append(b.f.internalIDs, ids...)
	return b
}

func (b *ObsBuilder) WithDataStreams(f *DataStream) *ObsBuilder {
	b.f.dataStream = f
	return b
}

// WithDataStreamIDs is shorthand for a datastream sub-filter holding only
// internal IDs.
func (b *ObsBuilder) WithDataStreamIDs(ids ...int64) *ObsBuilder {
	b.f.dataStream = NewDataStream().WithInternalIDs(ids...).Build()
	return b
}

func (b *ObsBuilder) WithFois(f *Feature) *ObsBuilder {
	b.f.foi = f
	return b
}

func (b *ObsBuilder) WithFoiIDs(ids ...datastore.BigID) *ObsBuilder {
	b.f.foiIDs = append(b.f.foiIDs, ids...)
	return b
}

func (b *ObsBuilder) WithPhenomenonTime(t *Temporal) *ObsBuilder {
	b.f.phenomenonTime = t
	return b
}

func (b *ObsBuilder) WithResultTime(t *Temporal) *ObsBuilder {
	b.f.resultTime = t
	return b
}

// WithLatestResult selects only the most recent observation per datastream.
func (b *ObsBuilder) WithLatestResult() *ObsBuilder {
	b.f.resultTime = NewTemporal().WithLatestTime().Build()
	return b
}

func (b *ObsBuilder) WithValuePredicate(p func(datastore.ObsData) bool) *ObsBuilder {
	b.f.valuePredicate = p
	return b
}

func (b *ObsBuilder) WithLimit(n int64) *ObsBuilder {
	b.f.limit = n
	return b
}

func (b *ObsBuilder) Build() *Obs {
	f := b.f
	return &f
}
