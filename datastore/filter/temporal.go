// Package filter defines the immutable, builder-constructed filter objects
// accepted by the entity stores. Filters are composable: a command filter may
// embed a command-stream filter which may embed a system filter. The query
// compiler turns them into SQL; value predicates are applied client-side.
package filter

import "time"

// RangeOp selects the range comparison used for interval filters.
type RangeOp int

const (
	// OpIntersects matches records whose interval overlaps the filter range.
	OpIntersects RangeOp = iota
	// OpContains matches records whose interval is contained in the range.
	OpContains
	// OpEquals matches records whose interval equals the range exactly.
	OpEquals
)

// Temporal filters on a time column or validity interval. The latest and
// current modes are special: latest selects the most recent record per
// logical group, current selects records whose interval contains the
// database's notion of "now".
type Temporal struct {
	min, max time.Time
	latest   bool
	current  bool
	op       RangeOp
}

func (t Temporal) Min() time.Time      { return t.min }
func (t Temporal) Max() time.Time      { return t.max }
func (t Temporal) IsLatestTime() bool  { return t.latest }
func (t Temporal) IsCurrentTime() bool { return t.current }
func (t Temporal) Operator() RangeOp   { return t.op }

type TemporalBuilder struct {
	f Temporal
}

func NewTemporal() *TemporalBuilder { return &TemporalBuilder{} }

func (b *TemporalBuilder) WithRange(min, max time.Time) *TemporalBuilder {
	b.f.min, b.f.max = min, max
	return b
}

func (b *TemporalBuilder) WithLatestTime() *TemporalBuilder {
	b.f.latest = true
	return b
}

func (b *TemporalBuilder) WithCurrentTime() *TemporalBuilder {
	b.f.current = true
	return b
}

func (b *TemporalBuilder) WithOperator(op RangeOp) *TemporalBuilder {
	b.f.op = op
	return b
}

func (b *TemporalBuilder) Build() *Temporal {
	f := b.f
	return &f
}
