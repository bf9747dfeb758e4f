package filter

import (
	"github.com/twpayne/go-geom/encoding/geojson"
)

// SpatialOp selects the PostGIS predicate used for spatial filters.
type SpatialOp int

const (
	SpatialIntersects SpatialOp = iota
	SpatialWithin
	SpatialContains
)

// Spatial filters on a geometry column using a region of interest.
type Spatial struct {
	roi *geojson.Geometry
	op  SpatialOp
}

func (s Spatial) Roi() *geojson.Geometry { return s.roi }
func (s Spatial) Operator() SpatialOp    { return s.op }

type SpatialBuilder struct {
	f Spatial
}

func NewSpatial() *SpatialBuilder { return &SpatialBuilder{} }

func (b *SpatialBuilder) WithRoi(g *geojson.Geometry) *SpatialBuilder {
	b.f.roi = g
	return b
}

func (b *SpatialBuilder) WithOperator(op SpatialOp) *SpatialBuilder {
	b.f.op = op
	return b
}

func (b *SpatialBuilder) Build() *Spatial {
	f := b.f
	return &f
}

// FullText filters on free text in the record document. Keywords are matched
// as a case-insensitive regex alternation, not tokenized search.
type FullText struct {
	keywords []string
}

func NewFullText(keywords ...string) *FullText {
	return &FullText{keywords: append([]string(nil), keywords...)}
}

func (f FullText) Keywords() []string { return f.keywords }
