package filter

import "github.com/geosensordb/pgstore/datastore"

// Feature filters versioned features (features of interest, deployments).
type Feature struct {
	internalIDs    []int64
	uniqueIDs      []string
	parentIDs      []int64
	validTime      *Temporal
	fullText       *FullText
	location       *Spatial
	valuePredicate func(datastore.Feature) bool
	limit          int64
}

func (f Feature) InternalIDs() []int64                        { return f.internalIDs }
func (f Feature) UniqueIDs() []string                         { return f.uniqueIDs }
func (f Feature) ParentIDs() []int64                          { return f.parentIDs }
func (f Feature) ValidTime() *Temporal                        { return f.validTime }
func (f Feature) FullText() *FullText                         { return f.fullText }
func (f Feature) Location() *Spatial                          { return f.location }
func (f Feature) ValuePredicate() func(datastore.Feature) bool { return f.valuePredicate }
func (f Feature) Limit() int64                                { return f.limit }

type FeatureBuilder struct {
	f Feature
}

func NewFeature() *FeatureBuilder { return &FeatureBuilder{} }

func (b *FeatureBuilder) WithInternalIDs(ids ...int64) *FeatureBuilder {
	b.f.internalIDs = append(b.f.internalIDs, ids...)
	return b
}

func (b *FeatureBuilder) WithUniqueIDs(uids ...string) *FeatureBuilder {
	b.f.uniqueIDs = append(b.f.uniqueIDs, uids...)
	return b
}

func (b *FeatureBuilder) WithParents(ids ...int64) *FeatureBuilder {
	b.f.parentIDs = append(b.f.parentIDs, ids...)
	return b
}

func (b *FeatureBuilder) WithValidTime(t *Temporal) *FeatureBuilder {
	b.f.validTime = t
	return b
}

func (b *FeatureBuilder) WithCurrentVersion() *FeatureBuilder {
	b.f.validTime = NewTemporal().WithCurrentTime().Build()
	return b
}

func (b *FeatureBuilder) WithFullText(ft *FullText) *FeatureBuilder {
	b.f.fullText = ft
	return b
}

func (b *FeatureBuilder) WithLocation(s *Spatial) *FeatureBuilder {
	b.f.location = s
	return b
}

func (b *FeatureBuilder) WithValuePredicate(p func(datastore.Feature) bool) *FeatureBuilder {
	b.f.valuePredicate = p
	return b
}

func (b *FeatureBuilder) WithLimit(n int64) *FeatureBuilder {
	b.f.limit = n
	return b
}

func (b *FeatureBuilder) Build() *Feature {
	f := b.f
	return &f
}
