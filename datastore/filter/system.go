package filter

// System filters system description features. It can be nested inside
// datastream, command-stream and feature filters.
type System struct {
	internalIDs []int64
	uniqueIDs   []string
	parentIDs   []int64
	validTime   *Temporal
	fullText    *FullText
	location    *Spatial
}

func (f System) InternalIDs() []int64 { return f.internalIDs }
func (f System) UniqueIDs() []string  { return f.uniqueIDs }
func (f System) ParentIDs() []int64   { return f.parentIDs }
func (f System) ValidTime() *Temporal { return f.validTime }
func (f System) FullText() *FullText  { return f.fullText }
func (f System) Location() *Spatial   { return f.location }

// IsEmpty reports whether the filter constrains nothing.
func (f System) IsEmpty() bool {
	return len(f.internalIDs) == 0 && len(f.uniqueIDs) == 0 && len(f.parentIDs) == 0 &&
		f.validTime == nil && f.fullText == nil && f.location == nil
}

type SystemBuilder struct {
	f System
}

func NewSystem() *SystemBuilder { return &SystemBuilder{} }

func (b *SystemBuilder) WithInternalIDs(ids ...int64) *SystemBuilder {
	b.f.internalIDs = append(b.f.internalIDs, ids...)
	return b
}

func (b *SystemBuilder) WithUniqueIDs(uids ...string) *SystemBuilder {
	b.f.uniqueIDs = append(b.f.uniqueIDs, uids...)
	return b
}

func (b *SystemBuilder) WithParents(ids ...int64) *SystemBuilder {
	b.f.parentIDs = append(b.f.parentIDs, ids...)
	return b
}

func (b *SystemBuilder) WithValidTime(t *Temporal) *SystemBuilder {
	b.f.validTime = t
	return b
}

func (b *SystemBuilder) WithFullText(ft *FullText) *SystemBuilder {
	b.f.fullText = ft
	return b
}

func (b *SystemBuilder) WithLocation(s *Spatial) *SystemBuilder {
	b.f.location = s
	return b
}

func (b *SystemBuilder) Build() *System {
	f := b.f
	return &f
}
