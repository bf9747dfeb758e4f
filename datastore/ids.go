package datastore

import (
	"sync/atomic"

	"github.com/zeebo/xxh3"
)

// IDProviderKind selects how a store issues internal IDs.
type IDProviderKind int

const (
	// IDSequential issues strictly increasing IDs seeded from the maximum
	// existing ID at store-open time.
	IDSequential IDProviderKind = iota
	// IDHash derives a deterministic ID from the record's natural key, so
	// re-adding the same record yields the same ID.
	IDHash
)

// IDProvider issues new internal IDs for records added to a store.
type IDProvider interface {
	NewInternalID(v any) int64
}

type sequentialIDProvider struct {
	last atomic.Int64
}

// NewSequentialIDProvider returns a provider whose first issued ID is seed+1.
func NewSequentialIDProvider(seed int64) IDProvider {
	p := &sequentialIDProvider{}
	p.last.Store(seed)
	return p
}

func (p *sequentialIDProvider) NewInternalID(any) int64 {
	return p.last.Add(1)
}

// hashIDMask keeps 42 bits of the hash so the ID fits in an 8-byte block
// together with the scope under variable-length encoding.
const hashIDMask = 0x3FFFFFFFFFF

type hashIDProvider struct {
	seed  uint64
	keyFn func(any) string
}

// NewHashIDProvider returns a provider that hashes the record's natural key.
// keyFn extracts the semantic identity string from the record.
func NewHashIDProvider(seed uint64, keyFn func(any) string) IDProvider {
	return &hashIDProvider{seed: seed, keyFn: keyFn}
}

func (p *hashIDProvider) NewInternalID(v any) int64 {
	h := xxh3.HashStringSeed(p.keyFn(v), p.seed)
	id := int64(h & hashIDMask)
	if id == 0 {
		id = 1
	}
	return id
}
