// Package datastore defines the base types shared by all PostGIS-backed
// entity stores: scoped keys, valid-time intervals, ID providers, entity
// records and the codec boundary used to serialize them.
package datastore

import (
	"fmt"
	"time"
)

// BigID is the identity of a stored record: a numeric internal ID prefixed
// with the integer scope of the store that issued it. The scope allows
// multiple federated databases to share a key space without collision.
type BigID struct {
	Scope int
	ID    int64
}

func NewBigID(scope int, id int64) BigID {
	return BigID{Scope: scope, ID: id}
}

// None is the zero BigID, used to mark an absent reference (e.g. an
// observation without a feature of interest).
var None = BigID{}

func (b BigID) IsZero() bool {
	return b.ID == 0 && b.Scope == 0
}

func (b BigID) String() string {
	return fmt.Sprintf("%d:%d", b.Scope, b.ID)
}

// FeatureKey identifies one version of a versioned feature. For a given
// internal ID there is at most one record with an open-ended valid time.
type FeatureKey struct {
	ParentID   int64
	ID         BigID
	ValidStart time.Time
}

func NewFeatureKey(parentID int64, id BigID, validStart time.Time) FeatureKey {
	return FeatureKey{ParentID: parentID, ID: id, ValidStart: validStart.Truncate(time.Second)}
}

func (k FeatureKey) String() string {
	return fmt.Sprintf("%s@%s", k.ID, k.ValidStart.UTC().Format(time.RFC3339))
}
