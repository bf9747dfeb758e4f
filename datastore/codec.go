package datastore

import (
	json "github.com/goccy/go-json"
)

// Codec converts entity records to and from the opaque document stored in
// the database. Both directions must be pure: no side effects, and
// Decode(Encode(v)) must reproduce v field for field.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// JSONCodec is the default document codec.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v T) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
