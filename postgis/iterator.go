package postgis

import (
	"github.com/jackc/pgx/v5"
)

// Entry is one key/value pair produced by an iterator.
type Entry[K any, V any] struct {
	Key   K
	Value V
}

// ScanFunc decodes the current row into a key and entity.
type ScanFunc[K any, V any] func(rows pgx.Rows) (K, V, error)

// Iterator streams a query result lazily: rows are decoded one at a time,
// filtered through an optional client-side predicate and bounded by an
// optional limit. It is single-use; re-invoke the select to restart.
type Iterator[K any, V any] struct {
	rows    pgx.Rows
	scan    ScanFunc[K, V]
	pred    func(V) bool
	limit   int64
	yielded int64
	cur     Entry[K, V]
	err     error
	done    bool
}

func NewIterator[K any, V any](rows pgx.Rows, scan ScanFunc[K, V], pred func(V) bool, limit int64) *Iterator[K, V] {
	return &Iterator[K, V]{rows: rows, scan: scan, pred: pred, limit: limit}
}

// Next advances to the next matching row. It returns false at the end of
// the result set, when the limit is reached, or on error (check Err).
func (it *Iterator[K, V]) Next() bool {
	if it.done {
		return false
	}
	if it.limit > 0 && it.yielded >= it.limit {
		it.Close()
		return false
	}
	for it.rows.Next() {
		k, v, err := it.scan(it.rows)
		if err != nil {
			it.err = err
			it.Close()
			return false
		}
		if it.pred != nil && !it.pred(v) {
			continue
		}
		it.cur = Entry[K, V]{Key: k, Value: v}
		it.yielded++
		return true
	}
	it.Close()
	return false
}

func (it *Iterator[K, V]) Entry() Entry[K, V] { return it.cur }
func (it *Iterator[K, V]) Key() K             { return it.cur.Key }
func (it *Iterator[K, V]) Value() V           { return it.cur.Value }

// Err returns the first decode or row error encountered.
func (it *Iterator[K, V]) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

// Close releases the underlying rows. Idempotent; Next calls it on
// exhaustion, so explicit Close is only needed on early abandonment.
func (it *Iterator[K, V]) Close() {
	if !it.done {
		it.done = true
		it.rows.Close()
	}
}

// Collect drains the iterator into a slice. Intended for small result sets
// and tests.
func Collect[K any, V any](it *Iterator[K, V]) ([]Entry[K, V], error) {
	defer it.Close()
	var out []Entry[K, V]
	for it.Next() {
		out = append(out, it.Entry())
	}
	return out, it.Err()
}
