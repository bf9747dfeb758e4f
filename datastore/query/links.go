package query

import (
	"fmt"

	"github.com/geosensordb/pgstore/datastore"
)

// Links names the related entity tables registered with a store. A filter
// that references a relation whose table name is empty fails compilation
// with datastore.ErrNoLinkedStore instead of silently dropping the
// predicate.
type Links struct {
	Systems        string
	DataStreams    string
	Fois           string
	CommandStreams string
	Commands       string
}

func requireLink(table, relation string) (string, error) {
	if table == "" {
		return "", fmt.Errorf("%w: %s", datastore.ErrNoLinkedStore, relation)
	}
	return table, nil
}
