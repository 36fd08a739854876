// Package kvstore is the durable key-value store backing the response cache
// and the request queue. Both persist JSON blobs under namespaced keys; the
// store does not interpret values.
package kvstore

import "errors"

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a durable key-value store. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	// Keys returns every stored key with the given prefix, in no
	// particular order.
	Keys(prefix string) ([]string, error)
}
