// Package storage provides the persistent tree index for grove.
//
// The index is the single source of truth for forest topology and the
// deployment pointers. It is backed by Badger and opened briefly per
// invocation; the Badger directory lock is the physical gate between
// concurrent invocations, absorbed by retry with backoff.
package storage
