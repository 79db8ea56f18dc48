// Package store implements BlockStore: the per-block and per-segment
// artifact writer/reader described by spec.md §6, layered on top of the
// external ObjectStore contract (an opaque key/bytes blob service with
// conditional-put and conditional-get-by-etag semantics).
package store

import "context"

// ObjectStore is the external key->bytes blob service this module
// consumes. It is a collaborator, not something this module implements in
// production — only in-memory test doubles live here.
type ObjectStore interface {
	// Put writes key unconditionally, overwriting any previous value, and
	// returns the new etag.
	Put(ctx context.Context, key string, data []byte) (etag string, err error)
	// PutIfAbsent writes key only if it does not already exist. Used for
	// immutable keys (block/segment artifacts), which must never be
	// overwritten.
	PutIfAbsent(ctx context.Context, key string, data []byte) (etag string, err error)
	// PutCAS writes key only if its current etag equals prevEtag (empty
	// string means "key must not currently exist"). Used for chain/recent,
	// the single mutable, single-writer key.
	PutCAS(ctx context.Context, key string, data []byte, prevEtag string) (etag string, err error)
	// Get reads key. ok is false if the key does not exist.
	Get(ctx context.Context, key string) (data []byte, etag string, ok bool, err error)
	// List enumerates keys sharing the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
