// Package coordinator implements leader-lease acquisition and the
// IngestionState record on top of the external CoordKV contract: a
// linearizable key/value service offering leases and compare-and-swap.
package coordinator

import (
	"context"
	"time"
)

// CoordKV is the external coordination-store collaborator this module
// consumes. This module implements it only in memory: the test doubles and
// internal/memkv (the process-local default of cmd/dna-node).
type CoordKV interface {
	// Get reads key. ok is false if it does not exist.
	Get(ctx context.Context, key string) (value []byte, version uint64, ok bool, err error)
	// CompareAndSwap writes value to key only if its current version equals
	// prevVersion (0 means "key must not currently exist"), returning the
	// new version.
	CompareAndSwap(ctx context.Context, key string, value []byte, prevVersion uint64) (newVersion uint64, err error)
	// AcquireLease attempts to create key as a lease held by holder for
	// ttl, succeeding only if no unexpired lease currently exists.
	AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (token string, err error)
	// RenewLease extends a held lease, failing if token no longer matches
	// the current holder (e.g. it expired and another holder acquired it).
	RenewLease(ctx context.Context, key, token string, ttl time.Duration) error
	// ReleaseLease gives up a held lease early.
	ReleaseLease(ctx context.Context, key, token string) error
}

// Well-known CoordKV record keys, matching spec.md §6.
const (
	IngestionStateKey = "ingestion/state"
	IngestionLeaseKey = "ingestion/lease"
)
