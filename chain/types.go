// Package chain defines the core data model shared by every other package
// in this module: cursors, block metadata, block bodies and the canonical
// chain builder that tracks how they link together.
package chain

import (
	"bytes"
	"fmt"
)

// Status is the lifecycle stage of a block as reported by the chain
// provider.
type Status int

const (
	// StatusPending has been observed but not yet accepted by the provider.
	StatusPending Status = iota
	// StatusAccepted is part of the provider's current view of the chain,
	// but not yet past the finality threshold.
	StatusAccepted
	// StatusFinalized is no longer subject to reorganization.
	StatusFinalized
	// StatusRejected was observed but is not part of the canonical chain.
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAccepted:
		return "accepted"
	case StatusFinalized:
		return "finalized"
	case StatusRejected:
		return "rejected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Cursor identifies a unique position in the chain graph: a block number
// plus the hash of the block at that number. Total order is by number, with
// hash used only to break ties in equality checks.
type Cursor struct {
	Number uint64
	Hash   []byte
}

// Equal reports whether two cursors reference the same block.
func (c Cursor) Equal(other Cursor) bool {
	return c.Number == other.Number && bytes.Equal(c.Hash, other.Hash)
}

// Less orders cursors by block number only, matching the data model's
// "total order is by number" rule.
func (c Cursor) Less(other Cursor) bool {
	return c.Number < other.Number
}

func (c Cursor) String() string {
	return fmt.Sprintf("#%d/%x", c.Number, c.Hash)
}

// IsZero reports whether this is the zero-value cursor (used to represent
// "no parent", e.g. for genesis).
func (c Cursor) IsZero() bool {
	return c.Number == 0 && len(c.Hash) == 0
}

// BlockInfo is the normalized header-like metadata the chain provider
// returns for a block.
type BlockInfo struct {
	Cursor       Cursor
	ParentCursor Cursor
	Status       Status
	Timestamp    int64 // unix seconds
}

// BlockBody is the opaque per-block payload plus the parallel index/body
// fragment lists used for filter pushdown during streaming.
type BlockBody struct {
	Data  []byte
	Index []IndexEntry
	Body  [][]byte
}

// Validate checks the |index| == |body| invariant required by the data
// model.
func (b *BlockBody) Validate() error {
	if len(b.Index) != len(b.Body) {
		return errLengthMismatch(len(b.Index), len(b.Body))
	}
	return nil
}

// IndexEntry is a single per-fragment index record enabling filter
// pushdown during segment and stream reads.
type IndexEntry struct {
	FragmentID uint32
	Keys       map[uint32]ScalarValue
}

// ScalarValue is a filter-comparable value pulled out of an index entry.
// It's intentionally small and closed: filter-language semantics beyond
// this shape are out of scope (spec.md Non-goals).
type ScalarValue struct {
	Bytes []byte
}

// Equal compares two scalar values byte-for-byte.
func (v ScalarValue) Equal(other ScalarValue) bool {
	return bytes.Equal(v.Bytes, other.Bytes)
}

// CanonicalSegment is an ordered, contiguous, immutable run of cursors.
type CanonicalSegment struct {
	FirstBlock Cursor
	LastBlock  Cursor
	Cursors    []Cursor
}
