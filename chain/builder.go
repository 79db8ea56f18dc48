package chain

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "chain")

// Info is a snapshot of the first and last block currently held by a
// Builder.
type Info struct {
	FirstBlock Cursor
	LastBlock  Cursor
}

// Builder maintains an in-memory, append-only, parent-linked chain of
// BlockInfo. It is the single in-process representation of "the recent
// segment being built" described by the data model: mutated only by the
// leader's ingestion loop, and cut into immutable CanonicalSegments once it
// reaches the configured size.
//
// A Builder is safe for concurrent use; in practice it has a single writer
// (the ingestion tick) and potentially many readers (ChainView).
type Builder struct {
	mu     sync.RWMutex
	blocks []BlockInfo
}

// NewBuilder returns an empty chain builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// CanGrow reports whether b could be appended without mutating the
// builder: true iff the builder is empty, or b's parent cursor matches the
// current tip.
func (c *Builder) CanGrow(b BlockInfo) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.canGrowLocked(b)
}

func (c *Builder) canGrowLocked(b BlockInfo) bool {
	if len(c.blocks) == 0 {
		return true
	}
	tip := c.blocks[len(c.blocks)-1]
	return b.ParentCursor.Equal(tip.Cursor) && b.Cursor.Number == tip.Cursor.Number+1
}

// Grow appends b to the chain. It fails with ErrNonContiguous if b's parent
// does not match the current tip (callers should check CanGrow first and
// transition to recovery on failure rather than call Grow blindly).
func (c *Builder) Grow(b BlockInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.canGrowLocked(b) {
		return ErrNonContiguous
	}
	c.blocks = append(c.blocks, b)
	return nil
}

// RestoreFromSegment rebuilds in-memory state from a previously persisted
// recent segment, verifying its internal contiguity before accepting it.
func (c *Builder) RestoreFromSegment(seg *CanonicalSegment) error {
	if seg == nil || len(seg.Cursors) == 0 {
		c.mu.Lock()
		c.blocks = nil
		c.mu.Unlock()
		return nil
	}
	blocks := make([]BlockInfo, len(seg.Cursors))
	for i, cur := range seg.Cursors {
		bi := BlockInfo{Cursor: cur, Status: StatusAccepted}
		if i > 0 {
			if cur.Number != seg.Cursors[i-1].Number+1 {
				return ErrDiscontiguousSegment
			}
			bi.ParentCursor = seg.Cursors[i-1]
		}
		blocks[i] = bi
	}
	c.mu.Lock()
	c.blocks = blocks
	c.mu.Unlock()
	return nil
}

// CurrentSegment returns a snapshot of the live tail since the last cut,
// used to publish the recent segment. Returns ErrEmpty if no blocks are
// held.
func (c *Builder) CurrentSegment() (*CanonicalSegment, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.blocks) == 0 {
		return nil, ErrEmpty
	}
	return c.segmentLocked(0, len(c.blocks)), nil
}

// TakeSegment removes and returns the first n blocks as an immutable
// segment. Requires Len() >= n.
func (c *Builder) TakeSegment(n int) (*CanonicalSegment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || len(c.blocks) < n {
		return nil, ErrInsufficientBlocks
	}
	seg := c.segmentLocked(0, n)
	c.blocks = append([]BlockInfo(nil), c.blocks[n:]...)
	return seg, nil
}

func (c *Builder) segmentLocked(start, end int) *CanonicalSegment {
	cursors := make([]Cursor, end-start)
	for i := start; i < end; i++ {
		cursors[i-start] = c.blocks[i].Cursor
	}
	return &CanonicalSegment{
		FirstBlock: cursors[0],
		LastBlock:  cursors[len(cursors)-1],
		Cursors:    cursors,
	}
}

// SegmentSize returns the number of blocks currently held (the live tail
// length).
func (c *Builder) SegmentSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}

// Len is an alias for SegmentSize, used by callers checking take-segment
// preconditions.
func (c *Builder) Len() int {
	return c.SegmentSize()
}

// Info returns the first and last block currently held, or false if the
// builder is empty.
func (c *Builder) Info() (Info, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.blocks) == 0 {
		return Info{}, false
	}
	return Info{
		FirstBlock: c.blocks[0].Cursor,
		LastBlock:  c.blocks[len(c.blocks)-1].Cursor,
	}, true
}

// Tip returns the current chain tip, or false if the builder is empty.
func (c *Builder) Tip() (BlockInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.blocks) == 0 {
		return BlockInfo{}, false
	}
	return c.blocks[len(c.blocks)-1], true
}

// TruncateAfter removes every block whose number is greater than
// keepNumber, used by reorg recovery to roll the builder back to a common
// ancestor. It reports the number of blocks removed.
func (c *Builder) TruncateAfter(keepNumber uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cut := len(c.blocks)
	for i, b := range c.blocks {
		if b.Cursor.Number > keepNumber {
			cut = i
			break
		}
	}
	removed := len(c.blocks) - cut
	c.blocks = c.blocks[:cut]
	if removed > 0 {
		log.WithFields(logrus.Fields{
			"removed":    removed,
			"keepNumber": keepNumber,
		}).Warn("truncated canonical chain builder for reorg recovery")
	}
	return removed
}
