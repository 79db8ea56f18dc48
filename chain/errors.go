package chain

import "github.com/pkg/errors"

// ErrNonContiguous is returned by Builder.Grow when the candidate block's
// parent does not match the current tip.
var ErrNonContiguous = errors.New("chain: block is not contiguous with tip")

// ErrEmpty is returned by operations that require at least one block in the
// builder (CurrentSegment) when it holds none. TakeSegment reports an empty
// builder as ErrInsufficientBlocks instead.
var ErrEmpty = errors.New("chain: builder holds no blocks")

// ErrInsufficientBlocks is returned by TakeSegment when fewer than n blocks
// are held.
var ErrInsufficientBlocks = errors.New("chain: fewer blocks held than requested")

// ErrDiscontiguousSegment is returned by RestoreFromSegment when the
// persisted segment fails its own internal contiguity check.
var ErrDiscontiguousSegment = errors.New("chain: segment is not internally contiguous")

func errLengthMismatch(indexLen, bodyLen int) error {
	return errors.Errorf("chain: index/body length mismatch: index=%d body=%d", indexLen, bodyLen)
}
