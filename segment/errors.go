package segment

import "github.com/pkg/errors"

// ErrNotEnoughBlocks is returned internally when fewer than segment_size
// contiguous blocks are available yet; callers park on a ChainView
// notification and retry rather than treating this as fatal.
var ErrNotEnoughBlocks = errors.New("segment: not enough contiguous blocks available")

// ErrNonContiguousPipeline is wrapped around a compaction failure when the
// cursor walk or the downloaded blocks turn out not to be strictly
// contiguous, per spec.md §5's "non-contiguous block numbers fail the
// tick" rule.
var ErrNonContiguousPipeline = errors.New("segment: compaction pipeline produced non-contiguous blocks")
