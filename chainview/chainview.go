// Package chainview implements ChainView: a read-through view over the
// persisted canonical chain, answering head/finalized/starting/segmented
// cursor queries and publishing level-triggered change notifications.
// Grounded on beacon-chain/archiver/service.go's feed-based notification
// loop, using go-ethereum's event.Feed as the level-triggered broadcast
// primitive in place of Prysm's own *feed.Event wrapper.
package chainview

import (
	"context"
	"sync"

	"github.com/apibara/dna/chain"
	"github.com/apibara/dna/coordinator"
	"github.com/apibara/dna/store"
	"github.com/ethereum/go-ethereum/event"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "chainview")

// NextCursorKind identifies which variant a NextCursor result holds.
type NextCursorKind int

const (
	// NextCursorContinue carries the next cursor after the one queried.
	NextCursorContinue NextCursorKind = iota
	// NextCursorAtHead means the queried cursor is the current head: there
	// is no successor yet.
	NextCursorAtHead
	// NextCursorInvalid means the queried cursor is no longer on the
	// canonical chain (it was reorged out).
	NextCursorInvalid
)

// NextCursor is the tagged result of get_next_cursor.
type NextCursor struct {
	Kind   NextCursorKind
	Cursor chain.Cursor
}

// ChainView answers point-in-time queries about the canonical chain and
// notifies callers when the underlying head or finalized record changes.
// It is read-only: all writes happen in IngestionService, under the
// coordinator's leader lease.
type ChainView struct {
	blocks *store.BlockStore
	kv     coordinator.CoordKV

	headFeed      event.Feed
	finalizedFeed event.Feed

	mu          sync.Mutex
	lastEtag    string
	lastVersion uint64
}

// New returns a ChainView reading block/segment artifacts from blocks and
// the ingestion state from kv.
func New(blocks *store.BlockStore, kv coordinator.CoordKV) *ChainView {
	return &ChainView{blocks: blocks, kv: kv}
}

// GetHead returns the tip of the recent segment, i.e. the most recently
// ingested block, or ok=false if nothing has been ingested yet.
func (v *ChainView) GetHead(ctx context.Context) (chain.Cursor, bool, error) {
	seg, _, ok, err := v.blocks.GetRecentSegment(ctx)
	if err != nil {
		return chain.Cursor{}, false, errors.Wrap(err, "chainview: could not read head")
	}
	if !ok || len(seg.Cursors) == 0 {
		return chain.Cursor{}, false, nil
	}
	return seg.LastBlock, true, nil
}

// GetFinalizedCursor returns the cursor for IngestionState.finalized_number,
// resolved by cursorForNumber: the recent segment is scanned first, and a
// number not present there is looked up in the block store by number.
func (v *ChainView) GetFinalizedCursor(ctx context.Context) (chain.Cursor, bool, error) {
	state, _, ok, err := coordinator.GetIngestionState(ctx, v.kv)
	if err != nil {
		return chain.Cursor{}, false, err
	}
	if !ok {
		return chain.Cursor{}, false, nil
	}
	return v.cursorForNumber(ctx, state.FinalizedNumber)
}

// GetStartingCursor returns IngestionState.starting_block, the
// configuration-level lower bound below which this instance never ingests.
func (v *ChainView) GetStartingCursor(ctx context.Context) (chain.Cursor, bool, error) {
	state, _, ok, err := coordinator.GetIngestionState(ctx, v.kv)
	if err != nil {
		return chain.Cursor{}, false, err
	}
	if !ok {
		return chain.Cursor{}, false, nil
	}
	return state.StartingBlock, true, nil
}

// GetSegmentedCursor returns the cursor for IngestionState.segmented_number,
// the highest block compacted into an immutable segment.
func (v *ChainView) GetSegmentedCursor(ctx context.Context) (chain.Cursor, bool, error) {
	state, _, ok, err := coordinator.GetIngestionState(ctx, v.kv)
	if err != nil {
		return chain.Cursor{}, false, err
	}
	if !ok || state.SegmentedNumber == 0 {
		return chain.Cursor{}, false, nil
	}
	return v.cursorForNumber(ctx, state.SegmentedNumber)
}

// cursorForNumber resolves a block number to its full cursor by first
// checking the recent segment (cheap, in the common case), then falling
// back to the block store.
func (v *ChainView) cursorForNumber(ctx context.Context, number uint64) (chain.Cursor, bool, error) {
	seg, _, ok, err := v.blocks.GetRecentSegment(ctx)
	if err != nil {
		return chain.Cursor{}, false, errors.Wrap(err, "chainview: could not read recent segment")
	}
	if ok {
		for _, c := range seg.Cursors {
			if c.Number == number {
				return c, true, nil
			}
		}
	}
	info, _, err := v.blocks.GetBlockByNumber(ctx, number)
	if err != nil {
		return chain.Cursor{}, false, nil
	}
	return info.Cursor, true, nil
}

// GetNextCursor resolves the successor of from (or the starting cursor, if
// from is the zero value meaning "no cursor yet"). It returns AtHead if
// from is the current head, Invalid if from is not on the canonical chain,
// or Continue with the successor cursor otherwise.
func (v *ChainView) GetNextCursor(ctx context.Context, from chain.Cursor) (NextCursor, error) {
	head, ok, err := v.GetHead(ctx)
	if err != nil {
		return NextCursor{}, err
	}
	if !ok {
		return NextCursor{Kind: NextCursorInvalid}, nil
	}

	if from.IsZero() {
		start, ok, err := v.GetStartingCursor(ctx)
		if err != nil {
			return NextCursor{}, err
		}
		if !ok {
			return NextCursor{Kind: NextCursorInvalid}, nil
		}
		if start.Equal(head) {
			return NextCursor{Kind: NextCursorAtHead, Cursor: head}, nil
		}
		return NextCursor{Kind: NextCursorContinue, Cursor: start}, nil
	}

	if from.Equal(head) {
		return NextCursor{Kind: NextCursorAtHead, Cursor: head}, nil
	}
	if from.Number >= head.Number {
		// from claims to be ahead of, or level with, a different head: it
		// must have been reorged out.
		return NextCursor{Kind: NextCursorInvalid}, nil
	}

	onChain, err := v.isOnCanonicalChain(ctx, from)
	if err != nil {
		return NextCursor{}, err
	}
	if !onChain {
		return NextCursor{Kind: NextCursorInvalid}, nil
	}

	next, ok, err := v.cursorForNumber(ctx, from.Number+1)
	if err != nil {
		return NextCursor{}, err
	}
	if !ok {
		return NextCursor{Kind: NextCursorInvalid}, nil
	}
	return NextCursor{Kind: NextCursorContinue, Cursor: next}, nil
}

// isOnCanonicalChain checks the mutable recent segment first (the common
// case), then falls back to the immutable cut segment covering cursor's
// number, the same two-tier lookup cursorForNumber already does. Without
// the fallback, any cursor at or below segmented_number would wrongly read
// as reorged-out the moment IngestionService republishes the recent segment
// as only its post-cut remaining tail.
func (v *ChainView) isOnCanonicalChain(ctx context.Context, cursor chain.Cursor) (bool, error) {
	seg, _, ok, err := v.blocks.GetRecentSegment(ctx)
	if err != nil {
		return false, errors.Wrap(err, "chainview: could not read recent segment")
	}
	if ok {
		for _, c := range seg.Cursors {
			if c.Equal(cursor) {
				return true, nil
			}
		}
	}

	cut, found, err := v.blocks.FindCanonicalChainSegment(ctx, cursor.Number)
	if err != nil {
		return false, errors.Wrap(err, "chainview: could not read canonical chain segment")
	}
	if !found {
		return false, nil
	}
	for _, c := range cut.Cursors {
		if c.Equal(cursor) {
			return true, nil
		}
	}
	return false, nil
}

// HeadChanged returns a channel delivering a value whenever NotifyHeadChanged
// is called. Per spec.md §4.6, notification is level-triggered: the caller
// must re-read state after waking, not trust the delivered value.
func (v *ChainView) HeadChanged() (<-chan struct{}, event.Subscription) {
	ch := make(chan struct{}, 1)
	sub := v.headFeed.Subscribe(asyncChan(ch))
	return ch, sub
}

// FinalizedChanged is the finalized-cursor analogue of HeadChanged.
func (v *ChainView) FinalizedChanged() (<-chan struct{}, event.Subscription) {
	ch := make(chan struct{}, 1)
	sub := v.finalizedFeed.Subscribe(asyncChan(ch))
	return ch, sub
}

// NotifyHeadChanged wakes every HeadChanged waiter. Called by
// IngestionService after it commits a new recent-segment etag.
func (v *ChainView) NotifyHeadChanged() {
	v.headFeed.Send(struct{}{})
}

// NotifyFinalizedChanged wakes every FinalizedChanged waiter. Called by
// IngestionService after it commits a new finalized_number.
func (v *ChainView) NotifyFinalizedChanged() {
	v.finalizedFeed.Send(struct{}{})
}

// asyncChan gives HeadChanged/FinalizedChanged subscribers a
// one-deep buffer: since notifications are level-triggered, a waiter that
// is mid-reread when a second notification arrives still wakes again on
// its next wait rather than missing the change entirely.
func asyncChan(ch chan struct{}) chan struct{} {
	return ch
}
