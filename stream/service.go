// Package stream implements the core subset of StreamService described by
// spec.md §4.5: cursor resolution against a compiled BlockFilter, switching
// between the compacted-segment, recent-segment, and live read paths, and
// reorg-message emission sourced from ChainView's invalidation signal. The
// gRPC surface itself is out of scope; Service exposes a plain Next(ctx)
// iterator a (not-included) gRPC handler would wrap, grounded on
// beacon-chain/rpc/beacon's read-side server shape wired to a notifier.
package stream

import (
	"context"

	"github.com/apibara/dna/chain"
	"github.com/apibara/dna/chainview"
	"github.com/apibara/dna/sequencer"
	"github.com/apibara/dna/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "stream")

// Message is one emitted stream event: either a matched/header-only block,
// or a reorg notice.
type Message struct {
	// Reorg is true when this message is an invalidation notice rather
	// than a block.
	Reorg bool

	// Cursor is the block this message concerns, or (when Reorg) the last
	// cursor still valid on the new chain.
	Cursor chain.Cursor

	// Fragments holds the matched fragment payloads, absent for header-
	// only or reorg messages.
	Fragments [][]byte

	// OutputSeq is the range the Sequencer assigned this message, present
	// only when Service was constructed with a Sequencer.
	OutputSeq sequencer.SeqRange
}

type registeredInput struct {
	inputSeq    uint64
	blockNumber uint64
}

// Service streams one compiled BlockFilter's view of the canonical chain,
// resuming after a caller-supplied cursor, to completion (context
// cancellation). It holds no goroutine of its own: Next blocks the caller
// until a message is ready.
type Service struct {
	streamID sequencer.StreamID
	filter   *BlockFilter
	view     *chainview.ChainView
	blocks   *store.BlockStore
	seq      *sequencer.Sequencer

	cursor     chain.Cursor
	started    bool
	inputSeq   uint64
	registered []registeredInput
}

// New returns a Service for filter that resumes after startingCursor: the
// first message is for the block following it. The zero Cursor means the
// stream begins with IngestionState.starting_block itself. seq may be nil, in
// which case no output sequence is assigned (useful for tests and for
// callers that don't multiplex onto a shared output axis).
func New(
	streamID sequencer.StreamID,
	filter *BlockFilter,
	view *chainview.ChainView,
	blocks *store.BlockStore,
	seq *sequencer.Sequencer,
	startingCursor chain.Cursor,
) *Service {
	return &Service{
		streamID: streamID,
		filter:   filter,
		view:     view,
		blocks:   blocks,
		seq:      seq,
		cursor:   startingCursor,
	}
}

// Next blocks until the next message is available: a matched/header-only
// block, or a reorg notice. It returns ctx.Err() if ctx is cancelled while
// parked at the head.
func (s *Service) Next(ctx context.Context) (*Message, error) {
	if !s.started {
		if err := s.validateStartingCursor(ctx); err != nil {
			return nil, err
		}
		s.started = true
	}

	for {
		next, err := s.view.GetNextCursor(ctx, s.cursor)
		if err != nil {
			return nil, err
		}

		switch next.Kind {
		case chainview.NextCursorInvalid:
			return s.handleReorg(ctx)

		case chainview.NextCursorAtHead:
			if err := s.awaitHeadChanged(ctx); err != nil {
				return nil, err
			}
			continue

		default: // NextCursorContinue
			msg, advance, err := s.tryEmit(ctx, next.Cursor)
			if err != nil {
				return nil, err
			}
			s.cursor = next.Cursor
			if !advance {
				continue
			}
			return msg, nil
		}
	}
}

// validateStartingCursor implements spec.md §4.5 step 1: the starting
// cursor must be at or after starting_block and at or before the tip.
func (s *Service) validateStartingCursor(ctx context.Context) error {
	if s.cursor.IsZero() {
		return nil
	}
	start, ok, err := s.view.GetStartingCursor(ctx)
	if err != nil {
		return err
	}
	if ok && s.cursor.Number < start.Number {
		return newInvalidArgument("starting cursor is before the ingested chain's starting block")
	}
	head, ok, err := s.view.GetHead(ctx)
	if err != nil {
		return err
	}
	if ok && s.cursor.Number > head.Number {
		return newInvalidArgument("starting cursor is ahead of the current tip")
	}
	return nil
}

func (s *Service) awaitHeadChanged(ctx context.Context) error {
	headCh, headSub := s.view.HeadChanged()
	defer headSub.Unsubscribe()
	select {
	case <-headCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryEmit reads the block at cursor (choosing the segment or recent/live
// path per its position relative to segmented_number) and builds a
// message, registering an output range with the Sequencer if one is
// configured. advance is false when the filter's header policy silently
// skips this block (no message to return, but the cursor still moves).
func (s *Service) tryEmit(ctx context.Context, cursor chain.Cursor) (*Message, bool, error) {
	body, err := s.readBlockBody(ctx, cursor)
	if err != nil {
		return nil, false, err
	}

	matched := s.filter.matchFragments(body)
	if !s.filter.shouldEmit(len(matched)) {
		return nil, false, nil
	}

	msg := &Message{Cursor: cursor, Fragments: matched}

	if s.seq != nil {
		rng, err := s.seq.Register(s.streamID, s.inputSeq, 1)
		if err != nil {
			return nil, false, errors.Wrap(err, "stream: could not register output sequence")
		}
		msg.OutputSeq = rng
		s.registered = append(s.registered, registeredInput{inputSeq: s.inputSeq, blockNumber: cursor.Number})
		s.inputSeq++
	}

	return msg, true, nil
}

// readBlockBody serves segmented blocks through the same per-block reader
// as the recent/live path. A production-grade segment path would instead
// bulk-scan the compacted per-column artifacts using BlockFilter.conditions
// as a pushdown predicate (spec.md §4.5 step 2); the exact on-disk scan
// strategy is out of scope here (spec.md Non-goals: "on-disk artifact
// format beyond framing"), so this always reads the single-block artifact,
// uncached for segmented blocks to avoid polluting the hot-block cache with
// historical scans.
func (s *Service) readBlockBody(ctx context.Context, cursor chain.Cursor) (chain.BlockBody, error) {
	segmented, ok, err := s.view.GetSegmentedCursor(ctx)
	if err != nil {
		return chain.BlockBody{}, err
	}
	if ok && cursor.Number <= segmented.Number {
		_, body, err := s.blocks.GetBlockUncached(ctx, cursor)
		return body, err
	}
	_, body, err := s.blocks.GetBlock(ctx, cursor)
	return body, err
}

// handleReorg resolves the last cursor still valid on the new canonical
// chain, invalidates every Sequencer output registered for blocks past it,
// and resumes from there.
func (s *Service) handleReorg(ctx context.Context) (*Message, error) {
	lastValid, err := s.resolveLastValidCursor(ctx)
	if err != nil {
		return nil, err
	}

	if s.seq != nil {
		cut := -1
		for i, r := range s.registered {
			if r.blockNumber > lastValid.Number {
				cut = i
				break
			}
		}
		if cut >= 0 {
			target := s.registered[cut].inputSeq
			if _, err := s.seq.Invalidate(s.streamID, target); err != nil {
				return nil, errors.Wrap(err, "stream: could not invalidate sequencer output")
			}
			s.registered = s.registered[:cut]
			s.inputSeq = target
		}
	}

	s.cursor = lastValid
	log.WithField("cursor", lastValid).Warn("stream: reorg detected, resuming from last valid cursor")
	return &Message{Reorg: true, Cursor: lastValid}, nil
}

// resolveLastValidCursor walks s.cursor backward via each block's exact
// ParentCursor link until it finds one present in the current canonical
// recent segment. Walking by parent link (rather than by number) avoids any
// ambiguity between a stale and a replacement block sharing a number: each
// step reads the single artifact keyed by an exact (number, hash) pair.
func (s *Service) resolveLastValidCursor(ctx context.Context) (chain.Cursor, error) {
	seg, _, segOK, err := s.blocks.GetRecentSegment(ctx)
	if err != nil {
		return chain.Cursor{}, err
	}

	cursor := s.cursor
	for !cursor.IsZero() {
		info, _, err := s.blocks.GetBlock(ctx, cursor)
		if err != nil {
			return chain.Cursor{}, err
		}
		if info.ParentCursor.IsZero() {
			break
		}
		if segOK && onSegment(seg, info.ParentCursor) {
			return info.ParentCursor, nil
		}
		cursor = info.ParentCursor
	}

	start, startOK, err := s.view.GetStartingCursor(ctx)
	if err != nil {
		return chain.Cursor{}, err
	}
	if !startOK {
		return chain.Cursor{}, errors.New("stream: no starting cursor available during reorg resolution")
	}
	return start, nil
}

func onSegment(seg *chain.CanonicalSegment, c chain.Cursor) bool {
	for _, x := range seg.Cursors {
		if x.Equal(c) {
			return true
		}
	}
	return false
}
