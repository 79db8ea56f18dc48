// Package segment implements SegmentService: the background loop that
// compacts finalized runs of blocks into immutable, multi-artifact
// object-store segments, decoupled from ingestion by ChainView. Grounded on
// beacon-chain/archiver/service.go's feed-subscribe-select loop, retargeted
// from epoch checkpoints to block segments, with the download pipeline
// reusing chain.Builder's contiguity checks instead of a bespoke walker.
package segment

import (
	"bytes"
	"context"
	"encoding/gob"

	"github.com/apibara/dna/chain"
	"github.com/apibara/dna/chainview"
	"github.com/apibara/dna/coordinator"
	"github.com/apibara/dna/params"
	"github.com/apibara/dna/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var log = logrus.WithField("prefix", "segment")

// Service runs the compaction loop. Unlike IngestionService it holds no
// leader lease of its own: every replica may run a Service concurrently.
// PutSegmentArtifact/PutCanonicalChainSegment are PutIfAbsent writes that
// fail when the key already exists, so a replica that reaches a segment
// another replica already wrote aborts that tick and retries; the
// segmented_number CAS lets only one replica commit each segment.
type Service struct {
	view   *chainview.ChainView
	blocks *store.BlockStore
	kv     coordinator.CoordKV
	cfg    *params.Config
}

// New returns a Service compacting segments of cfg.SegmentSize blocks.
func New(view *chainview.ChainView, blocks *store.BlockStore, kv coordinator.CoordKV, cfg *params.Config) *Service {
	return &Service{view: view, blocks: blocks, kv: kv, cfg: cfg}
}

// Run drives the continuous loop described in spec.md §4.4 until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		advanced, err := s.tick(ctx)
		if err != nil {
			if errors.Is(err, ErrNotEnoughBlocks) {
				if err := s.awaitProgress(ctx); err != nil {
					return err
				}
				continue
			}
			segmentAbortedCounter.Inc()
			log.WithError(err).Warn("segment: compaction tick aborted, retrying")
			continue
		}
		if advanced {
			continue
		}

		if err := s.awaitProgress(ctx); err != nil {
			return err
		}
	}
}

// awaitProgress parks until either the head or the finalized cursor
// changes, or ctx is cancelled — the narrower of the two signals named in
// spec.md §4.4 step 2.
func (s *Service) awaitProgress(ctx context.Context) error {
	headCh, headSub := s.view.HeadChanged()
	defer headSub.Unsubscribe()
	finCh, finSub := s.view.FinalizedChanged()
	defer finSub.Unsubscribe()

	select {
	case <-headCh:
	case <-finCh:
	case <-ctx.Done():
	}
	return nil
}

// tick runs exactly one compaction attempt: resolve the next segment's
// first block, check enough blocks are available, compact, and persist.
// It reports whether a segment was actually cut.
func (s *Service) tick(ctx context.Context) (bool, error) {
	first, ok, err := s.resolveFirstBlock(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	finalized, ok, err := s.view.GetFinalizedCursor(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	head, ok, err := s.view.GetHead(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	latestAvailable := finalized.Number
	if head.Number < latestAvailable {
		latestAvailable = head.Number
	}

	segSize := s.cfg.SegmentSize
	if segSize == 0 || first.Number+segSize-1 > latestAvailable {
		return false, nil
	}

	seg, headerBlob, bodyBlob, err := s.compact(ctx, first, segSize)
	if err != nil {
		return false, err
	}

	if err := withRetryBudget(ctx, s.cfg.ProviderRetryBudget, func() error {
		return s.blocks.PutSegmentArtifact(ctx, seg.FirstBlock.Number, "header", headerBlob)
	}); err != nil {
		return false, err
	}
	artifactBytesGauge.WithLabelValues("header").Set(float64(len(headerBlob)))

	if err := withRetryBudget(ctx, s.cfg.ProviderRetryBudget, func() error {
		return s.blocks.PutSegmentArtifact(ctx, seg.FirstBlock.Number, "body", bodyBlob)
	}); err != nil {
		return false, err
	}
	artifactBytesGauge.WithLabelValues("body").Set(float64(len(bodyBlob)))

	if err := withRetryBudget(ctx, s.cfg.ProviderRetryBudget, func() error {
		return s.blocks.PutCanonicalChainSegment(ctx, seg)
	}); err != nil {
		return false, err
	}

	state, version, ok, err := coordinator.GetIngestionState(ctx, s.kv)
	if err != nil {
		return false, err
	}
	if ok {
		state.SegmentedNumber = seg.LastBlock.Number
		if _, err := coordinator.PutIngestionState(ctx, s.kv, state, version); err != nil {
			return false, err
		}
	}

	segmentsCutCounter.Inc()
	log.WithFields(logrus.Fields{
		"first": seg.FirstBlock.Number,
		"last":  seg.LastBlock.Number,
	}).Info("segment: compacted and uploaded")
	return true, nil
}

// resolveFirstBlock implements spec.md §4.4 step 1: the successor of
// IngestionState.segmented_number, or the starting cursor if no segment
// has been cut yet. ok is false when neither is available yet (ingestion
// hasn't started).
func (s *Service) resolveFirstBlock(ctx context.Context) (chain.Cursor, bool, error) {
	segmented, ok, err := s.view.GetSegmentedCursor(ctx)
	if err != nil {
		return chain.Cursor{}, false, err
	}
	if ok {
		next, err := s.view.GetNextCursor(ctx, segmented)
		if err != nil {
			return chain.Cursor{}, false, err
		}
		if next.Kind != chainview.NextCursorContinue {
			return chain.Cursor{}, false, nil
		}
		return next.Cursor, true, nil
	}

	start, ok, err := s.view.GetStartingCursor(ctx)
	if err != nil {
		return chain.Cursor{}, false, err
	}
	if !ok {
		return chain.Cursor{}, false, nil
	}
	return start, true, nil
}

// compact resolves the segSize cursors following first, downloads their
// blocks with a bounded concurrent pipeline, and feeds them in submission
// order into a fresh chain.Builder, which enforces the strictly-increasing-
// by-1 contiguity invariant for us.
func (s *Service) compact(ctx context.Context, first chain.Cursor, segSize uint64) (*chain.CanonicalSegment, []byte, []byte, error) {
	cursors := make([]chain.Cursor, segSize)
	cur := first
	for i := uint64(0); i < segSize; i++ {
		cursors[i] = cur
		if i == segSize-1 {
			break
		}
		next, err := s.view.GetNextCursor(ctx, cur)
		if err != nil {
			return nil, nil, nil, err
		}
		if next.Kind != chainview.NextCursorContinue {
			return nil, nil, nil, ErrNotEnoughBlocks
		}
		cur = next.Cursor
	}

	bufferSize := int(segSize)
	if s.cfg.MaxBufferedBlocks > 0 && s.cfg.MaxBufferedBlocks < bufferSize {
		bufferSize = s.cfg.MaxBufferedBlocks
	}
	sem := make(chan struct{}, bufferSize)

	g, gctx := errgroup.WithContext(ctx)
	infos := make([]chain.BlockInfo, segSize)
	bodies := make([]chain.BlockBody, segSize)
	for i, c := range cursors {
		i, c := i, c
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			info, body, err := s.blocks.GetBlockUncached(gctx, c)
			if err != nil {
				return errors.Wrapf(err, "segment: could not read block %s", c)
			}
			infos[i] = info
			bodies[i] = body
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, nil, err
	}

	builder := chain.NewBuilder()
	for _, info := range infos {
		if err := builder.Grow(info); err != nil {
			return nil, nil, nil, errors.Wrap(ErrNonContiguousPipeline, err.Error())
		}
	}
	if builder.SegmentSize() != int(segSize) {
		return nil, nil, nil, ErrNonContiguousPipeline
	}
	seg, err := builder.TakeSegment(int(segSize))
	if err != nil {
		return nil, nil, nil, err
	}

	headerBlob, err := encodeGob(infos)
	if err != nil {
		return nil, nil, nil, err
	}
	bodyBlob, err := encodeGob(bodies)
	if err != nil {
		return nil, nil, nil, err
	}

	return seg, headerBlob, bodyBlob, nil
}

func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, errors.Wrap(err, "segment: could not encode artifact")
	}
	return buf.Bytes(), nil
}
