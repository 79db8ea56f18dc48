// Package ingestion implements IngestionService: the state machine that
// polls a chain provider's head and finalized cursor, downloads blocks
// with bounded concurrency, grows the canonical chain builder, detects and
// recovers from reorgs, and periodically cuts and uploads immutable chain
// segments. Grounded on beacon-chain/sync/initial-sync's fetch/reassemble
// shape and beacon-chain/blockchain's fork-choice head-update loop, with
// golang.org/x/sync/errgroup standing in for the teacher's hand-rolled
// worker pool (see DESIGN.md): each download retries transiently failed
// attempts within a configured budget, and only a download that exhausts
// its budget cancels every other outstanding download in the same batch.
package ingestion

import (
	"context"

	"github.com/apibara/dna/chain"
	"github.com/apibara/dna/chainview"
	"github.com/apibara/dna/coordinator"
	"github.com/apibara/dna/params"
	"github.com/apibara/dna/provider"
	"github.com/apibara/dna/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var log = logrus.WithField("prefix", "ingestion")

// Service runs the ingestion control loop under the leader lease held by
// coord. Only one Service (the lease holder) may ever call Run concurrently
// against a given BlockStore/CoordKV pair.
type Service struct {
	provider provider.BlockIngestion
	blocks   *store.BlockStore
	kv       coordinator.CoordKV
	coord    *coordinator.Coordinator
	view     *chainview.ChainView
	cfg      *params.Config

	builder *chain.Builder

	// overrideStartingBlock, if set, is ingested in place of genesis
	// (block 0) the first time this chain is ever ingested.
	overrideStartingBlock uint64
	hasOverrideStarting   bool
}

// New returns a Service with its dependencies wired. cfg must not be nil;
// callers typically pass params.Default().
func New(
	p provider.BlockIngestion,
	blocks *store.BlockStore,
	kv coordinator.CoordKV,
	coord *coordinator.Coordinator,
	view *chainview.ChainView,
	cfg *params.Config,
) *Service {
	return &Service{
		provider: p,
		blocks:   blocks,
		kv:       kv,
		coord:    coord,
		view:     view,
		cfg:      cfg,
		builder:  chain.NewBuilder(),
	}
}

// WithOverrideStartingBlock sets the genesis substitute used the first
// time this chain is ever ingested.
func (s *Service) WithOverrideStartingBlock(number uint64) *Service {
	s.overrideStartingBlock = number
	s.hasOverrideStarting = true
	return s
}

// progress is the Ingest state's mutable working set, S in the design, plus
// the bounded download group backing the current batch of in-flight tasks.
type progress struct {
	finalized         chain.Cursor
	head              chain.Cursor
	queuedBlockNumber uint64
	recentEtag        string
	tasks             []*downloadTask

	group    *errgroup.Group
	groupCtx context.Context
}

type downloadTask struct {
	number uint64
	result chan downloadResult
}

type downloadResult struct {
	info chain.BlockInfo
	body chain.BlockBody
}

func newProgress(ctx context.Context, head, finalized chain.Cursor) *progress {
	group, groupCtx := errgroup.WithContext(ctx)
	return &progress{head: head, finalized: finalized, group: group, groupCtx: groupCtx}
}

// Run acquires the leader lease, initializes ingestion state, and runs the
// tick loop until ctx is cancelled or a fatal error occurs.
func (s *Service) Run(ctx context.Context) error {
	if err := s.coord.Acquire(ctx); err != nil {
		return errors.Wrap(err, "ingestion: could not acquire leader lease")
	}
	defer s.coord.Release(context.Background())

	p, err := s.initialize(ctx)
	if err != nil {
		if errors.Is(err, ErrOfflineReorg) {
			log.Warn("recent segment disagrees with provider at startup, entering recovery")
			p, err = s.recover(ctx)
			if err != nil {
				return err
			}
		} else {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := s.coord.Refresh(ctx); err != nil {
			return err
		}

		recoverNeeded, err := s.tick(ctx, p)
		if err != nil {
			return err
		}
		if recoverNeeded {
			p, err = s.recover(ctx)
			if err != nil {
				return err
			}
		}
	}
}

// initialize acquires head/finalized, persists finalized_number, and
// restores (or bootstraps) the recent segment and chain builder.
func (s *Service) initialize(ctx context.Context) (*progress, error) {
	head, err := s.provider.GetHead(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "ingestion: could not fetch head")
	}
	finalized, err := s.provider.GetFinalized(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "ingestion: could not fetch finalized")
	}

	state, _, ok, err := coordinator.GetIngestionState(ctx, s.kv)
	if err != nil {
		return nil, err
	}

	p := newProgress(ctx, head, finalized)

	if ok {
		seg, etag, segOK, err := s.blocks.GetRecentSegment(ctx)
		if err != nil {
			return nil, err
		}
		if segOK {
			if err := s.builder.RestoreFromSegment(seg); err != nil {
				return nil, errors.Wrap(ErrModelViolation, err.Error())
			}
			providerInfo, err := s.provider.GetBlockByNumber(ctx, seg.LastBlock.Number)
			if err != nil {
				return nil, errors.Wrap(err, "ingestion: could not verify restored tip")
			}
			if !providerInfo.Cursor.Equal(seg.LastBlock) {
				return nil, ErrOfflineReorg
			}
			p.recentEtag = etag
		}
		p.queuedBlockNumber = state.SegmentedNumber
		if tip, ok := s.builder.Tip(); ok {
			p.queuedBlockNumber = tip.Cursor.Number
		}
		s.enqueueTasks(p)
		return p, nil
	}

	startingNumber := uint64(0)
	if s.hasOverrideStarting {
		startingNumber = s.overrideStartingBlock
	}
	info, body, err := s.provider.IngestBlockByNumber(ctx, startingNumber)
	if err != nil {
		return nil, errors.Wrap(err, "ingestion: could not ingest starting block")
	}
	if err := s.blocks.PutBlock(ctx, info, body); err != nil {
		return nil, err
	}
	if err := s.builder.Grow(info); err != nil {
		return nil, errors.Wrap(ErrModelViolation, err.Error())
	}

	newState := coordinator.IngestionState{
		StartingBlock:   info.Cursor,
		FinalizedNumber: finalized.Number,
	}
	if _, err := coordinator.PutIngestionState(ctx, s.kv, newState, 0); err != nil {
		return nil, err
	}
	p.queuedBlockNumber = info.Cursor.Number
	s.enqueueTasks(p)
	return p, nil
}

// tick runs exactly one priority-ordered step of the Ingest state: a
// finalized refresh, a head refresh, or consuming the next completed
// download task, in that order of priority when more than one is ready.
// It reports whether the caller must transition to Recover.
func (s *Service) tick(ctx context.Context, p *progress) (bool, error) {
	advanced, recoverNeeded, err := s.tickFinalized(ctx, p)
	if err != nil || recoverNeeded || advanced {
		return recoverNeeded, err
	}

	advanced, recoverNeeded, err = s.tickHead(ctx, p)
	if err != nil || recoverNeeded || advanced {
		return recoverNeeded, err
	}

	if len(p.tasks) > 0 {
		return s.tickTaskQueue(ctx, p)
	}

	return false, nil
}

func (s *Service) tickFinalized(ctx context.Context, p *progress) (bool, bool, error) {
	finalized, err := s.provider.GetFinalized(ctx)
	if err != nil {
		return false, false, errors.Wrap(err, "ingestion: could not refresh finalized")
	}
	if finalized.Number < p.finalized.Number {
		return false, false, errors.Wrapf(ErrModelViolation, "finalized regressed from %d to %d", p.finalized.Number, finalized.Number)
	}
	if finalized.Equal(p.finalized) {
		return false, false, nil
	}
	p.finalized = finalized
	finalizedNumberGauge.Set(float64(finalized.Number))

	state, version, ok, err := coordinator.GetIngestionState(ctx, s.kv)
	if err != nil {
		return false, false, err
	}
	if ok {
		state.FinalizedNumber = finalized.Number
		if _, err := coordinator.PutIngestionState(ctx, s.kv, state, version); err != nil {
			return false, false, err
		}
	}
	s.view.NotifyFinalizedChanged()
	return true, false, nil
}

func (s *Service) tickHead(ctx context.Context, p *progress) (bool, bool, error) {
	head, err := s.provider.GetHead(ctx)
	if err != nil {
		return false, false, errors.Wrap(err, "ingestion: could not refresh head")
	}
	if head.Equal(p.head) {
		return false, false, nil
	}
	if head.Number <= p.head.Number {
		// Same or lower height with a different hash: the tip was reorged.
		return false, true, nil
	}

	p.head = head
	headNumberGauge.Set(float64(head.Number))
	s.enqueueTasks(p)
	return true, false, nil
}

// enqueueTasks spawns downloads for every block up to head not yet queued,
// bounded by MaxConcurrentTasks outstanding tasks. Every download runs
// inside p.group under a retry budget, so a single transient ProviderError
// doesn't cancel every other outstanding download in the batch; only an
// error surviving the full retry budget does.
func (s *Service) enqueueTasks(p *progress) {
	for p.queuedBlockNumber+1 <= p.head.Number && len(p.tasks) < s.cfg.MaxConcurrentTasks {
		number := p.queuedBlockNumber + 1
		task := &downloadTask{number: number, result: make(chan downloadResult, 1)}
		p.tasks = append(p.tasks, task)
		p.queuedBlockNumber = number

		prov, groupCtx, budget := s.provider, p.groupCtx, s.cfg.ProviderRetryBudget
		p.group.Go(func() error {
			var res downloadResult
			err := withRetryBudget(groupCtx, budget, func() error {
				info, body, err := prov.IngestBlockByNumber(groupCtx, task.number)
				if err != nil {
					return err
				}
				res = downloadResult{info: info, body: body}
				return nil
			})
			if err != nil {
				return errors.Wrapf(err, "ingestion: could not download block %d after exhausting retry budget", task.number)
			}
			task.result <- res
			return nil
		})
	}
	taskQueueDepthGauge.Set(float64(len(p.tasks)))
}

// tickTaskQueue consumes the head-of-queue task (submission order), grows
// the builder, and persists any resulting state.
func (s *Service) tickTaskQueue(ctx context.Context, p *progress) (bool, error) {
	task := p.tasks[0]

	var res downloadResult
	select {
	case res = <-task.result:
	case <-p.groupCtx.Done():
		return false, p.group.Wait()
	case <-ctx.Done():
		return false, nil
	}
	p.tasks = p.tasks[1:]
	taskQueueDepthGauge.Set(float64(len(p.tasks)))

	if !s.builder.CanGrow(res.info) {
		return true, nil
	}
	if err := withRetryBudget(ctx, s.cfg.ProviderRetryBudget, func() error {
		return s.blocks.PutBlock(ctx, res.info, res.body)
	}); err != nil {
		return false, err
	}
	if err := s.builder.Grow(res.info); err != nil {
		return false, errors.Wrap(ErrModelViolation, err.Error())
	}
	blocksIngestedCounter.Inc()

	shouldUploadRecent := res.info.Cursor.Number >= p.finalized.Number

	if s.builder.SegmentSize() == int(s.cfg.ChainSegmentSize+s.cfg.ChainSegmentUploadOffsetSize) {
		seg, err := s.builder.TakeSegment(int(s.cfg.ChainSegmentSize))
		if err != nil {
			return false, errors.Wrap(ErrModelViolation, err.Error())
		}
		if err := withRetryBudget(ctx, s.cfg.ProviderRetryBudget, func() error {
			return s.blocks.PutCanonicalChainSegment(ctx, seg)
		}); err != nil {
			return false, err
		}
		chainSegmentsCutCounter.Inc()
		shouldUploadRecent = true

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
	}

	if shouldUploadRecent {
		recent, err := s.builder.CurrentSegment()
		if err != nil {
			return false, err
		}
		var newEtag string
		if err := withRetryBudget(ctx, s.cfg.ProviderRetryBudget, func() error {
			var err error
			newEtag, err = s.blocks.PutRecentSegment(ctx, recent, p.recentEtag)
			return err
		}); err != nil {
			return false, err
		}
		p.recentEtag = newEtag

		state, version, ok, err := coordinator.GetIngestionState(ctx, s.kv)
		if err != nil {
			return false, err
		}
		if ok {
			state.IngestedEtag = newEtag
			if _, err := coordinator.PutIngestionState(ctx, s.kv, state, version); err != nil {
				return false, err
			}
		}
		s.view.NotifyHeadChanged()
	}

	s.enqueueTasks(p)
	return false, nil
}

// recover walks the chain backward by hash from the builder's in-memory
// tip until the provider's ancestor matches a stored ancestor, truncates
// the builder to that common ancestor, wakes every ChainView waiter (so
// parked stream readers re-resolve and observe NextCursorInvalid for the
// discarded tail), and re-enters Ingest.
func (s *Service) recover(ctx context.Context) (*progress, error) {
	reorgsCounter.Inc()
	log.Warn("entering recovery")

	tip, ok := s.builder.Tip()
	if !ok {
		return nil, errors.Wrap(ErrModelViolation, "recovery with empty builder")
	}

	cursor := tip.Cursor
	for {
		providerInfo, err := s.provider.GetBlockByHash(ctx, cursor.Hash)
		if err == nil && providerInfo.Cursor.Number == cursor.Number {
			break
		}
		if cursor.Number == 0 {
			return nil, errors.Wrap(ErrModelViolation, "recovery walked back past genesis without finding a common ancestor")
		}
		parent, _, err2 := s.blocks.GetBlockByNumber(ctx, cursor.Number-1)
		if err2 != nil {
			return nil, errors.Wrap(err2, "ingestion: could not read ancestor during recovery")
		}
		cursor = parent.Cursor
	}

	s.builder.TruncateAfter(cursor.Number)
	s.view.NotifyHeadChanged()

	return s.initialize(ctx)
}
