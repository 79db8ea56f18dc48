package stream

import (
	"context"
	"testing"

	"github.com/apibara/dna/chain"
	"github.com/apibara/dna/chainview"
	"github.com/apibara/dna/coordinator"
	"github.com/apibara/dna/sequencer"
	"github.com/apibara/dna/store"
	"github.com/stretchr/testify/require"
)

const testFragmentID uint32 = 1
const testIndexID uint32 = 0

// ingestLinearBlocks writes blocks [0, n] as a parent-linked chain, each
// carrying one fragment whose index key equals its own block number, and
// publishes them as the recent segment plus the ingestion state, as if
// IngestionService had already run to completion.
func ingestLinearBlocks(t *testing.T, bs *store.BlockStore, kv *memCoordKV, n uint64) []chain.Cursor {
	t.Helper()
	ctx := context.Background()

	cursors := make([]chain.Cursor, n+1)
	for i := uint64(0); i <= n; i++ {
		cursor := chain.Cursor{Number: i, Hash: []byte{byte(i + 1)}}
		var parent chain.Cursor
		if i > 0 {
			parent = cursors[i-1]
		}
		info := chain.BlockInfo{Cursor: cursor, ParentCursor: parent, Status: chain.StatusAccepted}
		body := chain.BlockBody{
			Index: []chain.IndexEntry{{
				FragmentID: testFragmentID,
				Keys: map[uint32]chain.ScalarValue{
					testIndexID: {Bytes: []byte{byte(i)}},
				},
			}},
			Body: [][]byte{[]byte("payload")},
		}
		require.NoError(t, bs.PutBlock(ctx, info, body))
		cursors[i] = cursor
	}

	seg := &chain.CanonicalSegment{FirstBlock: cursors[0], LastBlock: cursors[n], Cursors: cursors}
	_, err := bs.PutRecentSegment(ctx, seg, "")
	require.NoError(t, err)

	_, err = coordinator.PutIngestionState(ctx, kv, coordinator.IngestionState{
		StartingBlock: cursors[0],
	}, 0)
	require.NoError(t, err)

	return cursors
}

// republishRecentSegment overwrites the published recent segment and
// IngestionState, simulating IngestionService committing a reorg.
func republishRecentSegment(t *testing.T, bs *store.BlockStore, kv *memCoordKV, cursors []chain.Cursor) {
	t.Helper()
	ctx := context.Background()

	prevEtag := ""
	if _, etag, ok, err := bs.GetRecentSegment(ctx); err == nil && ok {
		prevEtag = etag
	}
	seg := &chain.CanonicalSegment{FirstBlock: cursors[0], LastBlock: cursors[len(cursors)-1], Cursors: cursors}
	_, err := bs.PutRecentSegment(ctx, seg, prevEtag)
	require.NoError(t, err)

	state, version, ok, err := coordinator.GetIngestionState(ctx, kv)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = coordinator.PutIngestionState(ctx, kv, state, version)
	require.NoError(t, err)
}

func newTestEnv(t *testing.T) (*store.BlockStore, *memCoordKV, *chainview.ChainView) {
	t.Helper()
	bs, err := store.NewBlockStore(newMemObjectStore())
	require.NoError(t, err)
	kv := newMemCoordKV()
	view := chainview.New(bs, kv)
	return bs, kv, view
}

func matchAllFilter(t *testing.T) *BlockFilter {
	t.Helper()
	f, err := CompileBlockFilter(HeaderAlways, []Filter{{
		FragmentID: testFragmentID,
		Conditions: []Condition{{IndexID: testIndexID, Key: chain.ScalarValue{Bytes: []byte{0}}}},
	}})
	require.NoError(t, err)
	// Widen the compiled filter to match every block regardless of key, by
	// dropping the condition after validation: a filter with FragmentID set
	// and no conditions still matches every fragment of that ID (see
	// Filter.matches).
	f.FragmentFilters[0].Conditions = nil
	return f
}

func TestCompileBlockFilter_RejectsEmptyAndOversizedSets(t *testing.T) {
	_, err := CompileBlockFilter(HeaderAlways, nil)
	require.Error(t, err)
	require.True(t, IsInvalidArgument(err))

	var filters []Filter
	for i := 0; i < maxFragmentFilters+1; i++ {
		filters = append(filters, Filter{
			FragmentID: testFragmentID,
			Conditions: []Condition{{IndexID: testIndexID, Key: chain.ScalarValue{Bytes: []byte{0}}}},
		})
	}
	_, err = CompileBlockFilter(HeaderAlways, filters)
	require.Error(t, err)
	require.True(t, IsInvalidArgument(err))
}

func TestCompileBlockFilter_RejectsAllEmptyConditions(t *testing.T) {
	_, err := CompileBlockFilter(HeaderAlways, []Filter{{FragmentID: testFragmentID}})
	require.Error(t, err)
	require.True(t, IsInvalidArgument(err))
}

// Scenario 3 from the design: streaming from genesis with a match-all
// filter yields one message per block, in order, then parks at the head
// until context cancellation.
func TestService_StreamsFromGenesisThenParksAtHead(t *testing.T) {
	ctx := context.Background()
	bs, kv, view := newTestEnv(t)
	ingestLinearBlocks(t, bs, kv, 3)

	filter := matchAllFilter(t)
	svc := New("stream-1", filter, view, bs, nil, chain.Cursor{})

	for n := uint64(0); n <= 3; n++ {
		msg, err := svc.Next(ctx)
		require.NoError(t, err)
		require.False(t, msg.Reorg)
		require.Equal(t, n, msg.Cursor.Number)
		require.Len(t, msg.Fragments, 1)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err := svc.Next(cctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestService_RejectsStartingCursorAheadOfHead(t *testing.T) {
	ctx := context.Background()
	bs, kv, view := newTestEnv(t)
	ingestLinearBlocks(t, bs, kv, 2)

	filter := matchAllFilter(t)
	svc := New("stream-1", filter, view, bs, nil, chain.Cursor{Number: 99, Hash: []byte{1}})

	_, err := svc.Next(ctx)
	require.Error(t, err)
	require.True(t, IsInvalidArgument(err))
}

// Scenario 2 analogue for stream: a registered stream observes a reorg
// mid-flight, invalidates everything sequenced past the fork point, and
// resumes from the common ancestor.
func TestService_ReorgInvalidatesSequencerTailAndResumes(t *testing.T) {
	ctx := context.Background()
	bs, kv, view := newTestEnv(t)
	cursors := ingestLinearBlocks(t, bs, kv, 4)

	seq := sequencer.New(sequencer.NewMemStore())
	filter := matchAllFilter(t)
	svc := New("stream-1", filter, view, bs, seq, chain.Cursor{})

	for n := uint64(0); n <= 4; n++ {
		msg, err := svc.Next(ctx)
		require.NoError(t, err)
		require.False(t, msg.Reorg)
		require.Equal(t, n, msg.Cursor.Number)
	}

	last, ok, err := seq.InputSequence("stream-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(4), last)

	// Fork from block 3 onward: blocks 3 and 4 get new hashes, block 5 is
	// new. The chain up to block 2 is unaffected.
	forked := make([]chain.Cursor, 0, 6)
	forked = append(forked, cursors[:3]...)
	for i := uint64(3); i <= 5; i++ {
		cursor := chain.Cursor{Number: i, Hash: []byte{byte(i + 100)}}
		parent := forked[len(forked)-1]
		info := chain.BlockInfo{Cursor: cursor, ParentCursor: parent, Status: chain.StatusAccepted}
		require.NoError(t, bs.PutBlock(ctx, info, chain.BlockBody{}))
		forked = append(forked, cursor)
	}
	republishRecentSegment(t, bs, kv, forked)

	msg, err := svc.Next(ctx)
	require.NoError(t, err)
	require.True(t, msg.Reorg)
	require.Equal(t, uint64(2), msg.Cursor.Number)

	// Invalidating inputSeq=3 (block 3's registration) should have rolled
	// the stream's tracked state back to inputSeq=2.
	last, ok, err = seq.InputSequence("stream-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), last)

	msg, err = svc.Next(ctx)
	require.NoError(t, err)
	require.False(t, msg.Reorg)
	require.Equal(t, uint64(3), msg.Cursor.Number)
	require.Equal(t, byte(103), msg.Cursor.Hash[0])
}

func TestService_HeaderOnDataSkipsNonMatchingBlocks(t *testing.T) {
	ctx := context.Background()
	bs, kv, view := newTestEnv(t)
	ingestLinearBlocks(t, bs, kv, 3)

	filter, err := CompileBlockFilter(HeaderOnData, []Filter{{
		FragmentID: testFragmentID,
		Conditions: []Condition{{IndexID: testIndexID, Key: chain.ScalarValue{Bytes: []byte{2}}}},
	}})
	require.NoError(t, err)

	svc := New("stream-1", filter, view, bs, nil, chain.Cursor{})
	msg, err := svc.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), msg.Cursor.Number)
	require.Len(t, msg.Fragments, 1)
}

// TestService_ResumesFromCompactedCursorWithoutFalseReorg reproduces the
// production shape the other tests mask: after IngestionService cuts a
// segment, it republishes the recent segment as only its post-cut
// remaining tail, so a stream resuming from a cursor at or below the cut
// boundary must not be mistaken for a reorg victim.
func TestService_ResumesFromCompactedCursorWithoutFalseReorg(t *testing.T) {
	ctx := context.Background()
	bs, kv, view := newTestEnv(t)
	cursors := ingestLinearBlocks(t, bs, kv, 5)

	cut := &chain.CanonicalSegment{FirstBlock: cursors[0], LastBlock: cursors[2], Cursors: cursors[:3]}
	require.NoError(t, bs.PutCanonicalChainSegment(ctx, cut))

	tail := &chain.CanonicalSegment{FirstBlock: cursors[3], LastBlock: cursors[5], Cursors: cursors[3:]}
	_, etag, ok, err := bs.GetRecentSegment(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = bs.PutRecentSegment(ctx, tail, etag)
	require.NoError(t, err)

	state, version, ok, err := coordinator.GetIngestionState(ctx, kv)
	require.NoError(t, err)
	require.True(t, ok)
	state.SegmentedNumber = 2
	_, err = coordinator.PutIngestionState(ctx, kv, state, version)
	require.NoError(t, err)

	filter := matchAllFilter(t)
	svc := New("stream-1", filter, view, bs, nil, cursors[1])

	msg, err := svc.Next(ctx)
	require.NoError(t, err)
	require.False(t, msg.Reorg, "resuming from a compacted cursor must not be treated as a reorg")
	require.Equal(t, uint64(2), msg.Cursor.Number)
}
