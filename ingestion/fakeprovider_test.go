package ingestion

import (
	"context"
	"sync"

	"github.com/apibara/dna/chain"
	"github.com/pkg/errors"
)

// fakeProvider is a deterministic, in-memory provider.BlockIngestion test
// double: a linear hash chain keyed by block number, with the ability to
// simulate a reorg by substituting a divergent fork from some number on.
type fakeProvider struct {
	mu         sync.Mutex
	head       chain.Cursor
	finalized  chain.Cursor
	byNumber   map[uint64]chain.BlockInfo
	byHash     map[string]chain.BlockInfo
	failBefore map[uint64]int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		byNumber:   map[uint64]chain.BlockInfo{},
		byHash:     map[string]chain.BlockInfo{},
		failBefore: map[uint64]int{},
	}
}

// failNextDownloads makes IngestBlockByNumber(number, ...) return a
// transient error the first n times it's called, succeeding from then on.
func (f *fakeProvider) failNextDownloads(number uint64, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failBefore[number] = n
}

// extendLinear appends blocks [from, to] with hash == byte(number) and
// parent hash == byte(number-1), suffixed by tag to allow simulating forks.
func (f *fakeProvider) extendLinear(from, to uint64, tag byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for n := from; n <= to; n++ {
		hash := []byte{byte(n), tag}
		parentHash := []byte{byte(n - 1), tag}
		if n == 0 {
			parentHash = nil
		}
		info := chain.BlockInfo{
			Cursor:       chain.Cursor{Number: n, Hash: hash},
			ParentCursor: chain.Cursor{Number: n - 1, Hash: parentHash},
			Status:       chain.StatusAccepted,
		}
		f.byNumber[n] = info
		f.byHash[string(hash)] = info
	}
	f.head = f.byNumber[to]
}

func (f *fakeProvider) setFinalized(number uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = f.byNumber[number]
}

func (f *fakeProvider) setHead(number uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = f.byNumber[number]
}

func (f *fakeProvider) GetHead(ctx context.Context) (chain.Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeProvider) GetFinalized(ctx context.Context) (chain.Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalized, nil
}

func (f *fakeProvider) GetBlockByNumber(ctx context.Context, number uint64) (chain.BlockInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.byNumber[number]
	if !ok {
		return chain.BlockInfo{}, errors.Errorf("fakeprovider: no block %d", number)
	}
	return info, nil
}

func (f *fakeProvider) GetBlockByHash(ctx context.Context, hash []byte) (chain.BlockInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.byHash[string(hash)]
	if !ok {
		return chain.BlockInfo{}, errors.Errorf("fakeprovider: no block with hash %x", hash)
	}
	return info, nil
}

func (f *fakeProvider) IngestBlockByNumber(ctx context.Context, number uint64) (chain.BlockInfo, chain.BlockBody, error) {
	f.mu.Lock()
	if remaining := f.failBefore[number]; remaining > 0 {
		f.failBefore[number] = remaining - 1
		f.mu.Unlock()
		return chain.BlockInfo{}, chain.BlockBody{}, errors.Errorf("fakeprovider: transient failure fetching block %d", number)
	}
	f.mu.Unlock()

	info, err := f.GetBlockByNumber(ctx, number)
	if err != nil {
		return chain.BlockInfo{}, chain.BlockBody{}, err
	}
	return info, chain.BlockBody{}, nil
}
