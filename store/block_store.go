package store

import (
	"bytes"
	"context"
	"encoding/gob"

	"github.com/apibara/dna/chain"
	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "store")

// blockCacheSize mirrors beacon-chain/db/kv's BlockCacheSize sizing
// rationale: a few thousand slots' worth of headers is cheap to keep hot.
const blockCacheSize = 1 << 21

// blockRecord is the on-disk framing for a per-block artifact: the
// on-disk format itself is an implementer's choice (spec.md Non-goals), so
// this uses encoding/gob rather than a bespoke columnar layout.
type blockRecord struct {
	Info chain.BlockInfo
	Body chain.BlockBody
}

// BlockStore reads and writes per-block and per-segment artifacts through
// an ObjectStore, with a small read cache for hot block lookups — grounded
// on beacon-chain/db/kv.go's ristretto-backed block cache.
type BlockStore struct {
	objects ObjectStore
	cache   *ristretto.Cache
}

// NewBlockStore returns a BlockStore backed by objects.
func NewBlockStore(objects ObjectStore) (*BlockStore, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10000,
		MaxCost:     blockCacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: could not create block cache")
	}
	return &BlockStore{objects: objects, cache: cache}, nil
}

// PutBlock writes a block's BlockInfo+BlockBody as an immutable artifact.
func (s *BlockStore) PutBlock(ctx context.Context, info chain.BlockInfo, body chain.BlockBody) error {
	if err := body.Validate(); err != nil {
		return err
	}
	data, err := encodeBlockRecord(info, body)
	if err != nil {
		return err
	}
	key := BlockKey(info.Cursor.Number, info.Cursor.Hash)
	if _, err := s.objects.PutIfAbsent(ctx, key, data); err != nil {
		return errors.Wrapf(err, "store: could not write block %s", info.Cursor)
	}
	s.cache.Set(key, blockRecord{Info: info, Body: body}, int64(len(data)))
	return nil
}

// GetBlock reads a block by its exact cursor.
func (s *BlockStore) GetBlock(ctx context.Context, cursor chain.Cursor) (chain.BlockInfo, chain.BlockBody, error) {
	key := BlockKey(cursor.Number, cursor.Hash)
	if v, ok := s.cache.Get(key); ok {
		rec := v.(blockRecord)
		return rec.Info, rec.Body, nil
	}
	data, _, ok, err := s.objects.Get(ctx, key)
	if err != nil {
		return chain.BlockInfo{}, chain.BlockBody{}, errors.Wrapf(err, "store: could not read block %s", cursor)
	}
	if !ok {
		return chain.BlockInfo{}, chain.BlockBody{}, errors.Errorf("store: block %s not found", cursor)
	}
	info, body, err := decodeBlockRecord(data)
	if err != nil {
		return chain.BlockInfo{}, chain.BlockBody{}, err
	}
	s.cache.Set(key, blockRecord{Info: info, Body: body}, int64(len(data)))
	return info, body, nil
}

// GetBlockByNumber discovers a block's hash via a prefix list, then reads
// the first listed key. Used when the caller only knows the number (e.g.
// ChainView resolving a number outside the recent segment, or reorg
// recovery walking back). When more than one block was stored at number,
// the ObjectStore's List order decides which one is returned.
func (s *BlockStore) GetBlockByNumber(ctx context.Context, number uint64) (chain.BlockInfo, chain.BlockBody, error) {
	keys, err := s.objects.List(ctx, BlockPrefix(number))
	if err != nil {
		return chain.BlockInfo{}, chain.BlockBody{}, errors.Wrapf(err, "store: could not list block %d", number)
	}
	if len(keys) == 0 {
		return chain.BlockInfo{}, chain.BlockBody{}, errors.Errorf("store: block %d not found", number)
	}
	data, _, ok, err := s.objects.Get(ctx, keys[0])
	if err != nil || !ok {
		return chain.BlockInfo{}, chain.BlockBody{}, errors.Wrapf(err, "store: could not read block %d", number)
	}
	return decodeBlockRecord(data)
}

// GetBlockUncached reads a block directly from the object store, skipping
// the hot-block cache entirely. Bulk sequential consumers (SegmentService
// compacting a whole segment) would otherwise thrash the cache with
// single-use entries that crowd out the recent-tip reads it's sized for.
func (s *BlockStore) GetBlockUncached(ctx context.Context, cursor chain.Cursor) (chain.BlockInfo, chain.BlockBody, error) {
	key := BlockKey(cursor.Number, cursor.Hash)
	data, _, ok, err := s.objects.Get(ctx, key)
	if err != nil {
		return chain.BlockInfo{}, chain.BlockBody{}, errors.Wrapf(err, "store: could not read block %s", cursor)
	}
	if !ok {
		return chain.BlockInfo{}, chain.BlockBody{}, errors.Errorf("store: block %s not found", cursor)
	}
	return decodeBlockRecord(data)
}

// PutRecentSegment writes the mutable recent-chain snapshot with CAS
// semantics against prevEtag, returning the new etag.
func (s *BlockStore) PutRecentSegment(ctx context.Context, seg *chain.CanonicalSegment, prevEtag string) (string, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(seg); err != nil {
		return "", errors.Wrap(err, "store: could not encode recent segment")
	}
	etag, err := s.objects.PutCAS(ctx, RecentChainKey, buf.Bytes(), prevEtag)
	if err != nil {
		return "", errors.Wrap(err, "store: could not write recent segment")
	}
	return etag, nil
}

// GetRecentSegment reads the current mutable recent-chain snapshot.
func (s *BlockStore) GetRecentSegment(ctx context.Context) (*chain.CanonicalSegment, string, bool, error) {
	data, etag, ok, err := s.objects.Get(ctx, RecentChainKey)
	if err != nil {
		return nil, "", false, errors.Wrap(err, "store: could not read recent segment")
	}
	if !ok {
		return nil, "", false, nil
	}
	var seg chain.CanonicalSegment
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&seg); err != nil {
		return nil, "", false, errors.Wrap(err, "store: could not decode recent segment")
	}
	return &seg, etag, true, nil
}

// PutSegmentArtifact writes one immutable named artifact of a segment
// (e.g. a per-column file) starting at firstBlock.
func (s *BlockStore) PutSegmentArtifact(ctx context.Context, firstBlock uint64, name string, data []byte) error {
	key := SegmentArtifactKey(firstBlock, name)
	if _, err := s.objects.PutIfAbsent(ctx, key, data); err != nil {
		return errors.Wrapf(err, "store: could not write segment artifact %s", key)
	}
	return nil
}

// GetSegmentArtifact reads one named artifact of the segment starting at
// firstBlock.
func (s *BlockStore) GetSegmentArtifact(ctx context.Context, firstBlock uint64, name string) ([]byte, error) {
	data, _, ok, err := s.objects.Get(ctx, SegmentArtifactKey(firstBlock, name))
	if err != nil {
		return nil, errors.Wrap(err, "store: could not read segment artifact")
	}
	if !ok {
		return nil, errors.Errorf("store: segment artifact %d/%s not found", firstBlock, name)
	}
	return data, nil
}

// PutCanonicalChainSegment writes the immutable chain/<first>-<last>
// cursor-list artifact for a cut segment.
func (s *BlockStore) PutCanonicalChainSegment(ctx context.Context, seg *chain.CanonicalSegment) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(seg); err != nil {
		return errors.Wrap(err, "store: could not encode canonical chain segment")
	}
	key := CanonicalChainSegmentKey(seg.FirstBlock.Number, seg.LastBlock.Number)
	if _, err := s.objects.PutIfAbsent(ctx, key, buf.Bytes()); err != nil {
		return errors.Wrapf(err, "store: could not write canonical chain segment %s", key)
	}
	return nil
}

// GetCanonicalChainSegment reads back the immutable cursor-list artifact
// for the cut segment spanning [firstBlock, lastBlock].
func (s *BlockStore) GetCanonicalChainSegment(ctx context.Context, firstBlock, lastBlock uint64) (*chain.CanonicalSegment, error) {
	key := CanonicalChainSegmentKey(firstBlock, lastBlock)
	data, _, ok, err := s.objects.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "store: could not read canonical chain segment %s", key)
	}
	if !ok {
		return nil, errors.Errorf("store: canonical chain segment %s not found", key)
	}
	var seg chain.CanonicalSegment
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&seg); err != nil {
		return nil, errors.Wrap(err, "store: could not decode canonical chain segment")
	}
	return &seg, nil
}

// FindCanonicalChainSegment locates the immutable cut segment covering
// number, if one has been cut yet, by listing the chain/<first>-<last> keys
// and parsing their bounds. Used by ChainView.isOnCanonicalChain to
// authoritatively check cursors that have aged out of the mutable recent
// segment, the same List-then-parse idiom GetBlockByNumber already uses for
// the hash-by-prefix case.
func (s *BlockStore) FindCanonicalChainSegment(ctx context.Context, number uint64) (*chain.CanonicalSegment, bool, error) {
	keys, err := s.objects.List(ctx, canonicalChainSegmentPrefix)
	if err != nil {
		return nil, false, errors.Wrap(err, "store: could not list canonical chain segments")
	}
	for _, key := range keys {
		first, last, ok := parseCanonicalChainSegmentKey(key)
		if !ok || number < first || number > last {
			continue
		}
		seg, err := s.GetCanonicalChainSegment(ctx, first, last)
		if err != nil {
			return nil, false, err
		}
		return seg, true, nil
	}
	return nil, false, nil
}

func encodeBlockRecord(info chain.BlockInfo, body chain.BlockBody) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(blockRecord{Info: info, Body: body}); err != nil {
		return nil, errors.Wrap(err, "store: could not encode block record")
	}
	return buf.Bytes(), nil
}

func decodeBlockRecord(data []byte) (chain.BlockInfo, chain.BlockBody, error) {
	var rec blockRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return chain.BlockInfo{}, chain.BlockBody{}, errors.Wrap(err, "store: could not decode block record")
	}
	return rec.Info, rec.Body, nil
}
