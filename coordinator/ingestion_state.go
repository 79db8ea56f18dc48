package coordinator

import (
	"bytes"
	"context"
	"encoding/gob"

	"github.com/apibara/dna/chain"
	"github.com/pkg/errors"
)

// IngestionState is the small CoordKV record describing the ingestion
// service's durable progress, per spec.md §4.1/§6. It is the only record
// the leader writes outside of block/segment artifacts.
type IngestionState struct {
	StartingBlock   chain.Cursor
	FinalizedNumber uint64
	IngestedEtag    string
	SegmentedNumber uint64
}

// GetIngestionState reads the current ingestion state, along with the
// CoordKV version needed to CAS an update. ok is false if no state has
// been published yet (e.g. before the first genesis ingest).
func GetIngestionState(ctx context.Context, kv CoordKV) (IngestionState, uint64, bool, error) {
	data, version, ok, err := kv.Get(ctx, IngestionStateKey)
	if err != nil {
		return IngestionState{}, 0, false, errors.Wrap(err, "coordinator: could not read ingestion state")
	}
	if !ok {
		return IngestionState{}, 0, false, nil
	}
	var state IngestionState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
		return IngestionState{}, 0, false, errors.Wrap(err, "coordinator: could not decode ingestion state")
	}
	return state, version, true, nil
}

// PutIngestionState CAS-writes a new ingestion state, returning the new
// version. prevVersion must be the version last observed by the caller (0
// if no state exists yet), guaranteeing the single-writer invariant.
func PutIngestionState(ctx context.Context, kv CoordKV, state IngestionState, prevVersion uint64) (uint64, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return 0, errors.Wrap(err, "coordinator: could not encode ingestion state")
	}
	version, err := kv.CompareAndSwap(ctx, IngestionStateKey, buf.Bytes(), prevVersion)
	if err != nil {
		return 0, errors.Wrap(err, "coordinator: could not write ingestion state")
	}
	return version, nil
}
