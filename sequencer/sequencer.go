// Package sequencer implements the persistent (stream_id, input_seq) ->
// output_seq_range mapping described by the design: every input message,
// identified by a per-source sequence number, is assigned a contiguous
// range on a single monotonic output axis, and a tail of the stream can be
// invalidated (and later replayed) consistently after a reorg.
//
// The algorithm below is ported from original_source/node/src/sequencer.rs
// verbatim in control flow; only the storage backend differs (Store/Tx here
// instead of an mdbx environment).
package sequencer

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "sequencer")

// StreamID identifies one input source multiplexed onto the shared output
// axis.
type StreamID string

// SeqRange is a half-open output range [Start, End).
type SeqRange struct {
	Start uint64
	End   uint64
}

// Len reports how many outputs this range covers.
func (r SeqRange) Len() uint64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

var (
	// ErrInputSequenceNotFound is returned when invalidate targets a
	// (stream, input_seq) pair that isn't tracked.
	ErrInputSequenceNotFound = errors.New("sequencer: input sequence not found")
)

// ErrInvalidInputSequence is returned by Register when the supplied
// input_seq does not immediately follow the stream's last registered
// input_seq.
type ErrInvalidInputSequence struct {
	Expected uint64
	Actual   uint64
}

func (e *ErrInvalidInputSequence) Error() string {
	return errors.Errorf("sequencer: invalid input sequence: expected %d, got %d", e.Expected, e.Actual).Error()
}

// Sequencer assigns output ranges to registered inputs and supports
// cascading invalidation. All mutating operations run inside a single Store
// transaction, so a crash mid-operation leaves either the pre- or
// post-state, never a torn one.
type Sequencer struct {
	store Store
}

// New returns a Sequencer backed by store.
func New(store Store) *Sequencer {
	return &Sequencer{store: store}
}

// Register records that (streamID, inputSeq) produced n outputs, and
// returns the output range assigned to it.
func (s *Sequencer) Register(streamID StreamID, inputSeq uint64, n uint64) (SeqRange, error) {
	var out SeqRange
	err := s.store.Update(func(tx Tx) error {
		last, ok, err := tx.GetStreamState(streamID)
		if err != nil {
			return err
		}
		if ok && inputSeq != last+1 {
			return &ErrInvalidInputSequence{Expected: last + 1, Actual: inputSeq}
		}
		if !ok && inputSeq != 0 {
			return &ErrInvalidInputSequence{Expected: 0, Actual: inputSeq}
		}

		start, err := maxOutEnd(tx)
		if err != nil {
			return err
		}
		out = SeqRange{Start: start, End: start + n}

		if err := tx.PutSeqMap(streamID, inputSeq, out); err != nil {
			return err
		}
		return tx.PutStreamState(streamID, inputSeq)
	})
	return out, err
}

// Invalidate removes all effects of (streamID, inputSeq) and every later
// input on any stream that was sequenced after it on the output axis. It
// returns the first output sequence number that no longer exists.
func (s *Sequencer) Invalidate(streamID StreamID, inputSeq uint64) (uint64, error) {
	var target uint64
	err := s.store.Update(func(tx Tx) error {
		targetRange, ok, err := tx.GetSeqMap(streamID, inputSeq)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInputSequenceNotFound
		}
		target = targetRange.Start

		streamIDs, err := tx.ListStreamIDs()
		if err != nil {
			return err
		}
		for _, sid := range streamIDs {
			last, ok, err := tx.GetStreamState(sid)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			newLast, hasSurvivor := int64(-1), false
			for seq := int64(last); seq >= 0; seq-- {
				r, ok, err := tx.GetSeqMap(sid, uint64(seq))
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				// Compare against out_end, not out_start: an empty row
				// (out_start == out_end) sitting immediately before the
				// invalidation point is preserved.
				if r.End > target {
					if err := tx.DeleteSeqMap(sid, uint64(seq)); err != nil {
						return err
					}
					continue
				}
				newLast = int64(seq)
				hasSurvivor = true
				break
			}
			if hasSurvivor {
				if err := tx.PutStreamState(sid, uint64(newLast)); err != nil {
					return err
				}
			} else {
				if err := tx.DeleteStreamState(sid); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return target, err
}

// NextOutputSequenceStart returns the start sequence of the next output
// message (the maximum out_end across all rows, 0 if empty).
func (s *Sequencer) NextOutputSequenceStart() (uint64, error) {
	var out uint64
	err := s.store.View(func(tx Tx) error {
		v, err := maxOutEnd(tx)
		out = v
		return err
	})
	return out, err
}

// InputSequence returns the latest registered input_seq for streamID, and
// whether the stream has any registered input at all.
func (s *Sequencer) InputSequence(streamID StreamID) (uint64, bool, error) {
	var (
		last uint64
		ok   bool
	)
	err := s.store.View(func(tx Tx) error {
		var err error
		last, ok, err = tx.GetStreamState(streamID)
		return err
	})
	return last, ok, err
}

// maxOutEnd finds the current output sequence by checking only the last
// item for each stream, since each stream's rows are contiguous and
// increasing.
func maxOutEnd(tx Tx) (uint64, error) {
	streamIDs, err := tx.ListStreamIDs()
	if err != nil {
		return 0, err
	}
	var max uint64
	for _, sid := range streamIDs {
		last, ok, err := tx.GetStreamState(sid)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		r, ok, err := tx.GetSeqMap(sid, last)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		if r.End > max {
			max = r.End
		}
	}
	return max, nil
}
