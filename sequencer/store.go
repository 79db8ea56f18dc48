package sequencer

// Tx is a single read-write (or read-only, for View) transaction over the
// two persistent tables described by the data model: StreamState and
// SeqMap. Implementations must make all writes within one Tx atomic.
type Tx interface {
	// GetStreamState returns the last registered input_seq for streamID.
	GetStreamState(streamID StreamID) (lastInputSeq uint64, ok bool, err error)
	PutStreamState(streamID StreamID, lastInputSeq uint64) error
	DeleteStreamState(streamID StreamID) error
	// ListStreamIDs enumerates every stream with a StreamState row.
	ListStreamIDs() ([]StreamID, error)

	GetSeqMap(streamID StreamID, inputSeq uint64) (SeqRange, bool, error)
	PutSeqMap(streamID StreamID, inputSeq uint64, r SeqRange) error
	DeleteSeqMap(streamID StreamID, inputSeq uint64) error
}

// Store opens transactions against the sequencer's persistent tables.
// Update runs a read-write transaction; View runs a read-only one. Both
// must run the given function to completion and only then commit (on nil
// error) or roll back (on non-nil error) — never partially apply writes.
type Store interface {
	Update(func(Tx) error) error
	View(func(Tx) error) error
}
