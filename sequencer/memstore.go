package sequencer

import "sync"

// MemStore is an in-memory Store used in tests and for local development; it
// is not durable. Production deployments should use boltstore.Open instead.
type MemStore struct {
	mu      sync.Mutex
	streams map[StreamID]uint64
	seqMap  map[StreamID]map[uint64]SeqRange
}

// NewMemStore returns an empty in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{
		streams: make(map[StreamID]uint64),
		seqMap:  make(map[StreamID]map[uint64]SeqRange),
	}
}

func (m *MemStore) Update(fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshotStreams := cloneStreams(m.streams)
	snapshotSeq := cloneSeqMap(m.seqMap)
	tx := &memTx{s: m}
	if err := fn(tx); err != nil {
		m.streams = snapshotStreams
		m.seqMap = snapshotSeq
		return err
	}
	return nil
}

func (m *MemStore) View(fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memTx{s: m})
}

func cloneStreams(in map[StreamID]uint64) map[StreamID]uint64 {
	out := make(map[StreamID]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneSeqMap(in map[StreamID]map[uint64]SeqRange) map[StreamID]map[uint64]SeqRange {
	out := make(map[StreamID]map[uint64]SeqRange, len(in))
	for sid, rows := range in {
		inner := make(map[uint64]SeqRange, len(rows))
		for seq, r := range rows {
			inner[seq] = r
		}
		out[sid] = inner
	}
	return out
}

type memTx struct {
	s *MemStore
}

func (t *memTx) GetStreamState(streamID StreamID) (uint64, bool, error) {
	v, ok := t.s.streams[streamID]
	return v, ok, nil
}

func (t *memTx) PutStreamState(streamID StreamID, lastInputSeq uint64) error {
	t.s.streams[streamID] = lastInputSeq
	return nil
}

func (t *memTx) DeleteStreamState(streamID StreamID) error {
	delete(t.s.streams, streamID)
	return nil
}

func (t *memTx) ListStreamIDs() ([]StreamID, error) {
	ids := make([]StreamID, 0, len(t.s.streams))
	for sid := range t.s.streams {
		ids = append(ids, sid)
	}
	return ids, nil
}

func (t *memTx) GetSeqMap(streamID StreamID, inputSeq uint64) (SeqRange, bool, error) {
	rows, ok := t.s.seqMap[streamID]
	if !ok {
		return SeqRange{}, false, nil
	}
	r, ok := rows[inputSeq]
	return r, ok, nil
}

func (t *memTx) PutSeqMap(streamID StreamID, inputSeq uint64, r SeqRange) error {
	rows, ok := t.s.seqMap[streamID]
	if !ok {
		rows = make(map[uint64]SeqRange)
		t.s.seqMap[streamID] = rows
	}
	rows[inputSeq] = r
	return nil
}

func (t *memTx) DeleteSeqMap(streamID StreamID, inputSeq uint64) error {
	if rows, ok := t.s.seqMap[streamID]; ok {
		delete(rows, inputSeq)
	}
	return nil
}
