// Package boltstore is the durable sequencer.Store backend, modeled on
// beacon-chain/db/kv's use of BoltDB as the persistent key-value store: one
// bucket per table, a single *bolt.DB handle, buckets created up front.
package boltstore

import (
	"encoding/binary"
	"os"
	"path"
	"time"

	"github.com/apibara/dna/sequencer"
	bolt "github.com/boltdb/bolt"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	prombolt "github.com/prysmaticlabs/prombbolt"
)

const databaseFileName = "sequencer.db"

var (
	streamStateBucket = []byte("stream_state")
	seqMapBucket      = []byte("seq_map")
)

// Store is a sequencer.Store backed by a BoltDB file.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the sequencer database at dirPath.
func Open(dirPath string) (*Store, error) {
	if err := os.MkdirAll(dirPath, 0o700); err != nil {
		return nil, errors.Wrap(err, "boltstore: could not create data directory")
	}
	datafile := path.Join(dirPath, databaseFileName)
	db, err := bolt.Open(datafile, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		if err == bolt.ErrTimeout {
			return nil, errors.New("boltstore: cannot obtain database lock, in use by another process")
		}
		return nil, errors.Wrap(err, "boltstore: could not open database")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(streamStateBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(seqMapBucket)
		return err
	}); err != nil {
		return nil, errors.Wrap(err, "boltstore: could not create buckets")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Collector returns a prometheus.Collector reporting this store's BoltDB
// stats (page counts, free list size, transaction durations), grounded on
// validator/db/kv's own createBoltCollector.
func (s *Store) Collector() prometheus.Collector {
	return prombolt.New("sequencer", s.db)
}

func (s *Store) Update(fn func(sequencer.Tx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (s *Store) View(fn func(sequencer.Tx) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) GetStreamState(streamID sequencer.StreamID) (uint64, bool, error) {
	v := t.tx.Bucket(streamStateBucket).Get([]byte(streamID))
	if v == nil {
		return 0, false, nil
	}
	return binary.BigEndian.Uint64(v), true, nil
}

func (t *boltTx) PutStreamState(streamID sequencer.StreamID, lastInputSeq uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, lastInputSeq)
	return t.tx.Bucket(streamStateBucket).Put([]byte(streamID), buf)
}

func (t *boltTx) DeleteStreamState(streamID sequencer.StreamID) error {
	return t.tx.Bucket(streamStateBucket).Delete([]byte(streamID))
}

func (t *boltTx) ListStreamIDs() ([]sequencer.StreamID, error) {
	var ids []sequencer.StreamID
	c := t.tx.Bucket(streamStateBucket).Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		ids = append(ids, sequencer.StreamID(append([]byte(nil), k...)))
	}
	return ids, nil
}

func (t *boltTx) GetSeqMap(streamID sequencer.StreamID, inputSeq uint64) (sequencer.SeqRange, bool, error) {
	v := t.tx.Bucket(seqMapBucket).Get(seqMapKey(streamID, inputSeq))
	if v == nil {
		return sequencer.SeqRange{}, false, nil
	}
	return sequencer.SeqRange{
		Start: binary.BigEndian.Uint64(v[0:8]),
		End:   binary.BigEndian.Uint64(v[8:16]),
	}, true, nil
}

func (t *boltTx) PutSeqMap(streamID sequencer.StreamID, inputSeq uint64, r sequencer.SeqRange) error {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], r.Start)
	binary.BigEndian.PutUint64(buf[8:16], r.End)
	return t.tx.Bucket(seqMapBucket).Put(seqMapKey(streamID, inputSeq), buf)
}

func (t *boltTx) DeleteSeqMap(streamID sequencer.StreamID, inputSeq uint64) error {
	return t.tx.Bucket(seqMapBucket).Delete(seqMapKey(streamID, inputSeq))
}

func seqMapKey(streamID sequencer.StreamID, inputSeq uint64) []byte {
	key := make([]byte, len(streamID)+1+8)
	n := copy(key, streamID)
	key[n] = 0 // separator: stream ids never contain a NUL byte
	binary.BigEndian.PutUint64(key[n+1:], inputSeq)
	return key
}
