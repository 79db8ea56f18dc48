package boltstore

import (
	"testing"

	"github.com/apibara/dna/sequencer"
	"github.com/stretchr/testify/require"
)

func TestBoltStore_RegisterAndInvalidate(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	seq := sequencer.New(store)

	r, err := seq.Register("A", 0, 3)
	require.NoError(t, err)
	require.Equal(t, sequencer.SeqRange{Start: 0, End: 3}, r)

	r, err = seq.Register("A", 1, 1)
	require.NoError(t, err)
	require.Equal(t, sequencer.SeqRange{Start: 3, End: 4}, r)

	target, err := seq.Invalidate("A", 1)
	require.NoError(t, err)
	require.Equal(t, uint64(3), target)
}
