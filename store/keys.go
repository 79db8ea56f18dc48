package store

import "fmt"

// Key layout, matching spec.md §6 ("Object store layout").

// BlockKey is the per-block artifact key: serialized BlockBody plus its
// BlockInfo header.
func BlockKey(number uint64, hash []byte) string {
	return fmt.Sprintf("block/%d/%x", number, hash)
}

// BlockPrefix returns the prefix shared by every block artifact at number,
// used to discover the artifact's hash via List when only the number is
// known.
func BlockPrefix(number uint64) string {
	return fmt.Sprintf("block/%d/", number)
}

// SegmentArtifactKey is one named artifact (e.g. a column) belonging to the
// immutable segment starting at firstBlock.
func SegmentArtifactKey(firstBlock uint64, name string) string {
	return fmt.Sprintf("segment/%d/%s", firstBlock, name)
}

// SegmentArtifactPrefix returns the prefix shared by every artifact of the
// segment starting at firstBlock.
func SegmentArtifactPrefix(firstBlock uint64) string {
	return fmt.Sprintf("segment/%d/", firstBlock)
}

// RecentChainKey is the mutable recent-segment snapshot key.
const RecentChainKey = "chain/recent"

// CanonicalChainSegmentKey is the immutable canonical-chain segment key
// covering [firstBlock, lastBlock].
func CanonicalChainSegmentKey(firstBlock, lastBlock uint64) string {
	return fmt.Sprintf("chain/%d-%d", firstBlock, lastBlock)
}

// canonicalChainSegmentPrefix is shared by every CanonicalChainSegmentKey,
// used to list cut segments when only a block number, not its bounds, is
// known.
const canonicalChainSegmentPrefix = "chain/"

// parseCanonicalChainSegmentKey extracts the bounds back out of a key
// produced by CanonicalChainSegmentKey, rejecting RecentChainKey (which
// shares the "chain/" prefix but isn't a cut-segment key).
func parseCanonicalChainSegmentKey(key string) (first, last uint64, ok bool) {
	if key == RecentChainKey {
		return 0, 0, false
	}
	n, err := fmt.Sscanf(key, "chain/%d-%d", &first, &last)
	if err != nil || n != 2 {
		return 0, 0, false
	}
	return first, last, true
}
