package stream

import "github.com/apibara/dna/chain"

// HeaderPolicy controls whether a block that produced no matching
// fragment data still yields a header-only message.
type HeaderPolicy int

const (
	// HeaderAlways emits a message for every block, matched or not.
	HeaderAlways HeaderPolicy = iota
	// HeaderOnData emits a message only for blocks with at least one
	// matching fragment.
	HeaderOnData
	// HeaderOnDataOrOnNewBlock emits a message on a fragment match or
	// simply because a new block was produced, which in this single-block-
	// per-tick model is every block — equivalent to HeaderAlways here, kept
	// as its own value so callers can express intent.
	HeaderOnDataOrOnNewBlock
)

// maxFragmentFilters is the server-side cap from spec.md §4.5: more than
// five filters in a single stream is rejected.
const maxFragmentFilters = 5

// Condition matches one indexed key within a fragment's IndexEntry.
type Condition struct {
	IndexID uint32
	Key     chain.ScalarValue
}

// Filter selects fragments of a given FragmentID whose index entry
// satisfies every Condition (conjunction). A Filter with no conditions
// matches every fragment of its FragmentID.
type Filter struct {
	FilterID   uint32
	FragmentID uint32
	Conditions []Condition
}

// canProduceData reports whether this filter is capable of ever matching
// anything, i.e. it names at least one condition to test fragments
// against.
func (f Filter) canProduceData() bool {
	return len(f.Conditions) > 0
}

func (f Filter) matches(entry chain.IndexEntry) bool {
	if entry.FragmentID != f.FragmentID {
		return false
	}
	for _, cond := range f.Conditions {
		key, ok := entry.Keys[cond.IndexID]
		if !ok || !key.Equal(cond.Key) {
			return false
		}
	}
	return true
}

// BlockFilter is the compiled per-stream filter: a header emission policy
// plus the set of fragment filters to evaluate against each block.
type BlockFilter struct {
	HeaderPolicy    HeaderPolicy
	FragmentFilters []Filter
}

// CompileBlockFilter validates and compiles a BlockFilter. It enforces the
// 1..5 filter count rule and requires at least one filter capable of
// producing data, both as InvalidArgument per spec.md §4.5.
func CompileBlockFilter(policy HeaderPolicy, filters []Filter) (*BlockFilter, error) {
	if len(filters) == 0 {
		return nil, newInvalidArgument("at least one fragment filter is required")
	}
	if len(filters) > maxFragmentFilters {
		return nil, newInvalidArgument("at most 5 fragment filters are allowed per stream")
	}
	canProduce := false
	for _, f := range filters {
		if f.canProduceData() {
			canProduce = true
			break
		}
	}
	if !canProduce {
		return nil, newInvalidArgument("at least one fragment filter must be capable of producing data")
	}
	return &BlockFilter{HeaderPolicy: policy, FragmentFilters: filters}, nil
}

// matchFragments returns the payload of every fragment in body that
// satisfies some filter in f.
func (f *BlockFilter) matchFragments(body chain.BlockBody) [][]byte {
	var matched [][]byte
	for i, entry := range body.Index {
		for _, filt := range f.FragmentFilters {
			if filt.matches(entry) {
				matched = append(matched, body.Body[i])
				break
			}
		}
	}
	return matched
}

// shouldEmit reports whether a block with the given matched-fragment count
// should produce a message at all, per HeaderPolicy.
func (f *BlockFilter) shouldEmit(matchedCount int) bool {
	switch f.HeaderPolicy {
	case HeaderOnData:
		return matchedCount > 0
	default:
		return true
	}
}
