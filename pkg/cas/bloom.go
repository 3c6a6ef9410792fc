package cas

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// BlockFilter is a thread-safe bloom filter over block hashes. The
// dedup pipeline consults it before the metadata lookup so that brand
// new blocks skip a database round trip. False positives only cost an
// extra query; there are no false negatives.
type BlockFilter struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
}

// NewBlockFilter sizes a filter for the expected number of distinct
// blocks at the given false positive rate.
func NewBlockFilter(expected uint, fpRate float64) *BlockFilter {
	return &BlockFilter{filter: bloom.NewWithEstimates(expected, fpRate)}
}

// Add records a block hash.
func (f *BlockFilter) Add(hash string) {
	f.mu.Lock()
	f.filter.AddString(hash)
	f.mu.Unlock()
}

// MayContain reports whether the hash might have been added.
func (f *BlockFilter) MayContain(hash string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.filter.TestString(hash)
}

// Reset clears the filter. Used after garbage collection so deleted
// hashes stop short-circuiting lookups forever.
func (f *BlockFilter) Reset() {
	f.mu.Lock()
	f.filter.ClearAll()
	f.mu.Unlock()
}
