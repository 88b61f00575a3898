package physical

import (
	"iter"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

type Range struct {
	// Start is the first block of the range.
	Start uint64
	// Blocks is the number of blocks in the range.
	Blocks uint64
}

func (r Range) End() uint64 {
	return r.Start + r.Blocks
}

// dirtyTracker remembers which blocks were written since the last sync.
type dirtyTracker struct {
	mu sync.Mutex
	b  *bitset.BitSet
}

func newDirtyTracker() *dirtyTracker {
	return &dirtyTracker{
		// The bitset resizes automatically based on the maximum set bit.
		b: bitset.New(0),
	}
}

func (t *dirtyTracker) Mark(start, blocks uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := start; i < start+blocks; i++ {
		t.b.Set(uint(i))
	}
}

func (t *dirtyTracker) Count() uint {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.b.Count()
}

// Take returns the dirty blocks and resets the tracker.
func (t *dirtyTracker) Take() *bitset.BitSet {
	t.mu.Lock()
	defer t.mu.Unlock()

	taken := t.b
	t.b = bitset.New(0)

	return taken
}

// Restore merges blocks back, used when a sync fails.
func (t *dirtyTracker) Restore(b *bitset.BitSet) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.b.InPlaceUnion(b)
}

// bitsetRanges returns a sequence of the ranges of the set bits of the bitset.
func bitsetRanges(b *bitset.BitSet) iter.Seq[Range] {
	return func(yield func(Range) bool) {
		start, ok := b.NextSet(0)

		for ok {
			end, endOk := b.NextClear(start)
			if !endOk {
				yield(Range{Start: uint64(start), Blocks: uint64(b.Len() - start)})

				return
			}

			if !yield(Range{Start: uint64(start), Blocks: uint64(end - start)}) {
				return
			}

			start, ok = b.NextSet(end + 1)
		}
	}
}
