package kalloc

import "sync/atomic"

// Stats is the counters of the allocator
type Stats struct {
	// Allocs is the number of successful Alloc()
	Allocs uint64
	// Frees is the number of Free() after initialization
	Frees uint64
	// Steals is the number of times pages were taken from another cpu
	Steals uint64
	// StolenPages is the number of pages moved by stealing
	StolenPages uint64
	// OutOfMemory is the number of Alloc() which returned ErrOutOfMemory
	OutOfMemory uint64
	// FreePages is the number of free pages of each cpu
	FreePages []int
}

type counters struct {
	allocs      atomic.Uint64
	frees       atomic.Uint64
	steals      atomic.Uint64
	stolenPages atomic.Uint64
	outOfMemory atomic.Uint64
}

// Stats returns the counters.
// free pages are counted under each cpu lock one by one, so the sum is not a consistent snapshot under concurrent use.
func (a *Allocator) Stats() Stats {
	st := Stats{
		Allocs:      a.stats.allocs.Load(),
		Frees:       a.stats.frees.Load(),
		Steals:      a.stats.steals.Load(),
		StolenPages: a.stats.stolenPages.Load(),
		OutOfMemory: a.stats.outOfMemory.Load(),
		FreePages:   make([]int, len(a.kmems)),
	}
	for i := range a.kmems {
		km := &a.kmems[i]
		km.lock.Lock()
		st.FreePages[i] = km.count
		km.lock.Unlock()
	}
	return st
}

// reset clears the counters
func (c *counters) reset() {
	c.allocs.Store(0)
	c.frees.Store(0)
	c.steals.Store(0)
	c.stolenPages.Store(0)
	c.outOfMemory.Store(0)
}
