package kalloc

import "github.com/HayatoShiba/ppos/common"

// TestingNewAllocatorWithFreeLists initializes the allocator whose cpu i has counts[i] free pages.
// junk filling is enabled.
func TestingNewAllocatorWithFreeLists(counts []int) (*Allocator, error) {
	total := 0
	for _, c := range counts {
		total += c
	}
	a, err := New(Config{NumCPU: len(counts), NumPages: total, Junk: true})
	if err != nil {
		return nil, err
	}
	// take all pages from cpu 0 and distribute them
	pages := make([]Addr, 0, total)
	for i := 0; i < total; i++ {
		pa, err := a.Alloc(common.CPUID(0))
		if err != nil {
			return nil, err
		}
		pages = append(pages, pa)
	}
	for cpu, c := range counts {
		for j := 0; j < c; j++ {
			a.Free(common.CPUID(cpu), pages[0])
			pages = pages[1:]
		}
	}
	a.stats.reset()
	return a, nil
}
