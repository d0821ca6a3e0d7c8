package kalloc

import (
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/HayatoShiba/ppos/common"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		hasErr bool
	}{
		{name: "default", cfg: Config{}},
		{name: "misaligned base", cfg: Config{Base: DefaultBase + 1}, hasErr: true},
		{name: "negative cpus", cfg: Config{NumCPU: -1}, hasErr: true},
		{name: "negative pages", cfg: Config{NumPages: -1}, hasErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(tt.cfg)
			if tt.hasErr {
				assert.True(t, errors.Is(err, ErrInvalidConfig))
				return
			}
			require.Nil(t, err)
			// all pages are on the boot cpu
			st := a.Stats()
			assert.Equal(t, DefaultNumPages, st.FreePages[0])
			assert.Equal(t, uint64(0), st.Frees)
			base, end := a.Range()
			assert.Equal(t, DefaultBase, base)
			assert.Equal(t, DefaultBase+DefaultNumPages*PageSize, end)
		})
	}
}

func TestAlloc_Steal(t *testing.T) {
	t.Run("half of the richest list is stolen", func(t *testing.T) {
		a, err := TestingNewAllocatorWithFreeLists([]int{1, 8, 1, 1})
		require.Nil(t, err)

		// local page first
		_, err = a.Alloc(common.CPUID(0))
		require.Nil(t, err)
		assert.Equal(t, []int{0, 8, 1, 1}, a.Stats().FreePages)

		// cpu 0 is empty, steals from cpu 1: cpu 0 receives 4 pages (one is returned) and cpu 1 keeps 4
		_, err = a.Alloc(common.CPUID(0))
		require.Nil(t, err)
		st := a.Stats()
		assert.Equal(t, []int{3, 4, 1, 1}, st.FreePages)
		assert.Equal(t, uint64(1), st.Steals)
		assert.Equal(t, uint64(4), st.StolenPages)
	})
	t.Run("odd number of pages", func(t *testing.T) {
		a, err := TestingNewAllocatorWithFreeLists([]int{0, 3})
		require.Nil(t, err)
		_, err = a.Alloc(common.CPUID(0))
		require.Nil(t, err)
		assert.Equal(t, []int{1, 1}, a.Stats().FreePages)
	})
	t.Run("the last page", func(t *testing.T) {
		a, err := TestingNewAllocatorWithFreeLists([]int{0, 1})
		require.Nil(t, err)
		_, err = a.Alloc(common.CPUID(0))
		require.Nil(t, err)
		assert.Equal(t, []int{0, 0}, a.Stats().FreePages)
	})
	t.Run("ties are broken by lower cpu", func(t *testing.T) {
		a, err := TestingNewAllocatorWithFreeLists([]int{0, 2, 2})
		require.Nil(t, err)
		_, err = a.Alloc(common.CPUID(0))
		require.Nil(t, err)
		assert.Equal(t, []int{0, 1, 2}, a.Stats().FreePages)
	})
}

func TestAlloc_OutOfMemory(t *testing.T) {
	a, err := New(Config{NumCPU: 2, NumPages: 1})
	require.Nil(t, err)

	pa, err := a.Alloc(common.CPUID(1))
	require.Nil(t, err)
	assert.Equal(t, DefaultBase, pa)

	_, err = a.Alloc(common.CPUID(1))
	assert.True(t, errors.Is(err, ErrOutOfMemory))
	_, err = a.Alloc(common.CPUID(0))
	assert.True(t, errors.Is(err, ErrOutOfMemory))
	assert.Equal(t, uint64(2), a.Stats().OutOfMemory)

	// recoverable: once freed, the page can be allocated again
	a.Free(common.CPUID(0), pa)
	got, err := a.Alloc(common.CPUID(1))
	assert.Nil(t, err)
	assert.Equal(t, pa, got)
}

func TestFree_RoundTrip(t *testing.T) {
	a, err := New(Config{NumCPU: 4, NumPages: 16})
	require.Nil(t, err)

	p, err := a.Alloc(common.CPUID(2))
	require.Nil(t, err)
	a.Free(common.CPUID(3), p)

	found := false
	for i := 0; i < 16; i++ {
		got, err := a.Alloc(common.CPUID(i % 4))
		require.Nil(t, err)
		if got == p {
			found = true
		}
	}
	assert.True(t, found)
	_, err = a.Alloc(common.CPUID(0))
	assert.True(t, errors.Is(err, ErrOutOfMemory))
}

func TestFree_Invalid(t *testing.T) {
	a, err := New(Config{NumCPU: 2, NumPages: 4})
	require.Nil(t, err)
	pa, err := a.Alloc(common.CPUID(0))
	require.Nil(t, err)
	base, end := a.Range()

	tests := []struct {
		name string
		cpu  common.CPUID
		pa   Addr
	}{
		{name: "misaligned", cpu: 0, pa: pa + 1},
		{name: "below managed range", cpu: 0, pa: base - PageSize},
		{name: "end of managed range", cpu: 0, pa: end},
		{name: "unknown cpu", cpu: 2, pa: pa},
		{name: "page already free", cpu: 0, pa: base},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Panics(t, func() { a.Free(tt.cpu, tt.pa) })
		})
	}
	assert.Panics(t, func() { a.Alloc(common.CPUID(-1)) })
}

func TestJunk(t *testing.T) {
	a, err := New(Config{NumCPU: 1, NumPages: 2, Junk: true})
	require.Nil(t, err)

	pa, err := a.Alloc(common.CPUID(0))
	require.Nil(t, err)
	p := a.Page(pa)
	assert.Equal(t, PageSize, len(p))
	for _, b := range p {
		require.Equal(t, allocatedJunk, b)
	}

	a.Free(common.CPUID(0), pa)
	for _, b := range p {
		require.Equal(t, freedJunk, b)
	}
}

func TestAllocator_Concurrent(t *testing.T) {
	const (
		ncpu       = 8
		npages     = 256
		iterations = 2000
	)
	a, err := New(Config{NumCPU: ncpu, NumPages: npages})
	require.Nil(t, err)

	// held[i] is true while page i is allocated by some worker
	held := make([]bool, npages)
	var mu sync.Mutex
	lockHeld := mu.Lock
	unlockHeld := mu.Unlock

	var g errgroup.Group
	for w := 0; w < ncpu; w++ {
		g.Go(func() error {
			r := rand.New(rand.NewPCG(uint64(w), 7))
			var mine []Addr
			for i := 0; i < iterations; i++ {
				if r.IntN(10) < 6 || len(mine) == 0 {
					pa, err := a.Alloc(common.CPUID(w))
					if errors.Is(err, ErrOutOfMemory) {
						continue
					}
					if err != nil {
						return err
					}
					idx := a.index(pa)
					lockHeld()
					dup := held[idx]
					held[idx] = true
					unlockHeld()
					if dup {
						return errors.Errorf("page %#x is allocated twice", uintptr(pa))
					}
					mine = append(mine, pa)
					continue
				}
				k := r.IntN(len(mine))
				pa := mine[k]
				mine = append(mine[:k], mine[k+1:]...)
				lockHeld()
				held[a.index(pa)] = false
				unlockHeld()
				// free on a random cpu
				a.Free(common.CPUID(r.IntN(ncpu)), pa)
			}
			for _, pa := range mine {
				lockHeld()
				held[a.index(pa)] = false
				unlockHeld()
				a.Free(common.CPUID(w), pa)
			}
			return nil
		})
	}
	require.Nil(t, g.Wait())

	// every page is in exactly one free list
	total := 0
	for _, c := range a.Stats().FreePages {
		total += c
	}
	assert.Equal(t, npages, total)

	seen := make(map[Addr]bool)
	for i := 0; i < npages; i++ {
		pa, err := a.Alloc(common.CPUID(0))
		require.Nil(t, err)
		assert.False(t, seen[pa])
		seen[pa] = true
	}
	assert.Equal(t, npages, len(seen))
	_, err = a.Alloc(common.CPUID(0))
	assert.True(t, errors.Is(err, ErrOutOfMemory))
}
