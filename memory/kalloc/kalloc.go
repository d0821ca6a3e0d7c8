/*
Package kalloc is physical memory allocator.
It allocates whole 4096-byte pages for user processes, kernel stacks, page-table pages and pipe buffers.

Each cpu has its own free list and lock, so allocation and free on different cpus don't contend.
Free() pushes the page to the free list of the calling cpu.
Alloc() pops from the free list of the calling cpu, and when it is empty, steals pages from other cpu:
- acquire ALL cpu locks in ascending cpu order (the same discipline as buffer cache buckets)
- choose the cpu with the most free pages (ties: lowest cpu)
- if it has only one page, take it
- otherwise split its list in half. the donor keeps the front half and the requester takes the back half.
  one page of the back half is returned and the rest goes to the requester's free list.
Stealing half of the list instead of one page makes the next steal less likely.
When no cpu has free page, Alloc() returns ErrOutOfMemory. The caller must handle it.

The managed memory is one byte slice (arena) and the free lists are linked by page index
(next[i] is the index of the page after page i), not by pointer written into the page.

see https://github.com/mit-pdos/xv6-riscv/blob/riscv/kernel/kalloc.c
*/
package kalloc

import (
	"log/slog"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/cpu"

	"github.com/HayatoShiba/ppos/common"
	"github.com/HayatoShiba/ppos/internal/fatal"
	"github.com/HayatoShiba/ppos/internal/logger"
	"github.com/HayatoShiba/ppos/storage/lock"
)

// Addr is physical address
type Addr uintptr

const (
	// PageSize is bytes per page (PGSIZE)
	PageSize = 4096

	// DefaultBase is the first address of the managed memory (KERNBASE)
	DefaultBase Addr = 0x80000000
	// DefaultNumCPU is the number of cpus (NCPU)
	DefaultNumCPU = 8
	// DefaultNumPages is the number of pages
	DefaultNumPages = 1024

	// freedJunk fills freed page to catch dangling refs
	freedJunk byte = 1
	// allocatedJunk fills allocated page to catch use of uninitialized memory
	allocatedJunk byte = 5
)

// nilPage terminates free list
const nilPage int32 = -1

// ErrOutOfMemory is returned when no cpu has free page
var ErrOutOfMemory = errors.New("out of memory")

// ErrInvalidConfig is returned when the config is invalid
var ErrInvalidConfig = errors.New("invalid allocator config")

// Config is configuration of the allocator
type Config struct {
	// NumCPU is the number of cpus. default is DefaultNumCPU
	NumCPU int
	// NumPages is the number of managed pages. default is DefaultNumPages
	NumPages int
	// Base is the first address. it must be page aligned. default is DefaultBase
	Base Addr
	// Junk fills pages with junk on alloc/free
	Junk bool
	// Logger is logger. default discards logs
	Logger *slog.Logger
}

// withDefaults fills zero fields with default values
func (c Config) withDefaults() Config {
	if c.NumCPU == 0 {
		c.NumCPU = DefaultNumCPU
	}
	if c.NumPages == 0 {
		c.NumPages = DefaultNumPages
	}
	if c.Base == 0 {
		c.Base = DefaultBase
	}
	c.Logger = logger.OrNoop(c.Logger)
	return c
}

// validate checks the config
func (c Config) validate() error {
	if c.NumCPU <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "cpus %d must be positive", c.NumCPU)
	}
	if c.NumPages <= 0 || c.NumPages > 1<<31-1 {
		return errors.Wrapf(ErrInvalidConfig, "pages %d out of range", c.NumPages)
	}
	if c.Base%PageSize != 0 {
		return errors.Wrapf(ErrInvalidConfig, "base %#x is not page aligned", uintptr(c.Base))
	}
	if uint64(c.Base)+uint64(c.NumPages)*PageSize < uint64(c.Base) {
		return errors.Wrapf(ErrInvalidConfig, "managed range overflows")
	}
	return nil
}

// kmem is free list of one cpu
type kmem struct {
	lock lock.Spinlock
	// head is the first free page index or nilPage
	head int32
	// count is the number of pages in the list
	count int
	// each cpu touches only its own kmem on the fast path
	_ cpu.CacheLinePad
}

// Allocator is physical page allocator
type Allocator struct {
	logger *slog.Logger
	junk   bool
	// base is the first address, end is the address after the last page
	base, end Addr
	// mem is the contents of managed pages
	mem []byte
	// next links free pages. protected by the lock of the cpu whose list contains the page
	next []int32
	// free marks pages in free lists. this detects double free
	free []atomic.Bool
	// kmems is free list of each cpu
	kmems []kmem
	// counters
	stats counters
}

// New initializes the allocator.
// all pages are freed onto cpu 0 (the boot cpu) like freerange() in kinit().
func New(cfg Config) (*Allocator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	a := &Allocator{
		logger: cfg.Logger,
		junk:   cfg.Junk,
		base:   cfg.Base,
		end:    cfg.Base + Addr(cfg.NumPages)*PageSize,
		mem:    make([]byte, cfg.NumPages*PageSize),
		next:   make([]int32, cfg.NumPages),
		free:   make([]atomic.Bool, cfg.NumPages),
		kmems:  make([]kmem, cfg.NumCPU),
	}
	for i := range a.kmems {
		a.kmems[i].head = nilPage
	}
	a.freeRange(common.CPUID(0))
	// initial frees are not counted
	a.stats.reset()
	return a, nil
}

// freeRange frees all managed pages onto the cpu
func (a *Allocator) freeRange(id common.CPUID) {
	for p := a.base; p+PageSize <= a.end; p += PageSize {
		a.Free(id, p)
	}
}

// index returns page index of the address
func (a *Allocator) index(pa Addr) int32 {
	return int32((pa - a.base) / PageSize)
}

// addr returns the address of the page index
func (a *Allocator) addr(i int32) Addr {
	return a.base + Addr(i)*PageSize
}

// page returns the contents of the page index
func (a *Allocator) page(i int32) []byte {
	off := int(i) * PageSize
	return a.mem[off : off+PageSize : off+PageSize]
}

// fill fills the page with junk
func (a *Allocator) fill(i int32, junk byte) {
	if !a.junk {
		return
	}
	p := a.page(i)
	for j := range p {
		p[j] = junk
	}
}

// kmemOf returns the free list of the cpu
func (a *Allocator) kmemOf(id common.CPUID, op string) *kmem {
	if int(id) < 0 || int(id) >= len(a.kmems) {
		fatal.Fail(op, "cpu %d out of range [0, %d)", id, len(a.kmems))
	}
	return &a.kmems[id]
}

// Free frees the page at pa onto the free list of cpu id.
// pa should have been returned by Alloc() (the exception is initialization in New()).
// misaligned or out-of-range address and double free are fatal.
func (a *Allocator) Free(id common.CPUID, pa Addr) {
	if pa%PageSize != 0 || pa < a.base || pa >= a.end {
		fatal.Fail("kfree", "bad address %#x (managed [%#x, %#x))", uintptr(pa), uintptr(a.base), uintptr(a.end))
	}
	km := a.kmemOf(id, "kfree")
	i := a.index(pa)
	if !a.free[i].CompareAndSwap(false, true) {
		fatal.Fail("kfree", "double free of %#x", uintptr(pa))
	}

	a.fill(i, freedJunk)

	km.lock.Lock()
	a.next[i] = km.head
	km.head = i
	km.count++
	km.lock.Unlock()
	a.stats.frees.Add(1)
}

// Alloc allocates one page on cpu id.
// returns ErrOutOfMemory when no page is free.
func (a *Allocator) Alloc(id common.CPUID) (Addr, error) {
	km := a.kmemOf(id, "kalloc")

	km.lock.Lock()
	i := a.pop(km)
	km.lock.Unlock()

	if i == nilPage {
		i = a.steal(id)
		if i == nilPage {
			a.stats.outOfMemory.Add(1)
			a.logger.Warn("out of memory", "cpu", id)
			return 0, errors.Wrapf(ErrOutOfMemory, "cpu %d", id)
		}
	}

	a.free[i].Store(false)
	a.fill(i, allocatedJunk)
	a.stats.allocs.Add(1)
	return a.addr(i), nil
}

// pop removes the head of the free list
// the caller must hold the lock of km
func (a *Allocator) pop(km *kmem) int32 {
	i := km.head
	if i == nilPage {
		return nilPage
	}
	km.head = a.next[i]
	km.count--
	return i
}

// steal takes pages from the cpu with the most free pages and returns one of them.
// returns nilPage when no cpu has free page.
func (a *Allocator) steal(id common.CPUID) int32 {
	a.lockAll()
	defer a.unlockAll()

	km := &a.kmems[id]
	// other goroutine on this cpu may have freed pages after the lock was released
	if i := a.pop(km); i != nilPage {
		return i
	}

	donor := -1
	most := 0
	for j := range a.kmems {
		if a.kmems[j].count > most {
			most = a.kmems[j].count
			donor = j
		}
	}
	if donor == -1 {
		return nilPage
	}
	dk := &a.kmems[donor]

	if most == 1 {
		i := dk.head
		dk.head = nilPage
		dk.count = 0
		a.logSteal(id, donor, 1)
		return i
	}

	// walk to the last page of the front half. the donor keeps most/2 pages
	s := dk.head
	for n := 1; n < most/2; n++ {
		s = a.next[s]
		if s == nilPage {
			fatal.Fail("kalloc", "free list of cpu %d is shorter than its count %d", donor, most)
		}
	}
	i := a.next[s]
	a.next[s] = nilPage
	dk.count = most / 2

	km.head = a.next[i]
	km.count = most - most/2 - 1
	a.logSteal(id, donor, most-most/2)
	return i
}

// logSteal records stealing
func (a *Allocator) logSteal(id common.CPUID, donor int, pages int) {
	a.stats.steals.Add(1)
	a.stats.stolenPages.Add(uint64(pages))
	a.logger.Debug("pages stolen", "cpu", id, "donor", donor, "pages", pages)
}

// lockAll acquires all cpu locks in ascending cpu order
func (a *Allocator) lockAll() {
	for i := range a.kmems {
		a.kmems[i].lock.Lock()
	}
}

// unlockAll releases all cpu locks
func (a *Allocator) unlockAll() {
	for i := range a.kmems {
		a.kmems[i].lock.Unlock()
	}
}

// Page returns the contents of the allocated page at pa.
// misaligned or out-of-range address is fatal.
func (a *Allocator) Page(pa Addr) []byte {
	if pa%PageSize != 0 || pa < a.base || pa >= a.end {
		fatal.Fail("page", "bad address %#x", uintptr(pa))
	}
	return a.page(a.index(pa))
}

// Range returns the managed range [base, end)
func (a *Allocator) Range() (Addr, Addr) {
	return a.base, a.end
}

// NumCPU returns the number of cpus
func (a *Allocator) NumCPU() int {
	return len(a.kmems)
}
