/*
Buffer descriptor stores metadata about each buffer.

Metadata in descriptor:

1. tag (device number, block number)
- This identifies which disk block the buffer caches.
- Tag is updated only when reference count is 0, while holding the lock which protects the descriptor
- (bucket lock in Manager, per-buffer spin lock in StackManager).
- The buffer keeps the tag after reference count drops to 0 so that the next Read() of the block hits
- until the buffer is evicted for another block.

2. reference count
- This is the number of holders: goroutines between Read() and Release() plus pins.
- If reference count is not 0, the buffer must not be evicted.

3. ticks
- This is recency timestamp stamped on Release().
- The free buffer with the oldest ticks is evicted first (LRU).

4. valid flag
- This indicates whether the contents has been read from disk.
- Tag update clears it, and the holder of sleep lock reads the block and sets it.

5. sleep lock
- This protects the contents. Only one goroutine can hold the buffer at a time.
- It is held across disk io, so it is sleep lock instead of spin lock.

see https://github.com/mit-pdos/xv6-riscv/blob/riscv/kernel/buf.h
*/
package buffer

import (
	"github.com/HayatoShiba/ppos/common"
	"github.com/HayatoShiba/ppos/storage/lock"
)

// descriptor is buffer descriptor with its contents
type descriptor struct {
	// buffer tag
	tag tag
	// reference count
	refcnt uint32
	// recency timestamp stamped on release
	ticks uint64
	// has data been read from disk? protected by sleep lock
	valid bool
	// sleep lock for the contents
	lock lock.Sleeplock
	// spin lock for tag/refcnt. used only by StackManager
	// Manager protects them with the bucket lock instead.
	kernelLock lock.Spinlock
	// contents
	data [BlockSize]byte
}

// newDescriptors initializes descriptors
// all descriptors are free and invalid at first
func newDescriptors(n int) []descriptor {
	return make([]descriptor, n)
}

// bind sets the new tag to the free descriptor and takes the first reference.
// the caller must hold the lock which protects the descriptor and reference count must be 0.
func (desc *descriptor) bind(dev common.Device, blockno common.BlockNo) {
	desc.tag = newTag(dev, blockno)
	desc.valid = false
	desc.refcnt = 1
}

// isFree checks whether the descriptor can be evicted
func (desc *descriptor) isFree() bool {
	return desc.refcnt == 0
}
