/*
This is relocation table.

The bucket of the block is decided with hash of block number (home bucket).
When no buffer in home bucket can be evicted, the block is bound to the buffer in another bucket
and the table records the bucket so that the next lookup goes to the bucket directly instead of scanning all buckets.

The entry is never removed. When the block is relocated again, the entry is updated.
The entry of the block is updated only while all bucket locks are held,
so while holding any bucket lock, the result of lookup for the block doesn't change.
Lock order: bucket lock -> relocation table lock.

Relocation happens only when the bucket is exhausted, so linear scan is enough.
*/
package buffer

import (
	"github.com/HayatoShiba/ppos/common"
	"github.com/HayatoShiba/ppos/storage/lock"
)

// relocation is entry of relocation table
type relocation struct {
	dev     common.Device
	blockno common.BlockNo
	bucket  int
}

// relocationTable maps block to the bucket other than home bucket
type relocationTable struct {
	entries []relocation
	lock    lock.Spinlock
}

// lookup returns the bucket of the block. if not relocated, returns home
func (rt *relocationTable) lookup(dev common.Device, blockno common.BlockNo, home int) int {
	rt.lock.Lock()
	defer rt.lock.Unlock()
	for _, e := range rt.entries {
		if e.dev == dev && e.blockno == blockno {
			return e.bucket
		}
	}
	return home
}

// set records the bucket of the block
// the caller must hold all bucket locks
func (rt *relocationTable) set(dev common.Device, blockno common.BlockNo, bucket int) {
	rt.lock.Lock()
	defer rt.lock.Unlock()
	for i := range rt.entries {
		if rt.entries[i].dev == dev && rt.entries[i].blockno == blockno {
			rt.entries[i].bucket = bucket
			return
		}
	}
	rt.entries = append(rt.entries, relocation{dev: dev, blockno: blockno, bucket: bucket})
}

// len returns the number of entries
func (rt *relocationTable) len() int {
	rt.lock.Lock()
	defer rt.lock.Unlock()
	return len(rt.entries)
}
