/*
StackManager is the buffer cache without buckets.

Each buffer has its own spin lock (kernel lock) for tag/reference count,
and free buffers are ranked in one global LRU list protected by usage lock.
This is simpler than Manager, but every miss is serialized by usage lock and
every lookup scans all buffers, so it scales worse under contention.
Don't mix StackManager and Manager on the same disk.

The flow of Read() is described below
1. scan all buffers, acquiring kernel lock of each. if found, increment reference count.
2. if not found, acquire usage lock and re-scan (other goroutine may have bound the block meanwhile).
   binding a buffer happens only while holding usage lock, so the re-scan is reliable.
3. pop the least recently used buffer from the list.
   if it has been referenced again since it was pushed, skip it. it will be pushed again on release.

Lock order: usage lock -> kernel lock. Release() never holds kernel lock while acquiring usage lock.
*/
package buffer

import (
	"log/slog"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/pkg/errors"

	"github.com/HayatoShiba/ppos/common"
	"github.com/HayatoShiba/ppos/internal/fatal"
	"github.com/HayatoShiba/ppos/storage/lock"
)

// StackManager is buffer cache with global LRU list
type StackManager struct {
	disk        Disk
	logger      *slog.Logger
	descriptors []descriptor
	// usage is free buffers ordered by recency. the oldest is evicted first
	usage *simplelru.LRU[BufferID, struct{}]
	// usageLock protects usage and serializes binding
	usageLock lock.Spinlock
	stats     counters
}

// NewStackManager initializes buffer cache with global LRU list.
// NumBuckets and Clock in cfg are ignored.
func NewStackManager(d Disk, cfg Config) (*StackManager, error) {
	cfg = cfg.withDefaults()
	if cfg.NumBuffers <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "buffers %d must be positive", cfg.NumBuffers)
	}
	usage, err := simplelru.NewLRU[BufferID, struct{}](cfg.NumBuffers, nil)
	if err != nil {
		return nil, errors.Wrap(err, "simplelru.NewLRU failed")
	}
	s := &StackManager{
		disk:        d,
		logger:      cfg.Logger,
		descriptors: newDescriptors(cfg.NumBuffers),
		usage:       usage,
	}
	// all buffers are free at first
	for id := FirstBufferID; id < BufferID(cfg.NumBuffers); id++ {
		s.usage.Add(id, struct{}{})
	}
	return s, nil
}

// Read returns a locked buffer with the contents of the block
func (s *StackManager) Read(dev common.Device, blockno common.BlockNo) (*Buf, error) {
	b := s.get(dev, blockno)
	if err := fill(s.disk, b, &s.stats); err != nil {
		s.Release(b)
		return nil, err
	}
	return b, nil
}

// lookup increments reference count of the buffer caching the block and returns it
func (s *StackManager) lookup(dev common.Device, blockno common.BlockNo) BufferID {
	for id := range s.descriptors {
		desc := &s.descriptors[id]
		desc.kernelLock.Lock()
		if desc.tag.matches(dev, blockno) {
			desc.refcnt++
			desc.kernelLock.Unlock()
			return BufferID(id)
		}
		desc.kernelLock.Unlock()
	}
	return InvalidBufferID
}

// get returns locked buffer for the block
func (s *StackManager) get(dev common.Device, blockno common.BlockNo) *Buf {
	if id := s.lookup(dev, blockno); id != InvalidBufferID {
		s.stats.hits.Add(1)
		return s.acquire(id, dev, blockno)
	}

	s.usageLock.Lock()
	if id := s.lookup(dev, blockno); id != InvalidBufferID {
		s.usageLock.Unlock()
		s.stats.hits.Add(1)
		return s.acquire(id, dev, blockno)
	}
	id := s.popFree()
	if id == InvalidBufferID {
		s.usageLock.Unlock()
		fatal.Fail("bget", "no buffers: all %d buffers are referenced", len(s.descriptors))
	}
	desc := &s.descriptors[id]
	old := desc.tag
	desc.bind(dev, blockno)
	desc.kernelLock.Unlock()
	s.usageLock.Unlock()

	s.stats.misses.Add(1)
	if old.valid {
		s.logger.Debug("buffer recycled",
			"buf", id, "old_dev", old.dev, "old_blockno", old.blockno, "dev", dev, "blockno", blockno)
	}
	return s.acquire(id, dev, blockno)
}

// popFree removes the least recently used free buffer from usage and returns it.
// IMPORTANT: the kernel lock of the returned buffer is held.
// the caller must hold usage lock.
func (s *StackManager) popFree() BufferID {
	for {
		id, _, ok := s.usage.RemoveOldest()
		if !ok {
			break
		}
		desc := &s.descriptors[id]
		desc.kernelLock.Lock()
		if desc.isFree() {
			return id
		}
		// referenced again after pushed. it will be pushed on release
		desc.kernelLock.Unlock()
	}
	// the list is empty but a buffer released just now may not be pushed yet
	for id := range s.descriptors {
		desc := &s.descriptors[id]
		desc.kernelLock.Lock()
		if desc.isFree() {
			return BufferID(id)
		}
		desc.kernelLock.Unlock()
	}
	return InvalidBufferID
}

// pushFree pushes the buffer to usage as the most recently used if it is still free
func (s *StackManager) pushFree(id BufferID) {
	s.usageLock.Lock()
	desc := &s.descriptors[id]
	desc.kernelLock.Lock()
	if desc.isFree() {
		s.usage.Add(id, struct{}{})
	}
	desc.kernelLock.Unlock()
	s.usageLock.Unlock()
}

// acquire returns handle of the buffer after acquiring its sleep lock
func (s *StackManager) acquire(id BufferID, dev common.Device, blockno common.BlockNo) *Buf {
	b := &Buf{
		desc:    &s.descriptors[id],
		id:      id,
		dev:     dev,
		blockno: blockno,
	}
	b.desc.lock.Acquire(b)
	return b
}

// Write writes the contents of the buffer to disk
func (s *StackManager) Write(b *Buf) error {
	return flush(s.disk, b, &s.stats)
}

// Release releases the locked buffer
// and moves it to the head of the most-recently-used list if it becomes free
func (s *StackManager) Release(b *Buf) {
	mustHold(b, "brelse")
	b.desc.lock.Release(b)
	s.decref(b, "brelse")
}

// Pin increments reference count so that the buffer is not evicted
func (s *StackManager) Pin(b *Buf) {
	b.desc.kernelLock.Lock()
	defer b.desc.kernelLock.Unlock()
	mustBound(b, "bpin")
	b.desc.refcnt++
}

// Unpin decrements reference count incremented by Pin
func (s *StackManager) Unpin(b *Buf) {
	s.decref(b, "bunpin")
}

// decref decrements reference count and pushes the buffer to usage when it becomes free
func (s *StackManager) decref(b *Buf, op string) {
	b.desc.kernelLock.Lock()
	if !b.desc.tag.matches(b.dev, b.blockno) || b.desc.refcnt == 0 {
		b.desc.kernelLock.Unlock()
		fatal.Fail(op, "reference count underflow: buf %d", b.id)
	}
	b.desc.refcnt--
	free := b.desc.isFree()
	b.desc.kernelLock.Unlock()
	if free {
		s.pushFree(b.id)
	}
}

// Stats returns the counters
func (s *StackManager) Stats() Stats {
	return s.stats.snapshot()
}
