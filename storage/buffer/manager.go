/*
Buffer cache manager caches disk blocks on memory.
Caching disk blocks reduces the number of disk reads and also provides
a synchronization point for disk blocks used by multiple goroutines.

The interface for file system layer is described below
- To get a buffer for a particular disk block, call Read().
- After changing buffer data, call Write() to write it to disk.
- When done with the buffer, call Release().
- Do not use the buffer after calling Release().
- Only one goroutine at a time can use a buffer, so do not keep them longer than necessary.
- To keep the block cached across multiple Read()/Release(), call Pin() and later Unpin().

see https://github.com/mit-pdos/xv6-riscv/blob/riscv/kernel/bio.c

-----

# Buckets

Single global lock to the whole cache is bottleneck when many cpus read blocks at once.
So the buffers are partitioned into fixed number of buckets, and each bucket has its own spin lock.
Buffers [i*n, (i+1)*n) belongs to bucket i where n is NumBuffers/NumBuckets.
The home bucket of the block is blockno mod NumBuckets.

The flow of Read() is described below
1. decide the bucket: home bucket, or the bucket recorded in relocation table (see table.go)
2. acquire the bucket lock and scan the buffers in the bucket
  - if found, increment reference count and release bucket lock, then acquire sleep lock of the buffer.
  - the bucket lock must be released before acquiring sleep lock,
  - otherwise one goroutine waiting for the buffer blocks all the lookups into the bucket.
3. if not found, evict the free buffer with the oldest ticks in the bucket (ties: lowest buffer id)
4. if no buffer in the bucket is free, release the bucket lock and acquire ALL bucket locks
  - in ascending bucket order, then evict the oldest free buffer of all buckets and record it in relocation table.
  - if no buffer is free at all, the cache is too small for the workload. this is fatal.

# The list of locks

- bucket lock (spin lock):
  - this protects tag/reference count/ticks of buffers in the bucket
  - this is never held across disk io or sleep lock acquisition

- relocation table lock (spin lock):
  - this protects relocation table. acquired after bucket locks

- buffer sleep lock:
  - this protects buffer contents and valid flag. this is held across disk io

IMPORTANT: multiple bucket locks must be acquired in ascending bucket order.
This is the only thing which prevents deadlock between goroutines scanning all buckets.
*/
package buffer

import (
	"log/slog"

	"github.com/pkg/errors"
	"golang.org/x/sys/cpu"

	"github.com/HayatoShiba/ppos/common"
	"github.com/HayatoShiba/ppos/internal/fatal"
	"github.com/HayatoShiba/ppos/internal/logger"
	"github.com/HayatoShiba/ppos/storage/lock"
	"github.com/HayatoShiba/ppos/storage/tick"
)

// ErrInvalidConfig is returned when the cache geometry is invalid
var ErrInvalidConfig = errors.New("invalid buffer cache config")

// Config is configuration of buffer cache
type Config struct {
	// NumBuffers is the number of buffers. default is DefaultNumBuffers
	NumBuffers int
	// NumBuckets is the number of buckets. it must divide NumBuffers. default is DefaultNumBuckets
	NumBuckets int
	// Clock is the source of recency timestamp. default ticks on every release
	Clock tick.Clock
	// Logger is logger. default discards logs
	Logger *slog.Logger
}

// withDefaults fills zero fields with default values
func (c Config) withDefaults() Config {
	if c.NumBuffers == 0 {
		c.NumBuffers = DefaultNumBuffers
	}
	if c.NumBuckets == 0 {
		c.NumBuckets = DefaultNumBuckets
	}
	if c.Clock == nil {
		c.Clock = tick.NewAutoClock()
	}
	c.Logger = logger.OrNoop(c.Logger)
	return c
}

// validate checks the geometry
func (c Config) validate() error {
	if c.NumBuffers <= 0 || c.NumBuckets <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "buffers %d and buckets %d must be positive", c.NumBuffers, c.NumBuckets)
	}
	if c.NumBuffers%c.NumBuckets != 0 {
		return errors.Wrapf(ErrInvalidConfig, "buckets %d must divide buffers %d", c.NumBuckets, c.NumBuffers)
	}
	return nil
}

// bucket is partition of buffers
type bucket struct {
	lock lock.Spinlock
	// bucket locks are hot and acquired from different cpus
	_ cpu.CacheLinePad
}

// Manager is buffer cache partitioned into buckets
type Manager struct {
	// disk driver
	disk Disk
	// clock for recency timestamp
	clock tick.Clock
	// logger
	logger *slog.Logger
	// descriptors of each buffers
	descriptors []descriptor
	// buckets. buffers [i*perBucket, (i+1)*perBucket) belongs to buckets[i]
	buckets []bucket
	// the number of buffers in each bucket
	perBucket int
	// relocation table
	relocation relocationTable
	// counters
	stats counters
}

// NewManager initializes buffer cache
// the manager lives as long as the process, and must be passed to the users explicitly
func NewManager(d Disk, cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Manager{
		disk:        d,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		descriptors: newDescriptors(cfg.NumBuffers),
		buckets:     make([]bucket, cfg.NumBuckets),
		perBucket:   cfg.NumBuffers / cfg.NumBuckets,
	}, nil
}

// homeBucket returns the bucket decided by hash of block number
func (m *Manager) homeBucket(blockno common.BlockNo) int {
	return int(blockno) % len(m.buckets)
}

// bucketOf returns the bucket which the buffer belongs to
func (m *Manager) bucketOf(id BufferID) int {
	return int(id) / m.perBucket
}

// bucketRange returns the buffer ids of the bucket [first, last)
func (m *Manager) bucketRange(bi int) (BufferID, BufferID) {
	first := BufferID(bi * m.perBucket)
	return first, first + BufferID(m.perBucket)
}

// lockAll acquires all bucket locks in ascending order
func (m *Manager) lockAll() {
	for i := range m.buckets {
		m.buckets[i].lock.Lock()
	}
}

// unlockAll releases all bucket locks
func (m *Manager) unlockAll() {
	for i := range m.buckets {
		m.buckets[i].lock.Unlock()
	}
}

// lookupInBucket returns the buffer caching the block in the bucket
// the caller must hold the bucket lock
func (m *Manager) lookupInBucket(bi int, dev common.Device, blockno common.BlockNo) BufferID {
	first, last := m.bucketRange(bi)
	for id := first; id < last; id++ {
		if m.descriptors[id].tag.matches(dev, blockno) {
			return id
		}
	}
	return InvalidBufferID
}

// Read returns a locked buffer with the contents of the block.
// the caller has to call Release() after using the buffer.
// when disk read fails, the buffer is released and the error is returned.
func (m *Manager) Read(dev common.Device, blockno common.BlockNo) (*Buf, error) {
	b := m.get(dev, blockno)
	if err := fill(m.disk, b, &m.stats); err != nil {
		m.Release(b)
		return nil, err
	}
	return b, nil
}

// get looks through the cache for the block, and if not found, binds a buffer.
// in either case, returns locked buffer.
func (m *Manager) get(dev common.Device, blockno common.BlockNo) *Buf {
	home := m.homeBucket(blockno)
	for {
		bi := m.relocation.lookup(dev, blockno, home)
		bkt := &m.buckets[bi]
		bkt.lock.Lock()
		// the block may have been relocated before the bucket lock is acquired.
		// while holding the bucket lock, relocation of the block cannot happen.
		if m.relocation.lookup(dev, blockno, home) != bi {
			bkt.lock.Unlock()
			continue
		}

		// is the block already cached?
		if id := m.lookupInBucket(bi, dev, blockno); id != InvalidBufferID {
			m.descriptors[id].refcnt++
			bkt.lock.Unlock()
			m.stats.hits.Add(1)
			return m.acquire(id, dev, blockno)
		}

		// not cached. recycle the least recently used free buffer in the bucket
		if id := m.findVictim(bi, bi+1, -1); id != InvalidBufferID {
			m.descriptors[id].bind(dev, blockno)
			bkt.lock.Unlock()
			m.stats.misses.Add(1)
			return m.acquire(id, dev, blockno)
		}
		bkt.lock.Unlock()
		return m.getFromAllBuckets(dev, blockno, bi)
	}
}

// getFromAllBuckets binds a free buffer in any bucket to the block.
// bi is the bucket which was exhausted.
func (m *Manager) getFromAllBuckets(dev common.Device, blockno common.BlockNo, bi int) *Buf {
	m.lockAll()
	m.stats.globalScans.Add(1)

	// while no bucket lock was held, other goroutine may have bound the block
	for i := range m.buckets {
		if id := m.lookupInBucket(i, dev, blockno); id != InvalidBufferID {
			m.descriptors[id].refcnt++
			m.unlockAll()
			m.stats.hits.Add(1)
			return m.acquire(id, dev, blockno)
		}
	}
	// or buffer in the bucket may have been released
	if id := m.findVictim(bi, bi+1, -1); id != InvalidBufferID {
		m.descriptors[id].bind(dev, blockno)
		m.unlockAll()
		m.stats.misses.Add(1)
		return m.acquire(id, dev, blockno)
	}

	id := m.findVictim(0, len(m.buckets), bi)
	if id == InvalidBufferID {
		m.unlockAll()
		fatal.Fail("bget", "no buffers: all %d buffers are referenced", len(m.descriptors))
	}
	m.descriptors[id].bind(dev, blockno)
	target := m.bucketOf(id)
	m.relocation.set(dev, blockno, target)
	m.unlockAll()

	m.stats.misses.Add(1)
	m.stats.relocations.Add(1)
	m.logger.Debug("buffer relocated",
		"dev", dev, "blockno", blockno, "from", bi, "to", target, "buf", id)
	return m.acquire(id, dev, blockno)
}

// findVictim returns the free buffer with the oldest ticks in buckets [from, to) except skip.
// when ticks are equal, lower buffer id is chosen.
// the caller must hold the bucket locks.
func (m *Manager) findVictim(from, to, skip int) BufferID {
	victim := InvalidBufferID
	for bi := from; bi < to; bi++ {
		if bi == skip {
			continue
		}
		first, last := m.bucketRange(bi)
		for id := first; id < last; id++ {
			desc := &m.descriptors[id]
			if !desc.isFree() {
				continue
			}
			if victim == InvalidBufferID || desc.ticks < m.descriptors[victim].ticks {
				victim = id
			}
		}
	}
	return victim
}

// acquire returns handle of the buffer after acquiring its sleep lock
// this may block until other holder releases the buffer.
func (m *Manager) acquire(id BufferID, dev common.Device, blockno common.BlockNo) *Buf {
	b := &Buf{
		desc:    &m.descriptors[id],
		id:      id,
		dev:     dev,
		blockno: blockno,
	}
	b.desc.lock.Acquire(b)
	return b
}

// Write writes the contents of the buffer to disk.
// the caller must hold the buffer.
func (m *Manager) Write(b *Buf) error {
	return flush(m.disk, b, &m.stats)
}

// Release releases the locked buffer
// and stamps ticks which is used for choosing buffer to evict.
func (m *Manager) Release(b *Buf) {
	mustHold(b, "brelse")
	b.desc.lock.Release(b)

	bkt := &m.buckets[m.bucketOf(b.id)]
	bkt.lock.Lock()
	if b.desc.refcnt == 0 {
		bkt.lock.Unlock()
		fatal.Fail("brelse", "reference count underflow: buf %d", b.id)
	}
	b.desc.refcnt--
	b.desc.ticks = m.clock.Now()
	bkt.lock.Unlock()
}

// Pin increments reference count so that the buffer is not evicted
// the caller doesn't have to hold the buffer.
func (m *Manager) Pin(b *Buf) {
	bkt := &m.buckets[m.bucketOf(b.id)]
	bkt.lock.Lock()
	defer bkt.lock.Unlock()
	mustBound(b, "bpin")
	b.desc.refcnt++
}

// Unpin decrements reference count incremented by Pin
func (m *Manager) Unpin(b *Buf) {
	bkt := &m.buckets[m.bucketOf(b.id)]
	bkt.lock.Lock()
	defer bkt.lock.Unlock()
	mustBound(b, "bunpin")
	if b.desc.refcnt == 0 {
		fatal.Fail("bunpin", "reference count underflow: buf %d", b.id)
	}
	b.desc.refcnt--
}

// Stats returns the counters
func (m *Manager) Stats() Stats {
	return m.stats.snapshot()
}

// fill reads the block from disk when the contents is not valid
// the caller must hold the buffer
func fill(d Disk, b *Buf, c *counters) error {
	if b.desc.valid {
		return nil
	}
	if err := d.ReadBlock(b.dev, b.blockno, b.desc.data[:]); err != nil {
		return errors.Wrap(err, "disk.ReadBlock failed")
	}
	b.desc.valid = true
	c.diskReads.Add(1)
	return nil
}

// flush writes the contents to disk
func flush(d Disk, b *Buf, c *counters) error {
	mustHold(b, "bwrite")
	if err := d.WriteBlock(b.dev, b.blockno, b.desc.data[:]); err != nil {
		return errors.Wrap(err, "disk.WriteBlock failed")
	}
	c.diskWrites.Add(1)
	return nil
}

// mustHold fails when the handle doesn't hold the buffer sleep lock
func mustHold(b *Buf, op string) {
	if b == nil || b.desc == nil {
		fatal.Fail(op, "nil buffer")
	}
	if !b.desc.lock.HeldBy(b) {
		fatal.Fail(op, "buf %d (dev %d block %d) is not locked by the caller", b.id, b.dev, b.blockno)
	}
}

// mustBound fails when the buffer no longer caches the block of the handle.
// the caller must hold the lock which protects the tag.
func mustBound(b *Buf, op string) {
	if b == nil || b.desc == nil {
		fatal.Fail(op, "nil buffer")
	}
	if !b.desc.tag.matches(b.dev, b.blockno) {
		fatal.Fail(op, "buf %d no longer holds dev %d block %d", b.id, b.dev, b.blockno)
	}
}
