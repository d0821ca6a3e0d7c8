package buffer

import (
	"github.com/HayatoShiba/ppos/common"
	"github.com/HayatoShiba/ppos/storage/disk"
)

// BufferID is index of descriptors
type BufferID int

const (
	// InvalidBufferID indicates no buffer
	InvalidBufferID BufferID = -1
	// FirstBufferID is the first buffer id
	FirstBufferID BufferID = 0
)

const (
	// BlockSize is the size of one buffer.
	// this must be equal to disk block size because block is read into buffer
	BlockSize = disk.BlockSize

	// DefaultNumBuffers is the number of buffers when not configured (NBUF in xv6: MAXOPBLOCKS*3)
	DefaultNumBuffers = 30
	// DefaultNumBuckets is the number of hash buckets when not configured
	DefaultNumBuckets = 3
)

// Disk is the disk driver which the cache reads blocks from and writes blocks to.
// both calls block until the transfer completes.
// *disk.Manager implements this.
type Disk interface {
	ReadBlock(dev common.Device, blockno common.BlockNo, data []byte) error
	WriteBlock(dev common.Device, blockno common.BlockNo, data []byte) error
}

// Cache is buffer cache exposed to file system layer
type Cache interface {
	// Read returns locked buffer with the contents of the block (bread)
	Read(dev common.Device, blockno common.BlockNo) (*Buf, error)
	// Write writes the buffer contents to disk. the buffer must be locked by the caller (bwrite)
	Write(b *Buf) error
	// Release releases the locked buffer (brelse)
	Release(b *Buf)
	// Pin prevents the buffer from being evicted (bpin)
	Pin(b *Buf)
	// Unpin undoes Pin (bunpin)
	Unpin(b *Buf)
	// Stats returns the counters
	Stats() Stats
}

// Buf is handle of buffer returned by Read().
// the handle is the owner of buffer sleep lock from Read() until Release(),
// so it must not be shared with other goroutines while locked.
type Buf struct {
	desc    *descriptor
	id      BufferID
	dev     common.Device
	blockno common.BlockNo
}

// Data returns the buffer contents
// the caller must hold the buffer (between Read() and Release())
func (b *Buf) Data() []byte {
	return b.desc.data[:]
}

// Device returns device number of the block
func (b *Buf) Device() common.Device { return b.dev }

// BlockNo returns block number
func (b *Buf) BlockNo() common.BlockNo { return b.blockno }

// ID returns the buffer id
func (b *Buf) ID() BufferID { return b.id }
