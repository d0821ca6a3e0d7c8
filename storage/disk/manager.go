/*
Disk manager plays the role of disk driver (virtio_disk_rw in xv6).
The block cache calls ReadBlock()/WriteBlock() while holding the buffer sleep lock,
and the call blocks until the transfer completes.

Each device is backed by one storage:
- the file under the base directory (dev_<device number>), or
- byte slice on memory. this is intended to be used in test and in simulator without disk.
The block n of the device is located at the offset n * BlockSize.
Blocks which have never been written are read as zero-filled.

xv6 serializes the requests with single disk lock (vdisk_lock) and so does this manager for opening storage.
Read/write on the opened storage run in parallel because each storage is safe for concurrent ReadAt/WriteAt.
*/
package disk

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/HayatoShiba/ppos/common"
)

// BlockSize is the size of disk block (BSIZE in xv6)
const BlockSize = 1024

// ErrOutOfRange is returned when block number exceeds the device size
var ErrOutOfRange = errors.New("block number out of range")

// Manager manages disk devices
type Manager struct {
	// opener opens storage for each device
	opener opener
	// nblocks is the size of each device in blocks. 0 means unlimited
	nblocks uint32
	// mu protects opener
	mu sync.Mutex

	reads  atomic.Uint64
	writes atomic.Uint64
}

// NewManager initializes disk manager with file storage under dir
func NewManager(dir string, nblocks uint32) (*Manager, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(err, "os.MkdirAll failed")
	}
	return &Manager{
		opener:  newFileOpener(dir),
		nblocks: nblocks,
	}, nil
}

// NewMemoryManager initializes disk manager with memory storage
func NewMemoryManager(nblocks uint32) *Manager {
	return &Manager{
		opener:  newBufferOpener(),
		nblocks: nblocks,
	}
}

// open returns the storage of the device
func (m *Manager) open(dev common.Device, blockno common.BlockNo) (storage, error) {
	if m.nblocks != 0 && uint32(blockno) >= m.nblocks {
		return nil, errors.Wrapf(ErrOutOfRange, "device %d block %d (size %d)", dev, blockno, m.nblocks)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.opener.open(dev)
	if err != nil {
		return nil, errors.Wrap(err, "opener.open failed")
	}
	return st, nil
}

// ReadBlock reads the block of the device into data
// data must be BlockSize bytes
func (m *Manager) ReadBlock(dev common.Device, blockno common.BlockNo, data []byte) error {
	if len(data) != BlockSize {
		return errors.Errorf("data size must be %d but %d", BlockSize, len(data))
	}
	st, err := m.open(dev, blockno)
	if err != nil {
		return err
	}
	if err := readFull(st, data, int64(blockno)*BlockSize); err != nil {
		return errors.Wrapf(err, "read device %d block %d failed", dev, blockno)
	}
	m.reads.Add(1)
	return nil
}

// WriteBlock writes data into the block of the device
// data must be BlockSize bytes
func (m *Manager) WriteBlock(dev common.Device, blockno common.BlockNo, data []byte) error {
	if len(data) != BlockSize {
		return errors.Errorf("data size must be %d but %d", BlockSize, len(data))
	}
	st, err := m.open(dev, blockno)
	if err != nil {
		return err
	}
	if _, err := st.WriteAt(data, int64(blockno)*BlockSize); err != nil {
		return errors.Wrapf(err, "write device %d block %d failed", dev, blockno)
	}
	m.writes.Add(1)
	return nil
}

// Sync flushes all opened storages
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opener.each(func(st storage) error {
		return st.Sync()
	})
}

// Close closes all opened storages
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opener.each(func(st storage) error {
		return st.Close()
	})
}

// Reads returns how many blocks have been read
func (m *Manager) Reads() uint64 { return m.reads.Load() }

// Writes returns how many blocks have been written
func (m *Manager) Writes() uint64 { return m.writes.Load() }
