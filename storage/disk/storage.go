/*
This file defines storage interface and its implementations.
We don't want to execute disk I/O in test, so it's better to use byte slice instead of actual file in test.
For this reason, storage interface is defined. Possible operation with storage is read/write at offset/sync/close.
The implementations are:
- fileStorage: wrapper of os.File
- bufferStorage: byte slice which grows by block size.

note:
- ReadAt/WriteAt is used instead of Seek+Read/Write because multiple buffers are read/written in parallel.
*/
package disk

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// storage is storage of one device
type storage interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Close() error
}

// fileStorage is file storage
type fileStorage struct {
	*os.File
}

// readFull reads len(p) bytes at off.
// the area beyond the end of storage is read as zero because the block has never been written.
func readFull(st storage, p []byte, off int64) error {
	n, err := st.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return errors.Wrap(err, "ReadAt failed")
	}
	clear(p[n:])
	return nil
}

// bufferStorage is buffer storage
type bufferStorage struct {
	// buf is actual contents
	buf []byte
	// mu protects buf
	mu sync.RWMutex
}

// newBufferStorage initializes bufferStorage
func newBufferStorage() *bufferStorage {
	return &bufferStorage{}
}

// ReadAt reads buffer at off into p
// returns io.EOF when p cannot be fully read
func (bs *bufferStorage) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.Errorf("negative offset: %d", off)
	}
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	if off >= int64(len(bs.buf)) {
		return 0, io.EOF
	}
	nread := copy(p, bs.buf[off:])
	if nread != len(p) {
		return nread, io.EOF
	}
	return nread, nil
}

// WriteAt writes p into buffer at off
// if the buffer is shorter than off+len(p), extend it by block size
func (bs *bufferStorage) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.Errorf("negative offset: %d", off)
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	end := off + int64(len(p))
	for int64(len(bs.buf)) < end {
		bs.buf = append(bs.buf, make([]byte, BlockSize)...)
	}
	nwritten := copy(bs.buf[off:], p)
	if nwritten != len(p) {
		return nwritten, errors.Errorf("cannot fully written: nwritten %d, len %d", nwritten, len(p))
	}
	return nwritten, nil
}

// Sync doesn't do anything
func (bs *bufferStorage) Sync() error {
	// on-memory byte slice doesn't need sync
	return nil
}

// Close doesn't do anything
func (bs *bufferStorage) Close() error {
	return nil
}
