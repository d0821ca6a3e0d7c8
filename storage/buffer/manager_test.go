package buffer

import (
	"bytes"
	"encoding/binary"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/HayatoShiba/ppos/common"
	"github.com/HayatoShiba/ppos/storage/disk"
)

const testingDev = common.Device(1)

// testingRefcnt returns reference count of the buffer under the bucket lock
func testingRefcnt(m *Manager, id BufferID) uint32 {
	bkt := &m.buckets[m.bucketOf(id)]
	bkt.lock.Lock()
	defer bkt.lock.Unlock()
	return m.descriptors[id].refcnt
}

// failingDisk fails every read
type failingDisk struct {
	Disk
}

func (failingDisk) ReadBlock(common.Device, common.BlockNo, []byte) error {
	return errors.New("virtio: device error")
}

func TestNewManager(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		hasErr bool
	}{
		{name: "default", cfg: Config{}},
		{name: "30 buffers 3 buckets", cfg: Config{NumBuffers: 30, NumBuckets: 3}},
		{name: "buckets don't divide buffers", cfg: Config{NumBuffers: 30, NumBuckets: 13}, hasErr: true},
		{name: "negative buffers", cfg: Config{NumBuffers: -1}, hasErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewManager(disk.TestingNewBufferManager(), tt.cfg)
			if tt.hasErr {
				assert.True(t, errors.Is(err, ErrInvalidConfig))
				return
			}
			assert.Nil(t, err)
			assert.Equal(t, len(m.descriptors), len(m.buckets)*m.perBucket)
		})
	}
}

func TestRead(t *testing.T) {
	t.Run("the block is read from disk only once", func(t *testing.T) {
		m, dm, _, err := TestingNewManager(30, 3)
		require.Nil(t, err)

		// prepare the block on disk
		expected := bytes.Repeat([]byte{0xab}, BlockSize)
		require.Nil(t, dm.WriteBlock(testingDev, common.BlockNo(7), expected))

		b1, err := m.Read(testingDev, common.BlockNo(7))
		assert.Nil(t, err)
		assert.True(t, bytes.Equal(expected, b1.Data()))
		m.Release(b1)

		b2, err := m.Read(testingDev, common.BlockNo(7))
		assert.Nil(t, err)
		// the same buffer must be returned and disk must not be read again
		assert.Equal(t, b1.ID(), b2.ID())
		assert.Equal(t, uint64(1), dm.Reads())
		assert.True(t, bytes.Equal(expected, b2.Data()))
		m.Release(b2)

		stats := m.Stats()
		assert.Equal(t, uint64(1), stats.Hits)
		assert.Equal(t, uint64(1), stats.Misses)
		assert.Equal(t, uint64(1), stats.DiskReads)
	})

	t.Run("the second reader waits for the holder and gets the same buffer", func(t *testing.T) {
		m, dm, _, err := TestingNewManager(30, 3)
		require.Nil(t, err)

		b1, err := m.Read(testingDev, common.BlockNo(5))
		require.Nil(t, err)

		got := make(chan *Buf)
		go func() {
			b2, err := m.Read(testingDev, common.BlockNo(5))
			assert.Nil(t, err)
			got <- b2
		}()

		// reference count includes the waiter
		assert.Eventually(t, func() bool { return testingRefcnt(m, b1.ID()) == 2 }, time.Second, time.Millisecond)
		select {
		case <-got:
			t.Fatal("the buffer is acquired while held by another")
		case <-time.After(20 * time.Millisecond):
		}

		m.Release(b1)
		b2 := <-got
		assert.Equal(t, b1.ID(), b2.ID())
		assert.Equal(t, uint32(1), testingRefcnt(m, b2.ID()))
		assert.Equal(t, uint64(1), dm.Reads())
		m.Release(b2)
		assert.Equal(t, uint32(0), testingRefcnt(m, b2.ID()))
	})

	t.Run("when disk read fails", func(t *testing.T) {
		m, err := NewManager(failingDisk{}, Config{NumBuffers: 3, NumBuckets: 1})
		require.Nil(t, err)

		b, err := m.Read(testingDev, common.BlockNo(1))
		assert.NotNil(t, err)
		assert.Nil(t, b)
		// the buffer is released and stays invalid
		assert.Equal(t, uint32(0), testingRefcnt(m, FirstBufferID))
		assert.False(t, m.descriptors[FirstBufferID].valid)
	})
}

func TestRead_EvictsLeastRecentlyUsed(t *testing.T) {
	m, _, clock, err := TestingNewManager(4, 1)
	require.Nil(t, err)

	// buffer i is released at ticks i+1
	for i := 0; i < 4; i++ {
		b, err := m.Read(testingDev, common.BlockNo(i))
		require.Nil(t, err)
		assert.Equal(t, BufferID(i), b.ID())
		clock.Tick()
		m.Release(b)
	}
	// block 1 becomes the most recently used
	b, err := m.Read(testingDev, common.BlockNo(1))
	require.Nil(t, err)
	clock.Tick()
	m.Release(b)

	tests := []struct {
		name     string
		blockno  common.BlockNo
		expected BufferID
	}{
		{
			name:     "the oldest buffer (block 0) is evicted",
			blockno:  common.BlockNo(10),
			expected: BufferID(0),
		},
		{
			name:     "block 1 was used again, so block 2 is evicted",
			blockno:  common.BlockNo(11),
			expected: BufferID(2),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := m.Read(testingDev, tt.blockno)
			assert.Nil(t, err)
			assert.Equal(t, tt.expected, b.ID())
			// keep holding it so that it is not chosen again
		})
	}
}

func TestRead_Relocation(t *testing.T) {
	// 3 buckets of 10 buffers
	m, _, _, err := TestingNewManager(30, 3)
	require.Nil(t, err)

	// hold 10 blocks whose home bucket is 0. bucket 0 is exhausted
	for i := 0; i < 10; i++ {
		b, err := m.Read(testingDev, common.BlockNo(i*3))
		require.Nil(t, err)
		assert.Equal(t, 0, m.bucketOf(b.ID()))
	}
	assert.Equal(t, uint64(0), m.Stats().GlobalScans)

	// the 11th block of bucket 0 is bound in another bucket
	b, err := m.Read(testingDev, common.BlockNo(30))
	require.Nil(t, err)
	assert.Equal(t, BufferID(10), b.ID())
	assert.Equal(t, 1, m.relocation.lookup(testingDev, common.BlockNo(30), 0))
	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.GlobalScans)
	assert.Equal(t, uint64(1), stats.Relocations)
	m.Release(b)

	// the next lookup goes to the relocated bucket directly
	b, err = m.Read(testingDev, common.BlockNo(30))
	require.Nil(t, err)
	assert.Equal(t, BufferID(10), b.ID())
	stats = m.Stats()
	assert.Equal(t, uint64(1), stats.GlobalScans)
	assert.Equal(t, uint64(1), stats.Hits)
	m.Release(b)
}

func TestRead_PinnedBufferIsNotEvicted(t *testing.T) {
	m, _, clock, err := TestingNewManager(2, 1)
	require.Nil(t, err)

	a, err := m.Read(testingDev, common.BlockNo(0))
	require.Nil(t, err)
	m.Pin(a)
	clock.Tick()
	m.Release(a)

	b, err := m.Read(testingDev, common.BlockNo(1))
	require.Nil(t, err)
	clock.Tick()
	m.Release(b)

	// block 0 is older but pinned, so block 1 is evicted
	c, err := m.Read(testingDev, common.BlockNo(2))
	require.Nil(t, err)
	assert.Equal(t, b.ID(), c.ID())
	m.Release(c)

	// block 0 is still cached
	a2, err := m.Read(testingDev, common.BlockNo(0))
	require.Nil(t, err)
	assert.Equal(t, a.ID(), a2.ID())
	assert.Equal(t, uint32(2), testingRefcnt(m, a.ID()))
	m.Release(a2)
	m.Unpin(a)
	assert.Equal(t, uint32(0), testingRefcnt(m, a.ID()))
}

func TestRead_NoBuffers(t *testing.T) {
	m, _, _, err := TestingNewManager(3, 3)
	require.Nil(t, err)
	for i := 0; i < 3; i++ {
		_, err := m.Read(testingDev, common.BlockNo(i))
		require.Nil(t, err)
	}
	assert.Panics(t, func() { m.Read(testingDev, common.BlockNo(3)) })
}

func TestWrite(t *testing.T) {
	m, dm, _, err := TestingNewManager(3, 1)
	require.Nil(t, err)

	b, err := m.Read(testingDev, common.BlockNo(4))
	require.Nil(t, err)
	copy(b.Data(), []byte("hello"))
	assert.Nil(t, m.Write(b))
	m.Release(b)

	got := make([]byte, BlockSize)
	require.Nil(t, dm.ReadBlock(testingDev, common.BlockNo(4), got))
	assert.Equal(t, []byte("hello"), got[:5])
	assert.Equal(t, uint64(1), m.Stats().DiskWrites)
}

func TestWrite_WithoutLock(t *testing.T) {
	m, dm, _, err := TestingNewManager(3, 1)
	require.Nil(t, err)

	t.Run("never acquired", func(t *testing.T) {
		assert.Panics(t, func() { m.Write(&Buf{}) })
	})
	t.Run("already released", func(t *testing.T) {
		b, err := m.Read(testingDev, common.BlockNo(1))
		require.Nil(t, err)
		m.Release(b)
		assert.Panics(t, func() { m.Write(b) })
	})
	t.Run("locked by another handle", func(t *testing.T) {
		b, err := m.Read(testingDev, common.BlockNo(2))
		require.Nil(t, err)
		forged := &Buf{desc: b.desc, id: b.id, dev: b.dev, blockno: b.blockno}
		assert.Panics(t, func() { m.Write(forged) })
		m.Release(b)
	})
	// no io must happen
	assert.Equal(t, uint64(0), dm.Writes())
}

func TestRelease_Twice(t *testing.T) {
	m, _, _, err := TestingNewManager(3, 1)
	require.Nil(t, err)
	b, err := m.Read(testingDev, common.BlockNo(1))
	require.Nil(t, err)
	m.Release(b)
	assert.Panics(t, func() { m.Release(b) })
}

func TestUnpin(t *testing.T) {
	t.Run("without pin", func(t *testing.T) {
		m, _, _, err := TestingNewManager(3, 1)
		require.Nil(t, err)
		b, err := m.Read(testingDev, common.BlockNo(1))
		require.Nil(t, err)
		m.Release(b)
		assert.Panics(t, func() { m.Unpin(b) })
	})
	t.Run("pin after the buffer is evicted", func(t *testing.T) {
		m, _, _, err := TestingNewManager(1, 1)
		require.Nil(t, err)
		a, err := m.Read(testingDev, common.BlockNo(1))
		require.Nil(t, err)
		m.Release(a)
		b, err := m.Read(testingDev, common.BlockNo(2))
		require.Nil(t, err)
		m.Release(b)
		assert.Panics(t, func() { m.Pin(a) })
	})
}

// testingReadModifyWrite increments the counter at the head of random blocks concurrently
// and checks that no block is held by two goroutines at once.
func testingReadModifyWrite(t *testing.T, c Cache, workers, iterations, nblocks int) {
	holders := make([]atomic.Int32, nblocks)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			r := rand.New(rand.NewPCG(uint64(w), 42))
			for i := 0; i < iterations; i++ {
				blockno := r.IntN(nblocks)
				b, err := c.Read(testingDev, common.BlockNo(blockno))
				if err != nil {
					return err
				}
				if n := holders[blockno].Add(1); n != 1 {
					return errors.Errorf("block %d is held by %d goroutines", blockno, n)
				}
				v := binary.LittleEndian.Uint64(b.Data())
				binary.LittleEndian.PutUint64(b.Data(), v+1)
				if err := c.Write(b); err != nil {
					return err
				}
				holders[blockno].Add(-1)
				c.Release(b)
			}
			return nil
		})
	}
	require.Nil(t, g.Wait())

	var total uint64
	for i := 0; i < nblocks; i++ {
		b, err := c.Read(testingDev, common.BlockNo(i))
		require.Nil(t, err)
		total += binary.LittleEndian.Uint64(b.Data())
		c.Release(b)
	}
	assert.Equal(t, uint64(workers*iterations), total)
}

func TestManager_Concurrent(t *testing.T) {
	// small buckets so that buckets are exhausted and relocation happens
	m, _, _, err := TestingNewManager(12, 4)
	require.Nil(t, err)
	testingReadModifyWrite(t, m, 8, 300, 40)

	// one block is cached by at most one buffer
	seen := make(map[tag]BufferID)
	for id := range m.descriptors {
		tg := m.descriptors[id].tag
		if !tg.valid {
			continue
		}
		prev, ok := seen[tg]
		assert.False(t, ok, "block %d is cached by buffer %d and %d", tg.blockno, prev, id)
		seen[tg] = BufferID(id)
		assert.Equal(t, uint32(0), m.descriptors[id].refcnt)
	}
}
