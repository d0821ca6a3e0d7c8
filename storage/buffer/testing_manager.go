package buffer

import (
	"github.com/pkg/errors"

	"github.com/HayatoShiba/ppos/storage/disk"
	"github.com/HayatoShiba/ppos/storage/tick"
)

// TestingNewManager initializes buffer cache over memory disk
// the clock is returned so that test can control ticks
func TestingNewManager(numBuffers, numBuckets int) (*Manager, *disk.Manager, *tick.Counter, error) {
	dm := disk.TestingNewBufferManager()
	clock := &tick.Counter{}
	m, err := NewManager(dm, Config{
		NumBuffers: numBuffers,
		NumBuckets: numBuckets,
		Clock:      clock,
	})
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "NewManager failed")
	}
	return m, dm, clock, nil
}

// TestingNewStackManager initializes buffer cache with global LRU list over memory disk
func TestingNewStackManager(numBuffers int) (*StackManager, *disk.Manager, error) {
	dm := disk.TestingNewBufferManager()
	s, err := NewStackManager(dm, Config{NumBuffers: numBuffers})
	if err != nil {
		return nil, nil, errors.Wrap(err, "NewStackManager failed")
	}
	return s, dm, nil
}
