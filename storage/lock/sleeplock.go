package lock

import (
	"sync"

	"github.com/HayatoShiba/ppos/internal/fatal"
)

// Sleeplock is long-term lock for processes (goroutines).
// the waiters are suspended on condition variable instead of spinning.
// zero value is unlocked.
type Sleeplock struct {
	// lk protects the fields below
	lk Spinlock
	// cond is signaled when the lock is released
	cond *sync.Cond
	// locked is whether the lock is held
	locked bool
	// owner is token of the holder. this is pid in xv6.
	owner interface{}
}

// Acquire acquires the lock on behalf of owner.
// the caller may be suspended until the current holder releases the lock.
func (sl *Sleeplock) Acquire(owner interface{}) {
	fatal.Assert(owner != nil, "acquiresleep", "owner must not be nil")
	sl.lk.Lock()
	if sl.cond == nil {
		sl.cond = sync.NewCond(&sl.lk)
	}
	for sl.locked {
		// Wait() releases lk while sleeping and re-acquires it before return
		sl.cond.Wait()
	}
	sl.locked = true
	sl.owner = owner
	sl.lk.Unlock()
}

// Release releases the lock held by owner and wakes one waiter
func (sl *Sleeplock) Release(owner interface{}) {
	sl.lk.Lock()
	if !sl.locked || sl.owner != owner {
		sl.lk.Unlock()
		fatal.Fail("releasesleep", "sleep lock is not held by the releaser")
	}
	sl.locked = false
	sl.owner = nil
	if sl.cond != nil {
		sl.cond.Signal()
	}
	sl.lk.Unlock()
}

// HeldBy reports whether the lock is currently held by owner
func (sl *Sleeplock) HeldBy(owner interface{}) bool {
	sl.lk.Lock()
	defer sl.lk.Unlock()
	return sl.locked && owner != nil && sl.owner == owner
}

// Locked reports whether the lock is held by anyone
func (sl *Sleeplock) Locked() bool {
	sl.lk.Lock()
	defer sl.lk.Unlock()
	return sl.locked
}
