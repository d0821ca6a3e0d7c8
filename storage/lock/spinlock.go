/*
Package lock provides the two lock classes used by the block cache and the page allocator.

- Spinlock: busy-wait mutual exclusion for short critical sections.
  bucket metadata, per-cpu free list and relocation table are protected by this.
  the holder must not block (no disk io, no sleep lock acquisition) while holding it.

- Sleeplock: long-term exclusive lock which may suspend the caller.
  buffer content is protected by this and it is held across disk io.
  the lock remembers its owner so that the precondition like
  "bwrite requires the buffer locked by the caller" can be checked.

see https://github.com/mit-pdos/xv6-riscv/blob/riscv/kernel/spinlock.c
and https://github.com/mit-pdos/xv6-riscv/blob/riscv/kernel/sleeplock.c
*/
package lock

import (
	"runtime"
	"sync/atomic"
)

const (
	unlocked uint32 = 0
	locked   uint32 = 1
)

// Spinlock is busy-wait lock. zero value is unlocked.
// Spinlock implements sync.Locker.
type Spinlock struct {
	state uint32
}

// Lock acquires the lock with cas operation
func (lk *Spinlock) Lock() {
	for {
		if atomic.LoadUint32(&lk.state) == locked {
			// goroutine may be preempted while holding spin lock (unlike xv6 which disables interrupt),
			// so yield the processor instead of burning it.
			runtime.Gosched()
			continue
		}
		if atomic.CompareAndSwapUint32(&lk.state, unlocked, locked) {
			return
		}
	}
}

// TryLock acquires the lock only when it is not held
func (lk *Spinlock) TryLock() bool {
	return atomic.CompareAndSwapUint32(&lk.state, unlocked, locked)
}

// Unlock releases the lock
// releasing unlocked spin lock is a bug of the caller
func (lk *Spinlock) Unlock() {
	if !atomic.CompareAndSwapUint32(&lk.state, locked, unlocked) {
		panic("lock: unlock of unlocked spinlock")
	}
}

// Holding reports whether the lock is held by someone.
// go does not expose goroutine identity, so unlike xv6 this cannot tell who holds it.
func (lk *Spinlock) Holding() bool {
	return atomic.LoadUint32(&lk.state) == locked
}
