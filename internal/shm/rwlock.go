//go:build linux

// Package shm implements the shared-memory primitives of the subscription
// core: memory-mapped segments with fixed-layout event headers, and a
// reader/writer lock usable both in-process and across processes.
package shm

import (
	"math"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/openconfd/shmsub/internal/logging"
)

// LockSize is the on-wire size of a lock placed inside a segment. Every
// segment kind embeds one lock at offset 0.
const LockSize = 32

// readUnlockTimeout bounds the internal mutex acquisition of RUnlock.
const readUnlockTimeout = time.Second

// lockState is the fixed memory layout of an RWLock. Zeroed memory is a
// valid, unlocked state, so placed locks need no explicit initialization
// beyond the file being created zero-filled.
type lockState struct {
	mutex   uint32 // 0x00: 0 free, 1 locked, 2 locked with waiters
	cond    uint32 // 0x04: condition broadcast sequence
	readers uint32 // 0x08: active reader count
	pad     uint32 // 0x0C
	_       [16]byte
}

// RWLock is a timeout-bounded reader/writer lock built from a futex mutex and
// a futex condition variable. With shared=true the state may live inside a
// mapped segment and the lock is contended across processes.
//
// Readers do not hold the mutex during their critical section, only the
// reader count excludes writers. A writer keeps the mutex held for the whole
// write critical section. The state memory must not move while the lock is
// held; callers re-attach after a remap before releasing.
type RWLock struct {
	st     *lockState
	shared bool
}

// NewLocal creates a process-private lock on the Go heap.
func NewLocal() *RWLock {
	return &RWLock{st: new(lockState)}
}

// AttachLock interprets LockSize bytes at off inside a mapped region as a
// process-shared lock. The attachment is only valid for the current mapping;
// re-attach after any remap.
func AttachLock(mem []byte, off uint64) *RWLock {
	_ = mem[off+LockSize-1]
	return &RWLock{st: (*lockState)(unsafe.Pointer(&mem[off])), shared: true}
}

// Lock acquires the lock in write mode, blocking until all readers release or
// the timeout expires. On success the internal mutex remains held until
// Unlock.
func (l *RWLock) Lock(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if err := l.lockMutex(deadline); err != nil {
		return err
	}
	for atomic.LoadUint32(&l.st.readers) != 0 {
		relocked, err := l.condWait(deadline)
		if err != nil {
			if relocked {
				l.unlockMutex()
			}
			return err
		}
	}
	return nil
}

// Unlock releases a write acquisition. Releasing while readers are active is
// a defect in the caller and is logged, never fatal.
func (l *RWLock) Unlock() {
	if atomic.LoadUint32(&l.st.readers) != 0 {
		log := logging.WithComponent("shm")
		log.Warn().Msg("write unlock with active readers")
	}
	l.condBroadcast()
	l.unlockMutex()
}

// RLock acquires the lock in read mode. The internal mutex is released before
// returning; concurrent readers proceed in parallel.
func (l *RWLock) RLock(timeout time.Duration) error {
	if err := l.lockMutex(time.Now().Add(timeout)); err != nil {
		return err
	}
	atomic.AddUint32(&l.st.readers, 1)
	l.unlockMutex()
	return nil
}

// RUnlock releases a read acquisition and wakes a waiting writer when the
// reader count drops to zero.
func (l *RWLock) RUnlock() {
	log := logging.WithComponent("shm")
	if err := l.lockMutex(time.Now().Add(readUnlockTimeout)); err != nil {
		log.Warn().Err(err).Msg("read unlock failed to take mutex")
		return
	}
	if atomic.LoadUint32(&l.st.readers) == 0 {
		log.Warn().Msg("read unlock with no active readers")
	} else {
		atomic.AddUint32(&l.st.readers, ^uint32(0))
	}
	if atomic.LoadUint32(&l.st.readers) == 0 {
		l.condBroadcast()
	}
	l.unlockMutex()
}

// Readers reports the current reader count.
func (l *RWLock) Readers() uint32 {
	return atomic.LoadUint32(&l.st.readers)
}

// Destroy verifies the lock is not held. Futex state needs no OS teardown.
func (l *RWLock) Destroy() error {
	if atomic.LoadUint32(&l.st.mutex) != 0 || atomic.LoadUint32(&l.st.readers) != 0 {
		return ErrLockHeld
	}
	return nil
}

// lockMutex implements a timed three-state futex mutex acquisition
// (0 free, 1 locked, 2 locked with waiters).
func (l *RWLock) lockMutex(deadline time.Time) error {
	st := l.st
	if atomic.CompareAndSwapUint32(&st.mutex, 0, 1) {
		return nil
	}
	for {
		old := atomic.LoadUint32(&st.mutex)
		if old == 0 {
			if atomic.CompareAndSwapUint32(&st.mutex, 0, 2) {
				return nil
			}
			continue
		}
		if old == 1 && !atomic.CompareAndSwapUint32(&st.mutex, 1, 2) {
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrLockTimeout
		}
		if err := futexWaitTimeout(&st.mutex, 2, remaining, !l.shared); err != nil {
			return err
		}
		if atomic.CompareAndSwapUint32(&st.mutex, 0, 2) {
			return nil
		}
	}
}

func (l *RWLock) unlockMutex() {
	st := l.st
	// Decrement; a previous value of 2 means someone is waiting.
	if atomic.AddUint32(&st.mutex, ^uint32(0)) != 0 {
		atomic.StoreUint32(&st.mutex, 0)
		futexWake(&st.mutex, 1, !l.shared) //nolint:errcheck
	}
}

// condWait releases the mutex, waits for a broadcast or the deadline, and
// re-acquires the mutex. relocked reports whether the mutex is held on
// return, it is false only when the re-acquisition itself failed.
func (l *RWLock) condWait(deadline time.Time) (relocked bool, err error) {
	st := l.st
	seq := atomic.LoadUint32(&st.cond)
	l.unlockMutex()
	waitErr := futexWaitTimeout(&st.cond, seq, time.Until(deadline), !l.shared)
	if err := l.lockMutex(deadline); err != nil {
		return false, err
	}
	return true, waitErr
}

func (l *RWLock) condBroadcast() {
	atomic.AddUint32(&l.st.cond, 1)
	futexWake(&l.st.cond, math.MaxInt32, !l.shared) //nolint:errcheck
}
