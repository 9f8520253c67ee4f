//go:build linux

package shm

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Futex operations backing the process-shared lock primitive. Words waited on
// live either on the Go heap (process-private locks) or inside a mapped
// segment (process-shared locks); the private flag must match the placement,
// process-shared waits must not use FUTEX_PRIVATE_FLAG.

// Futex op constants from <linux/futex.h>; x/sys/unix only carries the
// syscall number.
const (
	futexWaitOp      = 0
	futexWakeOp      = 1
	futexPrivateFlag = 128
)

func futexOp(op int, private bool) int {
	if private {
		return op | futexPrivateFlag
	}
	return op
}

// futexWaitTimeout waits on addr until the value changes from val or the
// timeout elapses. Always re-check the logical condition after this returns,
// wakeups may be spurious. Returns ErrLockTimeout on expiry.
func futexWaitTimeout(addr *uint32, val uint32, d time.Duration, private bool) error {
	if d <= 0 {
		return ErrLockTimeout
	}

	if atomic.LoadUint32(addr) != val {
		return nil
	}

	ts := unix.NsecToTimespec(d.Nanoseconds())
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexOp(futexWaitOp, private)),
		uintptr(val),
		uintptr(unsafe.Pointer(&ts)),
		0,
		0,
	)

	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	case unix.ETIMEDOUT:
		return ErrLockTimeout
	}
	return fmt.Errorf("futex wait failed: %w", errno)
}

// futexWake wakes up to n waiters on addr and returns the number woken.
func futexWake(addr *uint32, n int, private bool) (int, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexOp(futexWakeOp, private)),
		uintptr(n),
		0,
		0,
		0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("futex wake failed: %w", errno)
	}
	return int(r1), nil
}
