package shm

import "errors"

var (
	// ErrLockTimeout indicates a timed lock or condition wait expired.
	ErrLockTimeout = errors.New("lock timeout")

	// ErrLockHeld indicates an attempt to destroy a lock that is still held.
	ErrLockHeld = errors.New("lock still held")

	// ErrSegmentClosed indicates an operation on a segment after Close.
	ErrSegmentClosed = errors.New("segment closed")

	// ErrSegmentTooSmall indicates an existing segment file smaller than the
	// fixed header of its kind.
	ErrSegmentTooSmall = errors.New("segment file too small")
)
