package shmsub

import (
	"errors"
	"fmt"

	"github.com/openconfd/shmsub/internal/shm"
)

// Kind classifies an Error. Internal marks invariant violations that can only
// come from a defect in the caller or this library, never from valid input;
// they are returned, not asserted, but nothing should retry them. LockTimeout
// and transient IO errors on segment growth are the only kinds a caller is
// expected to retry.
type Kind int

const (
	KindLockTimeout Kind = iota + 1
	KindOutOfMemory
	KindIO
	KindInternal
	KindPermissionDenied
	KindNotFound
	KindCallbackFailed
)

func (k Kind) String() string {
	switch k {
	case KindLockTimeout:
		return "lock timeout"
	case KindOutOfMemory:
		return "out of memory"
	case KindIO:
		return "io error"
	case KindInternal:
		return "internal inconsistency"
	case KindPermissionDenied:
		return "permission denied"
	case KindNotFound:
		return "not found"
	case KindCallbackFailed:
		return "callback failed"
	}
	return "unknown"
}

// Error is the structured error returned by every public operation.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func newErrf(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func internalf(format string, args ...any) *Error {
	return newErrf(KindInternal, nil, format, args...)
}

// wrapShmErr maps errors from the shared-memory layer onto Error kinds.
func wrapShmErr(err error, format string, args ...any) *Error {
	kind := KindIO
	if errors.Is(err, shm.ErrLockTimeout) {
		kind = KindLockTimeout
	}
	return newErrf(kind, err, format, args...)
}
