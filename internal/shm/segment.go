//go:build linux

package shm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Segment is an open, memory-mapped subscription region backed by a file
// with a deterministic name. The mapped address is private to this process;
// the bytes behind it are the shared state. Size is always a multiple of the
// page size and at least HeaderSize.
type Segment struct {
	file *os.File
	mem  []byte
	size uint64
	path string
}

// SegmentName builds the stable file name for a subscription segment:
// sr_<module>.<suffix> or sr_<module>.<suffix>.<8-hex-digit discriminator>.
// A negative discriminator means none.
func SegmentName(module, suffix string, disc int64) string {
	if disc > -1 {
		return fmt.Sprintf("sr_%s.%s.%08x", module, suffix, uint32(disc))
	}
	return fmt.Sprintf("sr_%s.%s", module, suffix)
}

// SegmentPath joins the shared-memory directory with the segment name.
func SegmentPath(dir, module, suffix string, disc int64) string {
	return filepath.Join(dir, SegmentName(module, suffix, disc))
}

// PageAlign rounds n up to a multiple of the system page size.
func PageAlign(n uint64) uint64 {
	ps := uint64(unix.Getpagesize())
	return (n + ps - 1) &^ (ps - 1)
}

// OpenOrCreate opens the segment for (module, suffix, disc) in dir, creating
// and zero-filling it when absent. minSize is the fixed header size of the
// segment's kind; the mapping is at least one page. created reports whether
// this call created the backing file.
func OpenOrCreate(dir, module, suffix string, disc int64, minSize uint64) (*Segment, bool, error) {
	path := SegmentPath(dir, module, suffix, disc)

	created := true
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if errors.Is(err, fs.ErrExist) {
		created = false
		file, err = os.OpenFile(path, os.O_RDWR, 0o600)
	}
	if err != nil {
		return nil, false, fmt.Errorf("open segment %q: %w", path, err)
	}

	seg := &Segment{file: file, path: path}
	if created {
		err = seg.EnsureSize(PageAlign(minSize))
	} else {
		// Map whatever is there; grow when a raced creator has not sized
		// the file yet.
		err = seg.EnsureSize(0)
		if (err == nil && seg.size < minSize) || errors.Is(err, ErrSegmentTooSmall) {
			err = seg.EnsureSize(PageAlign(minSize))
		}
	}
	if err != nil {
		seg.Close()
		if created {
			os.Remove(path)
		}
		return nil, false, err
	}
	return seg, created, nil
}

// EnsureSize maps the segment at newSize bytes, remapping only when the size
// actually changed. newSize 0 means "the current file size". Growing extends
// the file with zero bytes; previously written header bytes are preserved by
// the file, not the mapping, so views must be re-derived after this call.
func (s *Segment) EnsureSize(newSize uint64) error {
	if s.file == nil {
		return ErrSegmentClosed
	}

	target := newSize
	if newSize == 0 {
		var st unix.Stat_t
		if err := unix.Fstat(int(s.file.Fd()), &st); err != nil {
			return fmt.Errorf("stat segment %q: %w", s.path, err)
		}
		target = uint64(st.Size)
	}
	if target == s.size && s.mem != nil {
		return nil
	}

	if s.mem != nil {
		if err := unix.Munmap(s.mem); err != nil {
			return fmt.Errorf("unmap segment %q: %w", s.path, err)
		}
		s.mem = nil
	}

	if newSize != 0 {
		if err := s.file.Truncate(int64(target)); err != nil {
			return fmt.Errorf("truncate segment %q: %w", s.path, err)
		}
	}
	if target < HeaderSize {
		return fmt.Errorf("segment %q is %d bytes: %w", s.path, target, ErrSegmentTooSmall)
	}

	mem, err := unix.Mmap(int(s.file.Fd()), 0, int(target),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("map segment %q: %w", s.path, err)
	}
	s.mem = mem
	s.size = target
	return nil
}

// Close unmaps and closes the segment. Idempotent; the backing file stays on
// disk for the remaining subscribers.
func (s *Segment) Close() error {
	var firstErr error
	if s.mem != nil {
		if err := unix.Munmap(s.mem); err != nil && firstErr == nil {
			firstErr = err
		}
		s.mem = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.file = nil
	}
	s.size = 0
	return firstErr
}

// Unlink removes the backing file. Only the last unsubscriber in the whole
// system does this, so a later re-subscription starts from a fresh zeroed
// segment instead of observing stale events.
func (s *Segment) Unlink() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Lock attaches the process-shared lock embedded at offset 0. The returned
// view is bound to the current mapping; re-attach after EnsureSize.
func (s *Segment) Lock() *RWLock {
	return AttachLock(s.mem, 0)
}

// Size returns the current mapped size.
func (s *Segment) Size() uint64 { return s.size }

// Path returns the backing file path.
func (s *Segment) Path() string { return s.path }
