//go:build linux

// Package evpipe implements the event pipe, a FIFO used purely to wake a
// subscriber process when one of its segments has new data. The payload is an
// opaque single byte; all event state lives in the segments.
package evpipe

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Pipe is the receiving end of an event pipe, owned by the subscriber
// process it wakes. The descriptor is a raw nonblocking fd, not an os.File:
// poll needs the fd number, and os.File.Fd would switch the descriptor back
// to blocking mode behind our back.
type Pipe struct {
	num  uint32
	path string
	fd   int
}

// Create makes the FIFO (when absent) and opens it for waiting. Opening
// read-write keeps the FIFO from signalling EOF while no publisher has it
// open.
func Create(path string, num uint32) (*Pipe, error) {
	if err := unix.Mkfifo(path, 0o600); err != nil && !errors.Is(err, unix.EEXIST) {
		return nil, fmt.Errorf("mkfifo %q: %w", path, err)
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open event pipe %q: %w", path, err)
	}
	return &Pipe{num: num, path: path, fd: fd}, nil
}

// Num returns the delivery-channel number of this pipe.
func (p *Pipe) Num() uint32 { return p.num }

// Path returns the FIFO path.
func (p *Pipe) Path() string { return p.path }

// Wait blocks until the pipe is signaled or the timeout elapses and reports
// whether a wakeup arrived. Pending bytes are drained so one Wait observes
// any number of coalesced signals.
func (p *Pipe) Wait(timeout time.Duration) (bool, error) {
	if p.fd < 0 {
		return false, fmt.Errorf("event pipe %q is closed", p.path)
	}
	fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, fmt.Errorf("poll event pipe %q: %w", p.path, err)
	}
	if n == 0 {
		return false, nil
	}
	p.drain()
	return true, nil
}

// drain empties the FIFO. The fd is nonblocking, so the final read returns
// EAGAIN instead of parking the caller.
func (p *Pipe) drain() {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(p.fd, buf)
		if n <= 0 || err != nil {
			return
		}
	}
}

// Close closes the receiving end; the FIFO stays on disk until Remove.
func (p *Pipe) Close() error {
	if p.fd < 0 {
		return nil
	}
	err := unix.Close(p.fd)
	p.fd = -1
	return err
}

// Remove unlinks the FIFO.
func (p *Pipe) Remove() error {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Signal wakes the subscriber listening on the FIFO at path. A missing FIFO
// or one with no reader means the subscriber is gone; that is not an error
// for the publisher.
func Signal(path string) error {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENXIO) {
			return nil
		}
		return fmt.Errorf("open event pipe %q for signal: %w", path, err)
	}
	defer unix.Close(fd)
	if _, err := unix.Write(fd, []byte{1}); err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("signal event pipe %q: %w", path, err)
	}
	return nil
}
