//go:build linux

package shm

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Every segment starts with a 64-byte header: the process-shared lock
// followed by the event fields. Single-subscriber kinds (operational data,
// RPC, notification) use the fields up to dataLen; configuration-change
// segments additionally use the priority and pending fields to coordinate a
// fan-out acknowledgment per priority tier. Payload bytes follow the header.
//
// Field offsets (little-endian words, after the 32-byte lock):
//	0x20 eventID   monotonically increasing per segment, never reused
//	0x24 event     kind/phase tag
//	0x28 originID  publisher identity, informational
//	0x2C errCode   first subscriber error of the current event
//	0x30 dataLen   payload length in bytes
//	0x34 priority  active priority tier (multi-sub only)
//	0x38 pending   subscribers yet to acknowledge (multi-sub only)
//	0x3C pad
const (
	HeaderSize = 64

	offEventID  = LockSize + 0x00
	offEvent    = LockSize + 0x04
	offOriginID = LockSize + 0x08
	offErrCode  = LockSize + 0x0C
	offDataLen  = LockSize + 0x10
	offPriority = LockSize + 0x14
	offPending  = LockSize + 0x18
)

// word returns an atomically accessible view of the uint32 at off. Computed
// on every access because the mapping address changes across remaps.
func (s *Segment) word(off uintptr) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.mem[off]))
}

// Header is the typed view of a segment's event header. It holds only the
// segment reference, never raw addresses, so it stays valid across remaps.
type Header struct {
	seg *Segment
}

// Header returns the event-header view of the segment.
func (s *Segment) Header() Header { return Header{s} }

func (h Header) EventID() uint32     { return atomic.LoadUint32(h.seg.word(offEventID)) }
func (h Header) SetEventID(v uint32) { atomic.StoreUint32(h.seg.word(offEventID), v) }

func (h Header) Event() uint32     { return atomic.LoadUint32(h.seg.word(offEvent)) }
func (h Header) SetEvent(v uint32) { atomic.StoreUint32(h.seg.word(offEvent), v) }

func (h Header) OriginID() uint32     { return atomic.LoadUint32(h.seg.word(offOriginID)) }
func (h Header) SetOriginID(v uint32) { atomic.StoreUint32(h.seg.word(offOriginID), v) }

func (h Header) ErrCode() uint32     { return atomic.LoadUint32(h.seg.word(offErrCode)) }
func (h Header) SetErrCode(v uint32) { atomic.StoreUint32(h.seg.word(offErrCode), v) }

func (h Header) DataLen() uint32     { return atomic.LoadUint32(h.seg.word(offDataLen)) }
func (h Header) SetDataLen(v uint32) { atomic.StoreUint32(h.seg.word(offDataLen), v) }

func (h Header) Priority() uint32     { return atomic.LoadUint32(h.seg.word(offPriority)) }
func (h Header) SetPriority(v uint32) { atomic.StoreUint32(h.seg.word(offPriority), v) }

func (h Header) Pending() uint32     { return atomic.LoadUint32(h.seg.word(offPending)) }
func (h Header) SetPending(v uint32) { atomic.StoreUint32(h.seg.word(offPending), v) }

// DecPending records one subscriber acknowledgment and returns the remaining
// count. Callers hold the segment lock in write mode.
func (h Header) DecPending() uint32 {
	return atomic.AddUint32(h.seg.word(offPending), ^uint32(0))
}

// Arena is an append-only cursor over a segment's payload region. Append
// returns offsets, not addresses; re-base against the current mapping on
// every access because an append may grow and therefore remap the segment.
type Arena struct {
	seg    *Segment
	cursor uint64
}

// Arena positions a payload cursor right after the event header.
func (s *Segment) Arena() *Arena {
	return &Arena{seg: s, cursor: HeaderSize}
}

// Append copies b into the payload region, growing the segment as needed,
// and returns the offset the bytes were written at.
func (a *Arena) Append(b []byte) (uint64, error) {
	off := a.cursor
	if need := PageAlign(off + uint64(len(b))); need > a.seg.size {
		if err := a.seg.EnsureSize(need); err != nil {
			return 0, err
		}
	}
	copy(a.seg.mem[off:], b)
	a.cursor = off + uint64(len(b))
	return off, nil
}

// WritePayload replaces the event payload and records its length in the
// header. Callers hold the segment lock in write mode.
func (s *Segment) WritePayload(data []byte) error {
	if _, err := s.Arena().Append(data); err != nil {
		return err
	}
	s.Header().SetDataLen(uint32(len(data)))
	return nil
}

// ReadPayload copies the current event payload out of the segment.
func (s *Segment) ReadPayload() ([]byte, error) {
	n := uint64(s.Header().DataLen())
	if HeaderSize+n > s.size {
		// The file grew in another process; pick up the new size first.
		if err := s.EnsureSize(0); err != nil {
			return nil, err
		}
		if HeaderSize+n > s.size {
			return nil, fmt.Errorf("payload of %d bytes exceeds segment %q", n, s.path)
		}
	}
	out := make([]byte, n)
	copy(out, s.mem[HeaderSize:HeaderSize+n])
	return out, nil
}
