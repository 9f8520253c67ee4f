//go:build linux

package shmsub

import (
	"context"
	"time"

	"github.com/openconfd/shmsub/internal/metrics"
)

// Listen blocks on the handle's event pipe and dispatches published events to
// the registered callbacks until ctx is done. Most subscribers run it on a
// dedicated goroutine right after their Subscribe* calls.
func (h *Handle) Listen(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		signaled, err := h.pipe.Wait(defaultEventLoopTimeout)
		if err != nil {
			return newErrf(KindIO, err, "waiting on event pipe")
		}
		if !signaled {
			continue
		}
		if err := h.ProcessEvents(); err != nil {
			if !retryableKind(KindOf(err)) {
				return err
			}
			// The next pipe wakeup retries the sweep.
			h.log.Warn().Err(err).Msg("event sweep failed, will retry")
		}
	}
}

// retryableKind reports whether a sweep error is transient: lock timeouts and
// segment IO can succeed on the next attempt, anything else means the handle
// is unusable.
func retryableKind(k Kind) bool {
	return k == KindLockTimeout || k == KindIO
}

// ProcessEvents checks every segment the handle subscribes through and runs
// the callbacks any published event selects. It returns after one sweep;
// Listen calls it whenever the event pipe is signaled, and tests call it
// directly.
func (h *Handle) ProcessEvents() error {
	if err := h.mu.RLock(DefaultTimeout); err != nil {
		return wrapShmErr(err, "locking subscription registry")
	}
	defer h.mu.RUnlock()
	if h.closed {
		return internalf("handle already closed")
	}

	for _, g := range h.changeGroups {
		if err := h.processChangeGroup(g); err != nil {
			return err
		}
	}
	for _, g := range h.operGroups {
		for _, e := range g.entries {
			if err := h.processOperEntry(g.module, e); err != nil {
				return err
			}
		}
	}
	for _, e := range h.rpcSubs {
		if err := h.processRPCEntry(e); err != nil {
			return err
		}
	}
	for _, g := range h.notifGroups {
		if err := h.processNotifGroup(g); err != nil {
			return err
		}
	}
	return nil
}

// relevant reports whether the entry participates in the given phase of the
// current event. The rules must mirror how the publisher counts pending
// acknowledgments per tier, or acks will never balance.
func (e *changeEntry) relevant(phase Phase, id, prio uint32) bool {
	if e.priority != prio {
		return false
	}
	switch phase {
	case PhaseUpdate:
		return e.opts&OptUpdate != 0
	case PhaseChange:
		return e.opts&OptDoneOnly == 0
	case PhaseDone:
		return true
	case PhaseAbort:
		// Only entries this commit already reached have anything to roll
		// back; the publisher fans ABORT out to exactly that set.
		return e.eventID == id && (e.phase == PhaseUpdate || e.phase == PhaseChange)
	}
	return false
}

func (h *Handle) processChangeGroup(g *changeGroup) error {
	if err := g.seg.Lock().Lock(DefaultTimeout); err != nil {
		return wrapShmErr(err, "locking segment %q", g.seg.Path())
	}
	// Another process may have grown the file since the last sweep.
	if err := g.seg.EnsureSize(0); err != nil {
		g.seg.Lock().Unlock()
		return wrapShmErr(err, "remapping segment %q", g.seg.Path())
	}

	hdr := g.seg.Header()
	phase := Phase(hdr.Event())
	id := hdr.EventID()
	prio := hdr.Priority()

	if phase != PhaseUpdate && phase != PhaseChange && phase != PhaseDone && phase != PhaseAbort {
		g.seg.Lock().Unlock()
		return nil
	}

	change, err := g.seg.ReadPayload()
	if err != nil {
		g.seg.Lock().Unlock()
		return wrapShmErr(err, "reading change of %q", g.module)
	}

	for _, e := range g.entries {
		if !e.relevant(phase, id, prio) {
			continue
		}
		if e.eventID == id && e.phase == phase {
			// Re-signaled after this entry already acknowledged.
			continue
		}

		edited, cbErr := e.cb(g.module, g.ds, phase, change, e.private)
		metrics.EventsProcessed.WithLabelValues("change").Inc()
		switch {
		case cbErr != nil && (phase == PhaseUpdate || phase == PhaseChange):
			metrics.CallbackFailures.WithLabelValues(phase.String()).Inc()
			h.log.Warn().Err(cbErr).Str("module", g.module).Stringer("phase", phase).
				Msg("subscriber vetoed the change")
			if hdr.ErrCode() == 0 {
				hdr.SetErrCode(1)
			}
		case cbErr != nil:
			// DONE and ABORT cannot fail the commit.
			h.log.Warn().Err(cbErr).Str("module", g.module).Stringer("phase", phase).
				Msg("callback failed")
		case phase == PhaseUpdate && edited != nil:
			if werr := g.seg.WritePayload(edited); werr != nil {
				g.seg.Lock().Unlock()
				return wrapShmErr(werr, "writing edited change of %q", g.module)
			}
			change = edited
		}

		// The cursor moves even on failure so an ABORT of this event still
		// finds the entry; the publisher counts on that.
		e.eventID = id
		e.phase = phase
		hdr.DecPending()
	}

	g.seg.Lock().Unlock()
	return nil
}

func (h *Handle) processOperEntry(module string, e *operEntry) error {
	if err := e.seg.Lock().Lock(DefaultTimeout); err != nil {
		return wrapShmErr(err, "locking segment %q", e.seg.Path())
	}
	if err := e.seg.EnsureSize(0); err != nil {
		e.seg.Lock().Unlock()
		return wrapShmErr(err, "remapping segment %q", e.seg.Path())
	}

	hdr := e.seg.Header()
	if Phase(hdr.Event()) != PhaseOperData {
		e.seg.Lock().Unlock()
		return nil
	}
	id := hdr.EventID()

	request, err := e.seg.ReadPayload()
	if err != nil {
		e.seg.Lock().Unlock()
		return wrapShmErr(err, "reading data request of %q", e.xpath)
	}

	reply, cbErr := e.cb(module, e.xpath, request, e.private)
	metrics.EventsProcessed.WithLabelValues("oper").Inc()
	if cbErr != nil {
		metrics.CallbackFailures.WithLabelValues(PhaseOperData.String()).Inc()
		h.log.Warn().Err(cbErr).Str("xpath", e.xpath).Msg("data provider failed")
		hdr.SetErrCode(1)
		hdr.SetDataLen(0)
	} else if werr := e.seg.WritePayload(reply); werr != nil {
		e.seg.Lock().Unlock()
		return wrapShmErr(werr, "writing data reply of %q", e.xpath)
	}

	e.eventID = id
	e.phase = PhaseOperData
	// Clearing the event tag hands the segment back to the requester.
	e.seg.Header().SetEvent(uint32(PhaseNone))
	e.seg.Lock().Unlock()
	return nil
}

func (h *Handle) processRPCEntry(e *rpcEntry) error {
	if err := e.seg.Lock().Lock(DefaultTimeout); err != nil {
		return wrapShmErr(err, "locking segment %q", e.seg.Path())
	}
	if err := e.seg.EnsureSize(0); err != nil {
		e.seg.Lock().Unlock()
		return wrapShmErr(err, "remapping segment %q", e.seg.Path())
	}

	hdr := e.seg.Header()
	if Phase(hdr.Event()) != PhaseRPC {
		e.seg.Lock().Unlock()
		return nil
	}
	id := hdr.EventID()

	input, err := e.seg.ReadPayload()
	if err != nil {
		e.seg.Lock().Unlock()
		return wrapShmErr(err, "reading rpc input of %q", e.xpath)
	}

	var output []byte
	var cbErr error
	if e.cb != nil {
		output, cbErr = e.cb(e.xpath, input, e.private)
	} else {
		output, cbErr = e.treeCB(e.xpath, input, e.private)
	}
	metrics.EventsProcessed.WithLabelValues("rpc").Inc()
	if cbErr != nil {
		metrics.CallbackFailures.WithLabelValues(PhaseRPC.String()).Inc()
		h.log.Warn().Err(cbErr).Str("xpath", e.xpath).Msg("rpc handler failed")
		hdr.SetErrCode(1)
		hdr.SetDataLen(0)
	} else if werr := e.seg.WritePayload(output); werr != nil {
		e.seg.Lock().Unlock()
		return wrapShmErr(werr, "writing rpc output of %q", e.xpath)
	}

	e.eventID = id
	e.phase = PhaseRPC
	e.seg.Header().SetEvent(uint32(PhaseNone))
	e.seg.Lock().Unlock()
	return nil
}

// wants reports whether a delivered notification falls into the entry's
// subscribed path and time window.
func (e *notifEntry) wants(xpath string, ts time.Time) bool {
	if e.xpath != "" && e.xpath != xpath {
		return false
	}
	if !e.start.IsZero() && ts.Before(e.start) {
		return false
	}
	if !e.stop.IsZero() && ts.After(e.stop) {
		return false
	}
	return true
}

func (h *Handle) processNotifGroup(g *notifGroup) error {
	if err := g.seg.Lock().Lock(DefaultTimeout); err != nil {
		return wrapShmErr(err, "locking segment %q", g.seg.Path())
	}
	if err := g.seg.EnsureSize(0); err != nil {
		g.seg.Lock().Unlock()
		return wrapShmErr(err, "remapping segment %q", g.seg.Path())
	}

	hdr := g.seg.Header()
	if Phase(hdr.Event()) != PhaseNotif {
		g.seg.Lock().Unlock()
		return nil
	}
	id := hdr.EventID()

	payload, err := g.seg.ReadPayload()
	if err != nil {
		g.seg.Lock().Unlock()
		return wrapShmErr(err, "reading notification of %q", g.module)
	}
	xpath, notif, ts, ok := decodeNotif(payload)
	if !ok {
		g.seg.Lock().Unlock()
		return internalf("malformed notification payload in %q", g.seg.Path())
	}

	for _, e := range g.entries {
		if e.eventID == id && e.phase == PhaseNotif {
			continue
		}
		// Every entry acknowledges, filtered or not; the publisher counts
		// registrations, not matches.
		if e.wants(xpath, ts) {
			if cbErr := e.cb(g.module, xpath, notif, ts, e.private); cbErr != nil {
				metrics.CallbackFailures.WithLabelValues(PhaseNotif.String()).Inc()
				h.log.Warn().Err(cbErr).Str("module", g.module).Msg("notification callback failed")
			}
			metrics.EventsProcessed.WithLabelValues("notif").Inc()
		}
		e.eventID = id
		e.phase = PhaseNotif
		if hdr.DecPending() == 0 {
			hdr.SetEvent(uint32(PhaseNone))
		}
	}

	g.seg.Lock().Unlock()
	return nil
}
