//go:build linux

package shmsub

// UnsubscribeAll removes every subscription owned by the handle: each entry
// is unregistered from the module directory, backing files whose last
// system-wide subscriber this was are unlinked, and all registry memory is
// released.
//
// The teardown is not transactional. When a directory unregistration fails,
// everything removed so far stays removed, the failing entry and all later
// ones stay subscribed, and the first error is returned; calling
// UnsubscribeAll again resumes where the failure happened.
func (h *Handle) UnsubscribeAll() error {
	if err := h.mu.Lock(DefaultTimeout); err != nil {
		return wrapShmErr(err, "locking subscription registry")
	}
	defer h.mu.Unlock()

	// Entries and groups are popped from the back as they are processed so
	// a partial failure leaves the registry consistent for a retry.

	for len(h.changeGroups) > 0 {
		gi := len(h.changeGroups) - 1
		g := h.changeGroups[gi]
		lastRemoved := false
		for len(g.entries) > 0 {
			e := g.entries[len(g.entries)-1]
			last, err := h.dir.UnregisterChange(g.module, g.ds, e.xpath, e.priority, e.opts, h.pipe.Num())
			if err != nil {
				return newErrf(KindIO, err, "unregistering change subscription for %q", g.module)
			}
			lastRemoved = last
			g.entries = g.entries[:len(g.entries)-1]
		}
		h.dropChangeGroup(gi, lastRemoved)
	}

	for len(h.operGroups) > 0 {
		gi := len(h.operGroups) - 1
		g := h.operGroups[gi]
		for len(g.entries) > 0 {
			e := g.entries[len(g.entries)-1]
			lastRemoved, err := h.dir.UnregisterOperData(g.module, e.xpath, h.pipe.Num())
			if err != nil {
				return newErrf(KindIO, err, "unregistering operational subscription for %q", e.xpath)
			}
			e.seg.Close()
			if lastRemoved {
				if uerr := e.seg.Unlink(); uerr != nil {
					h.log.Warn().Err(uerr).Str("path", e.seg.Path()).Msg("failed to unlink segment")
				}
			}
			g.entries = g.entries[:len(g.entries)-1]
		}
		h.operGroups = h.operGroups[:gi]
	}

	for len(h.rpcSubs) > 0 {
		e := h.rpcSubs[len(h.rpcSubs)-1]
		lastRemoved, err := h.dir.UnregisterRPC(e.module, e.xpath, h.pipe.Num())
		if err != nil {
			return newErrf(KindIO, err, "unregistering rpc subscription for %q", e.xpath)
		}
		e.seg.Close()
		if lastRemoved {
			if uerr := e.seg.Unlink(); uerr != nil {
				h.log.Warn().Err(uerr).Str("path", e.seg.Path()).Msg("failed to unlink segment")
			}
		}
		h.rpcSubs = h.rpcSubs[:len(h.rpcSubs)-1]
	}

	for len(h.notifGroups) > 0 {
		gi := len(h.notifGroups) - 1
		g := h.notifGroups[gi]
		lastRemoved := false
		for len(g.entries) > 0 {
			last, err := h.dir.UnregisterNotif(g.module, h.pipe.Num())
			if err != nil {
				return newErrf(KindIO, err, "unregistering notification subscription for %q", g.module)
			}
			lastRemoved = last
			g.entries = g.entries[:len(g.entries)-1]
		}
		g.seg.Close()
		if lastRemoved {
			if uerr := g.seg.Unlink(); uerr != nil {
				h.log.Warn().Err(uerr).Str("path", g.seg.Path()).Msg("failed to unlink segment")
			}
		}
		h.notifGroups = h.notifGroups[:gi]
	}

	return nil
}
