//go:build linux

package shmsub

import (
	"github.com/openconfd/shmsub/internal/shm"
)

// changeEntry is one configuration-change subscription. eventID and phase
// are the subscriber-side cursor into the multi-phase commit protocol: the
// last event this entry has processed and in which phase, used as the
// idempotent re-delivery guard.
type changeEntry struct {
	xpath    string // empty = whole module
	priority uint32
	opts     Options
	cb       ChangeCallback
	cbID     uintptr
	private  any

	eventID uint32
	phase   Phase
}

// changeGroup owns the multi-sub segment for one (module, datastore) key and
// the entries communicating through it. Created lazily on the first
// subscription to the key, destroyed when its entry list empties; the entry
// list and the segment are both present or both absent, never one without
// the other.
type changeGroup struct {
	module  string
	ds      Datastore
	seg     *shm.Segment
	entries []*changeEntry
}

func (h *Handle) findChangeGroup(module string, ds Datastore) (int, *changeGroup) {
	for i, g := range h.changeGroups {
		if g.module == module && g.ds == ds {
			return i, g
		}
	}
	return -1, nil
}

// SubscribeChange registers a callback for configuration changes on module
// in ds. An empty xpath subscribes to the whole module. priority orders
// CHANGE delivery (lower first); opts select the phases delivered.
func (h *Handle) SubscribeChange(module, xpath string, ds Datastore, priority uint32, opts Options, cb ChangeCallback, private any) error {
	if module == "" || cb == nil {
		return internalf("change subscription requires a module and a callback")
	}
	if err := h.lockRegistry(); err != nil {
		return err
	}
	defer h.mu.Unlock()

	_, g := h.findChangeGroup(module, ds)
	createdGroup := false
	createdFile := false
	if g == nil {
		seg, created, err := shm.OpenOrCreate(h.paths.ShmDir, module, ds.String(), -1, shm.HeaderSize)
		if err != nil {
			return wrapShmErr(err, "opening change segment for %q", module)
		}
		g = &changeGroup{module: module, ds: ds, seg: seg}
		createdGroup = true
		createdFile = created
	}

	cbID := callbackID(cb)
	for _, e := range g.entries {
		if e.xpath == xpath && e.priority == priority && e.opts == opts &&
			e.cbID == cbID && sameData(e.private, private) {
			h.unwindGroup(createdGroup, createdFile, g.seg)
			return internalf("duplicate change subscription for %q", module)
		}
	}

	if err := h.dir.RegisterChange(module, ds, xpath, priority, opts, h.pipe.Num()); err != nil {
		h.unwindGroup(createdGroup, createdFile, g.seg)
		return newErrf(KindIO, err, "registering change subscription for %q", module)
	}

	g.entries = append(g.entries, &changeEntry{
		xpath:    xpath,
		priority: priority,
		opts:     opts,
		cb:       cb,
		cbID:     cbID,
		private:  private,
	})
	if createdGroup {
		// The group becomes visible only after everything succeeded.
		h.changeGroups = append(h.changeGroups, g)
	}
	h.log.Debug().Str("module", module).Stringer("datastore", ds).Msg("change subscription added")
	return nil
}

// unwindGroup discards a group created during a failed add, removing the
// backing file only when this call created it.
func (h *Handle) unwindGroup(createdGroup, createdFile bool, seg *shm.Segment) {
	if !createdGroup {
		return
	}
	seg.Close()
	if createdFile {
		if err := seg.Unlink(); err != nil {
			h.log.Warn().Err(err).Str("path", seg.Path()).Msg("failed to unlink segment")
		}
	}
}

// UnsubscribeChange removes the unique entry matching every field of a
// previous SubscribeChange. Requesting removal of a subscription that was
// never added is an internal-inconsistency error.
func (h *Handle) UnsubscribeChange(module, xpath string, ds Datastore, priority uint32, opts Options, cb ChangeCallback, private any) error {
	if err := h.lockRegistry(); err != nil {
		return err
	}
	defer h.mu.Unlock()

	gi, g := h.findChangeGroup(module, ds)
	if g == nil {
		return internalf("no change subscription for %q in %s", module, ds)
	}
	cbID := callbackID(cb)
	for j, e := range g.entries {
		if e.xpath != xpath || e.priority != priority || e.opts != opts ||
			e.cbID != cbID || !sameData(e.private, private) {
			continue
		}

		lastRemoved, err := h.dir.UnregisterChange(module, ds, xpath, priority, opts, h.pipe.Num())
		if err != nil {
			return newErrf(KindIO, err, "unregistering change subscription for %q", module)
		}

		// Swap with the last entry; order among the rest is irrelevant,
		// CHANGE delivery order is computed from priorities at dispatch.
		g.entries[j] = g.entries[len(g.entries)-1]
		g.entries = g.entries[:len(g.entries)-1]

		if len(g.entries) == 0 {
			h.dropChangeGroup(gi, lastRemoved)
		}
		return nil
	}
	return internalf("no matching change subscription for %q in %s", module, ds)
}

func (h *Handle) dropChangeGroup(gi int, lastRemoved bool) {
	g := h.changeGroups[gi]
	g.seg.Close()
	if lastRemoved {
		if err := g.seg.Unlink(); err != nil {
			h.log.Warn().Err(err).Str("path", g.seg.Path()).Msg("failed to unlink segment")
		}
	}
	h.changeGroups[gi] = h.changeGroups[len(h.changeGroups)-1]
	h.changeGroups = h.changeGroups[:len(h.changeGroups)-1]
}
