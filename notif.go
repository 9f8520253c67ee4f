//go:build linux

package shmsub

import (
	"time"

	"github.com/openconfd/shmsub/internal/shm"
)

// notifEntry is one notification subscription. start and stop bound the
// delivery window, zero meaning unbounded on that side.
type notifEntry struct {
	xpath   string // empty = all notifications of the module
	start   time.Time
	stop    time.Time
	cb      NotifCallback
	cbID    uintptr
	private any

	eventID uint32
	phase   Phase
}

type notifGroup struct {
	module  string
	seg     *shm.Segment
	entries []*notifEntry
}

func (h *Handle) findNotifGroup(module string) (int, *notifGroup) {
	for i, g := range h.notifGroups {
		if g.module == module {
			return i, g
		}
	}
	return -1, nil
}

// SubscribeNotif registers a listener for notifications of module. A zero
// start time means "from now"; a zero stop time means "forever".
func (h *Handle) SubscribeNotif(module, xpath string, start, stop time.Time, cb NotifCallback, private any) error {
	if module == "" || cb == nil {
		return internalf("notification subscription requires a module and a callback")
	}
	if !start.IsZero() && !stop.IsZero() && stop.Before(start) {
		return internalf("notification stop time precedes start time")
	}
	if err := h.lockRegistry(); err != nil {
		return err
	}
	defer h.mu.Unlock()

	_, g := h.findNotifGroup(module)
	cbID := callbackID(cb)
	if g != nil {
		for _, e := range g.entries {
			if e.xpath == xpath && e.start.Equal(start) && e.stop.Equal(stop) &&
				e.cbID == cbID && sameData(e.private, private) {
				return internalf("duplicate notification subscription for %q", module)
			}
		}
	}
	createdGroup := false
	createdFile := false
	if g == nil {
		seg, created, err := shm.OpenOrCreate(h.paths.ShmDir, module, "notif", -1, shm.HeaderSize)
		if err != nil {
			return wrapShmErr(err, "opening notification segment for %q", module)
		}
		g = &notifGroup{module: module, seg: seg}
		createdGroup = true
		createdFile = created
	}

	if err := h.dir.RegisterNotif(module, h.pipe.Num()); err != nil {
		h.unwindGroup(createdGroup, createdFile, g.seg)
		return newErrf(KindIO, err, "registering notification subscription for %q", module)
	}

	g.entries = append(g.entries, &notifEntry{
		xpath:   xpath,
		start:   start,
		stop:    stop,
		cb:      cb,
		cbID:    cbID,
		private: private,
	})
	if createdGroup {
		h.notifGroups = append(h.notifGroups, g)
	}
	h.log.Debug().Str("module", module).Msg("notification subscription added")
	return nil
}

// UnsubscribeNotif removes the unique entry matching every field of a
// previous SubscribeNotif.
func (h *Handle) UnsubscribeNotif(module, xpath string, start, stop time.Time, cb NotifCallback, private any) error {
	if err := h.lockRegistry(); err != nil {
		return err
	}
	defer h.mu.Unlock()

	gi, g := h.findNotifGroup(module)
	if g == nil {
		return internalf("no notification subscription for %q", module)
	}
	cbID := callbackID(cb)
	for j, e := range g.entries {
		if e.xpath != xpath || !e.start.Equal(start) || !e.stop.Equal(stop) ||
			e.cbID != cbID || !sameData(e.private, private) {
			continue
		}

		lastRemoved, err := h.dir.UnregisterNotif(module, h.pipe.Num())
		if err != nil {
			return newErrf(KindIO, err, "unregistering notification subscription for %q", module)
		}

		g.entries[j] = g.entries[len(g.entries)-1]
		g.entries = g.entries[:len(g.entries)-1]

		if len(g.entries) == 0 {
			g.seg.Close()
			if lastRemoved {
				if uerr := g.seg.Unlink(); uerr != nil {
					h.log.Warn().Err(uerr).Str("path", g.seg.Path()).Msg("failed to unlink segment")
				}
			}
			h.notifGroups[gi] = h.notifGroups[len(h.notifGroups)-1]
			h.notifGroups = h.notifGroups[:len(h.notifGroups)-1]
		}
		return nil
	}
	return internalf("no matching notification subscription for %q", module)
}
