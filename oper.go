//go:build linux

package shmsub

import (
	"github.com/openconfd/shmsub/internal/shm"
)

// operEntry is one operational-data-provider subscription. Unlike change
// groups, each entry owns its own segment, named by the Jenkins hash of its
// path so repeated subscriptions to the same path reuse the same file.
type operEntry struct {
	xpath   string
	cb      OperCallback
	cbID    uintptr
	private any
	seg     *shm.Segment

	eventID uint32
	phase   Phase
}

type operGroup struct {
	module  string
	entries []*operEntry
}

func (h *Handle) findOperGroup(module string) (int, *operGroup) {
	for i, g := range h.operGroups {
		if g.module == module {
			return i, g
		}
	}
	return -1, nil
}

// SubscribeOperData registers a provider for operational data requests on the
// given path of module.
func (h *Handle) SubscribeOperData(module, xpath string, cb OperCallback, private any) error {
	if module == "" || xpath == "" || cb == nil {
		return internalf("operational subscription requires a module, a path and a callback")
	}
	if err := h.lockRegistry(); err != nil {
		return err
	}
	defer h.mu.Unlock()

	_, g := h.findOperGroup(module)
	createdGroup := false
	if g == nil {
		g = &operGroup{module: module}
		createdGroup = true
	}
	cbID := callbackID(cb)
	for _, e := range g.entries {
		if e.xpath == xpath && e.cbID == cbID && sameData(e.private, private) {
			return internalf("duplicate operational subscription for %q", xpath)
		}
	}

	seg, created, err := shm.OpenOrCreate(h.paths.ShmDir, module, "state", int64(shm.StrHash(xpath)), shm.HeaderSize)
	if err != nil {
		return wrapShmErr(err, "opening operational segment for %q", xpath)
	}
	if err := h.dir.RegisterOperData(module, xpath, h.pipe.Num()); err != nil {
		seg.Close()
		if created {
			if uerr := seg.Unlink(); uerr != nil {
				h.log.Warn().Err(uerr).Str("path", seg.Path()).Msg("failed to unlink segment")
			}
		}
		return newErrf(KindIO, err, "registering operational subscription for %q", xpath)
	}

	g.entries = append(g.entries, &operEntry{
		xpath:   xpath,
		cb:      cb,
		cbID:    cbID,
		private: private,
		seg:     seg,
	})
	if createdGroup {
		h.operGroups = append(h.operGroups, g)
	}
	h.log.Debug().Str("module", module).Str("xpath", xpath).Msg("operational subscription added")
	return nil
}

// UnsubscribeOperData removes the provider subscription matching xpath, cb
// and private on module.
func (h *Handle) UnsubscribeOperData(module, xpath string, cb OperCallback, private any) error {
	if err := h.lockRegistry(); err != nil {
		return err
	}
	defer h.mu.Unlock()

	gi, g := h.findOperGroup(module)
	if g == nil {
		return internalf("no operational subscription for %q", module)
	}
	cbID := callbackID(cb)
	for j, e := range g.entries {
		if e.xpath != xpath || e.cbID != cbID || !sameData(e.private, private) {
			continue
		}

		lastRemoved, err := h.dir.UnregisterOperData(module, xpath, h.pipe.Num())
		if err != nil {
			return newErrf(KindIO, err, "unregistering operational subscription for %q", xpath)
		}

		e.seg.Close()
		if lastRemoved {
			if uerr := e.seg.Unlink(); uerr != nil {
				h.log.Warn().Err(uerr).Str("path", e.seg.Path()).Msg("failed to unlink segment")
			}
		}
		g.entries[j] = g.entries[len(g.entries)-1]
		g.entries = g.entries[:len(g.entries)-1]

		if len(g.entries) == 0 {
			h.operGroups[gi] = h.operGroups[len(h.operGroups)-1]
			h.operGroups = h.operGroups[:len(h.operGroups)-1]
		}
		return nil
	}
	return internalf("no matching operational subscription for %q", xpath)
}
