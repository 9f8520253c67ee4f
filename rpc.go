//go:build linux

package shmsub

import (
	"github.com/openconfd/shmsub/internal/shm"
)

// rpcEntry is one RPC/action subscription. RPC subscriptions are a flat list
// keyed by path; each owns a per-path segment like operational providers.
// Exactly one of cb and treeCB is set.
type rpcEntry struct {
	module  string
	xpath   string
	cb      RPCValueCallback
	treeCB  RPCTreeCallback
	cbID    uintptr
	private any
	seg     *shm.Segment

	eventID uint32
	phase   Phase
}

// SubscribeRPC registers an executor for the RPC or action at xpath in
// module. Exactly one callback form must be provided.
func (h *Handle) SubscribeRPC(module, xpath string, cb RPCValueCallback, treeCB RPCTreeCallback, private any) error {
	if module == "" || xpath == "" {
		return internalf("rpc subscription requires a module and a path")
	}
	if (cb == nil) == (treeCB == nil) {
		return internalf("rpc subscription requires exactly one callback form")
	}
	if err := h.lockRegistry(); err != nil {
		return err
	}
	defer h.mu.Unlock()

	for _, e := range h.rpcSubs {
		if e.xpath == xpath {
			return internalf("duplicate rpc subscription for %q", xpath)
		}
	}

	seg, created, err := shm.OpenOrCreate(h.paths.ShmDir, module, "rpc", int64(shm.StrHash(xpath)), shm.HeaderSize)
	if err != nil {
		return wrapShmErr(err, "opening rpc segment for %q", xpath)
	}
	if err := h.dir.RegisterRPC(module, xpath, h.pipe.Num()); err != nil {
		seg.Close()
		if created {
			if uerr := seg.Unlink(); uerr != nil {
				h.log.Warn().Err(uerr).Str("path", seg.Path()).Msg("failed to unlink segment")
			}
		}
		return newErrf(KindIO, err, "registering rpc subscription for %q", xpath)
	}

	id := callbackID(cb)
	if cb == nil {
		id = callbackID(treeCB)
	}
	h.rpcSubs = append(h.rpcSubs, &rpcEntry{
		module:  module,
		xpath:   xpath,
		cb:      cb,
		treeCB:  treeCB,
		cbID:    id,
		private: private,
		seg:     seg,
	})
	h.log.Debug().Str("module", module).Str("xpath", xpath).Msg("rpc subscription added")
	return nil
}

// UnsubscribeRPC removes the executor subscription matching xpath, the
// callback that was registered and private.
func (h *Handle) UnsubscribeRPC(xpath string, cb RPCValueCallback, treeCB RPCTreeCallback, private any) error {
	if err := h.lockRegistry(); err != nil {
		return err
	}
	defer h.mu.Unlock()

	cbID := callbackID(cb)
	if cb == nil {
		cbID = callbackID(treeCB)
	}
	for i, e := range h.rpcSubs {
		if e.xpath != xpath || e.cbID != cbID || !sameData(e.private, private) {
			continue
		}

		lastRemoved, err := h.dir.UnregisterRPC(e.module, xpath, h.pipe.Num())
		if err != nil {
			return newErrf(KindIO, err, "unregistering rpc subscription for %q", xpath)
		}

		e.seg.Close()
		if lastRemoved {
			if uerr := e.seg.Unlink(); uerr != nil {
				h.log.Warn().Err(uerr).Str("path", e.seg.Path()).Msg("failed to unlink segment")
			}
		}
		h.rpcSubs[i] = h.rpcSubs[len(h.rpcSubs)-1]
		h.rpcSubs = h.rpcSubs[:len(h.rpcSubs)-1]
		return nil
	}
	return internalf("no matching rpc subscription for %q", xpath)
}
