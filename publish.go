//go:build linux

package shmsub

import (
	"context"
	"encoding/binary"
	"errors"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/openconfd/shmsub/internal/evpipe"
	"github.com/openconfd/shmsub/internal/logging"
	"github.com/openconfd/shmsub/internal/metrics"
	"github.com/openconfd/shmsub/internal/repopath"
	"github.com/openconfd/shmsub/internal/shm"
)

const (
	// ackPollMin and ackPollMax bound the sleep between acknowledgment polls.
	ackPollMin = time.Millisecond
	ackPollMax = 50 * time.Millisecond
)

// Publisher drives events into subscription segments: multi-phase
// configuration commits, operational-data and RPC request/reply exchanges,
// and notification fan-out. A Publisher holds no per-module state; one
// instance serves any number of modules.
type Publisher struct {
	dir        Directory
	paths      *repopath.Paths
	log        zerolog.Logger
	originID   uint32
	ackTimeout time.Duration
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherPaths overrides the discovered repository paths.
func WithPublisherPaths(p *repopath.Paths) PublisherOption {
	return func(pub *Publisher) { pub.paths = p }
}

// WithAckTimeout bounds how long each phase waits for subscriber
// acknowledgment. Zero keeps DefaultTimeout.
func WithAckTimeout(d time.Duration) PublisherOption {
	return func(pub *Publisher) { pub.ackTimeout = d }
}

// WithOrigin sets the origin identity stamped into published event headers.
func WithOrigin(id uint32) PublisherOption {
	return func(pub *Publisher) { pub.originID = id }
}

// NewPublisher creates a publisher over the given module directory.
func NewPublisher(dir Directory, opts ...PublisherOption) (*Publisher, error) {
	if dir == nil {
		return nil, internalf("nil directory")
	}
	p := &Publisher{
		dir:        dir,
		log:        logging.WithComponent("publish"),
		originID:   uint32(os.Getpid()),
		ackTimeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.paths == nil {
		var err error
		if p.paths, err = repopath.Discover(); err != nil {
			return nil, newErrf(KindIO, err, "resolving repository paths")
		}
	}
	return p, nil
}

// tier is one priority level of a commit phase: the subscribers notified
// together and acknowledged together.
type tier struct {
	prio uint32
	subs []ChangeSubscriber
}

// priorityTiers buckets the subscribers passing include by priority,
// ascending. Lower priorities are notified first.
func priorityTiers(subs []ChangeSubscriber, include func(ChangeSubscriber) bool) []tier {
	byPrio := make(map[uint32][]ChangeSubscriber)
	for _, s := range subs {
		if include(s) {
			byPrio[s.Priority] = append(byPrio[s.Priority], s)
		}
	}
	tiers := make([]tier, 0, len(byPrio))
	for prio, ts := range byPrio {
		tiers = append(tiers, tier{prio: prio, subs: ts})
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].prio < tiers[j].prio })
	return tiers
}

// CommitChange runs the full configuration-change commit against module in
// ds: UPDATE tiers first (subscribers may edit change), then CHANGE tiers
// (subscribers may veto), then DONE on success or ABORT, in reverse tier
// order, over everyone already notified, on failure. change is the opaque
// serialized diff; it is delivered verbatim unless an UPDATE subscriber
// replaces it.
func (p *Publisher) CommitChange(ctx context.Context, module string, ds Datastore, change []byte) error {
	if module == "" {
		return internalf("commit requires a module")
	}
	if err := p.paths.CheckAccess(module, true); err != nil {
		if errors.Is(err, unix.EACCES) {
			return newErrf(KindPermissionDenied, err, "no write access to %q", module)
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return newErrf(KindIO, err, "checking access to %q", module)
		}
		// No persisted file yet; first commit for the module.
	}

	subs, err := p.dir.ChangeSubscribers(module, ds)
	if err != nil {
		return newErrf(KindIO, err, "listing change subscribers of %q", module)
	}
	if len(subs) == 0 {
		return nil
	}

	seg, _, err := shm.OpenOrCreate(p.paths.ShmDir, module, ds.String(), -1, shm.HeaderSize)
	if err != nil {
		return wrapShmErr(err, "opening change segment for %q", module)
	}
	defer seg.Close()

	// Reserve the commit's event id under the segment lock so concurrent
	// publishers cannot mint the same one. The stale tag of the previous,
	// fully acknowledged event is cleared along the way.
	if err := seg.Lock().Lock(p.ackTimeout); err != nil {
		if errors.Is(err, shm.ErrLockTimeout) {
			metrics.LockTimeouts.Inc()
		}
		return wrapShmErr(err, "locking segment %q", seg.Path())
	}
	id := seg.Header().EventID() + 1
	seg.Header().SetEventID(id)
	seg.Header().SetEvent(uint32(PhaseNone))
	seg.Lock().Unlock()

	log := p.log.With().Str("module", module).Stringer("datastore", ds).Uint32("event", id).Logger()
	metrics.EventsPublished.WithLabelValues("change").Inc()

	// notified accumulates everyone a phase has been delivered to so far;
	// ABORT fans out to exactly this set, and its pending counts must match
	// what the subscriber side considers abort-relevant. An OptUpdate
	// subscriber is reached by both UPDATE and CHANGE but acknowledges the
	// abort once, so the set is deduplicated.
	var notified []ChangeSubscriber
	seen := make(map[ChangeSubscriber]bool)
	markNotified := func(subs []ChangeSubscriber) {
		for _, s := range subs {
			if !seen[s] {
				seen[s] = true
				notified = append(notified, s)
			}
		}
	}

	abort := func(failed error) error {
		for _, t := range reverseTiers(priorityTiers(notified, func(ChangeSubscriber) bool { return true })) {
			if err := p.publishTier(seg, id, PhaseAbort, t, nil); err != nil {
				log.Warn().Err(err).Uint32("priority", t.prio).Msg("abort delivery failed")
				continue
			}
			if _, err := p.waitAcks(ctx, seg); err != nil {
				log.Warn().Err(err).Uint32("priority", t.prio).Msg("abort not acknowledged")
			}
		}
		return failed
	}

	for _, t := range priorityTiers(subs, func(s ChangeSubscriber) bool { return s.Opts&OptUpdate != 0 }) {
		if err := p.publishTier(seg, id, PhaseUpdate, t, change); err != nil {
			return abort(err)
		}
		markNotified(t.subs)
		errCode, err := p.waitAcks(ctx, seg)
		if err != nil {
			return abort(err)
		}
		if errCode != 0 {
			metrics.CallbackFailures.WithLabelValues(PhaseUpdate.String()).Inc()
			return abort(newErrf(KindCallbackFailed, nil, "update vetoed by a subscriber of %q", module))
		}
		// An UPDATE subscriber may have replaced the pending change.
		edited, err := p.readPayload(seg)
		if err != nil {
			return abort(wrapShmErr(err, "reading edited change of %q", module))
		}
		change = edited
	}

	for _, t := range priorityTiers(subs, func(s ChangeSubscriber) bool { return s.Opts&OptDoneOnly == 0 }) {
		if err := p.publishTier(seg, id, PhaseChange, t, change); err != nil {
			return abort(err)
		}
		markNotified(t.subs)
		errCode, err := p.waitAcks(ctx, seg)
		if err != nil {
			return abort(err)
		}
		if errCode != 0 {
			metrics.CallbackFailures.WithLabelValues(PhaseChange.String()).Inc()
			return abort(newErrf(KindCallbackFailed, nil, "change vetoed by a subscriber of %q", module))
		}
	}

	for _, t := range priorityTiers(subs, func(ChangeSubscriber) bool { return true }) {
		if err := p.publishTier(seg, id, PhaseDone, t, change); err != nil {
			log.Warn().Err(err).Uint32("priority", t.prio).Msg("done delivery failed")
			continue
		}
		if _, err := p.waitAcks(ctx, seg); err != nil {
			log.Warn().Err(err).Uint32("priority", t.prio).Msg("done not acknowledged")
		}
	}
	return nil
}

func reverseTiers(tiers []tier) []tier {
	for i, j := 0, len(tiers)-1; i < j; i, j = i+1, j-1 {
		tiers[i], tiers[j] = tiers[j], tiers[i]
	}
	return tiers
}

// publishTier writes one phase of one priority tier into the segment and
// wakes the tier's subscribers. A nil payload keeps the previous one, which
// ABORT relies on.
func (p *Publisher) publishTier(seg *shm.Segment, id uint32, phase Phase, t tier, payload []byte) error {
	if err := seg.Lock().Lock(p.ackTimeout); err != nil {
		if errors.Is(err, shm.ErrLockTimeout) {
			metrics.LockTimeouts.Inc()
		}
		return wrapShmErr(err, "locking segment %q", seg.Path())
	}
	hdr := seg.Header()
	hdr.SetEventID(id)
	hdr.SetOriginID(p.originID)
	hdr.SetErrCode(0)
	hdr.SetPriority(t.prio)
	hdr.SetPending(uint32(len(t.subs)))
	if payload != nil {
		if err := seg.WritePayload(payload); err != nil {
			seg.Lock().Unlock()
			return wrapShmErr(err, "writing payload to %q", seg.Path())
		}
	}
	// Event last: subscribers treat a phase tag as a published event.
	hdr.SetEvent(uint32(phase))

	// WritePayload may have remapped the segment; take a fresh lock view.
	seg.Lock().Unlock()

	for _, s := range t.subs {
		p.signal(s.EvPipe)
	}
	return nil
}

// signal wakes one delivery channel. A channel whose owner is gone is
// logged, not an error; its acknowledgment will simply never arrive.
func (p *Publisher) signal(num uint32) {
	if err := evpipe.Signal(p.paths.EvPipePath(num)); err != nil {
		p.log.Warn().Err(err).Uint32("evpipe", num).Msg("failed to signal subscriber")
	}
}

// waitAcks polls until every subscriber of the current tier has acknowledged,
// then reports the first subscriber error code. Polling backs off from 1ms
// to 50ms between reads.
func (p *Publisher) waitAcks(ctx context.Context, seg *shm.Segment) (errCode uint32, err error) {
	deadline := time.Now().Add(p.ackTimeout)
	sleep := ackPollMin
	for {
		lk := seg.Lock()
		if err := lk.RLock(p.ackTimeout); err != nil {
			return 0, wrapShmErr(err, "locking segment %q", seg.Path())
		}
		hdr := seg.Header()
		pending := hdr.Pending()
		errCode = hdr.ErrCode()
		lk.RUnlock()

		if pending == 0 {
			return errCode, nil
		}
		if ctx.Err() != nil {
			return 0, newErrf(KindIO, ctx.Err(), "waiting for acknowledgment on %q", seg.Path())
		}
		if time.Now().After(deadline) {
			metrics.AckTimeouts.Inc()
			return 0, newErrf(KindLockTimeout, nil, "%d subscribers did not acknowledge on %q", pending, seg.Path())
		}
		time.Sleep(sleep)
		if sleep *= 2; sleep > ackPollMax {
			sleep = ackPollMax
		}
	}
}

func (p *Publisher) readPayload(seg *shm.Segment) ([]byte, error) {
	if err := seg.Lock().RLock(p.ackTimeout); err != nil {
		return nil, err
	}
	data, err := seg.ReadPayload()
	// ReadPayload may remap on growth; unlock through a fresh view.
	seg.Lock().RUnlock()
	return data, err
}

// RequestOperData asks the provider subscribed at xpath in module for its
// operational data and returns the serialized reply. request carries the
// printed request filter, possibly empty.
func (p *Publisher) RequestOperData(ctx context.Context, module, xpath string, request []byte) ([]byte, error) {
	subs, err := p.dir.OperDataSubscribers(module, xpath)
	if err != nil {
		return nil, newErrf(KindIO, err, "listing data providers of %q", xpath)
	}
	if len(subs) == 0 {
		return nil, newErrf(KindNotFound, nil, "no data provider for %q", xpath)
	}
	return p.request(ctx, module, "state", int64(shm.StrHash(xpath)), PhaseOperData, "oper", request, subs)
}

// CallRPC executes the RPC or action at xpath and returns its serialized
// output. The target module is taken from the path's leading namespace.
func (p *Publisher) CallRPC(ctx context.Context, xpath string, input []byte) ([]byte, error) {
	module := repopath.FirstNamespace(xpath)
	if module == "" {
		return nil, internalf("rpc path %q has no leading namespace", xpath)
	}
	subs, err := p.dir.RPCSubscribers(module, xpath)
	if err != nil {
		return nil, newErrf(KindIO, err, "listing rpc executors of %q", xpath)
	}
	if len(subs) == 0 {
		return nil, newErrf(KindNotFound, nil, "no executor for rpc %q", xpath)
	}
	return p.request(ctx, module, "rpc", int64(shm.StrHash(xpath)), PhaseRPC, "rpc", input, subs)
}

// request runs one single-subscriber request/reply exchange: publish the
// request, wait until the subscriber clears the event tag, read the reply.
func (p *Publisher) request(ctx context.Context, module, suffix string, disc int64, phase Phase, kind string, payload []byte, subs []uint32) ([]byte, error) {
	seg, _, err := shm.OpenOrCreate(p.paths.ShmDir, module, suffix, disc, shm.HeaderSize)
	if err != nil {
		return nil, wrapShmErr(err, "opening %s segment for %q", kind, module)
	}
	defer seg.Close()

	if err := seg.Lock().Lock(p.ackTimeout); err != nil {
		if errors.Is(err, shm.ErrLockTimeout) {
			metrics.LockTimeouts.Inc()
		}
		return nil, wrapShmErr(err, "locking segment %q", seg.Path())
	}
	hdr := seg.Header()
	id := hdr.EventID() + 1
	hdr.SetEventID(id)
	hdr.SetOriginID(p.originID)
	hdr.SetErrCode(0)
	if err := seg.WritePayload(payload); err != nil {
		seg.Lock().Unlock()
		return nil, wrapShmErr(err, "writing payload to %q", seg.Path())
	}
	seg.Header().SetEvent(uint32(phase))
	seg.Lock().Unlock()

	metrics.EventsPublished.WithLabelValues(kind).Inc()
	for _, num := range subs {
		p.signal(num)
	}

	deadline := time.Now().Add(p.ackTimeout)
	sleep := ackPollMin
	for {
		lk := seg.Lock()
		if err := lk.RLock(p.ackTimeout); err != nil {
			return nil, wrapShmErr(err, "locking segment %q", seg.Path())
		}
		done := seg.Header().Event() == uint32(PhaseNone)
		errCode := seg.Header().ErrCode()
		var reply []byte
		if done && errCode == 0 {
			reply, err = seg.ReadPayload()
		}
		seg.Lock().RUnlock()

		if done {
			if errCode != 0 {
				metrics.CallbackFailures.WithLabelValues(phase.String()).Inc()
				return nil, newErrf(KindCallbackFailed, nil, "%s handler for %q failed", kind, module)
			}
			if err != nil {
				return nil, wrapShmErr(err, "reading %s reply of %q", kind, module)
			}
			return reply, nil
		}
		if ctx.Err() != nil {
			return nil, newErrf(KindIO, ctx.Err(), "waiting for %s reply of %q", kind, module)
		}
		if time.Now().After(deadline) {
			metrics.AckTimeouts.Inc()
			return nil, newErrf(KindLockTimeout, nil, "no %s reply for %q", kind, module)
		}
		time.Sleep(sleep)
		if sleep *= 2; sleep > ackPollMax {
			sleep = ackPollMax
		}
	}
}

// Notification payloads are self-describing so subscribers can filter by
// delivery window and path: 8 bytes of event time as unix nanoseconds, a
// 4-byte path length, the path, then the notification body.
const (
	notifTimestampLen = 8
	notifPathLenLen   = 4
)

func encodeNotif(xpath string, notif []byte, ts time.Time) []byte {
	payload := make([]byte, notifTimestampLen+notifPathLenLen+len(xpath)+len(notif))
	binary.LittleEndian.PutUint64(payload, uint64(ts.UnixNano()))
	binary.LittleEndian.PutUint32(payload[notifTimestampLen:], uint32(len(xpath)))
	copy(payload[notifTimestampLen+notifPathLenLen:], xpath)
	copy(payload[notifTimestampLen+notifPathLenLen+len(xpath):], notif)
	return payload
}

func decodeNotif(payload []byte) (xpath string, notif []byte, ts time.Time, ok bool) {
	if len(payload) < notifTimestampLen+notifPathLenLen {
		return "", nil, time.Time{}, false
	}
	ts = time.Unix(0, int64(binary.LittleEndian.Uint64(payload)))
	n := int(binary.LittleEndian.Uint32(payload[notifTimestampLen:]))
	rest := payload[notifTimestampLen+notifPathLenLen:]
	if n > len(rest) {
		return "", nil, time.Time{}, false
	}
	return string(rest[:n]), rest[n:], ts, true
}

// SendNotif fans a notification out to every listener of module. Delivery is
// best effort: a listener that never acknowledges is logged, not an error,
// and a module with no listeners is not an error either.
func (p *Publisher) SendNotif(ctx context.Context, module, xpath string, notif []byte, ts time.Time) error {
	if module == "" {
		return internalf("notification requires a module")
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	subs, err := p.dir.NotifSubscribers(module)
	if err != nil {
		return newErrf(KindIO, err, "listing notification listeners of %q", module)
	}
	if len(subs) == 0 {
		return nil
	}

	seg, _, err := shm.OpenOrCreate(p.paths.ShmDir, module, "notif", -1, shm.HeaderSize)
	if err != nil {
		return wrapShmErr(err, "opening notification segment for %q", module)
	}
	defer seg.Close()

	payload := encodeNotif(xpath, notif, ts)

	if err := seg.Lock().Lock(p.ackTimeout); err != nil {
		if errors.Is(err, shm.ErrLockTimeout) {
			metrics.LockTimeouts.Inc()
		}
		return wrapShmErr(err, "locking segment %q", seg.Path())
	}
	hdr := seg.Header()
	id := hdr.EventID() + 1
	hdr.SetEventID(id)
	hdr.SetOriginID(p.originID)
	hdr.SetErrCode(0)
	hdr.SetPending(uint32(len(subs)))
	if err := seg.WritePayload(payload); err != nil {
		seg.Lock().Unlock()
		return wrapShmErr(err, "writing payload to %q", seg.Path())
	}
	seg.Header().SetEvent(uint32(PhaseNotif))
	seg.Lock().Unlock()

	metrics.EventsPublished.WithLabelValues("notif").Inc()
	for _, num := range subs {
		p.signal(num)
	}

	if _, err := p.waitAcks(ctx, seg); err != nil {
		p.log.Warn().Err(err).Str("module", module).Str("xpath", xpath).
			Msg("notification not acknowledged by all listeners")
	}
	return nil
}
