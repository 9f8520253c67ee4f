//go:build linux

package shmsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openconfd/shmsub/internal/repopath"
	"github.com/openconfd/shmsub/internal/shm"
)

// recorder collects callback invocations across goroutines.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func startListen(t *testing.T, h *Handle) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Listen(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func newTestPublisher(t *testing.T, dir Directory, paths *repopath.Paths) *Publisher {
	t.Helper()
	p, err := NewPublisher(dir, WithPublisherPaths(paths), WithAckTimeout(5*time.Second))
	require.NoError(t, err)
	return p
}

func TestCommitChangePriorityOrdering(t *testing.T) {
	dir := newMemDirectory()
	paths := testPaths(t)
	h := newTestHandle(t, dir, paths)

	rec := &recorder{}
	record := func(module string, ds Datastore, phase Phase, change []byte, private any) ([]byte, error) {
		rec.add("%s/%v", phase, private)
		return nil, nil
	}
	for _, prio := range []uint32{10, 5, 20} {
		require.NoError(t, h.SubscribeChange("mp", "", DatastoreRunning, prio, OptDefault, record, prio))
	}
	startListen(t, h)

	pub := newTestPublisher(t, dir, paths)
	require.NoError(t, pub.CommitChange(context.Background(), "mp", DatastoreRunning, []byte("diff")))

	assert.Equal(t, []string{
		"change/5", "change/10", "change/20",
		"done/5", "done/10", "done/20",
	}, rec.get())
}

func TestCommitChangeUpdateEditsPayload(t *testing.T) {
	dir := newMemDirectory()
	paths := testPaths(t)
	h := newTestHandle(t, dir, paths)

	rec := &recorder{}
	editor := func(module string, ds Datastore, phase Phase, change []byte, private any) ([]byte, error) {
		rec.add("editor/%s/%s", phase, change)
		if phase == PhaseUpdate {
			return []byte("edited"), nil
		}
		return nil, nil
	}
	watcher := func(module string, ds Datastore, phase Phase, change []byte, private any) ([]byte, error) {
		rec.add("watcher/%s/%s", phase, change)
		return nil, nil
	}
	require.NoError(t, h.SubscribeChange("mu", "", DatastoreRunning, 0, OptUpdate, editor, nil))
	require.NoError(t, h.SubscribeChange("mu", "", DatastoreRunning, 1, OptDefault, watcher, nil))
	startListen(t, h)

	pub := newTestPublisher(t, dir, paths)
	require.NoError(t, pub.CommitChange(context.Background(), "mu", DatastoreRunning, []byte("orig")))

	assert.Equal(t, []string{
		"editor/update/orig",
		"editor/change/edited",
		"watcher/change/edited",
		"editor/done/edited",
		"watcher/done/edited",
	}, rec.get())
}

func TestCommitChangeVetoAborts(t *testing.T) {
	dir := newMemDirectory()
	paths := testPaths(t)
	h := newTestHandle(t, dir, paths)

	rec := &recorder{}
	ok := func(module string, ds Datastore, phase Phase, change []byte, private any) ([]byte, error) {
		rec.add("%s/%v", phase, private)
		return nil, nil
	}
	veto := func(module string, ds Datastore, phase Phase, change []byte, private any) ([]byte, error) {
		rec.add("%s/%v", phase, private)
		if phase == PhaseChange {
			return nil, errors.New("not on my watch")
		}
		return nil, nil
	}
	require.NoError(t, h.SubscribeChange("mv", "", DatastoreRunning, 5, OptDefault, ok, 5))
	require.NoError(t, h.SubscribeChange("mv", "", DatastoreRunning, 10, OptDefault, veto, 10))
	require.NoError(t, h.SubscribeChange("mv", "", DatastoreRunning, 20, OptDefault, ok, 20))
	startListen(t, h)

	pub := newTestPublisher(t, dir, paths)
	err := pub.CommitChange(context.Background(), "mv", DatastoreRunning, []byte("diff"))
	require.Error(t, err)
	assert.Equal(t, KindCallbackFailed, KindOf(err))

	// The abort walks the already notified tiers in reverse; priority 20 was
	// never reached and must see nothing.
	assert.Equal(t, []string{
		"change/5", "change/10",
		"abort/10", "abort/5",
	}, rec.get())
}

func TestCommitChangeUpdateVetoAbortsPromptly(t *testing.T) {
	dir := newMemDirectory()
	paths := testPaths(t)
	h := newTestHandle(t, dir, paths)

	rec := &recorder{}
	veto := func(module string, ds Datastore, phase Phase, change []byte, private any) ([]byte, error) {
		rec.add("%s", phase)
		if phase == PhaseChange {
			return nil, errors.New("no")
		}
		return nil, nil
	}
	// An updater sees both UPDATE and CHANGE but must be counted once when
	// the abort walks the notified set.
	require.NoError(t, h.SubscribeChange("ma", "", DatastoreRunning, 0, OptUpdate, veto, nil))
	startListen(t, h)

	p, err := NewPublisher(dir, WithPublisherPaths(paths), WithAckTimeout(2*time.Second))
	require.NoError(t, err)

	start := time.Now()
	err = p.CommitChange(context.Background(), "ma", DatastoreRunning, []byte("diff"))
	require.Error(t, err)
	assert.Equal(t, KindCallbackFailed, KindOf(err))
	assert.Less(t, time.Since(start), time.Second, "abort stalled waiting for acks that can never come")

	assert.Equal(t, []string{"update", "change", "abort"}, rec.get())
}

func TestCommitChangeEventIDsIncrease(t *testing.T) {
	dir := newMemDirectory()
	paths := testPaths(t)
	h := newTestHandle(t, dir, paths)

	rec := &recorder{}
	record := func(module string, ds Datastore, phase Phase, change []byte, private any) ([]byte, error) {
		rec.add("%s", phase)
		return nil, nil
	}
	require.NoError(t, h.SubscribeChange("mi", "", DatastoreRunning, 0, OptDefault, record, nil))
	startListen(t, h)

	pub := newTestPublisher(t, dir, paths)
	require.NoError(t, pub.CommitChange(context.Background(), "mi", DatastoreRunning, []byte("one")))
	require.NoError(t, pub.CommitChange(context.Background(), "mi", DatastoreRunning, []byte("two")))

	// Each commit gets a fresh id; the second must not re-deliver anything
	// from the first.
	assert.Equal(t, []string{"change", "done", "change", "done"}, rec.get())

	seg, _, err := shm.OpenOrCreate(paths.ShmDir, "mi", "running", -1, shm.HeaderSize)
	require.NoError(t, err)
	defer seg.Close()
	assert.Equal(t, uint32(2), seg.Header().EventID())
}

func TestCommitChangeDoneOnly(t *testing.T) {
	dir := newMemDirectory()
	paths := testPaths(t)
	h := newTestHandle(t, dir, paths)

	rec := &recorder{}
	record := func(module string, ds Datastore, phase Phase, change []byte, private any) ([]byte, error) {
		rec.add("%v/%s", private, phase)
		return nil, nil
	}
	require.NoError(t, h.SubscribeChange("md", "", DatastoreRunning, 0, OptDoneOnly, record, "quiet"))
	require.NoError(t, h.SubscribeChange("md", "", DatastoreRunning, 0, OptDefault, record, "full"))
	startListen(t, h)

	pub := newTestPublisher(t, dir, paths)
	require.NoError(t, pub.CommitChange(context.Background(), "md", DatastoreRunning, []byte("diff")))

	assert.Equal(t, []string{
		"full/change",
		"quiet/done", "full/done",
	}, rec.get())
}

func TestCommitChangeNoSubscribers(t *testing.T) {
	dir := newMemDirectory()
	paths := testPaths(t)
	pub := newTestPublisher(t, dir, paths)
	assert.NoError(t, pub.CommitChange(context.Background(), "empty", DatastoreRunning, []byte("diff")))
}

func TestRequestOperData(t *testing.T) {
	dir := newMemDirectory()
	paths := testPaths(t)
	h := newTestHandle(t, dir, paths)

	provider := func(module, xpath string, request []byte, private any) ([]byte, error) {
		return []byte("state of " + string(request)), nil
	}
	require.NoError(t, h.SubscribeOperData("mo", "/mo:stats", provider, nil))
	startListen(t, h)

	pub := newTestPublisher(t, dir, paths)
	reply, err := pub.RequestOperData(context.Background(), "mo", "/mo:stats", []byte("eth0"))
	require.NoError(t, err)
	assert.Equal(t, []byte("state of eth0"), reply)
}

func TestRequestOperDataNoProvider(t *testing.T) {
	dir := newMemDirectory()
	pub := newTestPublisher(t, dir, testPaths(t))
	_, err := pub.RequestOperData(context.Background(), "mo", "/mo:none", nil)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestCallRPC(t *testing.T) {
	dir := newMemDirectory()
	paths := testPaths(t)
	h := newTestHandle(t, dir, paths)

	exec := func(xpath string, input []byte, private any) ([]byte, error) {
		return append([]byte("ran "), input...), nil
	}
	require.NoError(t, h.SubscribeRPC("mr", "/mr:reboot", exec, nil, nil))
	startListen(t, h)

	pub := newTestPublisher(t, dir, paths)
	out, err := pub.CallRPC(context.Background(), "/mr:reboot", []byte("now"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ran now"), out)
}

func TestCallRPCHandlerFailure(t *testing.T) {
	dir := newMemDirectory()
	paths := testPaths(t)
	h := newTestHandle(t, dir, paths)

	exec := func(xpath string, input []byte, private any) ([]byte, error) {
		return nil, errors.New("unit offline")
	}
	require.NoError(t, h.SubscribeRPC("mr", "/mr:fail", exec, nil, nil))
	startListen(t, h)

	pub := newTestPublisher(t, dir, paths)
	_, err := pub.CallRPC(context.Background(), "/mr:fail", nil)
	assert.Equal(t, KindCallbackFailed, KindOf(err))
}

func TestCallRPCBadPath(t *testing.T) {
	dir := newMemDirectory()
	pub := newTestPublisher(t, dir, testPaths(t))

	_, err := pub.CallRPC(context.Background(), "no-namespace", nil)
	assert.Equal(t, KindInternal, KindOf(err))

	_, err = pub.CallRPC(context.Background(), "/mr:unknown", nil)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestSendNotifWindowFiltering(t *testing.T) {
	dir := newMemDirectory()
	paths := testPaths(t)
	h := newTestHandle(t, dir, paths)

	rec := &recorder{}
	listen := func(module, xpath string, notif []byte, ts time.Time, private any) error {
		rec.add("%v/%s/%s", private, xpath, notif)
		return nil
	}
	now := time.Now()
	require.NoError(t, h.SubscribeNotif("mn", "", time.Time{}, time.Time{}, listen, "open"))
	require.NoError(t, h.SubscribeNotif("mn", "", time.Time{}, now.Add(-time.Hour), listen, "expired"))
	startListen(t, h)

	pub := newTestPublisher(t, dir, paths)
	require.NoError(t, pub.SendNotif(context.Background(), "mn", "/mn:link-down", []byte("eth0"), now))

	// Only the subscription whose window covers the event time fires; the
	// expired one still acknowledges silently.
	assert.Equal(t, []string{"open//mn:link-down/eth0"}, rec.get())
}

func TestSendNotifPathFiltering(t *testing.T) {
	dir := newMemDirectory()
	paths := testPaths(t)
	h := newTestHandle(t, dir, paths)

	rec := &recorder{}
	listen := func(module, xpath string, notif []byte, ts time.Time, private any) error {
		rec.add("%v", private)
		return nil
	}
	require.NoError(t, h.SubscribeNotif("mn", "/mn:link-down", time.Time{}, time.Time{}, listen, "match"))
	require.NoError(t, h.SubscribeNotif("mn", "/mn:link-up", time.Time{}, time.Time{}, listen, "other"))
	startListen(t, h)

	pub := newTestPublisher(t, dir, paths)
	require.NoError(t, pub.SendNotif(context.Background(), "mn", "/mn:link-down", nil, time.Now()))
	assert.Equal(t, []string{"match"}, rec.get())
}

func TestSendNotifNoListeners(t *testing.T) {
	dir := newMemDirectory()
	pub := newTestPublisher(t, dir, testPaths(t))
	assert.NoError(t, pub.SendNotif(context.Background(), "mn", "/mn:x", nil, time.Now()))
}
