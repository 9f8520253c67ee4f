//go:build linux

package shmsub

import (
	"os"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openconfd/shmsub/internal/evpipe"
	"github.com/openconfd/shmsub/internal/logging"
	"github.com/openconfd/shmsub/internal/repopath"
	"github.com/openconfd/shmsub/internal/shm"
)

const (
	// DefaultTimeout bounds registry and segment lock acquisitions where no
	// caller timeout is threaded through.
	DefaultTimeout = 5 * time.Second

	// defaultEventLoopTimeout is how long Listen blocks on the event pipe
	// before re-checking its context.
	defaultEventLoopTimeout = 500 * time.Millisecond
)

// pipeSeq disambiguates event-pipe numbers of handles within one process.
var pipeSeq uint32

// Handle is the process-local root of a subscriber: it owns the four typed
// group lists, the registry lock protecting them, and the event pipe other
// processes signal to wake this subscriber. One Handle per connected client.
//
// Callbacks run on the goroutine calling Listen or ProcessEvents while the
// registry is read-locked; they must not add or remove subscriptions.
type Handle struct {
	id    uuid.UUID
	dir   Directory
	paths *repopath.Paths
	log   zerolog.Logger

	mu   *shm.RWLock // registry lock, process-local
	pipe *evpipe.Pipe

	changeGroups []*changeGroup
	operGroups   []*operGroup
	rpcSubs      []*rpcEntry
	notifGroups  []*notifGroup

	closed bool
}

// HandleOption configures a Handle.
type HandleOption func(*handleOptions)

type handleOptions struct {
	paths     *repopath.Paths
	evpipeNum uint32
}

// WithPaths overrides the discovered repository paths.
func WithPaths(p *repopath.Paths) HandleOption {
	return func(o *handleOptions) { o.paths = p }
}

// WithEventPipe fixes the delivery-channel number instead of deriving one
// from the process id.
func WithEventPipe(num uint32) HandleOption {
	return func(o *handleOptions) { o.evpipeNum = num }
}

// NewHandle connects a subscriber: it resolves the repository paths and
// creates the handle's event pipe. dir is the main module table the handle
// registers its subscriptions in.
func NewHandle(dir Directory, opts ...HandleOption) (*Handle, error) {
	if dir == nil {
		return nil, internalf("nil directory")
	}
	var o handleOptions
	for _, opt := range opts {
		opt(&o)
	}

	paths := o.paths
	if paths == nil {
		var err error
		if paths, err = repopath.Discover(); err != nil {
			return nil, newErrf(KindIO, err, "resolving repository paths")
		}
	}

	num := o.evpipeNum
	if num == 0 {
		num = uint32(os.Getpid())<<10 | (atomic.AddUint32(&pipeSeq, 1) & 0x3ff)
	}
	pipe, err := evpipe.Create(paths.EvPipePath(num), num)
	if err != nil {
		return nil, newErrf(KindIO, err, "creating event pipe %d", num)
	}

	id := uuid.New()
	return &Handle{
		id:    id,
		dir:   dir,
		paths: paths,
		log:   logging.WithComponent("subscription").With().Str("handle", id.String()).Logger(),
		mu:    shm.NewLocal(),
		pipe:  pipe,
	}, nil
}

// EventPipe returns the handle's delivery-channel number.
func (h *Handle) EventPipe() uint32 { return h.pipe.Num() }

// Close removes every subscription owned by the handle and tears down its
// event pipe. The first error is returned but teardown of the pipe proceeds
// regardless.
func (h *Handle) Close() error {
	err := h.UnsubscribeAll()

	if lockErr := h.mu.Lock(DefaultTimeout); lockErr == nil {
		h.closed = true
		h.mu.Unlock()
	}
	if cerr := h.pipe.Close(); cerr != nil && err == nil {
		err = newErrf(KindIO, cerr, "closing event pipe")
	}
	if rerr := h.pipe.Remove(); rerr != nil && err == nil {
		err = newErrf(KindIO, rerr, "removing event pipe")
	}
	return err
}

// lockRegistry acquires the registry lock in write mode for the entire
// mutation, so another thread never observes a half-built group.
func (h *Handle) lockRegistry() error {
	if err := h.mu.Lock(DefaultTimeout); err != nil {
		return wrapShmErr(err, "locking subscription registry")
	}
	if h.closed {
		h.mu.Unlock()
		return internalf("handle already closed")
	}
	return nil
}

// callbackID yields a comparable identity for a callback function, used to
// match delete requests against the entry they created.
func callbackID(cb any) uintptr {
	v := reflect.ValueOf(cb)
	if !v.IsValid() || v.IsNil() {
		return 0
	}
	return v.Pointer()
}

// sameData compares user context values without panicking on uncomparable
// types.
func sameData(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
