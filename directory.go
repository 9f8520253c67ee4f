package shmsub

// ChangeSubscriber is a directory record of one configuration-change
// subscription somewhere in the system.
type ChangeSubscriber struct {
	XPath    string
	Priority uint32
	Opts     Options
	EvPipe   uint32
}

// Directory is the main module table: the external, system-wide record of
// which delivery channels are subscribed to which modules. The registry
// updates it on every add/remove; publishers consult it to find subscribers.
// Unregister calls report whether the removal was the last for the segment's
// key, which tells the caller to unlink the backing file.
//
// This core does not own the directory; directory/boltdir provides a default
// single-machine implementation.
type Directory interface {
	RegisterChange(module string, ds Datastore, xpath string, priority uint32, opts Options, evpipe uint32) error
	UnregisterChange(module string, ds Datastore, xpath string, priority uint32, opts Options, evpipe uint32) (lastRemoved bool, err error)
	ChangeSubscribers(module string, ds Datastore) ([]ChangeSubscriber, error)

	RegisterOperData(module, xpath string, evpipe uint32) error
	UnregisterOperData(module, xpath string, evpipe uint32) (lastRemoved bool, err error)
	OperDataSubscribers(module, xpath string) ([]uint32, error)

	RegisterRPC(module, xpath string, evpipe uint32) error
	UnregisterRPC(module, xpath string, evpipe uint32) (lastRemoved bool, err error)
	RPCSubscribers(module, xpath string) ([]uint32, error)

	RegisterNotif(module string, evpipe uint32) error
	UnregisterNotif(module string, evpipe uint32) (lastRemoved bool, err error)
	NotifSubscribers(module string) ([]uint32, error)
}
