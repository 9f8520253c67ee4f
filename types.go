package shmsub

import "time"

// Datastore identifies one of the distinguishable configuration stores a
// change subscription targets. Its String form doubles as the segment-name
// kind suffix and must stay stable.
type Datastore int

const (
	DatastoreRunning Datastore = iota
	DatastoreStartup
	DatastoreOperational
)

func (d Datastore) String() string {
	switch d {
	case DatastoreRunning:
		return "running"
	case DatastoreStartup:
		return "startup"
	case DatastoreOperational:
		return "operational"
	}
	return ""
}

// Phase is the event tag written into a segment header: the four steps of a
// configuration-change commit plus the three single-phase request kinds.
type Phase uint32

const (
	PhaseNone Phase = iota
	PhaseUpdate
	PhaseChange
	PhaseDone
	PhaseAbort
	PhaseOperData
	PhaseRPC
	PhaseNotif
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseUpdate:
		return "update"
	case PhaseChange:
		return "change"
	case PhaseDone:
		return "done"
	case PhaseAbort:
		return "abort"
	case PhaseOperData:
		return "data-provide"
	case PhaseRPC:
		return "rpc"
	case PhaseNotif:
		return "notif"
	}
	return "unknown"
}

// Options are change-subscription flags.
type Options uint32

const (
	// OptDefault subscribes to CHANGE, DONE and ABORT.
	OptDefault Options = 0
	// OptDoneOnly skips the CHANGE phase; the subscriber only learns of
	// applied changes through DONE.
	OptDoneOnly Options = 1 << 0
	// OptPassive marks the subscription as not required for the module to be
	// considered managed.
	OptPassive Options = 1 << 1
	// OptUpdate additionally delivers the UPDATE phase, letting the
	// subscriber edit or veto the pending change before it is applied.
	OptUpdate Options = 1 << 2
)

// ChangeCallback handles one phase of a configuration-change commit. change
// holds the opaque serialized diff produced by the data-tree engine. During
// UPDATE a non-nil return value replaces the pending change; in every other
// phase the return value is ignored. Returning an error during UPDATE or
// CHANGE vetoes the commit; errors during DONE and ABORT are logged only.
type ChangeCallback func(module string, ds Datastore, phase Phase, change []byte, private any) ([]byte, error)

// OperCallback serves one operational-data request and returns the serialized
// data subtree for the subscribed path.
type OperCallback func(module, xpath string, request []byte, private any) ([]byte, error)

// RPCValueCallback executes an RPC/action given its input in the flat value
// encoding.
type RPCValueCallback func(xpath string, input []byte, private any) ([]byte, error)

// RPCTreeCallback executes an RPC/action given its input as a printed data
// tree. Exactly one of the two RPC callback forms must be set per
// subscription.
type RPCTreeCallback func(xpath string, input []byte, private any) ([]byte, error)

// NotifCallback handles a delivered notification. A returned error is logged;
// notifications cannot be vetoed.
type NotifCallback func(module, xpath string, notif []byte, timestamp time.Time, private any) error
