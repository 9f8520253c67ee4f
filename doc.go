// Package shmsub is the subscription and event-delivery core of a
// multi-process configuration datastore. Processes rendezvous through files
// mapped into shared memory: every segment begins with a process-shared
// reader/writer lock and an event header, followed by the event payload.
//
// A subscriber creates a Handle, registers callbacks for configuration
// changes, operational-data requests, RPCs or notifications, and runs Listen.
// A Publisher in any process drives events into the shared segments, wakes
// subscribers through their event pipes, and collects acknowledgments from
// the same header.
// Configuration changes run a multi-phase commit: UPDATE tiers let
// subscribers edit the pending change, CHANGE tiers let them veto it, and the
// commit ends with DONE, or with ABORT delivered in reverse order to everyone
// already notified.
//
// The system-wide record of who subscribes to what lives behind the
// Directory interface; directory/boltdir provides a single-machine
// implementation.
package shmsub
