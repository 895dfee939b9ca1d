// Package daemon hosts the long-running capstand process facade.
//
// A Daemon owns the single-instance lock, the pipeline engine, the
// workflow manager, and the FireWire hotplug monitor. It exposes the
// operations the IPC layer serves: capture control, deck transport,
// queue maintenance, status, and log access. The daemon does not own
// the queue store; the runtime that opened it closes it.
package daemon
