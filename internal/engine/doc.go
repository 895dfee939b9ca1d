// Package engine owns the daemon's moving parts: the singleton capture
// session, the deck controller, the job queue, and the event hub that fans
// daemon happenings out to presentation clients. The IPC layer calls into
// the engine; the engine never imports presentation code.
//
// Hooks wired at construction keep the hub current: capture session state
// changes and queue item writes publish typed events, and a finished
// capture enqueues its project for merging when auto_merge is enabled.
package engine
