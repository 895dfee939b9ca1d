// Package events distributes daemon happenings to presentation clients
// through a bounded, sequenced in-memory buffer. Publishers stamp events
// with a monotonic sequence; consumers poll incrementally by sequence, so
// slow readers miss trimmed history instead of blocking the daemon.
package events

import (
	"context"
	"sync"
	"time"
)

// Kind classifies hub events.
type Kind string

const (
	KindSessionState    Kind = "session_state"
	KindCaptureProgress Kind = "capture_progress"
	KindDeviceAttached  Kind = "device_attached"
	KindDeviceDetached  Kind = "device_detached"
	KindJobTransition   Kind = "job_transition"
	KindJobProgress     Kind = "job_progress"
	KindNotification    Kind = "notification"
)

// Event is a sequenced payload consumed by status and log followers.
// Payload fields are kind-dependent; unused ones stay empty.
type Event struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message,omitempty"`
	Project   string    `json:"project,omitempty"`
	Device    string    `json:"device,omitempty"`
	State     string    `json:"state,omitempty"`
	ItemID    int64     `json:"item_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Percent   float64   `json:"percent,omitempty"`
}

const defaultCapacity = 500

// Hub stores recent events and provides incremental reads.
type Hub struct {
	mu      sync.Mutex
	nextSeq int64
	max     int
	events  []Event
	wake    chan struct{}
}

// NewHub creates a bounded event buffer. Non-positive capacities fall back
// to the default.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Hub{
		max:    capacity,
		events: make([]Event, 0, capacity),
		wake:   make(chan struct{}),
	}
}

// Publish appends one event, assigns its sequence and timestamp, and wakes
// blocked Fetch callers. The stamped event is returned.
func (h *Hub) Publish(event Event) Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSeq++
	event.Seq = h.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.events = append(h.events, event)
	if len(h.events) > h.max {
		trim := len(h.events) - h.max
		h.events = append([]Event(nil), h.events[trim:]...)
	}

	close(h.wake)
	h.wake = make(chan struct{})
	return event
}

// Since returns buffered events with sequence strictly greater than seq.
func (h *Hub) Since(seq int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sinceLocked(seq)
}

func (h *Hub) sinceLocked(seq int64) []Event {
	n := len(h.events)
	if n == 0 || h.events[n-1].Seq <= seq {
		return nil
	}
	out := make([]Event, 0, n)
	for _, event := range h.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// LastSeq returns the sequence of the most recently published event.
// Followers that only want future events start their cursor here.
func (h *Hub) LastSeq() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextSeq
}

// Fetch returns events after since, blocking up to wait for new ones when
// none are buffered yet. It returns early, possibly empty, when the
// context ends.
func (h *Hub) Fetch(ctx context.Context, since int64, wait time.Duration) []Event {
	deadline := time.Now().Add(wait)
	for {
		h.mu.Lock()
		out := h.sinceLocked(since)
		wake := h.wake
		h.mu.Unlock()

		if len(out) > 0 || wait <= 0 {
			return out
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			return nil
		case <-wake:
			timer.Stop()
		}
	}
}
