// Package logstream drives `capstan logs` output over the daemon IPC
// surface. Raw line streaming tails the on-disk log file; event streaming
// drains the daemon's in-memory ring of structured records.
package logstream

import (
	"context"
	"errors"
	"fmt"

	"capstan/internal/ipc"
)

// TailClient captures the IPC contract for raw log-line streaming.
type TailClient interface {
	LogTail(req ipc.LogTailRequest) (*ipc.LogTailResponse, error)
}

// EventClient captures the IPC contract for structured log-event streaming.
type EventClient interface {
	LogEvents(req ipc.LogEventsRequest) (*ipc.LogEventsResponse, error)
}

// Options controls stream behavior. Lines == 0 means the whole file for
// raw streaming and the ring default for event streaming.
type Options struct {
	Lines  int
	Follow bool
}

// eventBatchLimit bounds each follow poll so a chatty daemon cannot
// stall the renderer behind one giant response.
const eventBatchLimit = 200

// Stream emits raw lines from the daemon log file until the backlog is
// drained, or indefinitely when following. It returns true when at least
// one line was emitted.
func Stream(ctx context.Context, client TailClient, opts Options, onLine func(string)) (bool, error) {
	if client == nil {
		return false, errors.New("log tail client not configured")
	}

	initialLimit := opts.Lines
	if initialLimit < 0 {
		initialLimit = 0
	}
	// A limit reads the tail of the file (offset -1); no limit replays
	// from the start.
	initialOffset := int64(-1)
	if initialLimit == 0 {
		initialOffset = 0
	}

	offset := initialOffset
	limit := initialLimit
	printed := false
	for {
		req := ipc.LogTailRequest{
			Offset:     offset,
			Limit:      limit,
			Follow:     opts.Follow,
			WaitMillis: 1000,
		}
		resp, err := client.LogTail(req)
		if err != nil {
			return printed, fmt.Errorf("tail logs: %w", err)
		}
		if resp == nil {
			return printed, errors.New("log tail response missing")
		}
		for _, line := range resp.Lines {
			if onLine != nil {
				onLine(line)
			}
			printed = true
		}
		offset = resp.Offset
		limit = 0
		if !opts.Follow {
			return printed, nil
		}
		select {
		case <-ctx.Done():
			return printed, nil
		default:
		}
	}
}

// StreamEvents emits structured log events from the daemon's stream hub.
// The first request tails the ring; follow mode then long-polls from the
// returned sequence. It returns true when at least one event was emitted.
func StreamEvents(ctx context.Context, client EventClient, opts Options, onEvent func(ipc.LogEvent)) (bool, error) {
	if client == nil {
		return false, errors.New("log event client not configured")
	}

	tail := opts.Lines
	if tail <= 0 {
		tail = eventBatchLimit
	}

	req := ipc.LogEventsRequest{Tail: tail}
	printed := false
	for {
		resp, err := client.LogEvents(req)
		if err != nil {
			return printed, fmt.Errorf("stream log events: %w", err)
		}
		if resp == nil {
			return printed, errors.New("log events response missing")
		}
		for _, evt := range resp.Events {
			if onEvent != nil {
				onEvent(evt)
			}
			printed = true
		}
		if !opts.Follow {
			return printed, nil
		}
		req = ipc.LogEventsRequest{
			Since:      resp.Next,
			Limit:      eventBatchLimit,
			Follow:     true,
			WaitMillis: 1000,
		}
		select {
		case <-ctx.Done():
			return printed, nil
		default:
		}
	}
}
