package mjpeg

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"capstan/internal/logging"
)

// DefaultMaxFrameBytes caps a single JPEG frame. Anything larger is treated as
// a corrupt stream segment and skipped.
const DefaultMaxFrameBytes = 500 * 1024

var (
	soiMarker = []byte{0xFF, 0xD8}
	eoiMarker = []byte{0xFF, 0xD9}
)

// Frame is one extracted preview picture. Data must not be modified.
type Frame struct {
	Data []byte
	Seq  uint64
	Time time.Time
}

// Stats is a snapshot of demuxer counters.
type Stats struct {
	Extracted   uint64 // complete frames found in the stream
	Published   uint64 // frames that made it into the mailbox
	Overwritten uint64 // published frames replaced before anyone looked
	Oversized   uint64 // frames dropped for exceeding the size cap
	Throttled   uint64 // frames dropped by the preview rate limit
}

// Option configures a Demuxer.
type Option func(*Demuxer)

// WithMaxFrameBytes overrides the frame size cap.
func WithMaxFrameBytes(limit int) Option {
	return func(d *Demuxer) {
		if limit > 0 {
			d.maxFrame = limit
		}
	}
}

// Demuxer scans an MJPEG stream and keeps only the latest frame.
type Demuxer struct {
	maxFrame    int
	minInterval time.Duration
	logger      *slog.Logger

	mu          sync.Mutex
	latest      *Frame
	consumed    bool
	seq         uint64
	lastPublish time.Time

	extracted   atomic.Uint64
	published   atomic.Uint64
	overwritten atomic.Uint64
	oversized   atomic.Uint64
	throttled   atomic.Uint64
}

// NewDemuxer builds a demuxer that publishes at most previewFPS frames per
// second. A previewFPS of zero disables the rate limit.
func NewDemuxer(previewFPS int, logger *slog.Logger, opts ...Option) *Demuxer {
	d := &Demuxer{
		maxFrame: DefaultMaxFrameBytes,
		logger:   logging.NewComponentLogger(logger, "preview"),
	}
	if previewFPS > 0 {
		d.minInterval = time.Second / time.Duration(previewFPS)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run consumes the stream until EOF or context cancellation. A clean EOF
// (the producer exited) returns nil; the caller decides what that means.
func (d *Demuxer) Run(ctx context.Context, r io.Reader) error {
	buf := make([]byte, 0, 64*1024)
	chunk := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			buf = d.extract(buf)
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// Latest returns the most recent frame, marking it consumed for drop
// accounting. The returned data is owned by the demuxer; do not modify it.
func (d *Demuxer) Latest() (Frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.latest == nil {
		return Frame{}, false
	}
	d.consumed = true
	return *d.latest, true
}

// Stats returns a counter snapshot.
func (d *Demuxer) Stats() Stats {
	return Stats{
		Extracted:   d.extracted.Load(),
		Published:   d.published.Load(),
		Overwritten: d.overwritten.Load(),
		Oversized:   d.oversized.Load(),
		Throttled:   d.throttled.Load(),
	}
}

// extract pulls every complete frame out of buf and returns the remainder.
func (d *Demuxer) extract(buf []byte) []byte {
	for {
		start := bytes.Index(buf, soiMarker)
		if start < 0 {
			// No frame start in sight. Keep a trailing 0xFF in case the
			// marker straddles the chunk boundary.
			if len(buf) > 0 && buf[len(buf)-1] == 0xFF {
				return append(buf[:0], 0xFF)
			}
			return buf[:0]
		}
		if start > 0 {
			buf = buf[start:]
		}

		rel := bytes.Index(buf[2:], eoiMarker)
		if rel < 0 {
			if len(buf) > d.maxFrame {
				// Runaway segment with no end marker: drop it and resync at
				// the next start marker.
				d.oversized.Add(1)
				if next := bytes.Index(buf[2:], soiMarker); next >= 0 {
					buf = buf[next+2:]
					continue
				}
				return buf[:0]
			}
			return buf
		}

		end := rel + 2 + len(eoiMarker)
		frame := buf[:end]
		d.extracted.Add(1)
		if len(frame) > d.maxFrame {
			d.oversized.Add(1)
		} else {
			d.publish(frame)
		}
		buf = buf[end:]
	}
}

func (d *Demuxer) publish(frame []byte) {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.minInterval > 0 && !d.lastPublish.IsZero() && now.Sub(d.lastPublish) < d.minInterval {
		d.throttled.Add(1)
		return
	}
	if d.latest != nil && !d.consumed {
		d.overwritten.Add(1)
	}

	d.seq++
	d.latest = &Frame{
		Data: append([]byte(nil), frame...),
		Seq:  d.seq,
		Time: now,
	}
	d.consumed = false
	d.lastPublish = now
	d.published.Add(1)
}
