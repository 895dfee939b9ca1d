// Package mjpeg extracts JPEG frames from a continuous MJPEG byte stream.
//
// The demuxer holds a single-slot mailbox: the newest complete frame replaces
// any unconsumed predecessor, so preview consumers always see the most recent
// picture and never a backlog. Frames above the size cap and frames arriving
// faster than the configured preview rate are dropped rather than buffered.
package mjpeg
