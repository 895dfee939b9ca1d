// Package ffmpeg wraps the ffmpeg binary for the assembly and upscale
// stages: concat merging, scene detection, timestamp overlays, and
// scaled re-encodes with frame progress reporting.
package ffmpeg
