package merging

import (
	"context"

	"capstan/internal/media/ffprobe"
)

// SetProbeForTests overrides the ffprobe runner during tests.
func SetProbeForTests(fn func(context.Context, string, string) (ffprobe.Result, error)) func() {
	previous := inspectMedia
	inspectMedia = fn
	return func() {
		inspectMedia = previous
	}
}
