// Package organizer finalizes processed projects by copying the upscaled
// movie into the Plex-style library tree and triggering a library refresh.
//
// The library copy is integrity-checked (size + SHA-256) and the HighRes
// original is left in place, so a failed export never loses the only copy.
// Existing library files are refused unless overwrite is enabled, which
// routes the job to review rather than clobbering the library. Progress
// updates and error wrapping follow the same conventions as the other
// stages so the workflow manager can react uniformly.
package organizer
