// Package proc supervises the long-running external processes behind a
// capture session (dvgrab, ffmpeg preview pipes).
//
// A Supervisor owns exactly one child process: it spawns it with the pipes the
// caller asked for, watches for exit in the background, and implements the
// escalating stop sequence (graceful stdin command or SIGINT, then SIGTERM,
// then SIGKILL). Callers learn about unexpected exits through Done() plus the
// recorded ExitState rather than callbacks, so ownership of the reaction stays
// with the session that spawned the process.
package proc
