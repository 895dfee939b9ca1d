// Package capture runs tape capture sessions: one supervised capture tool
// writing part files into a project's LowRes directory, plus an optional
// second supervised ffmpeg producing the MJPEG preview stream.
//
// A Manager owns at most one active Session. Sessions move through
// preparing, auto transport, recording, and stopping; a session whose tool
// dies underneath it is failed and the manager accepts a fresh one.
package capture
