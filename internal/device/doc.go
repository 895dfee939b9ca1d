// Package device resolves the FireWire tape deck node and drives its AV/C
// transport.
//
// Detection shells out to udevadm and parses firewire device nodes from its
// database dump, falling back to probing /dev/fw0 through /dev/fw3 when the
// dump yields nothing. Transport verbs (rewind, play, pause, stop) run the
// configured control tool against the resolved node and are best-effort:
// callers log failures and keep going.
package device
