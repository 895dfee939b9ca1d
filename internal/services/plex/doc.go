// Package plex pokes a Plex server to rescan its library after the organizer
// copies a finished movie into place. The configured section may be a numeric
// section key, a library name resolved against the server's section listing,
// or empty to scan everything.
package plex
