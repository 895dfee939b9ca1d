// Package textutil sanitizes operator-supplied text for safe filesystem use.
//
// Capture titles become project directory names, so slashes, colons, and
// similar characters have to be replaced or dropped before any path is built.
package textutil
