// Package config loads, normalizes, and validates Capstan configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// CAPSTAN_NTFY_TOPIC and PLEX_TOKEN. The Config type centralizes every knob
// the daemon and CLI need, from the import root and tool binaries to the
// upscale profile catalog.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
// Upscale profiles in particular are validated here, at load time, so a bad
// backend tag fails the daemon start instead of a job hours later.
package config
