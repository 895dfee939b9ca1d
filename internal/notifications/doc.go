// Package notifications pushes pipeline milestones to the operator's phone
// through an ntfy topic. Each event belongs to a config category (capture,
// merging, upscaling, export, errors) and disabled categories drop silently;
// with no topic configured every publish is a no-op, so callers never guard.
package notifications
