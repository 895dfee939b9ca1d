// Package workflow drives queued projects through the capture pipeline.
//
// A single background worker claims the oldest actionable item, runs the
// stage registered for its status, and advances it to the stage's done
// status. The chain is merge (pending -> merging -> merged), upscale
// (merged -> upscaling -> upscaled), and export (upscaled -> organizing ->
// completed). Disabled auto_upscale or auto_export stops the chain early
// and marks the item completed at the gate.
//
// Stage failures are classified: validation, configuration, and not-found
// errors park the item in review for operator attention, everything else
// lands in failed where retry can pick it up. A heartbeat loop stamps the
// active item while a stage runs so a crashed daemon's work can be
// reclaimed on restart.
package workflow
