// Package preflight provides readiness checks for the filesystem paths,
// external tools, and services capstan depends on.
//
// These checks run in two contexts:
//   - The workflow manager calls RunAll before processing each queue item.
//     If a check fails, the worker parks instead of burning hours on a
//     doomed run.
//   - The CLI "capstan status" command uses CheckTools and the individual
//     check functions to display dependency health.
//
// Service checks are gated by their config toggles; disabled features are
// skipped.
package preflight
