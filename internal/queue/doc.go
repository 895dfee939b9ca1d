// Package queue persists post-capture jobs in SQLite and exposes helpers
// for driving their lifecycle.
//
// The Store manages database connections, schema initialization, stats
// queries, heartbeat tracking, stuck-item recovery, and the status
// transitions the workflow manager steps through (pending, merging,
// merged, upscaling, upscaled, organizing, completed, with failed and
// review as terminal parking states). Items capture per-project paths,
// progress, and failure reasons so stages can coordinate without
// additional state.
//
// The database is treated as transient storage for in-flight jobs rather
// than a long-term archive. Schema changes bump the version in schema.go;
// users clear the database to adopt the new schema.
package queue
