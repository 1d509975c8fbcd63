// Package storage persists per-user gas price thresholds.
//
// Drivers:
//   - "sqlite" (default): SQLite file via modernc.org/sqlite
//   - "memory": process-local map, used by tests and dry runs
//
// Writes are conditional on the row version. A stale row is not written and
// is reported through *ConflictError while the rest of the batch commits.
package storage
