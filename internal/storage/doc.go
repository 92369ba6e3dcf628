// Package storage persists job records.
//
// The scheduler treats a record as the unit of persistence: every write
// replaces the whole record. Drivers:
//   - memory: process-local map (tests, dry runs)
//   - file:   JSON snapshot + append-only journal, compacted via tmp+rename
//   - sqlite: modernc.org/sqlite with indexed due-job columns
//   - mongodb: registered by the storage/mongostore package
package storage
