// Package storage keeps the lifecycle journal: an append-only record of
// every post state change, used for operator inspection. It is never replayed
// into the registry.
//
// Drivers:
//   - "file": JSON Lines next to the configured path
//   - "sqlite": a SQLite database (modernc.org/sqlite, no cgo)
package storage
