// Package storage persists job definitions and execution records.
//
// Two drivers are available:
//   - "sqlite": a SQLite database file (pure Go, modernc.org/sqlite) with
//     versioned migrations embedded in the binary.
//   - "memory": process-local maps, for tests and throwaway runs.
//
// All tables live in the scheduler namespace and carry the "scheduler_"
// prefix so the database can be shared with a host application.
package storage
