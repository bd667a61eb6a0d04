// Package storage persists the notification engine's state.
//
// It exposes a small domain-shaped Store interface over two drivers:
//   - "sqlite": SQLite database file (modernc.org/sqlite, WAL)
//   - "memory": in-process map store, used by tests and ephemeral runs
//
// Claim operations (pending -> processing) are compare-and-swap updates on
// the status column. They are the only concurrency control the engine
// needs: a claim that affects zero rows means another worker won.
package storage
