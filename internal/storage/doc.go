// Package storage owns the SQLite database shared by every pipeorch instance.
//
// It provides:
//   - Open: connection setup (busy_timeout, WAL, foreign keys) and embedded migrations
//   - Retry/Do/Tx: bounded retry with backoff for lock contention
//   - Dedup state for the notifier (survives restarts)
//
// Table-level access lives with the owning package (jobstore).
package storage
