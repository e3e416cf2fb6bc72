// Package storage persists campaign and account records and the audit trail.
//
// Drivers:
//   - "file": campaigns.json / accounts.json maps plus audit.jsonl in a data
//     directory (the layout the bot has always used)
//   - "sqlite": modernc.org/sqlite, pure Go
//   - "postgres": github.com/lib/pq
//
// The store is the durable source of truth for campaign status and stats.
// It does no cross-call locking: callers that read-modify-write a record
// (the broadcast service) serialize per campaign themselves.
package storage
