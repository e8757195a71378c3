// Package state provides the SQLite-backed pending-work store ("entity
// state" records) and the persisted envelope table used by the asynchronous
// executor and the chain log.
//
// Database: SQLite with WAL mode. One connection; the engine is the only
// writer.
//
// Ordering: every multi-row query orders by (seq, id COLLATE BINARY) so
// resumption passes and traces see rows in creation order. Queued envelopes
// additionally order HIGH priority first.
//
// Idempotence: Create returns the existing BLOCKED record for an
// (owner, result code) instead of inserting a duplicate. EnqueueEvent uses
// ON CONFLICT(id) DO NOTHING.
package state
