// Package store provides SQLite-backed storage for cellar install receipts
// and stage event logs.
//
// Two tables:
//   - installs: one receipt per (name, version), including the recipe digest,
//     the session that produced it and the health reported by the last test run
//   - stage_events: append-only trace of every pipeline stage, keyed by
//     (session_id, seq)
//
// Event ordering uses the engine's logical seq, never timestamps, so a
// session's trace reads back in exactly the order it was emitted.
//
// Connection pragmas travel in the DSN so every pooled connection gets them:
// WAL journaling, synchronous=NORMAL, a 5s busy timeout that lets parallel
// cellar processes queue their writes, and foreign keys on. Schema changes
// after the base tables are numbered migrations tracked in user_version.
package store
