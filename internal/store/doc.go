// Package store persists the mapping from chat-platform threads to remote
// assistant sessions.
//
// # Data Model
//
// A Thread record is keyed by (Frontend, ExternalID):
//
//   - Frontend: the chat platform ("slack", "matrix")
//   - ExternalID: the platform's thread identifier (Slack thread_ts,
//     Matrix thread root event id)
//   - SessionID: the opaque assistant session id
//
// Records are created on the first mention in a thread and never mutated.
// The primary key guarantees at most one session per platform thread.
//
// # Concurrency
//
// SQLiteStore runs in WAL mode with a busy timeout on every pooled
// connection. Each CreateThread is a single INSERT, so concurrent writers
// serialize inside SQLite and a crash cannot leave a half-written record.
// A losing concurrent insert gets ErrDuplicateThread and should re-read.
//
// # Testing
//
// MockStore is an in-memory implementation with the same semantics, plus
// injectable errors for failure-path tests.
package store
