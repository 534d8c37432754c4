// Package store provides persistent storage for coven-chat using SQLite.
//
// # Architecture
//
// Store is the single persistence contract consumed by admission, the session
// initializer and the reconciler. SQLiteStore implements it on modernc.org/sqlite
// (pure Go, no cgo); MockStore is an in-memory implementation for tests that
// also records every write.
//
// # Data Models
//
//   - Chat: a conversation with owner, title and visibility
//   - Message: a UI message whose typed parts are stored as one JSON column
//   - StreamRecord: a resumable stream id created per turn; newest wins on resume
//   - TokenUsage: per-turn model token consumption
//
// # Identity
//
// Message ids are unique. InsertMessages fails the whole batch with
// ErrDuplicateMessage if any id already exists; UpdateMessage replaces parts of
// an existing row and returns ErrNotFound otherwise.
//
// # Deletion
//
// DeleteChat removes the chat together with its messages and stream records in
// one transaction and returns the deleted chat.
//
// # Timestamps
//
// Times are stored as fixed-width UTC strings so lexical order equals time order,
// which CountRecentMessagesByOwner relies on for its window comparison.
package store
