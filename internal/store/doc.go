// Package store provides durable persistence for the coordinator using SQLite.
//
// # Architecture
//
// Two narrow interfaces are composed into Store:
//
//   - MessageStore: every message the router accepted, queryable by
//     conversation (correlation id)
//   - ConsensusStore: finished consensus rounds with all counted votes
//
// SQLiteStore implements both in a single struct. MockStore is an in-memory
// implementation with failure injection for tests.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// A consensus round and its votes are written in one transaction, so a
// failed save leaves no partial round behind.
//
// # Error Handling
//
//   - ErrNotFound: Requested entity does not exist
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests and NewSQLiteStore(":memory:") for
// integration tests with real SQLite.
package store
