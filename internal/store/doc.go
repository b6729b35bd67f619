// Package store provides persistent storage for coven-relay using SQLite.
//
// # Data Models
//
//   - Lead: CRM lead bound to a conversation identity (crm_leads)
//   - Token: OAuth token pair per provider (oauth_tokens)
//   - Peer: autoincrement number assigned to a Matrix room (matrix_peers)
//
// Conversation state itself is not stored here. The session table is written
// as a JSON snapshot by the session package.
//
// # SQLite Configuration
//
// The store uses modernc.org/sqlite with WAL mode and a single pooled
// connection:
//
//	PRAGMA journal_mode=WAL;
//
// Timestamps are stored as RFC 3339 text in UTC.
//
// # Error Handling
//
// Lookups return ErrNotFound when the entity does not exist. All methods
// accept context.Context for cancellation support.
package store
