// Package session holds the per-identity conversation state of the relay.
//
// # Sessions
//
// A Session is created lazily the first time an identity sends a message and
// lives for the life of the process. Its State carries the AI conversation id,
// the continuation token, the pending message buffer and two timer handles:
// the debounce timer and the inactivity nudge timer.
//
// All access to State goes through Session.Update or Session.View, which hold
// the session mutex. Different sessions never share a lock.
//
// # Durability
//
// Store.Save writes the table as JSON to a temp file and renames it into place.
// Only the Record projection is persisted, and a session contributes its live
// state only while it holds no timer handle. A busy session is written with
// the record captured the last time it was quiet, so a restart never sees a
// half-dispatched buffer or a dangling timer.
//
// Store.Load treats a missing or corrupt snapshot as an empty table.
package session
