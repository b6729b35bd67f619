// Package relay is the session controller between chat transports and the AI
// backend.
//
// # Debounce
//
// The first message of a burst arms a debounce timer for the configured
// interval. Messages arriving before it fires are appended to the session
// buffer without moving the deadline. When the timer fires the buffer is
// drained and sent to the AI as one turn. The debounce handle stays in the
// session until the turn finishes, so messages arriving mid-dispatch are only
// buffered; they start a new burst once the turn is done.
//
// # Nudges
//
// A successfully delivered reply containing the question marker arms a
// one-shot inactivity timer. If the user says nothing before it fires, one
// phrase from the configured list is sent. Any incoming message or newer reply
// cancels it.
//
// # Timer ownership
//
// Each timer callback receives its own handle and compares it with the handle
// stored in the session under the session lock. A callback whose handle was
// replaced or cleared does nothing. Every armed timer is counted in a wait
// group so Close can wait for running callbacks.
//
// # Durability
//
// The session table is saved whenever a session becomes quiet (holds no timer
// handle) and once more on Close. See package session for the record rule.
package relay
