// ABOUTME: Per-identity conversation session state and its persisted projection
// ABOUTME: Timer handles live only in State and are never part of Record

package session

import (
	"strings"
	"sync"
)

// Identity is the stable numeric identity of a conversation. Direct users are
// positive; group chats and channels are negative.
type Identity int64

// State is the mutable state of one session. It is only reachable through
// Session.Update and Session.View, which hold the session mutex.
type State struct {
	ConversationID    string
	ContinuationToken string
	PendingText       string

	// Debounce is the live debounce timer, nil when none is armed.
	Debounce *Timer
	// Nudge is the live inactivity timer, nil when none is armed.
	Nudge *Timer
}

// Append adds a message fragment to the pending buffer, newline-joined.
// Blank fragments are skipped.
func (st *State) Append(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if st.PendingText == "" {
		st.PendingText = text
		return
	}
	st.PendingText += "\n" + text
}

// Drain returns the trimmed pending text and clears the buffer.
func (st *State) Drain() string {
	text := strings.TrimSpace(st.PendingText)
	st.PendingText = ""
	return text
}

// Quiet reports whether no timer handle is held.
func (st State) Quiet() bool {
	return st.Debounce == nil && st.Nudge == nil
}

// record projects the durable fields. Callers must only use it while Quiet.
func (st *State) record() Record {
	return Record{
		ConversationID:    st.ConversationID,
		ContinuationToken: st.ContinuationToken,
		PendingText:       st.PendingText,
	}
}

// Record is the persisted projection of a session. It has no timer fields, so
// a live handle can never reach the snapshot file.
type Record struct {
	ConversationID    string `json:"conversation_id,omitempty"`
	ContinuationToken string `json:"continuation_token,omitempty"`
	PendingText       string `json:"pending_text,omitempty"`
}

// Session is one user's conversation state guarded by its own mutex.
type Session struct {
	identity Identity

	mu    sync.Mutex
	state State
	// durable is the last projection taken while the session was quiet.
	durable *Record
}

func newSession(id Identity) *Session {
	return &Session{identity: id}
}

func restoreSession(id Identity, rec Record) *Session {
	s := &Session{
		identity: id,
		state: State{
			ConversationID:    rec.ConversationID,
			ContinuationToken: rec.ContinuationToken,
			PendingText:       rec.PendingText,
		},
	}
	s.durable = &rec
	return s
}

// Identity returns the identity this session belongs to.
func (s *Session) Identity() Identity {
	return s.identity
}

// Update runs fn with exclusive access to the session state.
// fn must not block on network I/O.
func (s *Session) Update(fn func(st *State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
}

// View returns a copy of the current state.
func (s *Session) View() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// snapshot returns the record to persist and whether it reflects the live
// state. A busy session yields its last quiet record, or nil if it never had one.
func (s *Session) snapshot() (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.Quiet() {
		return s.durable, false
	}
	rec := s.state.record()
	s.durable = &rec
	return &rec, true
}
