// ABOUTME: Chat transport contract shared by the Telegram and Matrix adapters
// ABOUTME: Events carry the peer fields identity resolution needs plus a reply target

package transport

import (
	"context"

	"github.com/2389/coven-relay/internal/session"
)

// Format selects how Send interprets text.
type Format int

const (
	FormatPlain Format = iota
	// FormatHTML is the <b>/<i>/<a> subset Telegram accepts.
	FormatHTML
)

// Target addresses a chat for replies. Its meaning is private to the transport
// that produced it (a Telegram chat id, a Matrix room id).
type Target string

// Event is one incoming message. Peer fields use the platform's positive peer
// numbering; nil means the field is absent.
type Event struct {
	ID        string // unique per delivery, used for dedupe
	UserID    *int64
	ChatID    *int64
	ChannelID *int64
	FromID    *int64
	SenderID  int64
	Text      string
	Outgoing  bool // sent by the relay's own account
	Target    Target
}

// Identity resolves the conversation identity: direct user, then chat and
// channel (negated so they never collide with users), then the from peer, then
// the raw sender. ok is false when nothing identifies the peer.
func (e *Event) Identity() (session.Identity, bool) {
	switch {
	case e.UserID != nil:
		return session.Identity(*e.UserID), true
	case e.ChatID != nil:
		return session.Identity(-*e.ChatID), true
	case e.ChannelID != nil:
		return session.Identity(-*e.ChannelID), true
	case e.FromID != nil:
		return session.Identity(*e.FromID), true
	case e.SenderID != 0:
		return session.Identity(e.SenderID), true
	}
	return 0, false
}

// Handler receives events in arrival order. Transports call it synchronously
// from their receive loop.
type Handler func(ctx context.Context, evt *Event)

// Sender delivers replies.
type Sender interface {
	Send(ctx context.Context, target Target, text string, format Format) error
}

// Typer is implemented by transports that can show a typing indicator.
type Typer interface {
	SetTyping(ctx context.Context, target Target, typing bool) error
}

// Transport is a chat platform connection.
type Transport interface {
	Sender
	Name() string
	// Run receives events until ctx is done or the connection fails.
	Run(ctx context.Context, h Handler) error
}

// Int64 returns a pointer to v, for building Events.
func Int64(v int64) *int64 {
	return &v
}
