// ABOUTME: Data types and errors for coven-relay's SQLite persistence
// ABOUTME: Holds CRM lead bindings, OAuth tokens and Matrix room numbering

package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Lead binds a conversation identity to a CRM lead.
type Lead struct {
	Identity  int64
	LeadID    int64
	Status    string // last status pushed to the CRM
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Token is an OAuth token pair for an external provider such as "amocrm".
type Token struct {
	Provider     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time // zero when the provider gave no expiry
	UpdatedAt    time.Time
}

// Expired reports whether the access token is expired at now, allowing for skew.
func (t *Token) Expired(now time.Time, skew time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(t.ExpiresAt)
}

// Peer numbers a transport room so it can be addressed by a numeric identity.
type Peer struct {
	RoomID    string
	Number    int64
	CreatedAt time.Time
}
