// ABOUTME: CRM contract used by the relay to track conversation progress
// ABOUTME: One tracked interaction (lead) per identity, moved through a fixed set of statuses

package crm

import (
	"context"
	"errors"
)

// Status is the conversation stage reported to the CRM.
type Status string

const (
	StatusStart Status = "start"
	// StatusMidle marks a conversation that is mid-flow after a successful reply.
	StatusMidle Status = "midle"
	StatusEnd   Status = "end"
	StatusError Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusStart, StatusMidle, StatusEnd, StatusError:
		return true
	}
	return false
}

// ErrNotAuthorized is returned when the CRM has no usable OAuth token.
var ErrNotAuthorized = errors.New("crm: not authorized")

// Client records conversation progress in a CRM.
type Client interface {
	// CreateTrackedInteraction opens a new lead for identity in the start status.
	CreateTrackedInteraction(ctx context.Context, identity int64) error
	// UpdateStatus moves the identity's lead to status, creating it if absent.
	UpdateStatus(ctx context.Context, identity int64, status Status) error
}
