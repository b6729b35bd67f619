// ABOUTME: CRM client that only logs, used when CRM integration is disabled
// ABOUTME: Every call succeeds and is logged at debug level

package crm

import (
	"context"
	"log/slog"
)

// Nop implements Client without talking to any CRM.
type Nop struct {
	logger *slog.Logger
}

// NewNop returns a Client that logs calls at debug and always succeeds.
func NewNop(logger *slog.Logger) *Nop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Nop{logger: logger.With("component", "crm")}
}

func (n *Nop) CreateTrackedInteraction(ctx context.Context, identity int64) error {
	n.logger.Debug("crm disabled, skipping tracked interaction", "identity", identity)
	return nil
}

func (n *Nop) UpdateStatus(ctx context.Context, identity int64, status Status) error {
	n.logger.Debug("crm disabled, skipping status update", "identity", identity, "status", status)
	return nil
}
