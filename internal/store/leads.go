// ABOUTME: CRM lead bindings keyed by conversation identity
// ABOUTME: One lead per identity; status is updated as the conversation progresses

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// GetLead returns the lead bound to identity.
// Returns ErrNotFound if the identity has no lead yet.
func (s *SQLiteStore) GetLead(ctx context.Context, identity int64) (*Lead, error) {
	query := `
		SELECT identity, lead_id, status, created_at, updated_at
		FROM crm_leads
		WHERE identity = ?
	`

	var lead Lead
	var createdAt, updatedAt sql.NullString
	err := s.db.QueryRowContext(ctx, query, identity).Scan(
		&lead.Identity,
		&lead.LeadID,
		&lead.Status,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying lead: %w", err)
	}

	if lead.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if lead.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	return &lead, nil
}

// SaveLead inserts or replaces the lead for lead.Identity. CreatedAt is kept
// from the first save.
func (s *SQLiteStore) SaveLead(ctx context.Context, lead *Lead) error {
	query := `
		INSERT INTO crm_leads (identity, lead_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			lead_id = excluded.lead_id,
			status = excluded.status,
			updated_at = excluded.updated_at
	`

	now := s.now()
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = now
	}
	lead.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		lead.Identity,
		lead.LeadID,
		lead.Status,
		formatTime(lead.CreatedAt),
		formatTime(lead.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving lead: %w", err)
	}

	s.logger.Debug("saved lead", "identity", lead.Identity, "lead_id", lead.LeadID, "status", lead.Status)
	return nil
}

// UpdateLeadStatus records the last status pushed for identity.
// Returns ErrNotFound if the identity has no lead.
func (s *SQLiteStore) UpdateLeadStatus(ctx context.Context, identity int64, status string) error {
	query := `UPDATE crm_leads SET status = ?, updated_at = ? WHERE identity = ?`

	result, err := s.db.ExecContext(ctx, query, status, formatTime(s.now()), identity)
	if err != nil {
		return fmt.Errorf("updating lead status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListLeads returns all lead bindings ordered by identity.
func (s *SQLiteStore) ListLeads(ctx context.Context) ([]*Lead, error) {
	query := `
		SELECT identity, lead_id, status, created_at, updated_at
		FROM crm_leads
		ORDER BY identity
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying leads: %w", err)
	}
	defer rows.Close()

	var leads []*Lead
	for rows.Next() {
		var lead Lead
		var createdAt, updatedAt sql.NullString
		if err := rows.Scan(&lead.Identity, &lead.LeadID, &lead.Status, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning lead: %w", err)
		}
		if lead.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		if lead.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
			return nil, err
		}
		leads = append(leads, &lead)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating leads: %w", err)
	}
	return leads, nil
}
