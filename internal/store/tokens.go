// ABOUTME: OAuth token persistence per provider
// ABOUTME: The CRM adapter rotates its refresh token here after every exchange

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// GetToken returns the token stored for provider.
// Returns ErrNotFound if none is stored.
func (s *SQLiteStore) GetToken(ctx context.Context, provider string) (*Token, error) {
	query := `
		SELECT provider, access_token, refresh_token, expires_at, updated_at
		FROM oauth_tokens
		WHERE provider = ?
	`

	var tok Token
	var expiresAt, updatedAt sql.NullString
	err := s.db.QueryRowContext(ctx, query, provider).Scan(
		&tok.Provider,
		&tok.AccessToken,
		&tok.RefreshToken,
		&expiresAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying token: %w", err)
	}

	if tok.ExpiresAt, err = parseTime("expires_at", expiresAt); err != nil {
		return nil, err
	}
	if tok.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	return &tok, nil
}

// SaveToken inserts or replaces the token for tok.Provider.
func (s *SQLiteStore) SaveToken(ctx context.Context, tok *Token) error {
	query := `
		INSERT OR REPLACE INTO oauth_tokens (provider, access_token, refresh_token, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`

	tok.UpdatedAt = s.now()
	_, err := s.db.ExecContext(ctx, query,
		tok.Provider,
		tok.AccessToken,
		tok.RefreshToken,
		formatTime(tok.ExpiresAt),
		formatTime(tok.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving token: %w", err)
	}

	s.logger.Debug("saved oauth token", "provider", tok.Provider, "expires_at", tok.ExpiresAt)
	return nil
}
