package notify

import (
	"context"
	"database/sql"
	"fmt"
)

// TokenStore reads push provider tokens from the device_tokens table, which
// the external user service maintains as devices register and unregister.
type TokenStore struct {
	db *sql.DB
}

// NewTokenStore creates a token source backed by the given database handle.
func NewTokenStore(db *sql.DB) *TokenStore {
	return &TokenStore{db: db}
}

// TokensFor returns the user's registered push tokens. An unknown user
// yields an empty slice, not an error.
func (s *TokenStore) TokensFor(ctx context.Context, userID string) ([]string, error) {
	const query = `SELECT token FROM device_tokens WHERE user_id = $1`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("notify: tokens for %s: %w", userID, err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("notify: scan token: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify: token rows: %w", err)
	}
	return tokens, nil
}
