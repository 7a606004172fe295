package match

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store reads matches from PostgreSQL. Writes are limited to the
// last_interaction_at touch performed on every message append.
type Store struct {
	db *sql.DB
}

// NewStore creates a match store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get returns the match with the given ID, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, matchID string) (*Match, error) {
	const query = `
		SELECT id, member_a, member_b, status, created_at, last_interaction_at
		FROM matches
		WHERE id = $1`

	var m Match
	err := s.db.QueryRowContext(ctx, query, matchID).Scan(
		&m.ID, &m.MemberA, &m.MemberB, &m.Status, &m.CreatedAt, &m.LastInteractionAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("match: get %s: %w", matchID, err)
	}
	return &m, nil
}

// ListForUser returns every match the user is a member of with the given
// status, newest interaction first. Used by the inbox aggregator.
func (s *Store) ListForUser(ctx context.Context, userID, status string) ([]Match, error) {
	const query = `
		SELECT id, member_a, member_b, status, created_at, last_interaction_at
		FROM matches
		WHERE (member_a = $1 OR member_b = $1) AND status = $2
		ORDER BY last_interaction_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, userID, status)
	if err != nil {
		return nil, fmt.Errorf("match: list for user %s: %w", userID, err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ID, &m.MemberA, &m.MemberB, &m.Status, &m.CreatedAt, &m.LastInteractionAt); err != nil {
			return nil, fmt.Errorf("match: scan: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("match: list rows: %w", err)
	}
	return matches, nil
}

// TouchLastInteraction advances the match's last_interaction_at. Called by
// the message store inside the append transaction; tx may be the pool handle
// or an open transaction.
func TouchLastInteraction(ctx context.Context, tx interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
}, matchID string, at time.Time) error {
	const query = `UPDATE matches SET last_interaction_at = $2 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, matchID, at); err != nil {
		return fmt.Errorf("match: touch last_interaction %s: %w", matchID, err)
	}
	return nil
}
