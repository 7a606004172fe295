package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kindling/messaging/internal/match"
)

const (
	// DefaultPageSize is used when ListSince is called with limit <= 0.
	DefaultPageSize = 50

	// MaxPageSize caps a single history page.
	MaxPageSize = 100
)

// Store manages the message log in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append validates the payload and persists a new message with a
// server-assigned id and created_at, delivery status "sent". The parent
// match's last_interaction_at is advanced in the same transaction, so a
// message never lands without the inbox ordering key moving with it.
//
// The receiver must already have been resolved through the match authority;
// Append does not re-check membership.
func (s *Store) Append(ctx context.Context, matchID, senderID, receiverID string, p Payload) (*Message, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("message: begin append: %w", err)
	}
	defer tx.Rollback()

	const insert = `
		INSERT INTO messages (id, match_id, sender_id, receiver_id, text, media_type, media_url, audio_duration, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		RETURNING created_at`

	m := &Message{
		ID:            uuid.New().String(),
		MatchID:       matchID,
		SenderID:      senderID,
		ReceiverID:    receiverID,
		Text:          p.Text,
		MediaType:     p.normalized(),
		MediaURL:      p.MediaURL,
		AudioDuration: p.AudioDuration,
		Status:        StatusSent,
	}

	err = tx.QueryRowContext(ctx, insert,
		m.ID, m.MatchID, m.SenderID, m.ReceiverID,
		m.Text, m.MediaType, m.MediaURL, m.AudioDuration, m.Status,
	).Scan(&m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("message: insert: %w", err)
	}

	if err := match.TouchLastInteraction(ctx, tx, matchID, m.CreatedAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("message: commit append: %w", err)
	}
	return m, nil
}

// ListSince returns a newest-first page of the match's message log starting
// below the cursor watermark, plus the cursor for the next page. A zero
// cursor starts at the newest message. Soft-deleted messages are returned
// with their content redacted so that pagination positions stay stable.
func (s *Store) ListSince(ctx context.Context, matchID string, cursor Cursor, limit int) ([]Message, Cursor, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	const base = `
		SELECT id, match_id, sender_id, receiver_id, text, media_type, media_url, audio_duration,
		       status, created_at, read_at, is_deleted, deleted_at
		FROM messages
		WHERE match_id = $1`

	var (
		rows *sql.Rows
		err  error
	)
	if cursor.IsZero() {
		rows, err = s.db.QueryContext(ctx, base+`
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, matchID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, base+`
			  AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, matchID, cursor.CreatedAt, cursor.ID, limit)
	}
	if err != nil {
		return nil, Cursor{}, fmt.Errorf("message: list %s: %w", matchID, err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID, &m.MatchID, &m.SenderID, &m.ReceiverID,
			&m.Text, &m.MediaType, &m.MediaURL, &m.AudioDuration,
			&m.Status, &m.CreatedAt, &m.ReadAt, &m.IsDeleted, &m.DeletedAt,
		); err != nil {
			return nil, Cursor{}, fmt.Errorf("message: scan: %w", err)
		}
		if m.IsDeleted {
			m.Text = ""
			m.MediaURL = ""
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, Cursor{}, fmt.Errorf("message: list rows: %w", err)
	}

	var next Cursor
	if len(msgs) == limit {
		last := msgs[len(msgs)-1]
		next = Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return msgs, next, nil
}

// Get returns a single message by ID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, messageID string) (*Message, error) {
	const query = `
		SELECT id, match_id, sender_id, receiver_id, text, media_type, media_url, audio_duration,
		       status, created_at, read_at, is_deleted, deleted_at
		FROM messages
		WHERE id = $1`

	var m Message
	err := s.db.QueryRowContext(ctx, query, messageID).Scan(
		&m.ID, &m.MatchID, &m.SenderID, &m.ReceiverID,
		&m.Text, &m.MediaType, &m.MediaURL, &m.AudioDuration,
		&m.Status, &m.CreatedAt, &m.ReadAt, &m.IsDeleted, &m.DeletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("message: get %s: %w", messageID, err)
	}
	return &m, nil
}

// markReadQuery updates only live rows: soft-deleted messages are excluded
// from unread counts everywhere, so flipping them here would inflate the
// receipt count fed to the messages_read event.
const markReadQuery = `
	UPDATE messages
	SET status = $3, read_at = now()
	WHERE match_id = $1 AND receiver_id = $2 AND status <> $3 AND is_deleted = FALSE`

// MarkRead transitions every live message in the match addressed to readerID
// that is not yet read to "read" and stamps read_at. Returns the number of
// rows updated; a repeat call updates zero rows.
func (s *Store) MarkRead(ctx context.Context, matchID, readerID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, markReadQuery, matchID, readerID, StatusRead)
	if err != nil {
		return 0, fmt.Errorf("message: mark read %s: %w", matchID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("message: mark read rows: %w", err)
	}
	return n, nil
}

// MarkDelivered advances "sent" messages addressed to receiverID in the match
// to "delivered". Messages already delivered or read are untouched, keeping
// the status transition monotonic.
func (s *Store) MarkDelivered(ctx context.Context, matchID, receiverID string) (int64, error) {
	const query = `
		UPDATE messages
		SET status = $4
		WHERE match_id = $1 AND receiver_id = $2 AND status = $3`

	res, err := s.db.ExecContext(ctx, query, matchID, receiverID, StatusSent, StatusDelivered)
	if err != nil {
		return 0, fmt.Errorf("message: mark delivered %s: %w", matchID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("message: mark delivered rows: %w", err)
	}
	return n, nil
}

// SoftDelete marks a message deleted. Only the original sender may delete;
// the row is retained for audit and pagination stability. Deleting an
// already-deleted message is a no-op.
func (s *Store) SoftDelete(ctx context.Context, messageID, requesterID string) error {
	const query = `
		UPDATE messages
		SET is_deleted = TRUE, deleted_at = now()
		WHERE id = $1 AND sender_id = $2 AND is_deleted = FALSE`

	res, err := s.db.ExecContext(ctx, query, messageID, requesterID)
	if err != nil {
		return fmt.Errorf("message: soft delete %s: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("message: soft delete rows: %w", err)
	}
	if n == 0 {
		// Distinguish "not yours" from "gone" for the caller.
		m, getErr := s.Get(ctx, messageID)
		if getErr != nil {
			return getErr
		}
		if m.SenderID != requesterID {
			return ErrAccessDenied
		}
		// Already deleted: idempotent success.
	}
	return nil
}

// UnreadCount returns the number of live unread messages addressed to userID
// in the match. Soft-deleted messages are excluded.
func (s *Store) UnreadCount(ctx context.Context, matchID, userID string) (int64, error) {
	const query = `
		SELECT COUNT(*)
		FROM messages
		WHERE match_id = $1 AND receiver_id = $2 AND status <> $3 AND is_deleted = FALSE`

	var n int64
	if err := s.db.QueryRowContext(ctx, query, matchID, userID, StatusRead).Scan(&n); err != nil {
		return 0, fmt.Errorf("message: unread count %s: %w", matchID, err)
	}
	return n, nil
}
