// Package inbox derives the per-user conversation list: every matched match
// with a denormalized snapshot of its latest live message and the count of
// unread messages addressed to the user. It is a pure read model, recomputed
// on demand; the gateway's inbox_update events are invalidation hints, not
// pushes of this list.
package inbox

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/kindling/messaging/internal/message"
)

// Entry is one row of a user's inbox.
type Entry struct {
	MatchID       string
	CounterpartID string
	LastMessage   *message.Message // nil if the match has no live messages yet
	UnreadCount   int64
	MatchedAt     time.Time
}

// Aggregator builds inbox views from the matches and messages tables.
type Aggregator struct {
	db *sql.DB
}

// NewAggregator creates an Aggregator over the given database handle.
func NewAggregator(db *sql.DB) *Aggregator {
	return &Aggregator{db: db}
}

// Build returns the user's inbox, newest conversation first. Soft-deleted
// messages are invisible here: they are excluded from both the last-message
// preview and the unread count.
func (a *Aggregator) Build(ctx context.Context, userID string) ([]Entry, error) {
	const query = `
		SELECT m.id,
		       CASE WHEN m.member_a = $1 THEN m.member_b ELSE m.member_a END AS counterpart,
		       m.created_at,
		       lm.id, lm.sender_id, lm.receiver_id, lm.text, lm.media_type, lm.media_url,
		       lm.audio_duration, lm.status, lm.created_at,
		       COALESCE(uc.n, 0) AS unread
		FROM matches m
		LEFT JOIN LATERAL (
			SELECT id, sender_id, receiver_id, text, media_type, media_url,
			       audio_duration, status, created_at
			FROM messages
			WHERE match_id = m.id AND is_deleted = FALSE
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		) lm ON TRUE
		LEFT JOIN LATERAL (
			SELECT COUNT(*) AS n
			FROM messages
			WHERE match_id = m.id AND receiver_id = $1 AND status <> $2 AND is_deleted = FALSE
		) uc ON TRUE
		WHERE (m.member_a = $1 OR m.member_b = $1) AND m.status = $3`

	rows, err := a.db.QueryContext(ctx, query, userID, message.StatusRead, "matched")
	if err != nil {
		return nil, fmt.Errorf("inbox: build for %s: %w", userID, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			lmID      sql.NullString
			lmSender  sql.NullString
			lmRecv    sql.NullString
			lmText    sql.NullString
			lmType    sql.NullString
			lmURL     sql.NullString
			lmAudio   sql.NullInt64
			lmStatus  sql.NullString
			lmCreated sql.NullTime
		)
		if err := rows.Scan(
			&e.MatchID, &e.CounterpartID, &e.MatchedAt,
			&lmID, &lmSender, &lmRecv, &lmText, &lmType, &lmURL,
			&lmAudio, &lmStatus, &lmCreated,
			&e.UnreadCount,
		); err != nil {
			return nil, fmt.Errorf("inbox: scan: %w", err)
		}
		if lmID.Valid {
			e.LastMessage = &message.Message{
				ID:            lmID.String,
				MatchID:       e.MatchID,
				SenderID:      lmSender.String,
				ReceiverID:    lmRecv.String,
				Text:          lmText.String,
				MediaType:     lmType.String,
				MediaURL:      lmURL.String,
				AudioDuration: int(lmAudio.Int64),
				Status:        lmStatus.String,
				CreatedAt:     lmCreated.Time,
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inbox: rows: %w", err)
	}

	SortEntries(entries)
	return entries, nil
}

// SortEntries orders the inbox: entries with a last message first, newest
// last message first; matches without messages last. Ties on the last
// message timestamp break on match ID ascending so the order is
// deterministic.
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		switch {
		case a.LastMessage == nil && b.LastMessage == nil:
			return a.MatchID < b.MatchID
		case a.LastMessage == nil:
			return false
		case b.LastMessage == nil:
			return true
		}
		if !a.LastMessage.CreatedAt.Equal(b.LastMessage.CreatedAt) {
			return a.LastMessage.CreatedAt.After(b.LastMessage.CreatedAt)
		}
		return a.MatchID < b.MatchID
	})
}
