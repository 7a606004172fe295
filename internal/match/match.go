// Package match provides read access to matches and the membership authority
// that gates every messaging operation. Matches themselves are created and
// status-transitioned by the external matching service; this package only
// consumes them and touches last_interaction_at when a message lands.
package match

import (
	"context"
	"errors"
	"time"
)

// Match status values assigned by the external matching service.
const (
	StatusPending   = "pending"
	StatusMatched   = "matched"
	StatusUnmatched = "unmatched"
	StatusBlocked   = "blocked"
)

var (
	// ErrAccessDenied is returned when the match does not exist or the
	// caller is not one of its two members.
	ErrAccessDenied = errors.New("match: access denied")

	// ErrInvalidMatchState is returned when the match exists and the caller
	// is a member, but the match is not in "matched" status.
	ErrInvalidMatchState = errors.New("match: not in matched state")
)

// Match is a confirmed or pending pairing between two users. The member pair
// is invariant for the lifetime of the match.
type Match struct {
	ID                string
	MemberA           string
	MemberB           string
	Status            string
	CreatedAt         time.Time
	LastInteractionAt time.Time
}

// Counterpart returns the member that is not userID, or "" if userID is not
// a member of this match.
func (m *Match) Counterpart(userID string) string {
	if userID == m.MemberA {
		return m.MemberB
	}
	if userID == m.MemberB {
		return m.MemberA
	}
	return ""
}

// IsMember reports whether userID is one of the two match members.
func (m *Match) IsMember(userID string) bool {
	return userID == m.MemberA || userID == m.MemberB
}

// Getter is the read access the authority needs. Satisfied by *Store.
type Getter interface {
	Get(ctx context.Context, matchID string) (*Match, error)
}

// Authority is the single authorization boundary of the messaging core.
// Every send, room join and read-receipt operation resolves the counterpart
// through it before touching any other state.
type Authority struct {
	matches Getter
}

// NewAuthority creates an Authority over the given match source.
func NewAuthority(matches Getter) *Authority {
	return &Authority{matches: matches}
}

// ResolveCounterpart verifies that callerID is a member of matchID and that
// the match accepts messages, and returns the other member's user ID.
//
// A missing match and a non-member caller are both reported as
// ErrAccessDenied so that probing for match existence is not possible. A
// match in any status other than "matched" yields ErrInvalidMatchState.
func (a *Authority) ResolveCounterpart(ctx context.Context, matchID, callerID string) (string, error) {
	m, err := a.matches.Get(ctx, matchID)
	if err != nil {
		return "", err
	}
	if m == nil || !m.IsMember(callerID) {
		return "", ErrAccessDenied
	}
	if m.Status != StatusMatched {
		return "", ErrInvalidMatchState
	}
	return m.Counterpart(callerID), nil
}
