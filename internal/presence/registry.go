// Package presence tracks which users currently hold a live connection and
// which match rooms they have open. It is process-local, in-memory state:
// a room here is the set of connected users who actively have a match's
// conversation view open, independent of the match's two fixed members.
package presence

import "sync"

// Registry is the presence and room membership surface the gateway and the
// notification dispatcher depend on. The in-memory implementation below is
// the single-process default; a shared-cache implementation can replace it
// without touching gateway logic.
type Registry interface {
	// Connect records connID as the user's live connection. A later call for
	// the same user supersedes the earlier connection and drops the room
	// memberships it held, since those reflect views opened on the old
	// connection.
	Connect(userID, connID string)

	// Disconnect removes the user's connection and purges all of their room
	// memberships, but only when connID still owns the user's presence. A
	// close observed after the user reconnected must not purge the live
	// connection's state. Safe to call for an unknown user.
	Disconnect(userID, connID string)

	// Join adds the user to a match room. Idempotent. Membership checks are
	// the caller's responsibility; the registry holds no authorization state.
	Join(userID, matchID string)

	// Leave removes the user from a match room. No-op if absent.
	Leave(userID, matchID string)

	// IsOnline reports whether the user has a live connection.
	IsOnline(userID string) bool

	// IsJoined reports whether the user currently has the match room open.
	IsJoined(userID, matchID string) bool

	// MembersOf returns a snapshot of the users currently joined to the
	// match room.
	MembersOf(matchID string) []string
}

// MemoryRegistry is the mutex-guarded in-memory Registry implementation,
// sized for thousands of concurrent connections.
type MemoryRegistry struct {
	mu     sync.RWMutex
	online map[string]string              // userID -> owning connID
	rooms  map[string]map[string]struct{} // matchID -> set of userIDs
	joined map[string]map[string]struct{} // userID -> set of matchIDs, for disconnect purge
}

// NewMemoryRegistry creates an empty registry ready for use.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		online: make(map[string]string),
		rooms:  make(map[string]map[string]struct{}),
		joined: make(map[string]map[string]struct{}),
	}
}

// Connect marks the user online on connID. When the user reconnects before
// the old connection's close is observed, the new connection takes ownership
// and the old connection's room memberships are dropped.
func (r *MemoryRegistry) Connect(userID, connID string) {
	r.mu.Lock()
	if prev, ok := r.online[userID]; ok && prev != connID {
		r.purgeRoomsLocked(userID)
	}
	r.online[userID] = connID
	r.mu.Unlock()
}

// Disconnect marks the user offline and removes every room membership held
// by that user, unless a newer connection has since taken ownership of the
// user's presence.
func (r *MemoryRegistry) Disconnect(userID, connID string) {
	r.mu.Lock()
	if current, ok := r.online[userID]; !ok || current != connID {
		r.mu.Unlock()
		return
	}
	delete(r.online, userID)
	r.purgeRoomsLocked(userID)
	r.mu.Unlock()
}

// purgeRoomsLocked removes every room membership held by the user. Caller
// holds the write lock.
func (r *MemoryRegistry) purgeRoomsLocked(userID string) {
	for matchID := range r.joined[userID] {
		if members, ok := r.rooms[matchID]; ok {
			delete(members, userID)
			if len(members) == 0 {
				delete(r.rooms, matchID)
			}
		}
	}
	delete(r.joined, userID)
}

// Join adds the user to the match room. Idempotent.
func (r *MemoryRegistry) Join(userID, matchID string) {
	r.mu.Lock()
	if r.rooms[matchID] == nil {
		r.rooms[matchID] = make(map[string]struct{})
	}
	r.rooms[matchID][userID] = struct{}{}
	if r.joined[userID] == nil {
		r.joined[userID] = make(map[string]struct{})
	}
	r.joined[userID][matchID] = struct{}{}
	r.mu.Unlock()
}

// Leave removes the user from the match room. No-op if the user never joined.
func (r *MemoryRegistry) Leave(userID, matchID string) {
	r.mu.Lock()
	if members, ok := r.rooms[matchID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(r.rooms, matchID)
		}
	}
	if matches, ok := r.joined[userID]; ok {
		delete(matches, matchID)
		if len(matches) == 0 {
			delete(r.joined, userID)
		}
	}
	r.mu.Unlock()
}

// IsOnline reports whether the user currently has a live connection.
func (r *MemoryRegistry) IsOnline(userID string) bool {
	r.mu.RLock()
	_, ok := r.online[userID]
	r.mu.RUnlock()
	return ok
}

// IsJoined reports whether the user has the match room open.
func (r *MemoryRegistry) IsJoined(userID, matchID string) bool {
	r.mu.RLock()
	_, ok := r.rooms[matchID][userID]
	r.mu.RUnlock()
	return ok
}

// MembersOf returns a snapshot of the match room's joined users. The slice
// is safe to iterate without holding the lock.
func (r *MemoryRegistry) MembersOf(matchID string) []string {
	r.mu.RLock()
	members := make([]string, 0, len(r.rooms[matchID]))
	for userID := range r.rooms[matchID] {
		members = append(members, userID)
	}
	r.mu.RUnlock()
	return members
}

// RoomCount returns the number of rooms with at least one joined member.
// Exported for metrics.
func (r *MemoryRegistry) RoomCount() int {
	r.mu.RLock()
	n := len(r.rooms)
	r.mu.RUnlock()
	return n
}
