package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// UserPrefix maps a user ID to their active connection ID.
	UserPrefix = "session:user:"

	// SessionTTL is the time-to-live for session keys in Redis. Refreshed on
	// activity; a crashed gateway instance leaks sessions for at most this.
	SessionTTL = 1 * time.Hour
)

// Session is a connection's session record as stored in Redis.
type Session struct {
	ConnID     string `redis:"conn_id"`
	UserID     string `redis:"user_id"`
	Server     string `redis:"server"`      // which gateway instance
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this gateway instance
}

// NewStore creates a session store over an existing Redis client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a session for an authenticated connection and points the
// user key at it. One active connection per user: a reconnect overwrites the
// user mapping, and the stale session expires by TTL.
func (s *Store) Create(ctx context.Context, connID, userID string) error {
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, SessionPrefix+connID, map[string]interface{}{
		"conn_id":     connID,
		"user_id":     userID,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, SessionPrefix+connID, SessionTTL)
	pipe.Set(ctx, UserPrefix+userID, connID, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w", connID, err)
	}
	return nil
}

// Get retrieves a session by connection ID. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	var sess Session
	if err := s.client.HGetAll(ctx, SessionPrefix+connID).Scan(&sess); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", connID, err)
	}
	if sess.ConnID == "" {
		return nil, nil
	}
	return &sess, nil
}

// Touch refreshes the session's TTL and last_active timestamp.
func (s *Store) Touch(ctx context.Context, connID, userID string) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, SessionPrefix+connID, "last_active", time.Now().Unix())
	pipe.Expire(ctx, SessionPrefix+connID, SessionTTL)
	if userID != "" {
		pipe.Expire(ctx, UserPrefix+userID, SessionTTL)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("session: touch %s: %w", connID, err)
	}
	return nil
}

// Delete removes a session and, if it is still the user's active connection,
// the user mapping.
func (s *Store) Delete(ctx context.Context, connID, userID string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, SessionPrefix+connID)
	if userID != "" {
		// Only unmap the user if this connection still owns the mapping.
		current, err := s.client.Get(ctx, UserPrefix+userID).Result()
		if err == nil && current == connID {
			pipe.Del(ctx, UserPrefix+userID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: delete %s: %w", connID, err)
	}
	return nil
}

// Close closes the underlying Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
