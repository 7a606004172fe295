package message

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// Cursor is an opaque pagination watermark for ListSince. It encodes the
// (created_at, id) position of the last message of the previous page so that
// pagination is stable under concurrent appends and soft deletes.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns the cursor's opaque wire form.
func (c Cursor) Encode() string {
	raw := fmt.Sprintf("%d|%s", c.CreatedAt.UnixMicro(), c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses an opaque cursor produced by Encode. An empty string
// yields a zero cursor, meaning "start from the newest message".
func DecodeCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("message: invalid cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return Cursor{}, fmt.Errorf("message: invalid cursor format")
	}
	var micros int64
	if _, err := fmt.Sscanf(parts[0], "%d", &micros); err != nil {
		return Cursor{}, fmt.Errorf("message: invalid cursor timestamp: %w", err)
	}
	return Cursor{CreatedAt: time.UnixMicro(micros).UTC(), ID: parts[1]}, nil
}

// IsZero reports whether the cursor marks the start of pagination.
func (c Cursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.ID == ""
}
