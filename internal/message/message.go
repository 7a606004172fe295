// Package message owns the durable, ordered message log per match. It is the
// only writer of a message's delivery status; the order of messages within a
// match is defined by the store-assigned (created_at, id) pair, never by
// arrival order at the gateway.
package message

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// Message media types.
const (
	TypeText  = "text"
	TypeImage = "image"
	TypeGif   = "gif"
	TypeAudio = "audio"
)

// Delivery status lifecycle. Transitions are monotonic:
// sent -> delivered -> read.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

const (
	// MaxTextBytes is the byte limit for message text.
	MaxTextBytes = 4096

	// MaxTextChars is the character limit for message text.
	MaxTextChars = 2000
)

var (
	// ErrEmptyPayload is returned for a text message with no content and no
	// media reference.
	ErrEmptyPayload = errors.New("message: empty payload")

	// ErrAccessDenied is returned when a caller tries to delete another
	// sender's message.
	ErrAccessDenied = errors.New("message: access denied")

	// ErrNotFound is returned when the referenced message does not exist.
	ErrNotFound = errors.New("message: not found")
)

// Payload is the client-supplied part of a message. The receiver is never
// part of the payload; it is derived from match membership by the caller.
type Payload struct {
	Text          string
	MediaType     string // text | image | gif | audio; "" defaults to text
	MediaURL      string
	AudioDuration int // seconds, audio only
}

// Message is one persisted entry of a match's message log. All fields except
// the delivery status and the soft-delete pair are immutable after append.
type Message struct {
	ID            string
	MatchID       string
	SenderID      string
	ReceiverID    string
	Text          string
	MediaType     string
	MediaURL      string
	AudioDuration int
	Status        string
	CreatedAt     time.Time
	ReadAt        *time.Time
	IsDeleted     bool
	DeletedAt     *time.Time
}

// Validate checks a payload before persistence. Media messages must carry a
// media URL; text messages must carry non-empty, bounded, valid UTF-8 text.
func (p *Payload) Validate() error {
	mediaType := p.MediaType
	if mediaType == "" {
		mediaType = TypeText
	}

	switch mediaType {
	case TypeText:
		if p.Text == "" {
			return ErrEmptyPayload
		}
	case TypeImage, TypeGif, TypeAudio:
		if p.MediaURL == "" {
			return fmt.Errorf("message: %s message requires media_url: %w", mediaType, ErrEmptyPayload)
		}
		if mediaType == TypeAudio && p.AudioDuration < 0 {
			return fmt.Errorf("message: negative audio duration")
		}
	default:
		return fmt.Errorf("message: unknown media type %q", p.MediaType)
	}

	if len(p.Text) > MaxTextBytes {
		return fmt.Errorf("message: text exceeds %d byte limit", MaxTextBytes)
	}
	if utf8.RuneCountInString(p.Text) > MaxTextChars {
		return fmt.Errorf("message: text exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(p.Text) {
		return fmt.Errorf("message: text contains invalid UTF-8")
	}
	return nil
}

// normalized returns the payload's effective media type.
func (p *Payload) normalized() string {
	if p.MediaType == "" {
		return TypeText
	}
	return p.MediaType
}
