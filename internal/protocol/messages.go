// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAuth        = "auth"
	TypeJoinMatch   = "join_match"
	TypeLeaveMatch  = "leave_match"
	TypeSendMessage = "send_message"
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"
	TypeMarkAsRead  = "mark_as_read"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeReady             = "ready"
	TypeNewMessage        = "new_message"
	TypeInboxUpdate       = "inbox_update"
	TypeMessagesRead      = "messages_read"
	TypeUserTyping        = "user_typing"
	TypeUserStoppedTyping = "user_stopped_typing"
	TypeError             = "error"
	TypePong              = "pong"
)

// Error codes carried in ErrorMsg.Code.
const (
	CodeAuthFailed        = "authentication_failed"
	CodeAccessDenied      = "access_denied"
	CodeInvalidMatchState = "invalid_match_state"
	CodeValidation        = "validation_error"
	CodeStoreUnavailable  = "store_unavailable"
	CodeRateLimited       = "rate_limited"
	CodeParse             = "parse_error"
	CodeUnsupported       = "unsupported_type"
)

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// AuthMsg is the first frame a client must send after connecting. The token
// is an identity claim issued by the external auth service.
type AuthMsg struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// JoinMatchMsg opens a match conversation room on this connection.
type JoinMatchMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
}

// LeaveMatchMsg closes a previously joined match room on this connection.
type LeaveMatchMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
}

// SendMessageMsg carries a new chat message for a match. Text may be empty
// for media messages; MediaURL is an opaque reference to already-uploaded
// media. AudioDuration is only meaningful for audio messages.
type SendMessageMsg struct {
	Type          string `json:"type"`
	MatchID       string `json:"match_id"`
	Text          string `json:"text,omitempty"`
	MessageType   string `json:"message_type,omitempty"` // text | image | gif | audio
	MediaURL      string `json:"media_url,omitempty"`
	AudioDuration int    `json:"audio_duration,omitempty"` // seconds
}

// TypingStartMsg signals that the user started typing in a match room.
type TypingStartMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
}

// TypingStopMsg signals that the user stopped typing in a match room.
type TypingStopMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
}

// MarkAsReadMsg marks every unread message addressed to the caller in the
// given match as read.
type MarkAsReadMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ReadyMsg is sent once the connection has been authenticated and can accept
// match events.
type ReadyMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// MessagePayload is the wire form of a persisted message, embedded in
// NewMessageMsg and InboxUpdateMsg.
type MessagePayload struct {
	ID            string `json:"id"`
	MatchID       string `json:"match_id"`
	SenderID      string `json:"sender_id"`
	ReceiverID    string `json:"receiver_id"`
	Text          string `json:"text,omitempty"`
	MessageType   string `json:"message_type"`
	MediaURL      string `json:"media_url,omitempty"`
	AudioDuration int    `json:"audio_duration,omitempty"`
	Status        string `json:"status"` // sent | delivered | read
	CreatedAt     int64  `json:"created_at"`
}

// NewMessageMsg delivers a freshly persisted message to every connection
// joined to the match room, including the sender's own.
type NewMessageMsg struct {
	Type    string         `json:"type"`
	Message MessagePayload `json:"message"`
}

// InboxUpdateMsg is sent on a user's personal channel when the inbox entry
// for a match changed. It is an invalidation hint; clients refetch the inbox
// but may apply the unread badge immediately.
type InboxUpdateMsg struct {
	Type        string          `json:"type"`
	MatchID     string          `json:"match_id"`
	LastMessage *MessagePayload `json:"last_message,omitempty"`
	UnreadCount int64           `json:"unread_count"`
}

// MessagesReadMsg notifies a sender that the counterpart read their messages.
type MessagesReadMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
	Count   int64  `json:"count"`
}

// UserTypingMsg relays a typing indicator to other room members. The same
// struct backs both user_typing and user_stopped_typing.
type UserTypingMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
	UserID  string `json:"user_id"`
}

// ErrorMsg is sent by the server to communicate an error condition. The
// connection stays open unless the error occurred during authentication.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuth:
		var m AuthMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinMatch:
		var m JoinMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveMatch:
		var m LeaveMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStart:
		var m TypingStartMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStop:
		var m TypingStopMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkAsRead:
		var m MarkAsReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
