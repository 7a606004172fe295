package messaging

import "encoding/json"

// Event kinds carried on room and user subjects.
const (
	KindNewMessage   = "new_message"
	KindTyping       = "typing"
	KindInboxUpdate  = "inbox_update"
	KindMessagesRead = "messages_read"
)

// Event is the payload published on room.<match_id> and user.<user_id>
// subjects. Frame is a pre-encoded protocol server message, written verbatim
// to the client; From lets subscribers filter the originator's own typing
// events without re-decoding the frame.
type Event struct {
	Kind  string          `json:"kind"`
	From  string          `json:"from,omitempty"`
	Frame json.RawMessage `json:"frame"`
}

// EncodeEvent marshals an Event for publishing.
func EncodeEvent(kind, from string, frame []byte) ([]byte, error) {
	return json.Marshal(Event{Kind: kind, From: from, Frame: frame})
}

// DecodeEvent unmarshals an Event received from a subscription.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}
