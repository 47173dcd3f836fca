package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind discriminates push events delivered over the channel.
type EventKind string

const (
	// EventNewMessage carries a freshly created message.
	EventNewMessage EventKind = "new_message"
	// EventModerated marks a message soft-deleted; the message stays in the
	// timeline with deletion metadata attached.
	EventModerated EventKind = "moderated"
	// EventRemoved tells ordinary viewers to drop the message entirely.
	EventRemoved EventKind = "removed"
)

// Event is a server-initiated notification scoped to a room or thread.
// Exactly one of the payload fields is meaningful depending on Kind.
type Event struct {
	Kind     EventKind `json:"kind"`
	RoomID   int64     `json:"room_id,omitempty"`
	ThreadID int64     `json:"thread_id,omitempty"`

	// new_message
	Message *Message `json:"message,omitempty"`

	// moderated / removed
	MessageID int64      `json:"message_id,omitempty"`
	DeletedBy string     `json:"deleted_by,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// TargetID returns the message id the event refers to, for any kind.
func (e *Event) TargetID() int64 {
	if e.Kind == EventNewMessage && e.Message != nil {
		return e.Message.ID
	}
	return e.MessageID
}

// DecodeEvent parses an event payload and validates the discriminator.
func DecodeEvent(data json.RawMessage) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	switch ev.Kind {
	case EventNewMessage:
		if ev.Message == nil {
			return nil, fmt.Errorf("new_message event without message payload")
		}
	case EventModerated, EventRemoved:
		if ev.MessageID == 0 {
			return nil, fmt.Errorf("%s event without message_id", ev.Kind)
		}
	default:
		return nil, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return &ev, nil
}
