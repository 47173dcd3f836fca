package protocol

import "time"

// RoomKind identifies what a room is for. The set is closed; the server
// rejects joins to kinds the viewer is not entitled to.
type RoomKind string

const (
	RoomKindGeneral   RoomKind = "general"
	RoomKindSpeaker   RoomKind = "speaker"
	RoomKindAdmin     RoomKind = "admin"
	RoomKindSession   RoomKind = "session"
	RoomKindBackstage RoomKind = "backstage"
)

// Room is a named chat channel scoped to an event or session.
type Room struct {
	ID       int64    `json:"id"`
	Name     string   `json:"name"`
	Kind     RoomKind `json:"kind"`
	Position int      `json:"position"`
	Enabled  bool     `json:"enabled"`
}

// UserRole determines how moderation events render for a viewer.
type UserRole string

const (
	RoleAttendee  UserRole = "attendee"
	RoleSpeaker   UserRole = "speaker"
	RoleModerator UserRole = "moderator"
)

// User is a reference to a platform account.
type User struct {
	ID   int64    `json:"id"`
	Name string   `json:"name"`
	Role UserRole `json:"role,omitempty"`
}

// IsModerator reports whether the user may delete other users' messages.
func (u User) IsModerator() bool {
	return u.Role == RoleModerator
}

// Message is a single chat message in a room or a direct-message thread.
// IDs are assigned by the server, monotonically per room, and are the sole
// deduplication key: two deliveries of the same ID collapse to one entry.
type Message struct {
	ID        int64     `json:"id"`
	RoomID    int64     `json:"room_id,omitempty"`
	ThreadID  int64     `json:"thread_id,omitempty"`
	Author    User      `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`

	// Soft-deletion state. Messages are never hard-deleted client-side;
	// a moderated message stays in place with these fields populated.
	Deleted   bool       `json:"deleted,omitempty"`
	DeletedBy string     `json:"deleted_by,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Thread is a direct-message conversation between two users.
type Thread struct {
	ID           int64    `json:"id"`
	Participants []User   `json:"participants"`
	LastMessage  *Message `json:"last_message,omitempty"`
	UnreadCount  int      `json:"unread_count"`
}

// OtherParticipant returns the participant that is not the given user.
func (t Thread) OtherParticipant(userID int64) *User {
	for i := range t.Participants {
		if t.Participants[i].ID != userID {
			return &t.Participants[i]
		}
	}
	return nil
}
