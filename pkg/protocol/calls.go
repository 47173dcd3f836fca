package protocol

// Argument shapes for channel calls. The channel takes a flat args object;
// the REST fallback splits the same fields into URL path and query/body.

type ListMessagesArgs struct {
	RoomID   int64 `json:"room_id,omitempty"`
	ThreadID int64 `json:"thread_id,omitempty"`
	Page     int   `json:"page"`
	PerPage  int   `json:"per_page"`
}

type SendMessageArgs struct {
	RoomID   int64  `json:"room_id,omitempty"`
	ThreadID int64  `json:"thread_id,omitempty"`
	Content  string `json:"content"`
}

type CreateThreadArgs struct {
	UserID int64 `json:"user_id"`
}

type MarkReadArgs struct {
	ThreadID int64 `json:"thread_id"`
}

// Channel reply payloads. Message lists on the channel arrive oldest-first,
// unlike the REST pages which are newest-first; the router normalizes both.

type MessageItems struct {
	Items []Message `json:"items"`
}

type ThreadItems struct {
	Items []Thread `json:"items"`
}
