package protocol

import (
	"encoding/json"
	"fmt"
)

// FrameType identifies the purpose of a channel frame.
type FrameType string

const (
	// FrameAuth carries the short-lived socket token after dialing.
	FrameAuth FrameType = "auth"
	// FrameJoin subscribes the connection to a room. The server auto-leaves
	// any previously joined room, so a join is a single logical transition.
	FrameJoin FrameType = "join"
	// FrameLeave unsubscribes without a replacement room.
	FrameLeave FrameType = "leave"
	// FrameCall is a request/response style operation over the channel.
	FrameCall FrameType = "call"
	// FrameReply answers a call (or acknowledges a join/leave), correlated by ID.
	FrameReply FrameType = "reply"
	// FrameEvent is a server push notification scoped to a room or thread.
	FrameEvent FrameType = "event"
)

// WireError is a server-side rejection carried in a reply frame.
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// Frame is the JSON envelope for everything on the persistent channel.
// ID correlates calls with replies; per-connection frame order is preserved
// by the transport, so events for one room arrive in delivery order.
type Frame struct {
	Type   FrameType       `json:"type"`
	ID     uint64          `json:"id,omitempty"`
	Op     string          `json:"op,omitempty"`
	RoomID int64           `json:"room_id,omitempty"`
	Token  string          `json:"token,omitempty"`
	OK     *bool           `json:"ok,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Channel call operations. These mirror the REST fallback endpoints; the
// dual-transport router normalizes both response shapes to one result.
const (
	OpListThreads        = "threads:list"
	OpListMessages       = "messages:list"
	OpSendMessage        = "messages:send"
	OpCreateThread       = "threads:create"
	OpMarkRead           = "threads:mark_read"
)

// NewCall builds a call frame with the given correlation id and arguments.
func NewCall(id uint64, op string, args any) (*Frame, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode call args: %w", err)
	}
	return &Frame{Type: FrameCall, ID: id, Op: op, Data: data}, nil
}

// Succeeded reports whether a reply frame indicates success.
func (f *Frame) Succeeded() bool {
	return f.OK != nil && *f.OK
}

// DecodeFrame parses a raw websocket text message into a frame.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return &f, nil
}

// EncodeFrame serializes a frame for the wire.
func EncodeFrame(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return data, nil
}
