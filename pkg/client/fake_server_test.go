package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stagedoor/stagedoor-go/pkg/protocol"
)

// staticTokens is a TokenSource that always hands out the same token.
type staticTokens struct{ token string }

func (s staticTokens) SocketToken(ctx context.Context) (string, error) {
	return s.token, nil
}

// fakeChannelServer is an in-process websocket endpoint speaking the channel
// frame protocol: it records joins and leaves, answers calls through a
// configurable handler, and can push events or kill connections.
type fakeChannelServer struct {
	t   *testing.T
	srv *httptest.Server

	mu          sync.Mutex
	conns       []*websocket.Conn
	connWriteMu sync.Mutex
	joins       []int64
	leaves      []int64
	joinDelay   time.Duration
	callHandler func(op string, data json.RawMessage) (any, *protocol.WireError)
}

func newFakeChannelServer(t *testing.T) *fakeChannelServer {
	t.Helper()
	s := &fakeChannelServer{t: t}
	upgrader := websocket.Upgrader{}

	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, ws)
		s.mu.Unlock()
		go s.serve(ws)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

// URL returns the ws:// address of the endpoint.
func (s *fakeChannelServer) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *fakeChannelServer) serve(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			continue
		}

		switch frame.Type {
		case protocol.FrameAuth:
			// Accepted implicitly.
		case protocol.FrameJoin:
			s.mu.Lock()
			delay := s.joinDelay
			s.mu.Unlock()
			if delay > 0 {
				time.Sleep(delay)
			}
			s.mu.Lock()
			s.joins = append(s.joins, frame.RoomID)
			s.mu.Unlock()
			s.reply(ws, frame.ID, nil, nil)
		case protocol.FrameLeave:
			s.mu.Lock()
			s.leaves = append(s.leaves, frame.RoomID)
			s.mu.Unlock()
			s.reply(ws, frame.ID, nil, nil)
		case protocol.FrameCall:
			s.mu.Lock()
			handler := s.callHandler
			s.mu.Unlock()
			if handler == nil {
				s.reply(ws, frame.ID, nil, &protocol.WireError{Code: 404, Message: "no handler"})
				continue
			}
			// Calls run concurrently so a slow handler does not block
			// joins or other calls on the same connection.
			go func(frame *protocol.Frame) {
				result, wireErr := handler(frame.Op, frame.Data)
				s.reply(ws, frame.ID, result, wireErr)
			}(frame)
		}
	}
}

func (s *fakeChannelServer) reply(ws *websocket.Conn, id uint64, result any, wireErr *protocol.WireError) {
	ok := wireErr == nil
	frame := &protocol.Frame{Type: protocol.FrameReply, ID: id, OK: &ok, Error: wireErr}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			s.t.Errorf("failed to encode reply: %v", err)
			return
		}
		frame.Data = data
	}
	s.write(ws, frame)
}

func (s *fakeChannelServer) write(ws *websocket.Conn, frame *protocol.Frame) {
	data, err := protocol.EncodeFrame(frame)
	if err != nil {
		s.t.Errorf("failed to encode frame: %v", err)
		return
	}
	s.connWriteMu.Lock()
	defer s.connWriteMu.Unlock()
	_ = ws.WriteMessage(websocket.TextMessage, data)
}

// pushEvent delivers a push event to every connected client.
func (s *fakeChannelServer) pushEvent(ev *protocol.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.t.Fatalf("failed to encode event: %v", err)
	}
	s.mu.Lock()
	conns := make([]*websocket.Conn, len(s.conns))
	copy(conns, s.conns)
	s.mu.Unlock()
	for _, ws := range conns {
		s.write(ws, &protocol.Frame{Type: protocol.FrameEvent, RoomID: ev.RoomID, Data: data})
	}
}

// dropConnections closes every websocket to simulate a transport failure.
func (s *fakeChannelServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ws := range s.conns {
		ws.Close()
	}
	s.conns = nil
}

func (s *fakeChannelServer) setJoinDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joinDelay = d
}

func (s *fakeChannelServer) setCallHandler(h func(op string, data json.RawMessage) (any, *protocol.WireError)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callHandler = h
}

func (s *fakeChannelServer) joinedRooms() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.joins))
	copy(out, s.joins)
	return out
}

func (s *fakeChannelServer) lastJoined() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.joins) == 0 {
		return 0, false
	}
	return s.joins[len(s.joins)-1], true
}

// waitFor polls a condition with a deadline, failing the test on timeout.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
