package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/stagedoor/stagedoor-go/pkg/protocol"
	"github.com/stagedoor/stagedoor-go/pkg/rest"
)

// fakeRESTServer serves the fallback API with canned room history.
func fakeRESTServer(t *testing.T) (*rest.Client, *int) {
	t.Helper()
	hits := new(int)

	r := mux.NewRouter()
	r.HandleFunc("/rooms/{roomID}/messages", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet:
			*hits++
			w.Header().Set("Content-Type", "application/json")
			// Newest-first, as the paginated API delivers.
			json.NewEncoder(w).Encode(map[string]any{
				"messages": []protocol.Message{
					{ID: 103, RoomID: 7, Content: "newest", CreatedAt: time.Unix(1003, 0).UTC()},
					{ID: 102, RoomID: 7, Content: "middle", CreatedAt: time.Unix(1002, 0).UTC()},
					{ID: 101, RoomID: 7, Content: "oldest", CreatedAt: time.Unix(1001, 0).UTC()},
				},
			})
		case http.MethodPost:
			*hits++
			var body struct {
				Content string `json:"content"`
			}
			json.NewDecoder(req.Body).Decode(&body)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(protocol.Message{ID: 200, RoomID: 7, Content: body.Content})
		}
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return rest.NewClient(srv.URL, "session-token"), hits
}

func TestRouterPrefersChannel(t *testing.T) {
	chanSrv := newFakeChannelServer(t)
	chanSrv.setCallHandler(func(op string, data json.RawMessage) (any, *protocol.WireError) {
		// Oldest-first, as channel replies deliver.
		return protocol.MessageItems{Items: []protocol.Message{
			{ID: 101, RoomID: 7, Content: "oldest"},
			{ID: 102, RoomID: 7, Content: "middle"},
			{ID: 103, RoomID: 7, Content: "newest"},
		}}, nil
	})
	conn := connectedConn(t, chanSrv)
	restClient, restHits := fakeRESTServer(t)

	r := NewRouter(conn, restClient, time.Second, nil, nil)

	msgs, err := r.ListRoomMessages(context.Background(), 7, 1, 50)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if *restHits != 0 {
		t.Fatal("channel path must not touch REST")
	}
	if len(msgs) != 3 || msgs[0].ID != 101 || msgs[2].ID != 103 {
		t.Fatalf("expected oldest-first order, got %+v", msgs)
	}
}

// TestRouterFallsBackTransparently verifies callers cannot tell which
// transport served them: the REST page comes back in the same oldest-first
// order the channel would produce.
func TestRouterFallsBackTransparently(t *testing.T) {
	t.Run("channel disconnected", func(t *testing.T) {
		conn := NewConnection("ws://127.0.0.1:1/socket", staticTokens{token: "tok"}, WithoutAutoReconnect())
		t.Cleanup(conn.Close)
		restClient, restHits := fakeRESTServer(t)

		r := NewRouter(conn, restClient, time.Second, nil, nil)

		msgs, err := r.ListRoomMessages(context.Background(), 7, 1, 50)
		if err != nil {
			t.Fatalf("fallback failed: %v", err)
		}
		if *restHits != 1 {
			t.Fatalf("expected one REST hit, got %d", *restHits)
		}
		if len(msgs) != 3 || msgs[0].ID != 101 || msgs[2].ID != 103 {
			t.Fatalf("fallback page not normalized to oldest-first: %+v", msgs)
		}
	})

	t.Run("channel call times out", func(t *testing.T) {
		chanSrv := newFakeChannelServer(t)
		chanSrv.setCallHandler(func(op string, data json.RawMessage) (any, *protocol.WireError) {
			time.Sleep(300 * time.Millisecond)
			return protocol.MessageItems{}, nil
		})
		conn := connectedConn(t, chanSrv)
		restClient, restHits := fakeRESTServer(t)

		r := NewRouter(conn, restClient, 30*time.Millisecond, nil, nil)

		msgs, err := r.ListRoomMessages(context.Background(), 7, 1, 50)
		if err != nil {
			t.Fatalf("fallback failed: %v", err)
		}
		if *restHits != 1 {
			t.Fatalf("expected one REST hit after channel timeout, got %d", *restHits)
		}
		if len(msgs) != 3 || msgs[0].ID != 101 {
			t.Fatalf("unexpected fallback page: %+v", msgs)
		}
	})
}

// A server-side rejection fails the call outright; retrying over REST would
// just fail the same way.
func TestRouterDoesNotFallBackOnRejection(t *testing.T) {
	chanSrv := newFakeChannelServer(t)
	chanSrv.setCallHandler(func(op string, data json.RawMessage) (any, *protocol.WireError) {
		return nil, &protocol.WireError{Code: 403, Message: "muted"}
	})
	conn := connectedConn(t, chanSrv)
	restClient, restHits := fakeRESTServer(t)

	r := NewRouter(conn, restClient, time.Second, nil, nil)

	_, err := r.SendMessage(context.Background(), 7, "hi")
	var reqErr *rest.RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected the rejection surfaced, got %v", err)
	}
	if *restHits != 0 {
		t.Fatal("rejection must not trigger the REST fallback")
	}
}

func TestRouterSendMessageOverChannel(t *testing.T) {
	chanSrv := newFakeChannelServer(t)
	chanSrv.setCallHandler(func(op string, data json.RawMessage) (any, *protocol.WireError) {
		if op != protocol.OpSendMessage {
			return nil, &protocol.WireError{Code: 400, Message: "wrong op"}
		}
		var args protocol.SendMessageArgs
		if err := json.Unmarshal(data, &args); err != nil {
			return nil, &protocol.WireError{Code: 400, Message: "bad args"}
		}
		return protocol.Message{ID: 300, RoomID: args.RoomID, Content: args.Content}, nil
	})
	conn := connectedConn(t, chanSrv)
	restClient, restHits := fakeRESTServer(t)

	r := NewRouter(conn, restClient, time.Second, nil, nil)

	msg, err := r.SendMessage(context.Background(), 7, "hello")
	if err != nil {
		t.Fatalf("send over channel failed: %v", err)
	}
	if msg.ID != 300 || msg.RoomID != 7 || msg.Content != "hello" {
		t.Fatalf("unexpected created message: %+v", msg)
	}
	if *restHits != 0 {
		t.Fatal("channel send must not touch REST")
	}
}

func TestRouterSendMessageFallback(t *testing.T) {
	conn := NewConnection("ws://127.0.0.1:1/socket", staticTokens{token: "tok"}, WithoutAutoReconnect())
	t.Cleanup(conn.Close)
	restClient, _ := fakeRESTServer(t)

	r := NewRouter(conn, restClient, time.Second, nil, nil)

	msg, err := r.SendMessage(context.Background(), 7, "hello")
	if err != nil {
		t.Fatalf("send via fallback failed: %v", err)
	}
	if msg.ID != 200 || msg.Content != "hello" {
		t.Fatalf("unexpected created message: %+v", msg)
	}
}
