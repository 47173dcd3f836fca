package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stagedoor/stagedoor-go/pkg/protocol"
	"github.com/stagedoor/stagedoor-go/pkg/rest"
)

func connectedConn(t *testing.T, srv *fakeChannelServer, opts ...ConnOption) *Connection {
	t.Helper()
	conn := NewConnection(srv.URL(), staticTokens{token: "tok"}, opts...)
	t.Cleanup(conn.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	return conn
}

func TestCallCorrelation(t *testing.T) {
	srv := newFakeChannelServer(t)
	srv.setCallHandler(func(op string, data json.RawMessage) (any, *protocol.WireError) {
		if op != protocol.OpListMessages {
			return nil, &protocol.WireError{Code: 400, Message: "wrong op"}
		}
		return protocol.MessageItems{Items: []protocol.Message{
			{ID: 1, RoomID: 7, Content: "first"},
			{ID: 2, RoomID: 7, Content: "second"},
		}}, nil
	})
	conn := connectedConn(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := conn.Call(ctx, protocol.OpListMessages, protocol.ListMessagesArgs{RoomID: 7, Page: 1, PerPage: 50})
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	var reply protocol.MessageItems
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("bad reply payload: %v", err)
	}
	if len(reply.Items) != 2 || reply.Items[0].ID != 1 {
		t.Fatalf("unexpected reply: %+v", reply.Items)
	}
}

func TestCallServerRejection(t *testing.T) {
	srv := newFakeChannelServer(t)
	srv.setCallHandler(func(op string, data json.RawMessage) (any, *protocol.WireError) {
		return nil, &protocol.WireError{Code: 403, Message: "muted"}
	})
	conn := connectedConn(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := conn.Call(ctx, protocol.OpSendMessage, protocol.SendMessageArgs{RoomID: 7, Content: "hi"})
	var reqErr *rest.RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected *rest.RequestError, got %v", err)
	}
	if reqErr.Status != 403 || reqErr.Message != "muted" {
		t.Fatalf("unexpected rejection: %+v", reqErr)
	}
	// A server rejection is not a transport failure.
	var te *TransportError
	if errors.As(err, &te) {
		t.Fatal("rejection must not look like a transport error")
	}
}

func TestCallTimeoutIsTransportError(t *testing.T) {
	srv := newFakeChannelServer(t)
	srv.setCallHandler(func(op string, data json.RawMessage) (any, *protocol.WireError) {
		time.Sleep(500 * time.Millisecond)
		return nil, nil
	})
	conn := connectedConn(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := conn.Call(ctx, protocol.OpListThreads, struct{}{})
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError on timeout, got %v", err)
	}
}

func TestCallWhileDisconnected(t *testing.T) {
	conn := NewConnection("ws://127.0.0.1:1/socket", staticTokens{token: "tok"}, WithoutAutoReconnect())
	t.Cleanup(conn.Close)

	_, err := conn.Call(context.Background(), protocol.OpListThreads, struct{}{})
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %v", err)
	}
}

func TestDisconnectFailsInFlightCalls(t *testing.T) {
	srv := newFakeChannelServer(t)
	srv.setCallHandler(func(op string, data json.RawMessage) (any, *protocol.WireError) {
		time.Sleep(2 * time.Second)
		return nil, nil
	})
	conn := connectedConn(t, srv, WithoutAutoReconnect())

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(), protocol.OpListThreads, struct{}{})
		errCh <- err
	}()

	// Give the frame time to reach the server before cutting the link.
	time.Sleep(100 * time.Millisecond)
	srv.dropConnections()

	select {
	case err := <-errCh:
		var te *TransportError
		if !errors.As(err, &te) {
			t.Fatalf("expected *TransportError after disconnect, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight call not failed by disconnect")
	}
}

func TestReconnectWithBackoff(t *testing.T) {
	srv := newFakeChannelServer(t)
	conn := connectedConn(t, srv, WithReconnectDelays(10*time.Millisecond, 50*time.Millisecond))

	srv.dropConnections()

	var sawDisconnected, sawReconnecting, sawConnected bool
	deadline := time.After(5 * time.Second)
	for !sawConnected {
		select {
		case update := <-conn.StateChanges():
			switch update.State {
			case StateTypeDisconnected:
				sawDisconnected = true
			case StateTypeReconnecting:
				sawReconnecting = true
			case StateTypeConnected:
				sawConnected = true
			}
		case <-deadline:
			t.Fatalf("reconnect did not complete (disconnected=%v reconnecting=%v)", sawDisconnected, sawReconnecting)
		}
	}
	if !sawDisconnected || !sawReconnecting {
		t.Fatalf("missing state transitions (disconnected=%v reconnecting=%v)", sawDisconnected, sawReconnecting)
	}
	waitFor(t, "connection to be usable again", conn.IsConnected)
}

func TestEventsDelivered(t *testing.T) {
	srv := newFakeChannelServer(t)
	conn := connectedConn(t, srv)

	m := protocol.Message{ID: 42, RoomID: 7, Content: "hello"}
	srv.pushEvent(&protocol.Event{Kind: protocol.EventNewMessage, RoomID: 7, Message: &m})

	select {
	case ev := <-conn.Events():
		if ev.Kind != protocol.EventNewMessage || ev.Message == nil || ev.Message.ID != 42 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("push event never delivered")
	}
}

func TestWaitConnectedBlocksUntilConnect(t *testing.T) {
	srv := newFakeChannelServer(t)
	conn := NewConnection(srv.URL(), staticTokens{token: "tok"})
	t.Cleanup(conn.Close)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- conn.WaitConnected(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("WaitConnected returned before Connect")
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitConnected returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WaitConnected never unblocked")
	}
}

// Concurrent Connect calls race through the token fetch and dial; exactly one
// may install its socket and signal connectedness. The loser must close its
// redundant socket without tearing down the winner's.
func TestConcurrentConnect(t *testing.T) {
	srv := newFakeChannelServer(t)
	conn := NewConnection(srv.URL(), staticTokens{token: "tok"}, WithoutAutoReconnect())
	t.Cleanup(conn.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// One call may observe the other already connected; that is
			// the only acceptable error.
			if err := conn.Connect(ctx); err != nil && err.Error() != "already connected" {
				t.Errorf("connect failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if !conn.IsConnected() {
		t.Fatal("expected a connected channel after the race")
	}
	// The surviving socket's pumps must still carry traffic.
	if err := conn.Join(ctx, 7); err != nil {
		t.Fatalf("join on surviving connection failed: %v", err)
	}
	if last, ok := srv.lastJoined(); !ok || last != 7 {
		t.Fatalf("join never reached the server: %v %v", last, ok)
	}
}

func TestConnectSurfacesTokenFailure(t *testing.T) {
	conn := NewConnection("ws://127.0.0.1:1/socket", failingTokens{}, WithoutAutoReconnect())
	t.Cleanup(conn.Close)

	err := conn.Connect(context.Background())
	if err == nil {
		t.Fatal("expected token fetch failure to surface")
	}
}

type failingTokens struct{}

func (failingTokens) SocketToken(ctx context.Context) (string, error) {
	return "", errors.New("token service unavailable")
}
