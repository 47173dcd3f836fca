package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/stagedoor/stagedoor-go/pkg/protocol"
	"github.com/stagedoor/stagedoor-go/pkg/rest"
)

// ConnectionStateType represents the connection status
type ConnectionStateType int

const (
	StateTypeConnected ConnectionStateType = iota
	StateTypeDisconnected
	StateTypeReconnecting
)

// ConnectionStateUpdate represents a connection state change
type ConnectionStateUpdate struct {
	State   ConnectionStateType
	Attempt int
	Err     error
}

// TokenSource provides the short-lived credential for channel authentication.
// The REST client implements it via GET /auth/socket-token.
type TokenSource interface {
	SocketToken(ctx context.Context) (string, error)
}

// Connection owns the single persistent channel to the server. It dials with
// a fresh socket token, pumps frames in both directions, correlates calls
// with replies, and reconnects automatically with exponential backoff.
//
// Reconnecting does not rejoin the previously active room; the membership
// controller observes StateTypeConnected on StateChanges and re-issues its
// join.
type Connection struct {
	socketURL string
	tokens    TokenSource
	dialer    *websocket.Dialer

	mu           sync.RWMutex
	ws           *websocket.Conn
	connected    bool
	reconnecting bool
	connectedCh  chan struct{} // closed while connected, replaced on disconnect

	// Call correlation
	callMu  sync.Mutex
	nextID  uint64
	pending map[uint64]chan *protocol.Frame

	outgoing    chan *protocol.Frame
	events      chan *protocol.Event
	stateChange chan ConnectionStateUpdate

	autoReconnect     bool
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration

	logger hclog.Logger

	shutdown chan struct{}
	closeOnce sync.Once
	wg       sync.WaitGroup
}

// ConnOption configures a Connection.
type ConnOption func(*Connection)

// WithConnLogger sets the logger for frame traces and reconnect events.
func WithConnLogger(logger hclog.Logger) ConnOption {
	return func(c *Connection) { c.logger = logger }
}

// WithReconnectDelays overrides the backoff bounds.
func WithReconnectDelays(initial, max time.Duration) ConnOption {
	return func(c *Connection) {
		c.reconnectDelay = initial
		c.maxReconnectDelay = max
	}
}

// WithoutAutoReconnect disables automatic reconnection on connection loss.
func WithoutAutoReconnect() ConnOption {
	return func(c *Connection) { c.autoReconnect = false }
}

// NewConnection creates a connection manager for the given websocket URL.
func NewConnection(socketURL string, tokens TokenSource, opts ...ConnOption) *Connection {
	c := &Connection{
		socketURL: socketURL,
		tokens:    tokens,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		connectedCh:       make(chan struct{}),
		pending:           make(map[uint64]chan *protocol.Frame),
		outgoing:          make(chan *protocol.Frame, 100),
		events:            make(chan *protocol.Event, 100),
		stateChange:       make(chan ConnectionStateUpdate, 10),
		autoReconnect:     true,
		reconnectDelay:    1 * time.Second,
		maxReconnectDelay: 30 * time.Second,
		shutdown:          make(chan struct{}),
	}
	c.logger = hclog.NewNullLogger()
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect fetches a socket token and establishes the channel. Token fetch
// failure is surfaced to the caller; no retry loop runs here.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.mu.Unlock()

	token, err := c.tokens.SocketToken(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch socket token: %w", err)
	}

	return c.dial(ctx, token)
}

func (c *Connection) dial(ctx context.Context, token string) error {
	c.logger.Debug("dialing channel", "url", c.socketURL)

	ws, _, err := c.dialer.DialContext(ctx, c.socketURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	auth := &protocol.Frame{Type: protocol.FrameAuth, Token: token}
	data, err := protocol.EncodeFrame(auth)
	if err != nil {
		ws.Close()
		return err
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		ws.Close()
		return fmt.Errorf("failed to authenticate channel: %w", err)
	}

	c.mu.Lock()
	if c.connected {
		// A concurrent dial won the race while this one was in flight.
		// Keep the winner's socket and pumps; this one is redundant.
		c.mu.Unlock()
		ws.Close()
		return nil
	}
	c.ws = ws
	c.connected = true
	close(c.connectedCh)
	c.mu.Unlock()

	c.logger.Debug("channel connected")

	c.wg.Add(2)
	go c.readLoop(ws)
	go c.writeLoop(ws)

	return nil
}

// Disconnect closes the channel without shutting the manager down.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.connectedCh = make(chan struct{})
	if c.ws != nil {
		c.ws.Close()
	}
	c.mu.Unlock()
}

// Close shuts the connection manager down permanently.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.shutdown)
	})
	c.Disconnect()
	c.wg.Wait()
	c.failPending()
}

// IsConnected reports whether the channel is currently up.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// WaitConnected blocks until the channel is up, the context is done, or the
// manager is closed. Deferred room setup waits here instead of failing.
func (c *Connection) WaitConnected(ctx context.Context) error {
	for {
		c.mu.RLock()
		connected := c.connected
		ch := c.connectedCh
		c.mu.RUnlock()
		if connected {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.shutdown:
			return fmt.Errorf("connection closed")
		}
	}
}

// Events returns the channel of push events, in per-connection delivery order.
func (c *Connection) Events() <-chan *protocol.Event {
	return c.events
}

// StateChanges returns the channel of connection state updates.
func (c *Connection) StateChanges() <-chan ConnectionStateUpdate {
	return c.stateChange
}

// Call performs a request/response operation over the channel with a bounded
// wait. A disconnected channel, a closed manager, or an expired context yield
// a *TransportError; a server rejection yields a *rest.RequestError.
func (c *Connection) Call(ctx context.Context, op string, args any) (json.RawMessage, error) {
	if !c.IsConnected() {
		return nil, &TransportError{Op: op}
	}

	c.callMu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan *protocol.Frame, 1)
	c.pending[id] = ch
	c.callMu.Unlock()

	defer func() {
		c.callMu.Lock()
		delete(c.pending, id)
		c.callMu.Unlock()
	}()

	frame, err := protocol.NewCall(id, op, args)
	if err != nil {
		return nil, err
	}
	if err := c.send(frame); err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}

	select {
	case reply := <-ch:
		if reply == nil {
			return nil, &TransportError{Op: op, Err: fmt.Errorf("disconnected before reply")}
		}
		if !reply.Succeeded() {
			if reply.Error != nil {
				return nil, &rest.RequestError{Status: reply.Error.Code, Message: reply.Error.Message}
			}
			return nil, &rest.RequestError{Status: 0, Message: "call rejected"}
		}
		return reply.Data, nil
	case <-ctx.Done():
		return nil, &TransportError{Op: op, Err: ctx.Err()}
	case <-c.shutdown:
		return nil, &TransportError{Op: op, Err: fmt.Errorf("connection closed")}
	}
}

// Join subscribes the connection to a room. The server auto-leaves any
// previously joined room, so a join is one logical transition.
func (c *Connection) Join(ctx context.Context, roomID int64) error {
	return c.roomOp(ctx, protocol.FrameJoin, roomID)
}

// Leave unsubscribes from a room without a replacement.
func (c *Connection) Leave(ctx context.Context, roomID int64) error {
	return c.roomOp(ctx, protocol.FrameLeave, roomID)
}

func (c *Connection) roomOp(ctx context.Context, typ protocol.FrameType, roomID int64) error {
	if !c.IsConnected() {
		return &TransportError{Op: string(typ)}
	}

	c.callMu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan *protocol.Frame, 1)
	c.pending[id] = ch
	c.callMu.Unlock()

	defer func() {
		c.callMu.Lock()
		delete(c.pending, id)
		c.callMu.Unlock()
	}()

	if err := c.send(&protocol.Frame{Type: typ, ID: id, RoomID: roomID}); err != nil {
		return &TransportError{Op: string(typ), Err: err}
	}

	select {
	case reply := <-ch:
		if reply == nil {
			return &TransportError{Op: string(typ), Err: fmt.Errorf("disconnected before reply")}
		}
		if !reply.Succeeded() {
			if reply.Error != nil {
				return &rest.RequestError{Status: reply.Error.Code, Message: reply.Error.Message}
			}
			return &rest.RequestError{Status: 0, Message: fmt.Sprintf("%s rejected", typ)}
		}
		return nil
	case <-ctx.Done():
		return &TransportError{Op: string(typ), Err: ctx.Err()}
	case <-c.shutdown:
		return &TransportError{Op: string(typ), Err: fmt.Errorf("connection closed")}
	}
}

func (c *Connection) send(frame *protocol.Frame) error {
	select {
	case c.outgoing <- frame:
		return nil
	case <-c.shutdown:
		return fmt.Errorf("connection closed")
	default:
		return fmt.Errorf("outgoing queue full")
	}
}

func (c *Connection) readLoop(ws *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.logger.Debug("read error", "error", err)
			c.handleDisconnect(ws)
			return
		}

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		c.logger.Trace("recv frame", "type", frame.Type, "id", frame.ID)

		switch frame.Type {
		case protocol.FrameReply:
			c.callMu.Lock()
			ch, ok := c.pending[frame.ID]
			c.callMu.Unlock()
			if ok {
				ch <- frame
			}
		case protocol.FrameEvent:
			ev, err := protocol.DecodeEvent(frame.Data)
			if err != nil {
				c.logger.Warn("dropping malformed event", "error", err)
				continue
			}
			if ev.RoomID == 0 {
				ev.RoomID = frame.RoomID
			}
			select {
			case c.events <- ev:
			case <-c.shutdown:
				return
			}
		default:
			c.logger.Warn("unexpected frame type", "type", frame.Type)
		}
	}
}

func (c *Connection) writeLoop(ws *websocket.Conn) {
	defer c.wg.Done()

	for {
		select {
		case frame := <-c.outgoing:
			data, err := protocol.EncodeFrame(frame)
			if err != nil {
				c.logger.Warn("encode error", "error", err)
				continue
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write error", "error", err)
				c.handleDisconnect(ws)
				return
			}
			c.logger.Trace("sent frame", "type", frame.Type, "id", frame.ID)
		case <-c.shutdown:
			return
		}
	}
}

// handleDisconnect tears down the current socket, fails in-flight calls, and
// starts the reconnect loop if enabled. Only the first loop to observe the
// failure does the teardown.
func (c *Connection) handleDisconnect(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return
	}
	wasConnected := c.connected
	c.connected = false
	c.ws = nil
	c.connectedCh = make(chan struct{})
	c.mu.Unlock()

	ws.Close()

	if !wasConnected {
		return
	}

	c.logger.Info("channel disconnected")
	c.failPending()

	select {
	case c.stateChange <- ConnectionStateUpdate{State: StateTypeDisconnected, Err: fmt.Errorf("disconnected from server")}:
	default:
	}

	if c.autoReconnect {
		go c.reconnectLoop()
	}
}

// failPending unblocks every in-flight call with a nil reply.
func (c *Connection) failPending() {
	c.callMu.Lock()
	for id, ch := range c.pending {
		select {
		case ch <- nil:
		default:
		}
		delete(c.pending, id)
	}
	c.callMu.Unlock()
}

// reconnectLoop retries with exponential backoff, fetching a fresh token for
// every attempt. Token fetch failures count as failed attempts here, unlike
// the initial Connect.
func (c *Connection) reconnectLoop() {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	delay := c.reconnectDelay
	attempt := 1

	for {
		select {
		case <-c.shutdown:
			return
		case <-time.After(delay):
			c.logger.Debug("reconnect attempt", "attempt", attempt)

			select {
			case c.stateChange <- ConnectionStateUpdate{State: StateTypeReconnecting, Attempt: attempt}:
			default:
			}

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			err := c.Connect(ctx)
			cancel()
			if err != nil {
				c.logger.Debug("reconnect failed", "attempt", attempt, "error", err)
				delay *= 2
				if delay > c.maxReconnectDelay {
					delay = c.maxReconnectDelay
				}
				attempt++
				continue
			}

			c.logger.Info("reconnected", "attempts", attempt)

			select {
			case c.stateChange <- ConnectionStateUpdate{State: StateTypeConnected}:
			default:
			}

			return
		}
	}
}
