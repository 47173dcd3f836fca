// Package client implements the real-time message synchronization engine for
// the StageDoor platform: one persistent push channel with a REST fallback,
// a single active room membership, and per-room/thread timelines that merge
// paginated history with push events into one deduplicated sequence.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stagedoor/stagedoor-go/pkg/protocol"
	"github.com/stagedoor/stagedoor-go/pkg/rest"
)

// Client is the UI-facing entry point. All transport branching, room
// membership, and timeline reconciliation stay behind it; UI code never
// touches the channel directly.
type Client struct {
	cfg    TOMLConfig
	viewer protocol.User
	logger hclog.Logger

	rest       *rest.Client
	conn       *Connection
	membership *Membership
	registry   *Registry
	router     *Router
	metrics    *Metrics
	state      *State

	mu      sync.Mutex
	active  *Timeline
	threads map[int64]*Timeline

	done      chan struct{}
	loopOnce  sync.Once
	closeOnce sync.Once
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger shared by all components.
func WithLogger(logger hclog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithMetricsRegistry registers client metrics against the given registry.
func WithMetricsRegistry(reg prometheus.Registerer) ClientOption {
	return func(c *Client) { c.metrics = NewMetrics(reg) }
}

// WithState attaches a local state store for read markers and history.
// The caller keeps ownership and closes it.
func WithState(state *State) ClientOption {
	return func(c *Client) { c.state = state }
}

// WithRESTClient replaces the REST client (used by tests).
func WithRESTClient(rc *rest.Client) ClientOption {
	return func(c *Client) { c.rest = rc }
}

// New builds a client from configuration. The viewer identity drives the
// moderation tie-break and the deleted-by metadata on optimistic deletes.
func New(cfg TOMLConfig, authToken string, viewer protocol.User, opts ...ClientOption) *Client {
	c := &Client{
		cfg:     cfg,
		viewer:  viewer,
		logger:  hclog.NewNullLogger(),
		threads: make(map[int64]*Timeline),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	if c.rest == nil {
		c.rest = rest.NewClient(cfg.Server.BaseURL, authToken, rest.WithLogger(c.logger.Named("rest")))
	}

	connOpts := []ConnOption{WithConnLogger(c.logger.Named("connection"))}
	if !cfg.Connection.AutoReconnect {
		connOpts = append(connOpts, WithoutAutoReconnect())
	}
	if cfg.Connection.ReconnectMaxDelaySeconds > 0 {
		connOpts = append(connOpts, WithReconnectDelays(1*time.Second, time.Duration(cfg.Connection.ReconnectMaxDelaySeconds)*time.Second))
	}
	c.conn = NewConnection(cfg.Server.SocketURL, c.rest, connOpts...)
	c.membership = NewMembership(c.conn, c.logger)
	c.registry = NewRegistry()

	callTimeout := time.Duration(cfg.Connection.CallTimeoutMillis) * time.Millisecond
	c.router = NewRouter(c.conn, c.rest, callTimeout, c.metrics, c.logger)

	c.active = NewTimeline(TimelineKey{})

	return c
}

// Connect brings the channel up and starts event dispatch. A failing socket
// token fetch is surfaced here; the caller decides whether to retry.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.conn.Connect(ctx); err != nil {
		return err
	}
	c.metrics.connectsTotal.Inc()
	if c.state != nil {
		if err := c.state.SaveSuccessfulConnection(c.cfg.Server.SocketURL); err != nil {
			c.logger.Warn("failed to record connection history", "error", err)
		}
	}
	c.loopOnce.Do(func() { go c.dispatchLoop() })
	return nil
}

// Close shuts the client down. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.conn.Close()
}

// Connected reports channel availability.
func (c *Client) Connected() bool {
	return c.conn.IsConnected()
}

// SetActiveRoom joins the given room (leaving any previous one) and resyncs
// the active timeline from page 1. Passing nil leaves the current room with
// no replacement. The previous timeline content stays visible until the new
// room's first page lands.
func (c *Client) SetActiveRoom(ctx context.Context, roomID *int64) error {
	if err := c.membership.SetActiveRoom(ctx, roomID); err != nil {
		return err
	}

	if roomID == nil {
		if c.membership.ActiveRoom() == nil {
			c.metrics.activeRoom.Set(0)
		}
		return nil
	}

	// A superseded call must not rebind the timeline; only the call whose
	// room actually became active continues.
	if active := c.membership.ActiveRoom(); active == nil || *active != *roomID {
		return nil
	}

	c.metrics.activeRoom.Set(float64(*roomID))

	key := TimelineKey{Kind: TimelineRoom, ID: *roomID}
	c.mu.Lock()
	tl := c.active
	c.mu.Unlock()
	tl.Rebind(key)

	return c.syncTimeline(ctx, tl)
}

// syncTimeline fetches page 1 for the timeline's current identity. A result
// arriving after another rebind is discarded by the epoch check.
func (c *Client) syncTimeline(ctx context.Context, tl *Timeline) error {
	key := tl.Key()
	epoch := tl.Epoch()
	perPage := c.pageSize()

	var (
		msgs []protocol.Message
		err  error
	)
	switch key.Kind {
	case TimelineThread:
		msgs, err = c.router.ListThreadMessages(ctx, key.ID, 1, perPage)
	default:
		msgs, err = c.router.ListRoomMessages(ctx, key.ID, 1, perPage)
	}
	if err != nil {
		return err
	}
	if !tl.ReplaceInitial(epoch, msgs, len(msgs) == perPage) {
		c.metrics.staleDroppedTotal.Inc()
	}
	return nil
}

// ActiveTimeline returns the timeline bound to the active room.
func (c *Client) ActiveTimeline() *Timeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// OpenThread creates (or returns) the timeline for a direct-message thread
// and loads its first page.
func (c *Client) OpenThread(ctx context.Context, threadID int64) (*Timeline, error) {
	c.mu.Lock()
	tl, ok := c.threads[threadID]
	if !ok {
		tl = NewTimeline(TimelineKey{Kind: TimelineThread, ID: threadID})
		c.threads[threadID] = tl
	}
	c.mu.Unlock()

	if !tl.Synced() {
		if err := c.syncTimeline(ctx, tl); err != nil {
			return nil, err
		}
	}
	return tl, nil
}

// CloseThread tears down a thread timeline when its view unmounts.
func (c *Client) CloseThread(threadID int64) {
	c.mu.Lock()
	delete(c.threads, threadID)
	c.mu.Unlock()
}

// Subscribe registers a push-event handler for a room. The caller must
// Cancel the subscription when its interest ends.
func (c *Client) Subscribe(roomID int64, handler EventHandler) *Subscription {
	return c.registry.Subscribe(roomID, handler)
}

// LoadOlder fetches the next older page for the given timeline identity and
// merges it. A no-op when no more history remains or a load is in flight.
// Switching identities mid-flight discards the result via the epoch tag.
func (c *Client) LoadOlder(ctx context.Context, key TimelineKey) error {
	tl := c.lookupTimeline(key)
	if tl == nil {
		return nil
	}

	page, epoch, ok := tl.BeginOlderLoad()
	if !ok {
		return nil
	}

	perPage := c.pageSize()
	var (
		msgs []protocol.Message
		err  error
	)
	switch key.Kind {
	case TimelineThread:
		msgs, err = c.router.ListThreadMessages(ctx, key.ID, page, perPage)
	default:
		msgs, err = c.router.ListRoomMessages(ctx, key.ID, page, perPage)
	}
	if err != nil {
		tl.AbortOlderLoad(epoch)
		return err
	}
	if !tl.MergeOlderPage(epoch, msgs, len(msgs) == perPage) {
		c.metrics.staleDroppedTotal.Inc()
	}
	return nil
}

// Send posts a message to a room. The created message is not materialized
// locally; the echoed push event appends it, deduplicated by id.
func (c *Client) Send(ctx context.Context, roomID int64, content string) (*protocol.Message, error) {
	return c.router.SendMessage(ctx, roomID, content)
}

// SendToThread posts a direct message.
func (c *Client) SendToThread(ctx context.Context, threadID int64, content string) (*protocol.Message, error) {
	return c.router.SendThreadMessage(ctx, threadID, content)
}

// Delete soft-deletes a message, optimistically flipping it to the deleted
// placeholder before the request resolves. On failure the flip is reverted
// and the error surfaced for a user-visible notice.
func (c *Client) Delete(ctx context.Context, roomID, messageID int64) error {
	tl := c.lookupTimeline(TimelineKey{Kind: TimelineRoom, ID: roomID})
	flipped := tl != nil && tl.OptimisticDelete(messageID, c.viewer.Name)

	if err := c.rest.DeleteMessage(ctx, roomID, messageID); err != nil {
		if flipped {
			tl.RollbackDelete(messageID)
		}
		return err
	}
	return nil
}

// Rooms lists the rooms visible to the viewer for an event.
func (c *Client) Rooms(ctx context.Context, eventID int64) ([]protocol.Room, error) {
	return c.rest.Rooms(ctx, eventID)
}

// Threads lists the viewer's direct-message threads.
func (c *Client) Threads(ctx context.Context) ([]protocol.Thread, error) {
	return c.router.ListThreads(ctx)
}

// CreateThread opens (or returns the existing) thread with another user.
func (c *Client) CreateThread(ctx context.Context, userID int64) (*protocol.Thread, error) {
	return c.router.CreateThread(ctx, userID)
}

// MarkRead resets a thread's unread counter on the server and records the
// read marker locally when a state store is attached.
func (c *Client) MarkRead(ctx context.Context, threadID int64) error {
	if err := c.router.MarkRead(ctx, threadID); err != nil {
		return err
	}
	if c.state != nil {
		var lastID *int64
		if tl := c.lookupTimeline(TimelineKey{Kind: TimelineThread, ID: threadID}); tl != nil {
			if msgs := tl.Messages(); len(msgs) > 0 {
				id := msgs[len(msgs)-1].ID
				lastID = &id
			}
		}
		if err := c.state.UpdateReadState(TimelineThread, threadID, time.Now().Unix(), lastID); err != nil {
			c.logger.Warn("failed to persist read state", "thread_id", threadID, "error", err)
		}
	}
	return nil
}

// lookupTimeline resolves a timeline by identity, or nil when none tracks it.
func (c *Client) lookupTimeline(key TimelineKey) *Timeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch key.Kind {
	case TimelineThread:
		return c.threads[key.ID]
	default:
		if c.active.Key() == key {
			return c.active
		}
		return nil
	}
}

// dispatchLoop is the single consumer of push events and connection state
// transitions. Events that reference an identity nobody tracks anymore are
// reconciliation conflicts: expected during room switches, dropped silently
// and counted.
func (c *Client) dispatchLoop() {
	for {
		select {
		case ev, ok := <-c.conn.Events():
			if !ok {
				return
			}
			c.handleEvent(ev)
		case update, ok := <-c.conn.StateChanges():
			if !ok {
				return
			}
			c.handleStateChange(update)
		case <-c.done:
			return
		}
	}
}

func (c *Client) handleEvent(ev *protocol.Event) {
	c.metrics.eventsTotal.WithLabelValues(string(ev.Kind)).Inc()

	if ev.ThreadID != 0 {
		tl := c.lookupTimeline(TimelineKey{Kind: TimelineThread, ID: ev.ThreadID})
		if tl == nil {
			c.metrics.staleDroppedTotal.Inc()
			return
		}
		tl.ApplyEvent(ev)
		return
	}

	key := TimelineKey{Kind: TimelineRoom, ID: ev.RoomID}
	tl := c.lookupTimeline(key)
	if tl != nil {
		tl.ApplyEvent(ev)
	}
	delivered := c.registry.Dispatch(ev)
	if tl == nil && delivered == 0 {
		c.logger.Debug("dropping event for inactive room", "room_id", ev.RoomID, "kind", ev.Kind)
		c.metrics.staleDroppedTotal.Inc()
	}
}

// handleStateChange reacts to reconnects: membership re-issues its join and
// the active timeline resyncs, since pushes were missed while offline.
func (c *Client) handleStateChange(update ConnectionStateUpdate) {
	if update.State != StateTypeConnected {
		return
	}
	c.metrics.reconnectsTotal.Inc()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := c.membership.Rejoin(ctx); err != nil {
			c.logger.Warn("failed to rejoin room after reconnect", "error", err)
			return
		}

		c.mu.Lock()
		tl := c.active
		c.mu.Unlock()
		if tl.Key().Kind == TimelineRoom && tl.Key().ID != 0 {
			if err := c.syncTimeline(ctx, tl); err != nil {
				c.logger.Warn("failed to resync timeline after reconnect", "error", err)
			}
		}
	}()
}

func (c *Client) pageSize() int {
	if c.cfg.Sync.PageSize > 0 {
		return c.cfg.Sync.PageSize
	}
	return 50
}
