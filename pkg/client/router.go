package client

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stagedoor/stagedoor-go/pkg/protocol"
	"github.com/stagedoor/stagedoor-go/pkg/rest"
)

// Router executes message operations over whichever transport is available:
// the persistent channel first when connected, with a bounded wait, falling
// back to REST exactly once on channel failure. Each operation has a single
// normalization adapter, so callers never branch on transport — channel
// replies carry oldest-first item lists while REST pages are newest-first,
// and both come out of here oldest-first.
//
// If both transports fail, the REST error is surfaced verbatim; nothing is
// retried beyond the one channel-to-REST hop.
type Router struct {
	conn        *Connection
	rest        *rest.Client
	callTimeout time.Duration
	metrics     *Metrics
	logger      hclog.Logger
}

// NewRouter wires the two transports together.
func NewRouter(conn *Connection, restClient *rest.Client, callTimeout time.Duration, metrics *Metrics, logger hclog.Logger) *Router {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	return &Router{
		conn:        conn,
		rest:        restClient,
		callTimeout: callTimeout,
		metrics:     metrics,
		logger:      logger.Named("router"),
	}
}

// call runs one channel operation with the bounded wait. The returned error
// is a *TransportError when the channel could not carry the call at all.
func (r *Router) call(ctx context.Context, op string, args any) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	return r.conn.Call(callCtx, op, args)
}

// shouldFallBack reports whether an error means "try REST", as opposed to a
// server-side rejection that would fail identically on either transport.
func shouldFallBack(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ListThreads returns the viewer's direct-message threads.
func (r *Router) ListThreads(ctx context.Context) ([]protocol.Thread, error) {
	if r.conn.IsConnected() {
		data, err := r.call(ctx, protocol.OpListThreads, struct{}{})
		if err == nil {
			var reply protocol.ThreadItems
			if err := json.Unmarshal(data, &reply); err != nil {
				return nil, err
			}
			r.observe(protocol.OpListThreads, "channel")
			return reply.Items, nil
		}
		if !shouldFallBack(err) {
			return nil, err
		}
		r.fellBack(protocol.OpListThreads)
	}
	threads, err := r.rest.Threads(ctx)
	if err != nil {
		return nil, err
	}
	r.observe(protocol.OpListThreads, "rest")
	return threads, nil
}

// ListRoomMessages returns one page of room history, oldest-first.
func (r *Router) ListRoomMessages(ctx context.Context, roomID int64, page, perPage int) ([]protocol.Message, error) {
	args := protocol.ListMessagesArgs{RoomID: roomID, Page: page, PerPage: perPage}
	return r.listMessages(ctx, args, func(ctx context.Context) ([]protocol.Message, error) {
		return r.rest.Messages(ctx, roomID, page, perPage)
	})
}

// ListThreadMessages returns one page of thread history, oldest-first.
func (r *Router) ListThreadMessages(ctx context.Context, threadID int64, page, perPage int) ([]protocol.Message, error) {
	args := protocol.ListMessagesArgs{ThreadID: threadID, Page: page, PerPage: perPage}
	return r.listMessages(ctx, args, func(ctx context.Context) ([]protocol.Message, error) {
		return r.rest.ThreadMessages(ctx, threadID, page, perPage)
	})
}

func (r *Router) listMessages(ctx context.Context, args protocol.ListMessagesArgs, fallback func(context.Context) ([]protocol.Message, error)) ([]protocol.Message, error) {
	if r.conn.IsConnected() {
		data, err := r.call(ctx, protocol.OpListMessages, args)
		if err == nil {
			var reply protocol.MessageItems
			if err := json.Unmarshal(data, &reply); err != nil {
				return nil, err
			}
			r.observe(protocol.OpListMessages, "channel")
			// Channel items are already oldest-first.
			return reply.Items, nil
		}
		if !shouldFallBack(err) {
			return nil, err
		}
		r.fellBack(protocol.OpListMessages)
	}
	msgs, err := fallback(ctx)
	if err != nil {
		return nil, err
	}
	r.observe(protocol.OpListMessages, "rest")
	return reverseMessages(msgs), nil
}

// SendMessage posts to a room and returns the server-materialized message.
func (r *Router) SendMessage(ctx context.Context, roomID int64, content string) (*protocol.Message, error) {
	args := protocol.SendMessageArgs{RoomID: roomID, Content: content}
	return r.send(ctx, args, func(ctx context.Context) (*protocol.Message, error) {
		return r.rest.SendMessage(ctx, roomID, content)
	})
}

// SendThreadMessage posts a direct message to a thread.
func (r *Router) SendThreadMessage(ctx context.Context, threadID int64, content string) (*protocol.Message, error) {
	args := protocol.SendMessageArgs{ThreadID: threadID, Content: content}
	return r.send(ctx, args, func(ctx context.Context) (*protocol.Message, error) {
		return r.rest.SendThreadMessage(ctx, threadID, content)
	})
}

func (r *Router) send(ctx context.Context, args protocol.SendMessageArgs, fallback func(context.Context) (*protocol.Message, error)) (*protocol.Message, error) {
	if r.conn.IsConnected() {
		data, err := r.call(ctx, protocol.OpSendMessage, args)
		if err == nil {
			var msg protocol.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				return nil, err
			}
			r.observe(protocol.OpSendMessage, "channel")
			return &msg, nil
		}
		if !shouldFallBack(err) {
			return nil, err
		}
		r.fellBack(protocol.OpSendMessage)
	}
	msg, err := fallback(ctx)
	if err != nil {
		return nil, err
	}
	r.observe(protocol.OpSendMessage, "rest")
	return msg, nil
}

// CreateThread opens (or returns the existing) thread with another user.
func (r *Router) CreateThread(ctx context.Context, userID int64) (*protocol.Thread, error) {
	if r.conn.IsConnected() {
		data, err := r.call(ctx, protocol.OpCreateThread, protocol.CreateThreadArgs{UserID: userID})
		if err == nil {
			var thread protocol.Thread
			if err := json.Unmarshal(data, &thread); err != nil {
				return nil, err
			}
			r.observe(protocol.OpCreateThread, "channel")
			return &thread, nil
		}
		if !shouldFallBack(err) {
			return nil, err
		}
		r.fellBack(protocol.OpCreateThread)
	}
	thread, err := r.rest.CreateThread(ctx, userID)
	if err != nil {
		return nil, err
	}
	r.observe(protocol.OpCreateThread, "rest")
	return thread, nil
}

// MarkRead resets the unread counter for a thread.
func (r *Router) MarkRead(ctx context.Context, threadID int64) error {
	if r.conn.IsConnected() {
		_, err := r.call(ctx, protocol.OpMarkRead, protocol.MarkReadArgs{ThreadID: threadID})
		if err == nil {
			r.observe(protocol.OpMarkRead, "channel")
			return nil
		}
		if !shouldFallBack(err) {
			return err
		}
		r.fellBack(protocol.OpMarkRead)
	}
	if err := r.rest.MarkThreadRead(ctx, threadID); err != nil {
		return err
	}
	r.observe(protocol.OpMarkRead, "rest")
	return nil
}

func (r *Router) observe(op, transport string) {
	if r.metrics != nil {
		r.metrics.callsTotal.WithLabelValues(op, transport).Inc()
	}
}

func (r *Router) fellBack(op string) {
	r.logger.Debug("falling back to rest", "op", op)
	if r.metrics != nil {
		r.metrics.fallbacksTotal.WithLabelValues(op).Inc()
	}
}

// reverseMessages converts a newest-first REST page to oldest-first order.
func reverseMessages(msgs []protocol.Message) []protocol.Message {
	out := make([]protocol.Message, len(msgs))
	for i, msg := range msgs {
		out[len(msgs)-1-i] = msg
	}
	return out
}
