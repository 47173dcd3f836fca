package client

import (
	"sync"

	"github.com/stagedoor/stagedoor-go/pkg/protocol"
)

// EventHandler receives push events for a room it subscribed to.
type EventHandler func(ev *protocol.Event)

// Registry is the room-id-keyed table of push-event subscribers. Subscription
// lifecycle is tied to interest in a room, not to any UI mount: a view that
// stops caring about a room must Cancel its subscription, or the stale handler
// keeps receiving events.
//
// Multiple subscribers per room are supported, dispatched in registration
// order, each removable through its own token. There is no silent
// last-writer-wins overwrite.
type Registry struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[int64][]*Subscription
}

// Subscription is the cancel token for one registered handler.
type Subscription struct {
	id      uint64
	roomID  int64
	handler EventHandler
	reg     *Registry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[int64][]*Subscription)}
}

// Subscribe registers a handler for a room's events.
func (r *Registry) Subscribe(roomID int64, handler EventHandler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	sub := &Subscription{id: r.nextID, roomID: roomID, handler: handler, reg: r}
	r.subs[roomID] = append(r.subs[roomID], sub)
	return sub
}

// Cancel removes exactly this handler. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	list := s.reg.subs[s.roomID]
	for i, sub := range list {
		if sub.id == s.id {
			s.reg.subs[s.roomID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.reg.subs[s.roomID]) == 0 {
		delete(s.reg.subs, s.roomID)
	}
}

// Dispatch fans an event out to every subscriber of its room, in
// registration order. Returns the number of handlers invoked.
func (r *Registry) Dispatch(ev *protocol.Event) int {
	r.mu.RLock()
	list := make([]*Subscription, len(r.subs[ev.RoomID]))
	copy(list, r.subs[ev.RoomID])
	r.mu.RUnlock()

	for _, sub := range list {
		sub.handler(ev)
	}
	return len(list)
}

// HasSubscribers reports whether anyone is interested in a room's events.
func (r *Registry) HasSubscribers(roomID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[roomID]) > 0
}
