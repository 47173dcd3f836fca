package client

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// membershipState tracks where the controller is in a join/leave transition.
type membershipState int

const (
	memberIdle membershipState = iota
	memberJoining
	memberJoined
	memberLeaving
)

// Membership enforces the single-active-room invariant. All join/leave
// traffic on the channel goes through here; nothing else may issue room
// subscriptions.
//
// Rapid switches serialize through a generation counter: every SetActiveRoom
// call bumps the generation, and an in-flight call that discovers a newer
// generation discards its own result instead of applying it. The final
// membership therefore always matches the most recent call.
type Membership struct {
	conn   *Connection
	logger hclog.Logger

	mu      sync.Mutex
	gen     uint64
	desired *int64
	active  *int64
	state   membershipState

	// opMu serializes the actual channel operations so two transitions
	// never interleave on the wire.
	opMu sync.Mutex
}

// NewMembership creates the controller for a connection.
func NewMembership(conn *Connection, logger hclog.Logger) *Membership {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Membership{conn: conn, logger: logger.Named("membership")}
}

// ActiveRoom returns the currently joined room id, or nil.
func (m *Membership) ActiveRoom() *int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	id := *m.active
	return &id
}

// SetActiveRoom joins the given room, leaving whatever was active. A nil
// roomID leaves the current room with no replacement. Calling with the
// already-active room is a no-op. If the transport is down, the call waits
// for connectivity instead of failing; room setup is deferred, not dropped.
//
// A call superseded by a newer SetActiveRoom returns nil without applying
// its result.
func (m *Membership) SetActiveRoom(ctx context.Context, roomID *int64) error {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.desired = copyID(roomID)
	m.mu.Unlock()

	if err := m.conn.WaitConnected(ctx); err != nil {
		return err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if gen != m.gen {
		// A newer call took over while this one waited.
		m.mu.Unlock()
		return nil
	}
	if sameID(m.active, roomID) {
		m.mu.Unlock()
		return nil
	}
	prev := m.active
	if roomID != nil {
		m.state = memberJoining
	} else {
		m.state = memberLeaving
	}
	m.mu.Unlock()

	var err error
	if roomID != nil {
		// The server auto-leaves the previous room on join, making the
		// switch one logical transition rather than two interleavable calls.
		m.logger.Debug("joining room", "room_id", *roomID)
		err = m.conn.Join(ctx, *roomID)
	} else if prev != nil {
		m.logger.Debug("leaving room", "room_id", *prev)
		err = m.conn.Leave(ctx, *prev)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		// Superseded while the call was in flight; the newer transition
		// owns the final state.
		return nil
	}
	if err != nil {
		m.state = memberIdle
		return err
	}
	m.active = copyID(roomID)
	if roomID != nil {
		m.state = memberJoined
	} else {
		m.state = memberIdle
	}
	return nil
}

// Rejoin re-issues the join for the active room after a reconnect. The
// connection manager deliberately does not do this itself.
func (m *Membership) Rejoin(ctx context.Context) error {
	m.mu.Lock()
	active := copyID(m.active)
	gen := m.gen
	m.mu.Unlock()

	if active == nil {
		return nil
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	stale := gen != m.gen
	m.mu.Unlock()
	if stale {
		return nil
	}

	m.logger.Debug("rejoining room after reconnect", "room_id", *active)
	return m.conn.Join(ctx, *active)
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
