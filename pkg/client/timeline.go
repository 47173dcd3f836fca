package client

import (
	"sort"
	"sync"
	"time"

	"github.com/stagedoor/stagedoor-go/pkg/protocol"
)

// TimelineKind distinguishes room timelines from direct-message threads.
type TimelineKind string

const (
	TimelineRoom   TimelineKind = "room"
	TimelineThread TimelineKind = "thread"
)

// TimelineKey identifies which room or thread a timeline is bound to.
type TimelineKey struct {
	Kind TimelineKind
	ID   int64
}

// Timeline merges two independent sources of one room's (or thread's)
// messages into a single ordered, deduplicated sequence: paginated REST
// history growing backward and push events appending forward. Messages are
// ordered strictly ascending by id, the sole deduplication key.
//
// Every bulk mutation is tagged with the epoch the data was fetched for.
// Rebinding the timeline to a new identity bumps the epoch, so a page that
// resolves late for the previous identity is discarded instead of applied —
// the in-flight fetch itself is never aborted.
type Timeline struct {
	mu  sync.RWMutex
	key TimelineKey

	messages []protocol.Message
	index    map[int64]int // message id -> position in messages

	// Message ids this viewer soft-deleted locally. Drives the moderation
	// tie-break: a later "removed" push must not undo the placeholder.
	locallyDeleted map[int64]bool

	epoch        uint64
	synced       bool // first page for the current identity has arrived
	hasMoreOlder bool
	loadingOlder bool
	oldestPage   int // highest page number merged so far
}

// NewTimeline creates a timeline bound to the given identity.
func NewTimeline(key TimelineKey) *Timeline {
	return &Timeline{
		key:            key,
		index:          make(map[int64]int),
		locallyDeleted: make(map[int64]bool),
		hasMoreOlder:   true,
		oldestPage:     0,
	}
}

// Key returns the identity the timeline is currently bound to.
func (t *Timeline) Key() TimelineKey {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.key
}

// Epoch returns the tag that bulk fetches for the current identity must
// carry to be applied.
func (t *Timeline) Epoch() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.epoch
}

// Rebind switches the timeline to a new identity. Pending older-page state is
// cleared and the epoch is bumped so stale fetch results get discarded. The
// currently displayed messages are kept until the first page of the new
// identity arrives, to avoid a visible flash-to-empty; binding to the same
// identity is a no-op.
func (t *Timeline) Rebind(key TimelineKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if key == t.key {
		return
	}
	t.key = key
	t.epoch++
	t.synced = false
	t.hasMoreOlder = true
	t.loadingOlder = false
	t.oldestPage = 0
	t.locallyDeleted = make(map[int64]bool)
}

// Messages returns a copy of the ordered sequence, oldest first.
func (t *Timeline) Messages() []protocol.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]protocol.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Message returns the entry with the given id, if present.
func (t *Timeline) Message(id int64) (protocol.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, ok := t.index[id]
	if !ok {
		return protocol.Message{}, false
	}
	return t.messages[pos], true
}

// HasMoreOlder reports whether older history may remain on the server.
func (t *Timeline) HasMoreOlder() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.hasMoreOlder
}

// LoadingOlder reports whether an older-page fetch is in flight.
func (t *Timeline) LoadingOlder() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.loadingOlder
}

// Synced reports whether the first page for the current identity has landed.
func (t *Timeline) Synced() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.synced
}

// BeginOlderLoad marks an older-page fetch as in flight and returns the page
// number to request along with the epoch to tag the result with. The second
// return is false while another load is pending or no more history remains.
func (t *Timeline) BeginOlderLoad() (page int, epoch uint64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loadingOlder || !t.hasMoreOlder || !t.synced {
		return 0, 0, false
	}
	t.loadingOlder = true
	return t.oldestPage + 1, t.epoch, true
}

// AbortOlderLoad clears the in-flight flag after a failed fetch.
func (t *Timeline) AbortOlderLoad(epoch uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if epoch == t.epoch {
		t.loadingOlder = false
	}
}

// ReplaceInitial installs the first page fetched for the current identity.
// Pages arrive newest-first from REST; the timeline stores ascending order.
// A result tagged with a stale epoch is discarded silently: it belongs to an
// identity the caller has already navigated away from.
func (t *Timeline) ReplaceInitial(epoch uint64, page []protocol.Message, pageFull bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if epoch != t.epoch {
		return false
	}

	t.messages = t.messages[:0]
	t.index = make(map[int64]int)
	for _, msg := range page {
		if _, dup := t.index[msg.ID]; dup {
			continue
		}
		t.messages = append(t.messages, msg)
		t.index[msg.ID] = len(t.messages) - 1
	}
	sortAscending(t.messages, t.index)

	t.synced = true
	t.oldestPage = 1
	t.hasMoreOlder = pageFull
	t.loadingOlder = false
	return true
}

// MergeOlderPage prepend-merges one older page into the sequence. Only
// messages with unseen ids are inserted; a page that introduces no new
// unique ids terminates backward pagination regardless of how full it was,
// because duplicate ids show up near a merge boundary. Stale epochs are
// discarded silently.
func (t *Timeline) MergeOlderPage(epoch uint64, page []protocol.Message, pageFull bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if epoch != t.epoch {
		return false
	}
	t.loadingOlder = false

	fresh := 0
	for _, msg := range page {
		if _, dup := t.index[msg.ID]; dup {
			continue
		}
		t.messages = append(t.messages, msg)
		t.index[msg.ID] = len(t.messages) - 1
		fresh++
	}
	if fresh > 0 {
		sortAscending(t.messages, t.index)
	}

	t.oldestPage++
	if fresh == 0 || !pageFull {
		t.hasMoreOlder = false
	}
	return true
}

// ApplyEvent reconciles one push event into the sequence.
//
// new_message inserts at the sorted position iff the id is not already
// present, which makes duplicate delivery (optimistic send plus echoed push,
// or a REST page racing the push) idempotent. moderated flips the
// soft-deletion state in place without repositioning. removed drops the entry
// unless this viewer's own optimistic delete already marked it, in which case
// the placeholder stays.
func (t *Timeline) ApplyEvent(ev *protocol.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Between a rebind and the first page the displayed messages still
	// belong to the previous identity; events wait for the resync, whose
	// page 1 includes them.
	if !t.synced {
		return
	}

	switch ev.Kind {
	case protocol.EventNewMessage:
		msg := *ev.Message
		if _, dup := t.index[msg.ID]; dup {
			return
		}
		t.messages = append(t.messages, msg)
		t.index[msg.ID] = len(t.messages) - 1
		// Push order usually matches id order; re-sort only when it doesn't.
		if len(t.messages) > 1 && t.messages[len(t.messages)-2].ID > msg.ID {
			sortAscending(t.messages, t.index)
		}

	case protocol.EventModerated:
		pos, ok := t.index[ev.MessageID]
		if !ok {
			return
		}
		t.messages[pos].Deleted = true
		t.messages[pos].DeletedBy = ev.DeletedBy
		t.messages[pos].DeletedAt = ev.DeletedAt

	case protocol.EventRemoved:
		switch ClassifyModeration(ev.Kind, t.locallyDeleted[ev.MessageID]) {
		case EffectKeepPlaceholder:
			// This viewer deleted the message; the blunt removal notice
			// must not undo the placeholder they are looking at.
			return
		case EffectRemoveEntry:
			pos, ok := t.index[ev.MessageID]
			if !ok {
				return
			}
			t.messages = append(t.messages[:pos], t.messages[pos+1:]...)
			t.reindex()
		}
	}
}

// OptimisticDelete flips the message to soft-deleted before the network call
// resolves, so a moderation push arriving ahead of the HTTP acknowledgment is
// interpreted consistently. Returns false when the id is unknown.
func (t *Timeline) OptimisticDelete(messageID int64, deletedBy string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.index[messageID]
	if !ok {
		return false
	}
	now := time.Now().UTC()
	t.messages[pos].Deleted = true
	t.messages[pos].DeletedBy = deletedBy
	t.messages[pos].DeletedAt = &now
	t.locallyDeleted[messageID] = true
	return true
}

// RollbackDelete reverts an optimistic delete after the request failed.
func (t *Timeline) RollbackDelete(messageID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.locallyDeleted, messageID)
	pos, ok := t.index[messageID]
	if !ok {
		return
	}
	t.messages[pos].Deleted = false
	t.messages[pos].DeletedBy = ""
	t.messages[pos].DeletedAt = nil
}

// reindex rebuilds the id index after a removal.
func (t *Timeline) reindex() {
	t.index = make(map[int64]int, len(t.messages))
	for i := range t.messages {
		t.index[t.messages[i].ID] = i
	}
}

func sortAscending(msgs []protocol.Message, index map[int64]int) {
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	for i := range msgs {
		index[msgs[i].ID] = i
	}
}
