// ABOUTME: In-process typed publish/subscribe bus for engine state changes
// ABOUTME: Subscribers own their channel lifetime and unsubscribe deterministically
package events

import (
	"log"
	"sync"

	"github.com/chorale-audio/chorale-go/internal/media"
)

// Event is one of the concrete event types below.
type Event interface{ event() }

// QueueUpdated signals a queue mutation.
type QueueUpdated struct {
	QueueID string
	Version uint64
}

// PlayerStateChanged carries a fresh player state snapshot.
type PlayerStateChanged struct {
	PlayerID string
	State    media.PlayerState
}

// GroupChanged signals group membership changes. An empty Members slice
// means the group was dissolved.
type GroupChanged struct {
	GroupID string
	Members []string
}

// LinkStateChanged signals a connection handle transition.
type LinkStateChanged struct {
	TargetID string
	State    string
}

// ItemEnriched signals completed metadata enrichment for a queue item.
type ItemEnriched struct {
	QueueID string
	ItemID  string
}

func (QueueUpdated) event()       {}
func (PlayerStateChanged) event() {}
func (GroupChanged) event()       {}
func (LinkStateChanged) event()   {}
func (ItemEnriched) event()       {}

// Bus fans events out to subscriber channels. Publishing never blocks;
// a subscriber that falls behind loses events rather than stalling the
// publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a receive channel and a cancel func. Cancelling
// closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
	} else {
		b.subs[id] = ch
	}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}

	return ch, cancel
}

// Publish delivers ev to all current subscribers without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.Printf("events: dropping %T for slow subscriber", ev)
		}
	}
}

// Close closes all subscriber channels. Further publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
