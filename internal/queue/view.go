// ABOUTME: Read/advance view of one queue handed to the flow stream builder
// ABOUTME: Auto-advance at audible boundaries does not bump the version
package queue

import "github.com/chorale-audio/chorale-go/internal/media"

// View exposes the minimal surface the stream builder needs: the current
// item, bounded lookahead and auto-advance.
type View struct {
	c *Controller
	q *Queue
}

// View returns a flow-facing view of the queue, or false if it does not
// exist.
func (c *Controller) View(queueID string) (*View, bool) {
	q, err := c.queue(queueID)
	if err != nil {
		return nil, false
	}
	return &View{c: c, q: q}, true
}

// QueueID returns the backing queue id.
func (v *View) QueueID() string { return v.q.id }

// Current returns a copy of the current item.
func (v *View) Current() (Item, bool) {
	v.q.mu.Lock()
	defer v.q.mu.Unlock()
	if v.q.current < 0 {
		return Item{}, false
	}
	return *v.q.byID[v.q.order[v.q.current]], true
}

// PeekNext returns the item that will follow the current one, skip
// positions further along when earlier candidates proved unavailable.
func (v *View) PeekNext(skip int) (Item, bool) {
	v.q.mu.Lock()
	defer v.q.mu.Unlock()
	it, ok := v.q.peekNext(skip)
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// AdvanceBy consumes n play-order positions at an audible boundary.
// Returns false when the queue ran out (repeat off) and went idle.
// The version is not bumped: the running stream drove the advance and
// must not invalidate itself.
func (v *View) AdvanceBy(n int) bool {
	v.q.mu.Lock()
	ok := v.q.advanceBy(n)
	v.q.mu.Unlock()

	v.c.publish(v.q)
	return ok
}

// Version returns the structural version the stream was built against.
func (v *View) Version() uint64 {
	v.q.mu.Lock()
	defer v.q.mu.Unlock()
	return v.q.version
}

// MarkPlaying flips buffering to playing once audio is flowing.
func (v *View) MarkPlaying() {
	v.q.mu.Lock()
	if v.q.status == media.StatusBuffering {
		v.q.setStatusLocked(media.StatusPlaying)
	}
	v.q.mu.Unlock()
}
