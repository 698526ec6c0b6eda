// ABOUTME: Controller owning all playback queues and their transport state machines
// ABOUTME: Public operations are the only write path; readers receive copies
package queue

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/chorale-audio/chorale-go/internal/audio"
	"github.com/chorale-audio/chorale-go/internal/events"
	"github.com/chorale-audio/chorale-go/internal/media"
)

// Controller owns one Queue per player (or group leader) id.
type Controller struct {
	mu     sync.RWMutex
	queues map[string]*Queue
	bus    *events.Bus
}

// NewController creates a queue controller publishing on bus.
func NewController(bus *events.Bus) *Controller {
	return &Controller{
		queues: make(map[string]*Queue),
		bus:    bus,
	}
}

// Create ensures a queue exists for the given id. Idempotent.
func (c *Controller) Create(queueID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.queues[queueID]; !ok {
		c.queues[queueID] = newQueue(queueID)
	}
}

// Drop discards the queue for the given id.
func (c *Controller) Drop(queueID string) {
	c.mu.Lock()
	delete(c.queues, queueID)
	c.mu.Unlock()
}

func (c *Controller) queue(queueID string) (*Queue, error) {
	c.mu.RLock()
	q, ok := c.queues[queueID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown queue %s", media.ErrInvalidOperation, queueID)
	}
	return q, nil
}

func (c *Controller) publish(q *Queue) {
	q.mu.Lock()
	ev := events.QueueUpdated{QueueID: q.id, Version: q.version}
	q.mu.Unlock()
	c.bus.Publish(ev)
}

// Enqueue adds items according to mode. PlayNow and Replace also start
// the transport (idle/playing -> buffering).
func (c *Controller) Enqueue(queueID string, items []*Item, mode EnqueueMode) error {
	q, err := c.queue(queueID)
	if err != nil {
		return err
	}

	q.mu.Lock()
	if err := q.enqueue(items, mode); err != nil {
		q.mu.Unlock()
		return err
	}
	if mode == PlayNow || mode == Replace {
		q.setStatusLocked(media.StatusBuffering)
	}
	q.mu.Unlock()

	log.Printf("queue %s: enqueued %d item(s) mode=%s", queueID, len(items), mode)
	c.publish(q)
	return nil
}

// Move repositions an item in display order.
func (c *Controller) Move(queueID, itemID string, pos int) error {
	q, err := c.queue(queueID)
	if err != nil {
		return err
	}

	q.mu.Lock()
	err = q.move(itemID, pos)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	c.publish(q)
	return nil
}

// Remove deletes an item. The currently playing item cannot be removed.
func (c *Controller) Remove(queueID, itemID string) error {
	q, err := c.queue(queueID)
	if err != nil {
		return err
	}

	q.mu.Lock()
	err = q.remove(itemID)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	c.publish(q)
	return nil
}

// Next skips to the next play-order item. An explicit skip moves on even
// under repeat-one; at the end with repeat off the queue goes idle and
// further calls are no-ops.
func (c *Controller) Next(queueID string) error {
	q, err := c.queue(queueID)
	if err != nil {
		return err
	}

	q.mu.Lock()
	if q.current < 0 {
		q.mu.Unlock()
		return fmt.Errorf("%w: queue %s is empty", media.ErrInvalidOperation, queueID)
	}
	if q.status == media.StatusIdle && q.current == len(q.order)-1 && q.repeat != RepeatAll {
		q.mu.Unlock()
		return nil
	}

	pos := q.current + 1
	if pos >= len(q.order) {
		if q.repeat == RepeatAll {
			pos = 0
		} else {
			q.setStatusLocked(media.StatusIdle)
			q.version++
			q.mu.Unlock()
			c.publish(q)
			return nil
		}
	}
	q.current = pos
	q.elapsed = 0
	q.version++
	if q.status == media.StatusPlaying || q.status == media.StatusPaused {
		q.setStatusLocked(media.StatusBuffering)
	}
	q.mu.Unlock()
	c.publish(q)
	return nil
}

// Previous steps back one play-order position, or restarts the current
// item when already at the beginning.
func (c *Controller) Previous(queueID string) error {
	q, err := c.queue(queueID)
	if err != nil {
		return err
	}

	q.mu.Lock()
	if q.current < 0 {
		q.mu.Unlock()
		return fmt.Errorf("%w: queue %s is empty", media.ErrInvalidOperation, queueID)
	}
	if q.current > 0 {
		q.current--
	}
	q.elapsed = 0
	q.version++
	if q.status == media.StatusPlaying || q.status == media.StatusPaused {
		q.setStatusLocked(media.StatusBuffering)
	}
	q.mu.Unlock()
	c.publish(q)
	return nil
}

// Seek moves the playback position within the current item.
func (c *Controller) Seek(queueID string, pos time.Duration) error {
	q, err := c.queue(queueID)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current < 0 {
		return fmt.Errorf("%w: queue %s is empty", media.ErrInvalidOperation, queueID)
	}
	if pos < 0 {
		return fmt.Errorf("%w: negative seek position", media.ErrInvalidOperation)
	}
	cur := q.byID[q.order[q.current]]
	if cur.Duration > 0 && pos > cur.Duration {
		pos = cur.Duration
	}
	q.elapsed = pos
	q.opSeq++
	if q.status == media.StatusPlaying {
		q.setStatusLocked(media.StatusBuffering)
	}
	return nil
}

// SetRepeat sets the repeat mode.
func (c *Controller) SetRepeat(queueID string, mode RepeatMode) error {
	q, err := c.queue(queueID)
	if err != nil {
		return err
	}

	switch mode {
	case RepeatOff, RepeatOne, RepeatAll:
	default:
		return fmt.Errorf("%w: unknown repeat mode %q", media.ErrInvalidOperation, mode)
	}

	q.mu.Lock()
	q.repeat = mode
	q.version++
	q.mu.Unlock()
	c.publish(q)
	return nil
}

// SetShuffle toggles shuffle without restarting the current item.
func (c *Controller) SetShuffle(queueID string, on bool) error {
	q, err := c.queue(queueID)
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.setShuffle(on)
	q.mu.Unlock()
	c.publish(q)
	return nil
}

// SetStatus drives the transport state machine.
func (c *Controller) SetStatus(queueID string, st media.PlayStatus) error {
	q, err := c.queue(queueID)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.setStatusLocked(st)
}

// Pause pauses playback. Pausing an already paused queue is a no-op.
func (c *Controller) Pause(queueID string) error {
	q, err := c.queue(queueID)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.status != media.StatusPlaying {
		return nil
	}
	return q.setStatusLocked(media.StatusPaused)
}

// Resume resumes from pause.
func (c *Controller) Resume(queueID string) error {
	q, err := c.queue(queueID)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.status != media.StatusPaused {
		return nil
	}
	return q.setStatusLocked(media.StatusPlaying)
}

// Stop transitions the queue to idle.
func (c *Controller) Stop(queueID string) error {
	q, err := c.queue(queueID)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.status == media.StatusIdle {
		return nil
	}
	return q.setStatusLocked(media.StatusIdle)
}

// Status returns the transport state.
func (c *Controller) Status(queueID string) media.PlayStatus {
	q, err := c.queue(queueID)
	if err != nil {
		return media.StatusIdle
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

// Current returns a copy of the current item and its play-order index.
func (c *Controller) Current(queueID string) (Item, int, bool) {
	q, err := c.queue(queueID)
	if err != nil {
		return Item{}, -1, false
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current < 0 {
		return Item{}, -1, false
	}
	return *q.byID[q.order[q.current]], q.current, true
}

// CurrentIndex returns the play-order index, -1 when empty.
func (c *Controller) CurrentIndex(queueID string) int {
	q, err := c.queue(queueID)
	if err != nil {
		return -1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

// Items returns copies of all items in display order.
func (c *Controller) Items(queueID string) []Item {
	q, err := c.queue(queueID)
	if err != nil {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items))
	for i, it := range q.items {
		out[i] = *it
	}
	return out
}

// Len returns the number of queued items.
func (c *Controller) Len(queueID string) int {
	q, err := c.queue(queueID)
	if err != nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Version returns the queue's structural version.
func (c *Controller) Version(queueID string) uint64 {
	q, err := c.queue(queueID)
	if err != nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.version
}

// OpSeq returns the transport operation sequence number.
func (c *Controller) OpSeq(queueID string) uint64 {
	q, err := c.queue(queueID)
	if err != nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.opSeq
}

// Elapsed returns the playback position within the current item.
func (c *Controller) Elapsed(queueID string) time.Duration {
	q, err := c.queue(queueID)
	if err != nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.elapsed
}

// SetElapsed records stream progress. Not a structural mutation.
func (c *Controller) SetElapsed(queueID string, pos time.Duration) {
	q, err := c.queue(queueID)
	if err != nil {
		return
	}
	q.mu.Lock()
	q.elapsed = pos
	q.mu.Unlock()
}

// SetStreamFormat records an item's resolved stream descriptor. Item
// ids are unique across queues, so the item alone identifies the slot.
// Like enrichment this is not a structural mutation.
func (c *Controller) SetStreamFormat(itemID string, f audio.Format) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, q := range c.queues {
		q.mu.Lock()
		if it, ok := q.byID[itemID]; ok {
			it.StreamFormat = &f
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()
	}
}

// UpdateItemMetadata applies enrichment results. Not a structural
// mutation: the version is deliberately left alone so in-flight stream
// work survives.
func (c *Controller) UpdateItemMetadata(queueID, itemID string, meta media.Metadata) error {
	q, err := c.queue(queueID)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byID[itemID]
	if !ok {
		return fmt.Errorf("%w: unknown item %s", media.ErrInvalidOperation, itemID)
	}
	it.Meta = meta
	return nil
}
