// ABOUTME: Single playback queue with display order, play order and transport state
// ABOUTME: All mutations serialize on the queue mutex; version is monotonic
package queue

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/chorale-audio/chorale-go/internal/media"
)

// Queue holds an ordered item list plus transport state for one player
// or group leader. Display order (items) and play order (order, item ids)
// are kept separately so toggling shuffle never restarts the current item.
type Queue struct {
	mu      sync.Mutex
	id      string
	items   []*Item
	byID    map[string]*Item
	order   []string // play order, item ids
	current int      // index into order, -1 when empty
	repeat  RepeatMode
	shuffle bool
	version uint64
	opSeq   uint64
	status  media.PlayStatus
	elapsed time.Duration
}

func newQueue(id string) *Queue {
	return &Queue{
		id:      id,
		byID:    make(map[string]*Item),
		current: -1,
		repeat:  RepeatOff,
		status:  media.StatusIdle,
	}
}

// displayIndex returns the position of an item id in display order, -1
// if absent.
func (q *Queue) displayIndex(itemID string) int {
	for i, it := range q.items {
		if it.ID == itemID {
			return i
		}
	}
	return -1
}

// orderIndex returns the position of an item id in play order, -1 if
// absent.
func (q *Queue) orderIndex(itemID string) int {
	for i, id := range q.order {
		if id == itemID {
			return i
		}
	}
	return -1
}

// rebuildOrder resets play order to display order, keeping the current
// item current.
func (q *Queue) rebuildOrder() {
	var currentID string
	if q.current >= 0 && q.current < len(q.order) {
		currentID = q.order[q.current]
	}

	q.order = q.order[:0]
	for _, it := range q.items {
		q.order = append(q.order, it.ID)
	}

	if currentID != "" {
		q.current = q.orderIndex(currentID)
	} else if len(q.order) > 0 {
		q.current = 0
	} else {
		q.current = -1
	}
}

// enqueue applies one enqueue mode. Caller holds the lock.
func (q *Queue) enqueue(items []*Item, mode EnqueueMode) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: empty item list", media.ErrInvalidOperation)
	}

	switch mode {
	case Replace, PlayNow:
		if mode == Replace {
			q.items = q.items[:0]
			q.byID = make(map[string]*Item)
			q.order = q.order[:0]
			q.current = -1
		} else {
			q.truncateUpcoming()
		}
		first := items[0].ID
		q.append(items)
		if mode == Replace {
			q.current = 0
		} else {
			q.current = q.orderIndex(first)
		}
		q.elapsed = 0

	case PlayNext:
		q.insertAfterCurrent(items)

	case Add:
		q.append(items)

	default:
		return fmt.Errorf("%w: unknown enqueue mode %q", media.ErrInvalidOperation, mode)
	}

	if q.current == -1 && len(q.order) > 0 {
		q.current = 0
	}
	q.version++
	return nil
}

// truncateUpcoming drops everything after the current play position.
func (q *Queue) truncateUpcoming() {
	if q.current < 0 {
		return
	}
	drop := q.order[q.current+1:]
	q.order = q.order[:q.current+1]
	for _, id := range drop {
		di := q.displayIndex(id)
		if di >= 0 {
			q.items = append(q.items[:di], q.items[di+1:]...)
		}
		delete(q.byID, id)
	}
}

func (q *Queue) append(items []*Item) {
	for _, it := range items {
		q.items = append(q.items, it)
		q.byID[it.ID] = it
		q.order = append(q.order, it.ID)
	}
}

func (q *Queue) insertAfterCurrent(items []*Item) {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
		q.byID[it.ID] = it
	}

	// Display position: right after the current item (or at the head).
	dpos := 0
	if q.current >= 0 {
		dpos = q.displayIndex(q.order[q.current]) + 1
	}
	q.items = append(q.items[:dpos], append(items, q.items[dpos:]...)...)

	opos := q.current + 1
	q.order = append(q.order[:opos], append(ids, q.order[opos:]...)...)
}

// remove deletes a non-current item. Caller holds the lock.
func (q *Queue) remove(itemID string) error {
	oi := q.orderIndex(itemID)
	if oi < 0 {
		return fmt.Errorf("%w: unknown item %s", media.ErrInvalidOperation, itemID)
	}
	if oi == q.current {
		return fmt.Errorf("%w: cannot remove the playing item", media.ErrInvalidOperation)
	}

	di := q.displayIndex(itemID)
	q.items = append(q.items[:di], q.items[di+1:]...)
	q.order = append(q.order[:oi], q.order[oi+1:]...)
	delete(q.byID, itemID)
	if oi < q.current {
		q.current--
	}
	if len(q.order) == 0 {
		q.current = -1
	}
	q.version++
	return nil
}

// move repositions an item in display order. With shuffle off the play
// order follows; with shuffle on the permutation is left untouched.
func (q *Queue) move(itemID string, pos int) error {
	di := q.displayIndex(itemID)
	if di < 0 {
		return fmt.Errorf("%w: unknown item %s", media.ErrInvalidOperation, itemID)
	}
	if pos < 0 || pos >= len(q.items) {
		return fmt.Errorf("%w: position %d out of range", media.ErrInvalidOperation, pos)
	}

	it := q.items[di]
	q.items = append(q.items[:di], q.items[di+1:]...)
	q.items = append(q.items[:pos], append([]*Item{it}, q.items[pos:]...)...)

	if !q.shuffle {
		q.rebuildOrder()
	}
	q.version++
	return nil
}

// setShuffle toggles the play-order permutation. Enabling keeps the
// already-played prefix and the current item fixed and permutes only the
// upcoming entries; disabling restores display order.
func (q *Queue) setShuffle(on bool) {
	if on == q.shuffle {
		return
	}
	q.shuffle = on

	if on {
		upcoming := q.order[q.current+1:]
		rand.Shuffle(len(upcoming), func(i, j int) {
			upcoming[i], upcoming[j] = upcoming[j], upcoming[i]
		})
	} else {
		q.rebuildOrder()
	}
	q.version++
}

// peekNext returns the item that will play skip positions past the
// next one, honoring repeat mode. ok is false past the end (repeat off).
func (q *Queue) peekNext(skip int) (*Item, bool) {
	if q.current < 0 || len(q.order) == 0 {
		return nil, false
	}
	if q.repeat == RepeatOne {
		return q.byID[q.order[q.current]], true
	}

	pos := q.current + 1 + skip
	if pos >= len(q.order) {
		if q.repeat != RepeatAll {
			return nil, false
		}
		pos %= len(q.order)
	}
	return q.byID[q.order[pos]], true
}

// advanceBy consumes n play-order positions. Returns false when the end
// is reached with repeat off; the queue then goes idle.
func (q *Queue) advanceBy(n int) bool {
	if q.current < 0 || n <= 0 {
		return false
	}
	if q.repeat == RepeatOne {
		q.elapsed = 0
		return true
	}

	pos := q.current + n
	if pos >= len(q.order) {
		if q.repeat == RepeatAll {
			pos %= len(q.order)
		} else {
			q.current = len(q.order) - 1
			q.setStatusLocked(media.StatusIdle)
			return false
		}
	}
	q.current = pos
	q.elapsed = 0
	return true
}

// setStatusLocked transitions play status, bumping the operation
// sequence. Same-state transitions are no-ops.
func (q *Queue) setStatusLocked(st media.PlayStatus) error {
	if st == q.status {
		return nil
	}
	if !validTransition(q.status, st) {
		return fmt.Errorf("%w: cannot go %s -> %s", media.ErrInvalidOperation, q.status, st)
	}
	q.status = st
	q.opSeq++
	return nil
}

// validTransition encodes idle -> buffering -> playing <-> paused -> idle,
// with playing -> buffering on underrun/reload.
func validTransition(from, to media.PlayStatus) bool {
	switch from {
	case media.StatusIdle:
		return to == media.StatusBuffering
	case media.StatusBuffering:
		return to == media.StatusPlaying || to == media.StatusIdle
	case media.StatusPlaying:
		return to == media.StatusPaused || to == media.StatusBuffering || to == media.StatusIdle
	case media.StatusPaused:
		return to == media.StatusPlaying || to == media.StatusBuffering || to == media.StatusIdle
	}
	return false
}
