// ABOUTME: Queue serialization for external persistence and restore after restart
// ABOUTME: Restore(Serialize(q)) yields an equivalent queue
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chorale-audio/chorale-go/internal/media"
)

// Snapshot is the serializable form of a queue. Transport status is
// deliberately excluded: a restored queue always starts idle.
type Snapshot struct {
	QueueID string         `json:"queue_id"`
	Items   []ItemSnapshot `json:"items"`
	Order   []string       `json:"order"`
	Current int            `json:"current"`
	Repeat  RepeatMode     `json:"repeat"`
	Shuffle bool           `json:"shuffle"`
	Version uint64         `json:"version"`
}

// ItemSnapshot is the serializable form of a queue item.
type ItemSnapshot struct {
	ID             string         `json:"id"`
	Ref            media.ItemRef  `json:"ref"`
	DurationMs     int64          `json:"duration_ms"`
	Meta           media.Metadata `json:"meta"`
	AllowCrossfade bool           `json:"allow_crossfade"`
}

// Serialize captures the queue for external persistence.
func (c *Controller) Serialize(queueID string) (*Snapshot, error) {
	q, err := c.queue(queueID)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	snap := &Snapshot{
		QueueID: q.id,
		Items:   make([]ItemSnapshot, len(q.items)),
		Order:   append([]string(nil), q.order...),
		Current: q.current,
		Repeat:  q.repeat,
		Shuffle: q.shuffle,
		Version: q.version,
	}
	for i, it := range q.items {
		snap.Items[i] = ItemSnapshot{
			ID:             it.ID,
			Ref:            it.Ref,
			DurationMs:     it.Duration.Milliseconds(),
			Meta:           it.Meta,
			AllowCrossfade: it.AllowCrossfade,
		}
	}
	return snap, nil
}

// Restore replaces the queue's content with a previously serialized
// snapshot. The queue is created if needed and left idle.
func (c *Controller) Restore(snap *Snapshot) error {
	if snap == nil || snap.QueueID == "" {
		return fmt.Errorf("%w: empty snapshot", media.ErrInvalidOperation)
	}
	if snap.Current >= len(snap.Order) || (snap.Current < 0 && len(snap.Order) > 0) {
		return fmt.Errorf("%w: snapshot index %d out of range", media.ErrInvalidOperation, snap.Current)
	}

	c.Create(snap.QueueID)
	q, err := c.queue(snap.QueueID)
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.items = make([]*Item, len(snap.Items))
	q.byID = make(map[string]*Item, len(snap.Items))
	for i, is := range snap.Items {
		it := &Item{
			ID:             is.ID,
			Ref:            is.Ref,
			ProviderID:     is.Ref.ProviderID,
			Duration:       time.Duration(is.DurationMs) * time.Millisecond,
			Meta:           is.Meta,
			AllowCrossfade: is.AllowCrossfade,
		}
		q.items[i] = it
		q.byID[it.ID] = it
	}
	q.order = append([]string(nil), snap.Order...)
	q.current = snap.Current
	if len(q.order) == 0 {
		q.current = -1
	}
	q.repeat = snap.Repeat
	q.shuffle = snap.Shuffle
	q.status = media.StatusIdle
	q.elapsed = 0
	q.version++
	q.mu.Unlock()

	c.publish(q)
	return nil
}

// Encode marshals a snapshot for the persistence layer.
func (s *Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSnapshot unmarshals a persisted snapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding queue snapshot: %w", err)
	}
	return &s, nil
}
