// ABOUTME: Queue item definition and enqueue/repeat mode enums
// ABOUTME: Items are created on enqueue and destroyed on removal or consumption
package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/chorale-audio/chorale-go/internal/audio"
	"github.com/chorale-audio/chorale-go/internal/media"
)

// RepeatMode controls behavior when playback advances past the end.
type RepeatMode string

const (
	RepeatOff RepeatMode = "off"
	RepeatOne RepeatMode = "one"
	RepeatAll RepeatMode = "all"
)

// EnqueueMode controls where new items land relative to the current item.
type EnqueueMode string

const (
	// PlayNow clears the remaining queue and starts the new items.
	PlayNow EnqueueMode = "play_now"
	// PlayNext inserts after the current item.
	PlayNext EnqueueMode = "play_next"
	// Add appends at the tail.
	Add EnqueueMode = "add"
	// Replace clears everything, then adds.
	Replace EnqueueMode = "replace"
)

// Item is a single entry in a playback queue.
type Item struct {
	ID             string
	Ref            media.ItemRef
	ProviderID     string
	Duration       time.Duration
	Meta           media.Metadata
	AllowCrossfade bool

	// StreamFormat is the resolved stream descriptor, filled lazily on
	// first resolution.
	StreamFormat *audio.Format
}

// NewItem builds a queue item for a provider reference.
func NewItem(ref media.ItemRef, duration time.Duration, allowCrossfade bool) *Item {
	return &Item{
		ID:             uuid.New().String(),
		Ref:            ref,
		ProviderID:     ref.ProviderID,
		Duration:       duration,
		AllowCrossfade: allowCrossfade,
	}
}
